package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/wire"
)

const (
	linkBackoffInitial = time.Second
	linkBackoffMax     = 30 * time.Second
	linkBackoffFactor  = 2.0
	// linkJitterFraction perturbs each backoff interval by up to ±20% so a
	// restarted manager is not hammered in lockstep.
	linkJitterFraction = 0.2

	linkWriteTimeout = 10 * time.Second
)

// ErrManagerDown is returned by Call while no manager connection is up.
var ErrManagerDown = errors.New("server: manager link is down")

// ManagerLink is the server's persistent websocket connection to the
// execution manager. It implements ExecProxy: execution RPCs are forwarded
// with link-local correlation ids and the manager's answer is matched back to
// the waiting caller. Event frames the manager pushes are handed to the event
// handler in arrival order.
//
// The link reconnects with exponential backoff; calls in flight when the
// connection drops fail immediately rather than hanging on a dead socket.
type ManagerLink struct {
	url     string
	logger  *zap.Logger
	onEvent func(wire.Event)

	// mu protects conn, pending and nextID. conn is replaced on every
	// reconnect; writes to it are serialised by wmu.
	mu      sync.Mutex
	wmu     sync.Mutex
	conn    *websocket.Conn
	pending map[int]chan wire.Response
	nextID  int
}

// NewManagerLink builds a link to the manager's websocket endpoint. Call Run
// to start the connection loop.
func NewManagerLink(url string, logger *zap.Logger) *ManagerLink {
	return &ManagerLink{
		url:     url,
		logger:  logger.Named("managerlink"),
		pending: make(map[int]chan wire.Response),
	}
}

// SetEventHandler installs the sink for manager-pushed events. Must be called
// before Run.
func (l *ManagerLink) SetEventHandler(fn func(wire.Event)) {
	l.onEvent = fn
}

// Run maintains the connection until ctx is cancelled, reconnecting with
// backoff on any failure.
func (l *ManagerLink) Run(ctx context.Context) {
	backoff := linkBackoffInitial

	for {
		if ctx.Err() != nil {
			l.logger.Info("manager link stopped")
			return
		}

		l.logger.Info("connecting to manager", zap.String("url", l.url))
		if err := l.connect(ctx); err != nil {
			l.logger.Warn("manager connection failed, retrying",
				zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(linkJitter(backoff)):
			}
			backoff = linkNextBackoff(backoff)
			continue
		}

		// A session ran; reset backoff before the next reconnect.
		backoff = linkBackoffInitial
	}
}

// connect runs one session: dial, then read until the connection dies.
func (l *ManagerLink) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.logger.Info("manager link up")

	// Tear the socket down when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	err = l.readLoop(conn)
	l.teardown(conn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readLoop dispatches inbound frames: responses to waiting callers, events to
// the handler. Malformed frames are dropped.
func (l *ManagerLink) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f, err := wire.Decode(raw)
		if err != nil {
			l.logger.Warn("dropping malformed manager frame", zap.Error(err))
			continue
		}
		switch f.Kind {
		case wire.FrameResponse:
			l.mu.Lock()
			ch, ok := l.pending[f.Response.ID]
			if ok {
				delete(l.pending, f.Response.ID)
			}
			l.mu.Unlock()
			if !ok {
				l.logger.Warn("unmatched manager response",
					zap.String("response", f.Response.Response), zap.Int("id", f.Response.ID))
				continue
			}
			ch <- f.Response
		case wire.FrameEvent:
			if l.onEvent != nil {
				l.onEvent(f.Event)
			}
		default:
			l.logger.Warn("dropping unexpected manager frame kind")
		}
	}
}

// teardown clears the dead connection and fails every call still in flight.
func (l *ManagerLink) teardown(conn *websocket.Conn) {
	conn.Close()

	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	stranded := l.pending
	l.pending = make(map[int]chan wire.Response)
	l.mu.Unlock()

	for _, ch := range stranded {
		close(ch)
	}
	if len(stranded) > 0 {
		l.logger.Warn("manager link dropped with calls in flight",
			zap.Int("count", len(stranded)))
	}
}

// Call implements ExecProxy. The request is forwarded under a link-local
// correlation id; the manager's answer comes back with the caller's id
// restored.
func (l *ManagerLink) Call(ctx context.Context, req wire.Request) (wire.Response, error) {
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return wire.Response{}, ErrManagerDown
	}
	l.nextID++
	id := l.nextID
	ch := make(chan wire.Response, 1)
	l.pending[id] = ch
	l.mu.Unlock()

	callerID := req.ID
	req.ID = id
	raw, err := req.Encode()
	if err != nil {
		l.abandon(id)
		return wire.Response{}, fmt.Errorf("server: encode manager request: %w", err)
	}

	l.wmu.Lock()
	conn.SetWriteDeadline(time.Now().Add(linkWriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, raw)
	l.wmu.Unlock()
	if err != nil {
		l.abandon(id)
		return wire.Response{}, fmt.Errorf("server: write manager request: %w", err)
	}

	select {
	case <-ctx.Done():
		l.abandon(id)
		return wire.Response{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return wire.Response{}, ErrManagerDown
		}
		resp.ID = callerID
		return resp, nil
	}
}

// abandon forgets a pending call after a local failure.
func (l *ManagerLink) abandon(id int) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func linkNextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * linkBackoffFactor)
	if next > linkBackoffMax {
		return linkBackoffMax
	}
	return next
}

func linkJitter(d time.Duration) time.Duration {
	delta := float64(d) * linkJitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
