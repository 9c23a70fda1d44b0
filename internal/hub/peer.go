package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write. A peer that cannot take a frame
	// within this window is disconnected so the write pump never stalls.
	writeWait = 10 * time.Second

	// pongWait is how long the hub waits for a pong after a ping; the
	// connection is closed if none arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the peer has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. UploadPackage carries a base64
	// zip, so the limit is generous.
	maxMessageSize = 96 << 20

	// sendBufferSize is the per-peer outbound queue. A full buffer marks the
	// peer as too slow; Broadcast disconnects it.
	sendBufferSize = 64
)

// upgrader performs the HTTP to websocket upgrade. Origin validation is left
// to the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler consumes one inbound text frame from a peer. The hub calls it from
// the peer's read pump; implementations that may block should spawn their own
// goroutine.
type Handler func(p *Peer, frame []byte)

// Peer is one connected websocket client. Two goroutines serve it: the read
// pump feeds inbound frames to the handler, the write pump is the only
// writer on the connection.
type Peer struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	// nameMu guards name, the identity the peer registered under. Empty
	// until registration succeeds.
	nameMu sync.RWMutex
	name   string
}

// Serve upgrades the request and runs the peer until the connection closes.
// Every inbound text frame is passed to onFrame.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, onFrame Handler) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	p := &Peer{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: h.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}

	h.register <- p
	go p.writePump()
	p.readPump(onFrame)
	return nil
}

// Name returns the registered identity, empty before registration.
func (p *Peer) Name() string {
	p.nameMu.RLock()
	defer p.nameMu.RUnlock()
	return p.name
}

// SetName records the identity the peer registered under.
func (p *Peer) SetName(name string) {
	p.nameMu.Lock()
	p.name = name
	p.nameMu.Unlock()
}

// Enqueue places a frame on the peer's outbound queue without blocking.
// It reports false when the queue is full or already closed.
func (p *Peer) Enqueue(frame []byte) (ok bool) {
	defer func() {
		// Enqueue races with the hub closing send on unregister; a send on a
		// closed channel panics, and losing that frame is the right outcome.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// readPump reads inbound frames until the connection closes, resetting the
// read deadline on every pong. When the loop exits the peer is unregistered.
func (p *Peer) readPump(onFrame Handler) {
	defer func() {
		p.hub.unregister <- p
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		p.logger.Warn("hub: failed to set read deadline", zap.Error(err))
		return
	}
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				p.logger.Warn("hub: unexpected close", zap.Error(err))
			}
			return
		}
		// The peer keeps reading pings/pongs even while a frame is handled,
		// so the deadline stays live.
		if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		onFrame(p, frame)
	}
}

// writePump forwards queued frames to the wire and sends periodic pings. It
// is the only goroutine that writes to the connection.
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				p.logger.Warn("hub: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				// The hub closed the queue: send a close frame and exit.
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.logger.Warn("hub: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.Warn("hub: ping error", zap.Error(err))
				return
			}
		}
	}
}
