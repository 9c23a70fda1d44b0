package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/wire"
)

var linkUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeManager accepts one link connection at a time, answers every request
// with success and lets tests push events down the socket.
type fakeManager struct {
	t     *testing.T
	conns chan *websocket.Conn
}

func newFakeManager(t *testing.T) (*fakeManager, string) {
	t.Helper()
	f := &fakeManager{t: t, conns: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := linkUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := wire.Decode(raw)
			if err != nil || frame.Kind != wire.FrameRequest {
				continue
			}
			resp, err := wire.OK(frame.Request.Request, frame.Request.ID, wire.IDData{ID: "answered"})
			if err != nil {
				continue
			}
			out, _ := resp.Encode()
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeManager) waitConn() *websocket.Conn {
	f.t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for link connection")
		return nil
	}
}

func startLink(t *testing.T, url string, onEvent func(wire.Event)) *ManagerLink {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	link := NewManagerLink(url, zaptest.NewLogger(t))
	if onEvent != nil {
		link.SetEventHandler(onEvent)
	}
	go link.Run(ctx)
	return link
}

func TestManagerLinkCallRestoresCallerID(t *testing.T) {
	mgr, url := newFakeManager(t)
	link := startLink(t, url, nil)
	mgr.waitConn()

	resp, err := link.Call(context.Background(), wire.Request{Request: wire.RPCListPackages, ID: 42})
	require.NoError(t, err)
	assert.True(t, resp.Result)
	assert.Equal(t, wire.RPCListPackages, resp.Response)
	assert.Equal(t, 42, resp.ID, "the caller's correlation id must be restored")
}

func TestManagerLinkDeliversEvents(t *testing.T) {
	events := make(chan wire.Event, 4)
	mgr, url := newFakeManager(t)
	startLink(t, url, func(ev wire.Event) { events <- ev })
	conn := mgr.waitConn()

	ev, err := wire.NewEvent(wire.EvPackageState, wire.PackageStateData{PackageID: "p1", State: model.PackageRunning})
	require.NoError(t, err)
	raw, err := ev.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	select {
	case got := <-events:
		assert.Equal(t, wire.EvPackageState, got.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestManagerLinkCallFailsWhileDown(t *testing.T) {
	link := NewManagerLink("ws://127.0.0.1:1/ws", zaptest.NewLogger(t))
	_, err := link.Call(context.Background(), wire.Request{Request: wire.RPCListPackages, ID: 1})
	assert.ErrorIs(t, err, ErrManagerDown)
}

func TestManagerLinkReconnects(t *testing.T) {
	mgr, url := newFakeManager(t)
	link := startLink(t, url, nil)

	first := mgr.waitConn()
	first.Close()

	// The link must come back on its own and serve calls again.
	mgr.waitConn()
	require.Eventually(t, func() bool {
		_, err := link.Call(context.Background(), wire.Request{Request: wire.RPCListPackages, ID: 7})
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)
}
