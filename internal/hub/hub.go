// Package hub implements the websocket fan-out shared by the server (UI
// clients) and the manager (controlling peers). A Hub owns the registry of
// connected peers; each peer runs a read pump that hands inbound frames to
// the owner's handler and a write pump that serialises outbound frames.
//
// All registry mutations are serialised through the Run loop via channels.
// Broadcast is the one exception: it holds a read lock just long enough to
// copy the peer set, then enqueues outside the lock so a slow peer cannot
// stall the registry.
package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/metrics"
)

// Hub is the registry of connected websocket peers.
type Hub struct {
	// peers is the set of connected peers, keyed by pointer for O(1)
	// register/unregister.
	peers map[*Peer]struct{}

	// mu protects peers during Broadcast, which reads the set from outside
	// the Run goroutine. The register/unregister channels handle writes
	// exclusively inside Run.
	mu sync.RWMutex

	register   chan *Peer
	unregister chan *Peer

	// onDisconnect, when set, is called from the Run loop for every peer
	// that leaves the hub. The server uses it to arm lock auto-release.
	onDisconnect func(*Peer)

	logger *zap.Logger
}

// New creates an idle Hub. Call Run in a goroutine to start it.
// onDisconnect may be nil.
func New(logger *zap.Logger, onDisconnect func(*Peer)) *Hub {
	return &Hub{
		peers:        make(map[*Peer]struct{}),
		register:     make(chan *Peer, 16),
		unregister:   make(chan *Peer, 16),
		onDisconnect: onDisconnect,
		logger:       logger,
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = struct{}{}
			h.mu.Unlock()
			metrics.ConnectedClients.Inc()

		case p := <-h.unregister:
			h.mu.Lock()
			_, ok := h.peers[p]
			if ok {
				delete(h.peers, p)
				// Signal the peer's write pump to drain and exit.
				close(p.send)
			}
			h.mu.Unlock()
			if ok {
				metrics.ConnectedClients.Dec()
				if h.onDisconnect != nil {
					h.onDisconnect(p)
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			for p := range h.peers {
				close(p.send)
			}
			h.peers = make(map[*Peer]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast enqueues frame for every connected peer except the one given
// (nil excludes nobody). Peers whose send buffer is full are disconnected so
// a slow consumer cannot hold back the rest.
func (h *Hub) Broadcast(frame []byte, except *Peer) {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		if p != except {
			peers = append(peers, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range peers {
		if !p.Enqueue(frame) {
			p.logger.Warn("hub: peer too slow, disconnecting")
			h.unregister <- p
		}
	}
}

// ConnectedCount returns the number of connected peers. Intended for health
// endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
