// Package server implements the ARServer: the websocket hub UI clients
// connect to. It serves the authoring RPC surface over the catalog, keeps
// the single open editing session, enforces the edit lock discipline, fans
// change events out to every client and proxies execution RPCs to the
// manager, relaying the manager's events back.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/catalog"
	"github.com/arcor2-io/arcor2/internal/hub"
	"github.com/arcor2-io/arcor2/internal/metrics"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/sceneclient"
	"github.com/arcor2-io/arcor2/internal/server/aiming"
	"github.com/arcor2-io/arcor2/internal/server/lock"
	"github.com/arcor2-io/arcor2/internal/server/objtype"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// Config tunes the server.
type Config struct {
	// LockTimeout is the grace period a disconnected user keeps their locks.
	LockTimeout time.Duration

	// CatalogRefresh is the object type refresh interval; zero disables the
	// periodic refresh (the startup and on-demand refreshes still run).
	CatalogRefresh time.Duration

	// RPCWarnAfter is the soft deadline; handlers exceeding it are logged.
	RPCWarnAfter time.Duration

	// AimingMaxAge bounds how old an abandoned aiming session may grow.
	AimingMaxAge time.Duration

	// Clock is injected by tests; nil means the wall clock.
	Clock clockwork.Clock
}

// ExecProxy forwards one execution RPC to the manager and returns its
// response with the caller's correlation id restored.
type ExecProxy interface {
	Call(ctx context.Context, req wire.Request) (wire.Response, error)
}

// relayQueueSize bounds the manager event relay. Overflow evicts the oldest
// action state event; package state and exception events are never dropped.
const relayQueueSize = 256

// Server is the ARServer core.
type Server struct {
	logger *zap.Logger
	cfg    Config

	catalog *catalog.Catalog
	scene   *sceneclient.Client
	exec    ExecProxy
	hub     *hub.Hub
	locks   *lock.Table
	aiming  *aiming.Tracker
	clock   clockwork.Clock

	// mu serialises all session state: the open session, the user registry
	// and the resolved type graph. Handlers hold it for their whole body
	// except while proxying to the manager.
	mu      sync.Mutex
	session *Session
	users   map[string]*hub.Peer
	graph   *objtype.Graph

	// relay buffers manager events between the link goroutine and the
	// broadcast pump.
	relayMu   sync.Mutex
	relay     []wire.Event
	relayCond chan struct{}

	handlers map[string]handlerFunc

	ctx context.Context
}

// New builds a Server. exec may be nil when no manager is configured; the
// execution RPCs then fail with a domain error.
func New(cfg Config, cat *catalog.Catalog, scene *sceneclient.Client, exec ExecProxy, logger *zap.Logger) *Server {
	if cfg.RPCWarnAfter <= 0 {
		cfg.RPCWarnAfter = time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Server{
		logger:    logger.Named("server"),
		cfg:       cfg,
		catalog:   cat,
		scene:     scene,
		exec:      exec,
		clock:     clock,
		users:     make(map[string]*hub.Peer),
		graph:     objtype.Build(nil),
		relayCond: make(chan struct{}, 1),
		ctx:       context.Background(),
	}
	s.hub = hub.New(logger.Named("clients"), s.onDisconnect)
	s.locks = lock.New(hierarchy{s}, clock, cfg.LockTimeout, s.onAutoRelease)
	s.aiming = aiming.New(scene, clock)
	s.registerHandlers()
	return s
}

// Run starts the hub, the relay pump and the periodic catalog refresh, then
// blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	go s.hub.Run(ctx)
	go s.relayPump(ctx)

	if err := s.RefreshObjectTypes(ctx); err != nil {
		// The catalog may simply not be up yet; the periodic refresh will
		// catch up.
		s.logger.Warn("initial object type refresh failed", zap.Error(err))
	}

	if s.cfg.CatalogRefresh > 0 {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("server: scheduler: %w", err)
		}
		_, err = sched.NewJob(
			gocron.DurationJob(s.cfg.CatalogRefresh),
			gocron.NewTask(func() {
				if err := s.RefreshObjectTypes(ctx); err != nil {
					s.logger.Warn("object type refresh failed", zap.Error(err))
				}
			}),
		)
		if err != nil {
			return fmt.Errorf("server: refresh job: %w", err)
		}
		sched.Start()
		defer func() {
			if err := sched.Shutdown(); err != nil {
				s.logger.Warn("scheduler shutdown", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// Router returns the server's HTTP surface: the websocket endpoint plus
// health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.serveWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.hub.ConnectedCount())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Serve(w, r, func(p *hub.Peer, frame []byte) {
		go s.handleFrame(p, frame)
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
	}
}

// onDisconnect runs in the hub loop when a peer leaves: the identity is
// freed and the lock auto-release timer armed.
func (s *Server) onDisconnect(p *hub.Peer) {
	name := p.Name()
	if name == "" {
		return
	}
	s.mu.Lock()
	if s.users[name] == p {
		delete(s.users, name)
	}
	s.mu.Unlock()
	s.locks.ArmRelease(name)
	s.logger.Info("user disconnected", zap.String("user", name))
}

// onAutoRelease fires when a disconnected user's lock grace period lapses.
func (s *Server) onAutoRelease(user string, ids []string) {
	s.logger.Info("auto-released locks of disconnected user",
		zap.String("user", user), zap.Strings("ids", ids))
	s.broadcastEvent(wire.EvObjectsUnlocked, wire.LockEventData{Owner: user, ObjectIDs: ids}, nil)
}

// --- event fan-out ---

// broadcastEvent encodes and fans an event out; except skips one peer.
func (s *Server) broadcastEvent(name string, data any, except *hub.Peer) {
	ev, err := wire.NewEvent(name, data)
	if err != nil {
		s.logger.Error("encode event", zap.String("event", name), zap.Error(err))
		return
	}
	s.broadcast(ev, except)
}

// broadcastChanged emits one Changed event carrying the entity's post-state.
func (s *Server) broadcastChanged(name string, data any, ct wire.ChangeType, parentID string) {
	ev, err := wire.Changed(name, data, ct, parentID)
	if err != nil {
		s.logger.Error("encode event", zap.String("event", name), zap.Error(err))
		return
	}
	s.broadcast(ev, nil)
}

func (s *Server) broadcast(ev wire.Event, except *hub.Peer) {
	raw, err := ev.Encode()
	if err != nil {
		s.logger.Error("encode event", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	metrics.EventsBroadcast.WithLabelValues(ev.Event).Inc()
	s.hub.Broadcast(raw, except)
}

// sendEvent delivers an event to a single peer.
func (s *Server) sendEvent(p *hub.Peer, name string, data any) {
	ev, err := wire.NewEvent(name, data)
	if err != nil {
		s.logger.Error("encode event", zap.String("event", name), zap.Error(err))
		return
	}
	raw, err := ev.Encode()
	if err != nil {
		return
	}
	if !p.Enqueue(raw) {
		s.logger.Warn("peer queue full, dropping event",
			zap.String("event", name), zap.String("user", p.Name()))
	}
}

// --- manager event relay ---

// RelayManagerEvent enqueues one manager-originated event for broadcast.
// Called from the manager link's read goroutine; per-event order is kept.
func (s *Server) RelayManagerEvent(ev wire.Event) {
	s.relayMu.Lock()
	if len(s.relay) >= relayQueueSize {
		// Evict the oldest droppable event. State and exception events must
		// survive, so the queue may exceed its bound on their account.
		dropped := false
		for i := range s.relay {
			if s.relay[i].Event == wire.EvActionStateBefore || s.relay[i].Event == wire.EvActionStateAfter {
				s.relay = append(s.relay[:i], s.relay[i+1:]...)
				dropped = true
				break
			}
		}
		if dropped {
			metrics.RelayDropped.Inc()
		}
	}
	s.relay = append(s.relay, ev)
	s.relayMu.Unlock()

	select {
	case s.relayCond <- struct{}{}:
	default:
	}
}

// relayPump drains the relay queue into the hub, preserving arrival order.
func (s *Server) relayPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.relayCond:
		}
		for {
			s.relayMu.Lock()
			if len(s.relay) == 0 {
				s.relayMu.Unlock()
				break
			}
			ev := s.relay[0]
			s.relay = s.relay[1:]
			s.relayMu.Unlock()
			s.deliverManagerEvent(ev)
		}
	}
}

func (s *Server) deliverManagerEvent(ev wire.Event) {
	s.broadcast(ev, nil)

	// A finished run sends every UI to the package listing, with the run's
	// package highlighted. Clients with an editing session open decide for
	// themselves whether to follow.
	if ev.Event == wire.EvPackageState {
		var data wire.PackageStateData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return
		}
		if data.State != model.PackageStopped {
			return
		}
		s.broadcastEvent(wire.EvShowMainScreen, wire.ShowMainScreenData{
			What:      wire.ScreenPackagesList,
			Highlight: data.PackageID,
		}, nil)
	}
}

// --- object type graph ---

// RefreshObjectTypes refetches the catalog, rebuilds the resolved graph and
// broadcasts the deltas as ChangedObjectTypes events.
func (s *Server) RefreshObjectTypes(ctx context.Context) error {
	s.catalog.ObjectTypes.Invalidate()
	listing, err := s.catalog.ObjectTypes.List(ctx)
	if err != nil {
		return fmt.Errorf("server: list object types: %w", err)
	}

	raw := make([]*model.ObjectType, 0, len(listing))
	for _, desc := range listing {
		t, err := s.catalog.ObjectTypes.Get(ctx, desc.ID)
		if err != nil {
			s.logger.Warn("skipping unreadable object type",
				zap.String("id", desc.ID), zap.Error(err))
			continue
		}
		raw = append(raw, t)
	}

	updated := objtype.Build(raw)

	s.mu.Lock()
	prev := s.graph
	s.graph = updated
	s.mu.Unlock()

	added, changed, removed := objtype.Diff(prev, updated)
	for _, delta := range []struct {
		ct    wire.ChangeType
		types []model.ObjectType
	}{
		{wire.ChangeAdd, added},
		{wire.ChangeUpdate, changed},
		{wire.ChangeRemove, removed},
	} {
		if len(delta.types) == 0 {
			continue
		}
		s.broadcastChanged(wire.EvChangedObjectTypes,
			wire.ChangedObjectTypesData{ObjectTypes: delta.types}, delta.ct, "")
	}
	return nil
}

// --- collision sync ---

// typeModel returns the collision model of a scene object's type, if any.
// Callers hold the server mutex.
func (s *Server) typeModel(obj *model.SceneObject) *model.ObjectModel {
	e, ok := s.graph.Get(obj.Type)
	if !ok {
		return nil
	}
	return e.Type.Model
}

// syncSceneCollisions mirrors the open scene into the scene service's
// collision world. Runs detached; failures are logged, never surfaced.
func (s *Server) syncSceneCollisions(scene model.Scene, models map[string]*model.ObjectModel) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	if err := s.scene.ClearCollisions(ctx); err != nil {
		s.logger.Warn("collision clear failed", zap.Error(err))
	}
	for i := range scene.Objects {
		obj := &scene.Objects[i]
		m := models[obj.ID]
		if m == nil || obj.Pose == nil {
			continue
		}
		if err := s.scene.UpsertCollision(ctx, obj.ID, *m, *obj.Pose); err != nil {
			s.logger.Warn("collision upsert failed",
				zap.String("object_id", obj.ID), zap.Error(err))
		}
	}
}

// upsertCollision pushes one object's collision model. Runs detached.
func (s *Server) upsertCollision(objectID string, m model.ObjectModel, pose model.Pose) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.scene.UpsertCollision(ctx, objectID, m, pose); err != nil {
		s.logger.Warn("collision upsert failed", zap.String("object_id", objectID), zap.Error(err))
	}
}

// deleteCollision removes one object's collision model. Runs detached.
func (s *Server) deleteCollision(objectID string) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.scene.DeleteCollision(ctx, objectID); err != nil {
		s.logger.Warn("collision delete failed", zap.String("object_id", objectID), zap.Error(err))
	}
}

// clearCollisions empties the collision world. Runs detached.
func (s *Server) clearCollisions() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.scene.ClearCollisions(ctx); err != nil {
		s.logger.Warn("collision clear failed", zap.Error(err))
	}
}
