// Package manager implements the execution manager: the websocket endpoint
// that installs built packages, runs at most one of them as a child process
// and mediates its lifecycle and event stream for any number of controlling
// peers (normally one server).
package manager

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/buildclient"
	"github.com/arcor2-io/arcor2/internal/hub"
	"github.com/arcor2-io/arcor2/internal/manager/pkgstore"
	"github.com/arcor2-io/arcor2/internal/manager/script"
	"github.com/arcor2-io/arcor2/internal/metrics"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// Config wires a Manager.
type Config struct {
	// ProjectPath is the canonical deployment path the script runs from.
	ProjectPath string

	// StopDeadline bounds the SIGTERM grace period before SIGKILL.
	StopDeadline time.Duration
}

// Manager owns the package library and the lifecycle of the one running
// package. All run state sits behind one mutex; none of the guarded
// sections performs I/O beyond a pipe write.
type Manager struct {
	logger *zap.Logger
	store  *pkgstore.Store
	build  *buildclient.Client
	hub    *hub.Hub
	cfg    Config

	ctx context.Context

	mu    sync.Mutex
	state model.PackageState
	pkgID string
	// breakpointAP is the action point the script reported pausing on.
	breakpointAP  string
	proc          *script.Proc
	currentAction *wire.ActionStateBeforeData
	lastError     *wire.ProjectExceptionData

	handlers map[string]func(req wire.Request) wire.Response
}

// New builds a Manager. ctx bounds its outbound Build service calls and the
// lifetime of its hub.
func New(ctx context.Context, store *pkgstore.Store, build *buildclient.Client, cfg Config, logger *zap.Logger) *Manager {
	if cfg.StopDeadline <= 0 {
		cfg.StopDeadline = script.DefaultStopDeadline
	}
	m := &Manager{
		logger: logger.Named("manager"),
		store:  store,
		build:  build,
		hub:    hub.New(logger.Named("peers"), nil),
		cfg:    cfg,
		ctx:    ctx,
		state:  model.PackageUndefined,
	}
	m.handlers = map[string]func(wire.Request) wire.Response{
		wire.RPCBuildProject:  m.buildProject,
		wire.RPCRunPackage:    m.runPackage,
		wire.RPCStopPackage:   m.stopPackage,
		wire.RPCPausePackage:  m.pausePackage,
		wire.RPCResumePackage: m.resumePackage,
		wire.RPCPackageState:  m.packageState,
		wire.RPCListPackages:  m.listPackages,
		wire.RPCUploadPackage: m.uploadPackage,
		wire.RPCDeletePackage: m.deletePackage,
		wire.RPCRenamePackage: m.renamePackage,
		wire.RPCPackageInfo:   m.packageInfo,
	}
	go m.hub.Run(ctx)
	return m
}

// ServeWS upgrades one controlling peer connection and serves it until it
// closes. Every inbound request runs in its own goroutine.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	err := m.hub.Serve(w, r, func(p *hub.Peer, frame []byte) {
		go m.handleFrame(p, frame)
	})
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
	}
}

// Router exposes the websocket endpoint plus health and metrics.
func (m *Manager) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", m.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","peers":%d}`, m.hub.ConnectedCount())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ConnectedPeers reports how many controlling peers are attached.
func (m *Manager) ConnectedPeers() int {
	return m.hub.ConnectedCount()
}

// Shutdown stops a running package, if any. Called on process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc != nil {
		proc.Stop(m.cfg.StopDeadline)
	}
}

func (m *Manager) handleFrame(p *hub.Peer, frame []byte) {
	f, err := wire.Decode(frame)
	if err != nil {
		m.logger.Error("dropping malformed frame", zap.Error(err))
		return
	}
	if f.Kind != wire.FrameRequest {
		m.logger.Error("dropping unexpected frame", zap.String("kind", fmt.Sprint(f.Kind)))
		return
	}
	req := f.Request

	handler, ok := m.handlers[req.Request]
	var resp wire.Response
	if !ok {
		resp = wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown request %s", req.Request))
	} else {
		resp = m.safeCall(handler, req)
	}

	metrics.RPCs.WithLabelValues(req.Request, fmt.Sprint(resp.Result)).Inc()
	m.send(p, resp)
}

// safeCall guards a handler against panics so a broken request cannot take
// the whole manager down; the caller still gets a response.
func (m *Manager) safeCall(handler func(wire.Request) wire.Response, req wire.Request) (resp wire.Response) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked",
				zap.String("request", req.Request), zap.Any("panic", r), zap.Stack("stack"))
			resp = wire.Fail(req.Request, req.ID, "System error.")
		}
	}()
	return handler(req)
}

func (m *Manager) send(p *hub.Peer, resp wire.Response) {
	raw, err := resp.Encode()
	if err != nil {
		m.logger.Error("encode response", zap.Error(err))
		return
	}
	if !p.Enqueue(raw) {
		m.logger.Warn("peer queue full, dropping response", zap.String("response", resp.Response))
	}
}

// broadcast fans an event out to every controlling peer.
func (m *Manager) broadcast(ev wire.Event) {
	raw, err := ev.Encode()
	if err != nil {
		m.logger.Error("encode event", zap.Error(err))
		return
	}
	metrics.EventsBroadcast.WithLabelValues(ev.Event).Inc()
	m.hub.Broadcast(raw, nil)
}

func (m *Manager) broadcastState(data wire.PackageStateData) {
	ev, err := wire.NewEvent(wire.EvPackageState, data)
	if err != nil {
		m.logger.Error("encode package state", zap.Error(err))
		return
	}
	m.broadcast(ev)
}

func (m *Manager) broadcastPackageChanged(ct wire.ChangeType, summary model.PackageSummary) {
	ev, err := wire.Changed(wire.EvPackageChanged, summary, ct, "")
	if err != nil {
		m.logger.Error("encode package changed", zap.Error(err))
		return
	}
	m.broadcast(ev)
}

func cannot(op string, state model.PackageState) string {
	return fmt.Sprintf("Cannot %s in state %s.", op, state)
}

// --- execution RPCs ---

func (m *Manager) runPackage(req wire.Request) wire.Response {
	var args wire.RunPackageArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.ID == "" {
		return wire.Fail(req.Request, req.ID, "missing package id")
	}

	m.mu.Lock()
	if m.state != model.PackageUndefined && m.state != model.PackageStopped {
		state := m.state
		m.mu.Unlock()
		return wire.Fail(req.Request, req.ID, cannot("run package", state))
	}
	// Claim the slot before releasing the mutex so concurrent runs cannot
	// both pass the state check. Failures below roll this back to the state
	// the claim replaced.
	prev := m.state
	m.state = model.PackageStarting
	m.mu.Unlock()

	pkgID, err := m.preparePackage(args, req.DryRun)
	if err == nil && req.DryRun {
		m.rollbackStart(prev)
		return m.ok(req, nil)
	}
	if err != nil {
		m.rollbackStart(prev)
		return wire.Fail(req.Request, req.ID, err.Error())
	}

	proc, err := script.Start(script.Options{
		ProjectPath: m.cfg.ProjectPath,
		Breakpoints: args.Breakpoints,
		StartPaused: args.StartPaused,
	}, m.logger)
	if err != nil {
		m.rollbackStart(prev)
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("failed to start package: %v", err))
	}

	m.mu.Lock()
	m.pkgID = pkgID
	m.proc = proc
	m.breakpointAP = ""
	m.currentAction = nil
	m.lastError = nil
	m.mu.Unlock()

	m.broadcastState(wire.PackageStateData{PackageID: pkgID, State: model.PackageStarting})
	go m.eventLoop(pkgID, proc)

	return m.ok(req, wire.IDData{ID: pkgID})
}

// preparePackage makes sure a runnable package is deployed and returns its
// id. An id the store does not hold is treated as a project id and fetched
// from the Build service. With dryRun set nothing is deployed or stamped.
func (m *Manager) preparePackage(args wire.RunPackageArgs, dryRun bool) (string, error) {
	pkgID := args.ID
	if !m.store.Exists(pkgID) {
		if dryRun {
			return pkgID, nil
		}
		if m.build == nil {
			return "", fmt.Errorf("package %s is not installed and no Build service is configured", pkgID)
		}
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		defer cancel()
		zipData, err := m.build.Publish(ctx, args.ID, args.ID)
		if err != nil {
			return "", fmt.Errorf("package %s is not installed and could not be built: %v", args.ID, err)
		}
		summary, err := m.store.Install(model.NewID(), args.ID, args.ID, zipData)
		if err != nil {
			return "", err
		}
		pkgID = summary.ID
		m.broadcastPackageChanged(wire.ChangeAdd, summary)
	}
	if dryRun {
		return pkgID, nil
	}
	if _, err := m.store.MarkExecuted(pkgID); err != nil {
		return "", err
	}
	if _, err := m.store.Deploy(pkgID, m.cfg.ProjectPath); err != nil {
		return "", err
	}
	return pkgID, nil
}

// rollbackStart returns the claimed run slot after a failed start, restoring
// the state the claim replaced.
func (m *Manager) rollbackStart(prev model.PackageState) {
	m.mu.Lock()
	m.state = prev
	m.mu.Unlock()
}

// eventLoop consumes the script's events until it exits, then settles the
// run into Stopped.
func (m *Manager) eventLoop(pkgID string, proc *script.Proc) {
	for ev := range proc.Events() {
		switch ev.Event {
		case wire.EvPackageState:
			var data wire.PackageStateData
			if err := json.Unmarshal(ev.Data, &data); err != nil || !data.State.Valid() {
				m.logger.Warn("dropping malformed package state from script", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.state = data.State
			m.breakpointAP = data.ActionPointID
			m.mu.Unlock()
			data.PackageID = pkgID
			m.broadcastState(data)

		case wire.EvActionStateBefore:
			var data wire.ActionStateBeforeData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				m.logger.Warn("dropping malformed action state from script", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.currentAction = &data
			m.mu.Unlock()
			m.broadcast(ev)

		case wire.EvActionStateAfter:
			m.broadcast(ev)

		case wire.EvProjectException:
			var data wire.ProjectExceptionData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				m.logger.Warn("dropping malformed exception from script", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.lastError = &data
			m.mu.Unlock()
			m.broadcast(ev)

		default:
			m.logger.Debug("ignoring unknown script event", zap.String("event", ev.Event))
		}
	}

	outcome := "completed"
	if err := proc.Err(); err != nil {
		outcome = "failed"
		m.logger.Warn("script exited with error", zap.String("package_id", pkgID), zap.Error(err))
	}

	m.mu.Lock()
	if m.lastError != nil {
		outcome = "error"
	}
	m.state = model.PackageStopped
	m.pkgID = ""
	m.proc = nil
	m.breakpointAP = ""
	m.currentAction = nil
	m.mu.Unlock()

	metrics.PackageRuns.WithLabelValues(outcome).Inc()
	m.broadcastState(wire.PackageStateData{PackageID: pkgID, State: model.PackageStopped})
}

func (m *Manager) stopPackage(req wire.Request) wire.Response {
	m.mu.Lock()
	switch m.state {
	case model.PackageStarting, model.PackageRunning, model.PackagePaused:
	default:
		state := m.state
		m.mu.Unlock()
		return wire.Fail(req.Request, req.ID, cannot("stop package", state))
	}
	if req.DryRun {
		m.mu.Unlock()
		return m.ok(req, nil)
	}
	m.state = model.PackageStopping
	pkgID, proc := m.pkgID, m.proc
	m.mu.Unlock()

	m.broadcastState(wire.PackageStateData{PackageID: pkgID, State: model.PackageStopping})
	go proc.Stop(m.cfg.StopDeadline)
	return m.ok(req, nil)
}

func (m *Manager) pausePackage(req wire.Request) wire.Response {
	m.mu.Lock()
	if m.state != model.PackageRunning {
		state := m.state
		m.mu.Unlock()
		return wire.Fail(req.Request, req.ID, cannot("pause package", state))
	}
	if req.DryRun {
		m.mu.Unlock()
		return m.ok(req, nil)
	}
	proc := m.proc
	m.mu.Unlock()

	if err := proc.Pause(); err != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("failed to pause package: %v", err))
	}
	return m.ok(req, nil)
}

func (m *Manager) resumePackage(req wire.Request) wire.Response {
	m.mu.Lock()
	if m.state != model.PackagePaused {
		state := m.state
		m.mu.Unlock()
		return wire.Fail(req.Request, req.ID, cannot("resume package", state))
	}
	if req.DryRun {
		m.mu.Unlock()
		return m.ok(req, nil)
	}
	proc := m.proc
	m.mu.Unlock()

	if err := proc.Resume(); err != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("failed to resume package: %v", err))
	}
	return m.ok(req, nil)
}

func (m *Manager) packageState(req wire.Request) wire.Response {
	m.mu.Lock()
	data := wire.PackageStateData{
		PackageID:     m.pkgID,
		State:         m.state,
		ActionPointID: m.breakpointAP,
	}
	m.mu.Unlock()
	return m.ok(req, data)
}

// --- package library RPCs ---

func (m *Manager) buildProject(req wire.Request) wire.Response {
	var args wire.BuildProjectArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.ProjectID == "" {
		return wire.Fail(req.Request, req.ID, "missing project id")
	}
	if args.PackageName == "" {
		args.PackageName = args.ProjectID
	}
	if req.DryRun {
		return m.ok(req, nil)
	}

	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
	defer cancel()
	zipData, err := m.build.Publish(ctx, args.ProjectID, args.PackageName)
	if err != nil {
		m.logger.Warn("build failed", zap.String("project_id", args.ProjectID), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to build the project.")
	}

	summary, err := m.store.Install(model.NewID(), args.PackageName, args.ProjectID, zipData)
	if err != nil {
		m.logger.Warn("package install failed", zap.String("project_id", args.ProjectID), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to store the built package.")
	}

	m.broadcastPackageChanged(wire.ChangeAdd, summary)
	return m.ok(req, wire.IDData{ID: summary.ID})
}

func (m *Manager) listPackages(req wire.Request) wire.Response {
	packages, err := m.store.List()
	if err != nil {
		m.logger.Warn("list packages failed", zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to list packages.")
	}
	return m.ok(req, wire.ListPackagesData{Packages: packages})
}

func (m *Manager) uploadPackage(req wire.Request) wire.Response {
	var args wire.UploadPackageArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.ID == "" {
		return wire.Fail(req.Request, req.ID, "missing package id")
	}
	zipData, err := base64.StdEncoding.DecodeString(args.Data)
	if err != nil {
		return wire.Fail(req.Request, req.ID, "package data is not valid base64")
	}
	if req.DryRun {
		return m.ok(req, nil)
	}

	ct := wire.ChangeAdd
	if m.store.Exists(args.ID) {
		ct = wire.ChangeUpdate
	}
	summary, err := m.store.Install(args.ID, args.Name, "", zipData)
	if err != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("failed to install package: %v", err))
	}
	m.broadcastPackageChanged(ct, summary)
	return m.ok(req, wire.IDData{ID: summary.ID})
}

func (m *Manager) deletePackage(req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}

	m.mu.Lock()
	running := m.pkgID == args.ID && m.proc != nil
	m.mu.Unlock()
	if running {
		return wire.Fail(req.Request, req.ID, "Cannot delete the running package.")
	}
	if !m.store.Exists(args.ID) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown package %s", args.ID))
	}
	if req.DryRun {
		return m.ok(req, nil)
	}

	if err := m.store.Delete(args.ID); err != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("failed to delete package: %v", err))
	}
	m.broadcastPackageChanged(wire.ChangeRemove, model.PackageSummary{ID: args.ID})
	return m.ok(req, nil)
}

func (m *Manager) renamePackage(req wire.Request) wire.Response {
	var args wire.RenameArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.NewName == "" {
		return wire.Fail(req.Request, req.ID, "missing new name")
	}
	if !m.store.Exists(args.ID) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown package %s", args.ID))
	}
	if req.DryRun {
		return m.ok(req, nil)
	}

	summary, err := m.store.Rename(args.ID, args.NewName)
	if err != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("failed to rename package: %v", err))
	}
	m.broadcastPackageChanged(wire.ChangeUpdate, summary)
	return m.ok(req, nil)
}

func (m *Manager) packageInfo(req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	summary, err := m.store.Summary(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown package %s", args.ID))
	}
	return m.ok(req, wire.PackageInfoData{PackageSummary: summary})
}

func (m *Manager) ok(req wire.Request, data any) wire.Response {
	resp, err := wire.OK(req.Request, req.ID, data)
	if err != nil {
		m.logger.Error("encode response data", zap.String("request", req.Request), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "System error.")
	}
	return resp
}
