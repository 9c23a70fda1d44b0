package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/hub"
	"github.com/arcor2-io/arcor2/internal/metrics"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// handlerFunc serves one RPC. The dispatcher holds the server mutex around
// the call, so handlers read and mutate session state freely but must not
// block on external peers.
type handlerFunc func(p *hub.Peer, req wire.Request) wire.Response

func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		wire.RPCRegisterUser: s.registerUser,

		wire.RPCListScenes:      s.listScenes,
		wire.RPCListProjects:    s.listProjects,
		wire.RPCGetScene:        s.getScene,
		wire.RPCGetObjectTypes:  s.getObjectTypes,
		wire.RPCGetActions:      s.getActions,
		wire.RPCObjectTypeUsage: s.objectTypeUsage,

		wire.RPCNewScene:         s.newScene,
		wire.RPCOpenScene:        s.openScene,
		wire.RPCSaveScene:        s.saveScene,
		wire.RPCCloseScene:       s.closeScene,
		wire.RPCDeleteScene:      s.deleteScene,
		wire.RPCRenameScene:      s.renameScene,
		wire.RPCAddObjectToScene: s.addObjectToScene,
		wire.RPCUpdateObjectPose: s.updateObjectPose,
		wire.RPCRenameObject:     s.renameObject,
		wire.RPCRemoveFromScene:  s.removeFromScene,

		wire.RPCNewProject:                    s.newProject,
		wire.RPCOpenProject:                   s.openProject,
		wire.RPCSaveProject:                   s.saveProject,
		wire.RPCCloseProject:                  s.closeProject,
		wire.RPCDeleteProject:                 s.deleteProject,
		wire.RPCRenameProject:                 s.renameProject,
		wire.RPCAddActionPoint:                s.addActionPoint,
		wire.RPCUpdateActionPointPosition:     s.updateActionPointPosition,
		wire.RPCRenameActionPoint:             s.renameActionPoint,
		wire.RPCRemoveActionPoint:             s.removeActionPoint,
		wire.RPCAddActionPointOrientation:     s.addActionPointOrientation,
		wire.RPCRemoveActionPointOrientation:  s.removeActionPointOrientation,
		wire.RPCAddAction:                     s.addAction,
		wire.RPCUpdateAction:                  s.updateAction,
		wire.RPCRenameAction:                  s.renameAction,
		wire.RPCRemoveAction:                  s.removeAction,
		wire.RPCAddLogicItem:                  s.addLogicItem,
		wire.RPCUpdateLogicItem:               s.updateLogicItem,
		wire.RPCRemoveLogicItem:               s.removeLogicItem,
		wire.RPCAddProjectParameter:           s.addProjectParameter,
		wire.RPCUpdateProjectParameter:        s.updateProjectParameter,
		wire.RPCRemoveProjectParameter:        s.removeProjectParameter,
		wire.RPCAddOverride:                   s.addOverride,
		wire.RPCUpdateOverride:                s.updateOverride,
		wire.RPCDeleteOverride:                s.deleteOverride,

		wire.RPCNewObjectType:    s.newObjectType,
		wire.RPCDeleteObjectType: s.deleteObjectType,

		wire.RPCWriteLock:   s.writeLock,
		wire.RPCWriteUnlock: s.writeUnlock,
		wire.RPCReadLock:    s.readLock,
		wire.RPCReadUnlock:  s.readUnlock,
		wire.RPCUpdateLock:  s.updateLock,

		wire.RPCObjectAimingStart:    s.aimingStart,
		wire.RPCObjectAimingAddPoint: s.aimingAddPoint,
		wire.RPCObjectAimingDone:     s.aimingDone,
		wire.RPCObjectAimingCancel:   s.aimingCancel,
	}
}

// handleFrame processes one inbound frame in its own goroutine.
func (s *Server) handleFrame(p *hub.Peer, frame []byte) {
	f, err := wire.Decode(frame)
	if err != nil {
		s.logger.Error("dropping malformed frame",
			zap.String("user", p.Name()), zap.Error(err))
		return
	}
	if f.Kind != wire.FrameRequest {
		s.logger.Error("dropping unexpected frame kind", zap.String("user", p.Name()))
		return
	}
	req := f.Request

	start := time.Now()
	resp := s.dispatch(p, req)
	if elapsed := time.Since(start); elapsed > s.cfg.RPCWarnAfter {
		s.logger.Warn("slow RPC",
			zap.String("request", req.Request), zap.Duration("elapsed", elapsed))
	}

	metrics.RPCs.WithLabelValues(req.Request, fmt.Sprint(resp.Result)).Inc()
	s.respond(p, resp)
}

func (s *Server) dispatch(p *hub.Peer, req wire.Request) wire.Response {
	if req.Request != wire.RPCRegisterUser && p.Name() == "" {
		return wire.Fail(req.Request, req.ID, "User not registered.")
	}

	if wire.IsExecutionRPC(req.Request) {
		return s.proxyExecution(p, req)
	}

	handler, ok := s.handlers[req.Request]
	if !ok {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown request %s", req.Request))
	}
	return s.safeCall(handler, p, req)
}

// safeCall runs a handler under the server mutex with panic containment.
// Handlers that talk to an external service wrap that call in await so the
// mutex is not held across the round trip.
func (s *Server) safeCall(handler handlerFunc, p *hub.Peer, req wire.Request) (resp wire.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				zap.String("request", req.Request), zap.Any("panic", r), zap.Stack("stack"))
			resp = wire.Fail(req.Request, req.ID, "System error.")
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	return handler(p, req)
}

// await runs fn with the server mutex released, for calls into external
// services. Any shared state read before the await must be re-validated
// after it: other handlers may have run in between.
func (s *Server) await(fn func()) {
	s.mu.Unlock()
	defer s.mu.Lock()
	fn()
}

// proxyExecution forwards one execution RPC to the manager. BuildProject is
// validated against the open session and the logic rules first; everything
// else is forwarded opaquely.
func (s *Server) proxyExecution(p *hub.Peer, req wire.Request) wire.Response {
	if req.Request == wire.RPCBuildProject {
		if resp, ok := s.validateBuild(req); !ok {
			return resp
		}
	}
	if s.exec == nil {
		return wire.Fail(req.Request, req.ID, "Execution service is not available.")
	}

	resp, err := s.exec.Call(s.ctx, req)
	if err != nil {
		s.logger.Warn("execution proxy failed",
			zap.String("request", req.Request), zap.String("user", p.Name()), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Execution service is not available.")
	}
	return resp
}

// validateBuild checks that the project exists, carries no unsaved changes
// and has complete logic before the build is forwarded.
func (s *Server) validateBuild(req wire.Request) (wire.Response, bool) {
	var args wire.BuildProjectArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error()), false
	}
	if args.ProjectID == "" {
		return wire.Fail(req.Request, req.ID, "missing project id"), false
	}

	// The open project is validated under the mutex; a stored one is fetched
	// and validated outside it, so the catalog round trip never blocks other
	// handlers.
	s.mu.Lock()
	if s.session != nil && s.session.Project != nil && s.session.Project.ID == args.ProjectID {
		defer s.mu.Unlock()
		if s.session.ProjectModified {
			return wire.Fail(req.Request, req.ID, "Project has unsaved changes."), false
		}
		if err := model.ValidateLogic(s.session.Project); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error()), false
		}
		return wire.Response{}, true
	}
	s.mu.Unlock()

	project, err := s.catalog.Projects.Get(s.ctx, args.ProjectID)
	if err != nil {
		s.logger.Warn("build validation fetch failed",
			zap.String("project_id", args.ProjectID), zap.Error(err))
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown project %s", args.ProjectID)), false
	}
	if err := model.ValidateLogic(project); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error()), false
	}
	return wire.Response{}, true
}

func (s *Server) respond(p *hub.Peer, resp wire.Response) {
	raw, err := resp.Encode()
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		return
	}
	if !p.Enqueue(raw) {
		s.logger.Warn("peer queue full, dropping response",
			zap.String("response", resp.Response), zap.String("user", p.Name()))
	}
}

// ok builds a success response, downgrading an encode failure to a system
// error rather than panicking.
func (s *Server) ok(req wire.Request, data any) wire.Response {
	resp, err := wire.OK(req.Request, req.ID, data)
	if err != nil {
		s.logger.Error("encode response data", zap.String("request", req.Request), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "System error.")
	}
	return resp
}

// registerUser claims an identity for the peer. A name held by another live
// connection is rejected; reclaiming one's own name after a reconnect
// cancels the pending lock release.
func (s *Server) registerUser(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.RegisterUserArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.UserName == "" {
		return wire.Fail(req.Request, req.ID, "missing user name")
	}
	if existing, ok := s.users[args.UserName]; ok && existing != p {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("user name %s already taken", args.UserName))
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	s.users[args.UserName] = p
	p.SetName(args.UserName)
	s.locks.CancelRelease(args.UserName)
	if n := s.aiming.Prune(s.cfg.AimingMaxAge); n > 0 {
		s.logger.Info("pruned stale aiming sessions", zap.Int("count", n))
	}
	s.logger.Info("user registered", zap.String("user", args.UserName))

	// Catch the client up: either the open session or the main listing.
	switch {
	case s.session != nil && s.session.Project != nil:
		s.sendEvent(p, wire.EvOpenProject, wire.OpenProjectData{
			Scene: *s.session.Scene, Project: *s.session.Project,
		})
	case s.session != nil && s.session.Scene != nil:
		s.sendEvent(p, wire.EvOpenScene, wire.OpenSceneData{Scene: *s.session.Scene})
	default:
		s.sendEvent(p, wire.EvShowMainScreen, wire.ShowMainScreenData{What: wire.ScreenScenesList})
	}
	return s.ok(req, nil)
}
