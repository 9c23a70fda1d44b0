package server

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/hub"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/wire"
)

func (s *Server) newObjectType(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.NewObjectTypeArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	t := args.ObjectType

	if err := model.ValidateTypeName(t.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if _, exists := s.graph.Get(t.ID); exists {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("object type %s already exists", t.ID))
	}
	if t.Base == "" {
		return wire.Fail(req.Request, req.ID, "missing base type")
	}
	base, ok := s.graph.Get(t.Base)
	if !ok {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown base type %s", t.Base))
	}
	if base.Type.Disabled {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("base type %s is disabled", t.Base))
	}
	if t.Model != nil {
		if !base.HasPose {
			return wire.Fail(req.Request, req.ID,
				fmt.Sprintf("base type %s has no pose, a collision model cannot apply", t.Base))
		}
		if err := t.Model.Validate(); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	var err error
	s.await(func() { _, err = s.catalog.ObjectTypes.Put(s.ctx, &t) })
	if err != nil {
		s.logger.Warn("object type save failed", zap.String("id", t.ID), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Storage service request failed.")
	}

	// The refresh rebuilds the resolved graph and broadcasts the delta. It
	// must not run under the server mutex the dispatcher holds.
	go func() {
		if err := s.RefreshObjectTypes(s.ctx); err != nil {
			s.logger.Warn("object type refresh failed", zap.Error(err))
		}
	}()
	return s.ok(req, nil)
}

func (s *Server) deleteObjectType(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	entry, ok := s.graph.Get(args.ID)
	if !ok {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown object type %s", args.ID))
	}
	if entry.Type.BuiltIn {
		return wire.Fail(req.Request, req.ID, "Built-in types cannot be deleted.")
	}
	for _, t := range s.graph.List() {
		if t.Base == args.ID {
			return wire.Fail(req.Request, req.ID,
				fmt.Sprintf("object type is the base of %s", t.ID))
		}
	}
	open := s.snapshotOpenScene()
	var used []string
	var err error
	s.await(func() { used, err = s.scenesUsingType(open, args.ID) })
	if err != nil {
		s.logger.Warn("object type usage scan failed", zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to inspect scenes.")
	}
	if len(used) > 0 {
		return wire.Fail(req.Request, req.ID,
			fmt.Sprintf("object type is used by scene %s", used[0]))
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	s.await(func() { err = s.catalog.ObjectTypes.Delete(s.ctx, args.ID) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, redactCatalogError(err))
	}
	go func() {
		if err := s.RefreshObjectTypes(s.ctx); err != nil {
			s.logger.Warn("object type refresh failed", zap.Error(err))
		}
	}()
	return s.ok(req, nil)
}
