package server

import (
	"fmt"

	"github.com/arcor2-io/arcor2/internal/hub"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// Lock RPCs broadcast the resulting ObjectsLocked/ObjectsUnlocked events to
// every other client; the acting client learns the outcome from the RPC
// response.

func (s *Server) writeLock(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.WriteLockArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.ObjectID == "" {
		return wire.Fail(req.Request, req.ID, "missing object id")
	}
	if req.DryRun {
		if err := s.locks.CheckWriteLock(p.Name(), args.ObjectID, args.LockTree); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		return s.ok(req, nil)
	}
	if err := s.locks.WriteLock(p.Name(), args.ObjectID, args.LockTree); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	s.broadcastEvent(wire.EvObjectsLocked,
		wire.LockEventData{Owner: p.Name(), ObjectIDs: []string{args.ObjectID}}, p)
	return s.ok(req, nil)
}

func (s *Server) writeUnlock(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.LockArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		if err := s.locks.CheckWriteUnlock(p.Name(), args.ObjectID); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		return s.ok(req, nil)
	}
	if err := s.locks.WriteUnlock(p.Name(), args.ObjectID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	s.broadcastEvent(wire.EvObjectsUnlocked,
		wire.LockEventData{Owner: p.Name(), ObjectIDs: []string{args.ObjectID}}, p)
	return s.ok(req, nil)
}

func (s *Server) readLock(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.LockArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.ObjectID == "" {
		return wire.Fail(req.Request, req.ID, "missing object id")
	}
	if req.DryRun {
		if err := s.locks.CheckReadLock(p.Name(), args.ObjectID); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		return s.ok(req, nil)
	}
	if err := s.locks.ReadLock(p.Name(), args.ObjectID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	s.broadcastEvent(wire.EvObjectsLocked,
		wire.LockEventData{Owner: p.Name(), ObjectIDs: []string{args.ObjectID}}, p)
	return s.ok(req, nil)
}

func (s *Server) readUnlock(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.LockArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		if err := s.locks.CheckReadUnlock(p.Name(), args.ObjectID); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		return s.ok(req, nil)
	}
	if err := s.locks.ReadUnlock(p.Name(), args.ObjectID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	s.broadcastEvent(wire.EvObjectsUnlocked,
		wire.LockEventData{Owner: p.Name(), ObjectIDs: []string{args.ObjectID}}, p)
	return s.ok(req, nil)
}

func (s *Server) updateLock(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.UpdateLockArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	var tree bool
	switch args.NewType {
	case wire.LockWrite:
		tree = false
	case wire.LockTree:
		tree = true
	default:
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown lock type %s", args.NewType))
	}
	if req.DryRun {
		if err := s.locks.CheckUpdateLock(p.Name(), args.ObjectID, tree); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		return s.ok(req, nil)
	}
	if err := s.locks.UpdateLock(p.Name(), args.ObjectID, tree); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	return s.ok(req, nil)
}
