package server

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/hub"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/sceneclient"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// aimingMesh returns the mesh of the object's collision model, or an error
// when the object cannot be aimed. Only mesh-modelled objects carry the focus
// points aiming records against.
func (s *Server) aimingMesh(obj *model.SceneObject) (*model.Mesh, error) {
	entry, ok := s.graph.Get(obj.Type)
	if !ok {
		return nil, fmt.Errorf("unknown object type %s", obj.Type)
	}
	m := entry.Type.Model
	if m == nil || m.Mesh == nil {
		return nil, fmt.Errorf("object %s has no mesh model", obj.Name)
	}
	if len(m.Mesh.FocusPoints) == 0 {
		return nil, fmt.Errorf("mesh of %s defines no focus points", obj.Name)
	}
	return m.Mesh, nil
}

// aimingRobot checks that the named scene object is a robot.
func (s *Server) aimingRobot(scene *model.Scene, robot model.RobotArg) error {
	obj, err := scene.Object(robot.RobotID)
	if err != nil {
		return err
	}
	entry, ok := s.graph.Get(obj.Type)
	if !ok {
		return fmt.Errorf("unknown object type %s", obj.Type)
	}
	if !entry.Robot {
		return fmt.Errorf("object %s is not a robot", obj.Name)
	}
	return nil
}

func (s *Server) aimingStart(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.ObjectAimingStartArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	scene, resp, ok := s.requireScene(req)
	if !ok {
		return resp
	}
	obj, err := scene.Object(args.ObjectID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	mesh, err := s.aimingMesh(obj)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.aimingRobot(scene, args.Robot); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	// Aiming rewrites the object's pose and drives the robot, so both ends
	// must be locked by the caller.
	if err := s.locks.CheckWrite(p.Name(), obj.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), args.Robot.RobotID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		if err := s.aiming.Validate(p.Name(), obj.ID, len(mesh.FocusPoints)); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		return s.ok(req, nil)
	}

	if err := s.aiming.Start(p.Name(), obj.ID, args.Robot, len(mesh.FocusPoints)); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	s.logger.Info("aiming started",
		zap.String("user", p.Name()), zap.String("object_id", obj.ID))
	return s.ok(req, nil)
}

func (s *Server) aimingAddPoint(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.ObjectAimingAddPointArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.aiming.CheckPoint(p.Name(), args.PointIdx); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	sess, err := s.aiming.Get(p.Name())
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	robot := sess.Robot
	var pose model.Pose
	s.await(func() {
		pose, err = s.scene.EndEffectorPose(s.ctx, robot)
	})
	if err != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("aiming: read end effector pose: %v", err))
	}

	// The session may have been cancelled or pruned while the mutex was
	// released; Record re-checks before committing the pose.
	sess, err = s.aiming.Record(p.Name(), args.PointIdx, pose)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	return s.ok(req, wire.ObjectAimingAddPointData{FinishedIndexes: sess.FinishedIndexes()})
}

func (s *Server) aimingDone(p *hub.Peer, req wire.Request) wire.Response {
	scene, resp, ok := s.requireScene(req)
	if !ok {
		return resp
	}
	sess, poses, err := s.aiming.Peek(p.Name())
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	obj, err := scene.Object(sess.ObjectID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	mesh, err := s.aimingMesh(obj)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	var pose model.Pose
	s.await(func() {
		pose, err = s.scene.Focus(s.ctx, sceneclient.FocusArgs{
			MeshFocusPoints:  mesh.FocusPoints,
			RobotSpacePoints: poses,
		})
	})
	if err != nil {
		// The session stays armed with its recorded poses, so the user can
		// retry once the Scene service recovers.
		s.logger.Warn("focus computation failed",
			zap.String("object_id", obj.ID), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Scene service request failed.")
	}

	// Re-resolve the open scene and object: both may have changed while the
	// mutex was released.
	scene, resp, ok = s.requireScene(req)
	if !ok {
		return resp
	}
	obj, err = scene.Object(sess.ObjectID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if _, err := s.aiming.Cancel(p.Name()); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}

	obj.Pose = &pose
	s.session.SceneModified = true
	if m := s.typeModel(obj); m != nil {
		go s.upsertCollision(obj.ID, *m, pose)
	}
	s.logger.Info("aiming finished",
		zap.String("user", p.Name()), zap.String("object_id", obj.ID))
	s.broadcastChanged(wire.EvSceneObjectChanged, *obj, wire.ChangeUpdate, scene.ID)
	return s.ok(req, nil)
}

func (s *Server) aimingCancel(p *hub.Peer, req wire.Request) wire.Response {
	if req.DryRun {
		if _, err := s.aiming.Get(p.Name()); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		return s.ok(req, nil)
	}
	sess, err := s.aiming.Cancel(p.Name())
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	s.logger.Info("aiming cancelled",
		zap.String("user", p.Name()), zap.String("object_id", sess.ObjectID))
	return s.ok(req, nil)
}
