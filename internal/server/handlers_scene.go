package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/catalog"
	"github.com/arcor2-io/arcor2/internal/hub"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// --- catalog reads ---

func (s *Server) listScenes(_ *hub.Peer, req wire.Request) wire.Response {
	var listing []model.IDDesc
	var err error
	s.await(func() { listing, err = s.catalog.Scenes.List(s.ctx) })
	if err != nil {
		s.logger.Warn("scene listing failed", zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to list scenes.")
	}
	return s.ok(req, wire.ListScenesData{Scenes: listing})
}

func (s *Server) listProjects(_ *hub.Peer, req wire.Request) wire.Response {
	var listing []model.IDDesc
	var err error
	s.await(func() { listing, err = s.catalog.Projects.List(s.ctx) })
	if err != nil {
		s.logger.Warn("project listing failed", zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to list projects.")
	}
	return s.ok(req, wire.ListProjectsData{Projects: listing})
}

func (s *Server) getScene(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if s.session != nil && s.session.Scene != nil && s.session.Scene.ID == args.ID {
		return s.ok(req, wire.GetSceneData{Scene: *s.session.Scene})
	}
	var scene *model.Scene
	var err error
	s.await(func() { scene, err = s.catalog.Scenes.Get(s.ctx, args.ID) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, redactCatalogError(err))
	}
	return s.ok(req, wire.GetSceneData{Scene: *scene})
}

func (s *Server) getObjectTypes(_ *hub.Peer, req wire.Request) wire.Response {
	return s.ok(req, wire.GetObjectTypesData{ObjectTypes: s.graph.List()})
}

func (s *Server) getActions(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.GetActionsArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	actions, err := s.graph.Actions(args.Type)
	if err != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown object type %s", args.Type))
	}
	return s.ok(req, wire.GetActionsData{Actions: actions})
}

// objectTypeUsage lists the scenes instantiating a type. The open scene is
// consulted in memory; everything else goes through the catalog.
func (s *Server) objectTypeUsage(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if _, ok := s.graph.Get(args.ID); !ok {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown object type %s", args.ID))
	}

	open := s.snapshotOpenScene()
	var ids []string
	var err error
	s.await(func() { ids, err = s.scenesUsingType(open, args.ID) })
	if err != nil {
		s.logger.Warn("object type usage scan failed", zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to inspect scenes.")
	}
	return s.ok(req, wire.ObjectTypeUsageData{SceneIDs: ids})
}

// snapshotOpenScene copies the open scene for use outside the mutex, or
// returns nil when none is open. Callers hold the server mutex.
func (s *Server) snapshotOpenScene() *model.Scene {
	if s.session == nil || s.session.Scene == nil {
		return nil
	}
	snap := *s.session.Scene
	snap.Objects = append([]model.SceneObject(nil), s.session.Scene.Objects...)
	return &snap
}

// scenesUsingType scans every stored scene for objects of the given type.
// The open scene is passed in as a snapshot since its stored copy may be
// stale; the scan itself runs outside the server mutex.
func (s *Server) scenesUsingType(open *model.Scene, typeID string) ([]string, error) {
	listing, err := s.catalog.Scenes.List(s.ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, desc := range listing {
		var scene *model.Scene
		if open != nil && open.ID == desc.ID {
			scene = open
		} else {
			scene, err = s.catalog.Scenes.Get(s.ctx, desc.ID)
			if err != nil {
				return nil, err
			}
		}
		for i := range scene.Objects {
			if scene.Objects[i].Type == typeID {
				ids = append(ids, scene.ID)
				break
			}
		}
	}
	return ids, nil
}

// --- scene lifecycle ---

func (s *Server) newScene(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.NewSceneArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if s.session != nil {
		return wire.Fail(req.Request, req.ID, "Scene or project already open.")
	}
	if args.Name == "" {
		return wire.Fail(req.Request, req.ID, "missing scene name")
	}
	var taken bool
	var err error
	s.await(func() { taken, err = s.entityNameTaken(s.catalog.Scenes.List, args.Name) })
	if err != nil {
		s.logger.Warn("scene listing failed", zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to list scenes.")
	}
	if taken {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("scene name %s already taken", args.Name))
	}
	// Another handler may have opened a session while the mutex was released.
	if s.session != nil {
		return wire.Fail(req.Request, req.ID, "Scene or project already open.")
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	scene := &model.Scene{
		ID:          model.NewID(),
		Name:        args.Name,
		Description: args.Description,
	}
	s.session = &Session{Scene: scene, SceneModified: true}

	// The creator holds the whole new scene so they can build it up without
	// per-object lock RPCs.
	if err := s.locks.WriteLock(p.Name(), scene.ID, true); err != nil {
		s.session = nil
		return wire.Fail(req.Request, req.ID, err.Error())
	}

	go s.clearCollisions()
	s.broadcastEvent(wire.EvOpenScene, wire.OpenSceneData{Scene: *scene}, nil)
	return s.ok(req, wire.IDData{ID: scene.ID})
}

func (s *Server) openScene(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if s.session != nil {
		return wire.Fail(req.Request, req.ID, "Scene or project already open.")
	}
	var scene *model.Scene
	var err error
	s.await(func() { scene, err = s.catalog.Scenes.Get(s.ctx, args.ID) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, redactCatalogError(err))
	}
	// Another handler may have opened a session while the mutex was released.
	if s.session != nil {
		return wire.Fail(req.Request, req.ID, "Scene or project already open.")
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	s.session = &Session{Scene: scene}
	go s.syncSceneCollisions(*scene, s.sceneModels(scene))
	s.broadcastEvent(wire.EvOpenScene, wire.OpenSceneData{Scene: *scene}, nil)
	return s.ok(req, nil)
}

// sceneModels snapshots the collision models of a scene's objects for the
// detached sync goroutine. Callers hold the server mutex.
func (s *Server) sceneModels(scene *model.Scene) map[string]*model.ObjectModel {
	models := make(map[string]*model.ObjectModel, len(scene.Objects))
	for i := range scene.Objects {
		if m := s.typeModel(&scene.Objects[i]); m != nil {
			models[scene.Objects[i].ID] = m
		}
	}
	return models
}

func (s *Server) saveScene(_ *hub.Peer, req wire.Request) wire.Response {
	if s.session == nil || s.session.Scene == nil {
		return wire.Fail(req.Request, req.ID, "No scene is open.")
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	snap := s.snapshotOpenScene()
	var stored *model.Scene
	var err error
	s.await(func() { stored, err = s.catalog.Scenes.Put(s.ctx, snap) })
	if err != nil {
		s.logger.Warn("scene save failed", zap.String("scene_id", snap.ID), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to save the scene.")
	}
	// Commit only while the same scene is still open.
	if s.session != nil && s.session.Scene != nil && s.session.Scene.ID == snap.ID {
		s.session.Scene = stored
		s.session.SceneModified = false
	}
	s.broadcastEvent(wire.EvSceneSaved, nil, nil)
	return s.ok(req, nil)
}

func (s *Server) closeScene(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.CloseArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if s.session == nil || s.session.Scene == nil {
		return wire.Fail(req.Request, req.ID, "No scene is open.")
	}
	if s.session.Project != nil {
		return wire.Fail(req.Request, req.ID, "Project has to be closed first.")
	}
	if s.session.SceneModified && !args.Force {
		return wire.Fail(req.Request, req.ID, "Scene has unsaved changes.")
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	s.session = nil
	s.locks.Reset()
	go s.clearCollisions()
	s.broadcastEvent(wire.EvSceneClosed, nil, nil)
	return s.ok(req, nil)
}

func (s *Server) deleteScene(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if s.session != nil && s.session.Scene != nil && s.session.Scene.ID == args.ID {
		return wire.Fail(req.Request, req.ID, "Scene is open.")
	}

	var deps []string
	var err error
	s.await(func() { deps, err = s.projectsUsingScene(args.ID) })
	if err != nil {
		s.logger.Warn("scene dependency scan failed", zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to inspect projects.")
	}
	if len(deps) > 0 {
		return wire.Fail(req.Request, req.ID,
			fmt.Sprintf("scene is used by %d project(s)", len(deps)))
	}
	// The scene may have been opened while the scan ran outside the mutex.
	if s.session != nil && s.session.Scene != nil && s.session.Scene.ID == args.ID {
		return wire.Fail(req.Request, req.ID, "Scene is open.")
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	s.await(func() { err = s.catalog.Scenes.Delete(s.ctx, args.ID) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, redactCatalogError(err))
	}
	s.broadcastChanged(wire.EvSceneChanged, model.IDDesc{ID: args.ID}, wire.ChangeRemove, "")
	return s.ok(req, nil)
}

func (s *Server) renameScene(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.RenameArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.NewName == "" {
		return wire.Fail(req.Request, req.ID, "missing new name")
	}
	var taken bool
	var err error
	s.await(func() { taken, err = s.entityNameTaken(s.catalog.Scenes.List, args.NewName) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, "Failed to list scenes.")
	}
	if taken {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("scene name %s already taken", args.NewName))
	}

	// An open scene renames in memory under its lock; a closed one goes
	// straight through the catalog.
	if s.session != nil && s.session.Scene != nil && s.session.Scene.ID == args.ID {
		if err := s.locks.CheckWrite(p.Name(), args.ID); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		if req.DryRun {
			return s.ok(req, nil)
		}
		s.session.Scene.Name = args.NewName
		s.session.SceneModified = true
		s.broadcastChanged(wire.EvSceneChanged, s.session.Scene.Desc(), wire.ChangeUpdate, "")
		return s.ok(req, nil)
	}

	var scene *model.Scene
	s.await(func() { scene, err = s.catalog.Scenes.Get(s.ctx, args.ID) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, redactCatalogError(err))
	}
	if req.DryRun {
		return s.ok(req, nil)
	}
	scene.Name = args.NewName
	var stored *model.Scene
	s.await(func() { stored, err = s.catalog.Scenes.Put(s.ctx, scene) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, "Failed to save the scene.")
	}
	s.broadcastChanged(wire.EvSceneChanged, stored.Desc(), wire.ChangeUpdate, "")
	return s.ok(req, nil)
}

// --- scene mutation ---

func (s *Server) addObjectToScene(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.AddObjectToSceneArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	scene, resp, ok := s.requireSceneEditing(req)
	if !ok {
		return resp
	}

	entry, found := s.graph.Get(args.Type)
	if !found {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown object type %s", args.Type))
	}
	if entry.Type.Abstract {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("object type %s is abstract", args.Type))
	}
	if entry.Type.Disabled {
		return wire.Fail(req.Request, req.ID,
			fmt.Sprintf("object type %s is disabled: %s", args.Type, entry.Type.Problem))
	}
	if err := model.ValidateName(args.Name); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if scene.NameTaken(args.Name) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("object name %s already taken", args.Name))
	}
	if entry.HasPose && args.Pose == nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("object type %s requires a pose", args.Type))
	}
	if !entry.HasPose && args.Pose != nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("object type %s takes no pose", args.Type))
	}
	if err := checkSettings(entry.Type.Settings, args.Parameters); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), scene.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	obj := model.SceneObject{
		ID:         model.NewID(),
		Name:       args.Name,
		Type:       args.Type,
		Pose:       args.Pose,
		Parameters: args.Parameters,
	}
	if err := scene.AddObject(obj); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	s.session.SceneModified = true

	if m := entry.Type.Model; m != nil && obj.Pose != nil {
		go s.upsertCollision(obj.ID, *m, *obj.Pose)
	}
	s.broadcastChanged(wire.EvSceneObjectChanged, obj, wire.ChangeAdd, scene.ID)
	return s.ok(req, wire.IDData{ID: obj.ID})
}

func (s *Server) updateObjectPose(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.UpdateObjectPoseArgs
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
	if obj.Pose == nil {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("object %s has no pose", obj.Name))
	}
	if err := s.locks.CheckWrite(p.Name(), obj.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	pose := args.Pose
	obj.Pose = &pose
	s.session.SceneModified = true

	if m := s.typeModel(obj); m != nil {
		go s.upsertCollision(obj.ID, *m, pose)
	}
	s.broadcastChanged(wire.EvSceneObjectChanged, *obj, wire.ChangeUpdate, scene.ID)
	return s.ok(req, nil)
}

func (s *Server) renameObject(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.RenameArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	scene, resp, ok := s.requireScene(req)
	if !ok {
		return resp
	}
	obj, err := scene.Object(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := model.ValidateName(args.NewName); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if scene.NameTaken(args.NewName) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("object name %s already taken", args.NewName))
	}
	if err := s.locks.CheckWrite(p.Name(), obj.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	obj.Name = args.NewName
	s.session.SceneModified = true
	s.broadcastChanged(wire.EvSceneObjectChanged, *obj, wire.ChangeUpdate, scene.ID)
	return s.ok(req, nil)
}

func (s *Server) removeFromScene(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.RemoveFromSceneArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	scene, resp, ok := s.requireSceneEditing(req)
	if !ok {
		return resp
	}
	obj, err := scene.Object(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if children := scene.Children(obj.ID); len(children) > 0 {
		return wire.Fail(req.Request, req.ID,
			fmt.Sprintf("object %s has %d child object(s)", obj.Name, len(children)))
	}
	if err := s.locks.CheckWrite(p.Name(), obj.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if !args.Force {
		sceneID, objID := scene.ID, obj.ID
		var used bool
		s.await(func() { used, err = s.objectUsedByProjects(sceneID, objID) })
		if err != nil {
			s.logger.Warn("object usage scan failed", zap.Error(err))
			return wire.Fail(req.Request, req.ID, "Failed to inspect projects.")
		}
		if used {
			return wire.Fail(req.Request, req.ID,
				fmt.Sprintf("object %s is used by a project", obj.Name))
		}
		// Re-resolve after the scan: the scene and object may have changed
		// while the mutex was released.
		scene, resp, ok = s.requireSceneEditing(req)
		if !ok {
			return resp
		}
		obj, err = scene.Object(args.ID)
		if err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	removed := *obj
	if err := scene.RemoveObject(args.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	s.session.SceneModified = true
	s.locks.Drop(args.ID)

	go s.deleteCollision(args.ID)
	s.broadcastChanged(wire.EvSceneObjectChanged, removed, wire.ChangeRemove, scene.ID)
	return s.ok(req, nil)
}

// objectUsedByProjects reports whether any stored project over the scene
// anchors an action point or action to the object.
func (s *Server) objectUsedByProjects(sceneID, objectID string) (bool, error) {
	listing, err := s.catalog.Projects.List(s.ctx)
	if err != nil {
		return false, err
	}
	for _, desc := range listing {
		project, err := s.catalog.Projects.Get(s.ctx, desc.ID)
		if err != nil {
			return false, err
		}
		if project.SceneID == sceneID && project.UsesObject(objectID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) projectsUsingScene(sceneID string) ([]string, error) {
	listing, err := s.catalog.Projects.List(s.ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, desc := range listing {
		project, err := s.catalog.Projects.Get(s.ctx, desc.ID)
		if err != nil {
			return nil, err
		}
		if project.SceneID == sceneID {
			ids = append(ids, project.ID)
		}
	}
	return ids, nil
}

// --- shared helpers ---

// requireScene returns the open scene or a failure response.
func (s *Server) requireScene(req wire.Request) (*model.Scene, wire.Response, bool) {
	if s.session == nil || s.session.Scene == nil {
		return nil, wire.Fail(req.Request, req.ID, "No scene is open."), false
	}
	return s.session.Scene, wire.Response{}, true
}

// requireSceneEditing additionally demands that no project is open: scene
// structure changes only while the scene itself is being edited.
func (s *Server) requireSceneEditing(req wire.Request) (*model.Scene, wire.Response, bool) {
	scene, resp, ok := s.requireScene(req)
	if !ok {
		return nil, resp, false
	}
	if s.session.Project != nil {
		return nil, wire.Fail(req.Request, req.ID, "Project has to be closed first."), false
	}
	return scene, wire.Response{}, true
}

// entityNameTaken checks a catalog listing for a display name collision.
func (s *Server) entityNameTaken(list func(ctx context.Context) ([]model.IDDesc, error), name string) (bool, error) {
	listing, err := list(s.ctx)
	if err != nil {
		return false, err
	}
	for _, d := range listing {
		if d.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// checkSettings validates object parameters against the type's settings
// schema: every parameter must be declared and carry the declared type.
func checkSettings(settings []model.ParameterMeta, params []model.Parameter) error {
	byName := make(map[string]model.ParameterMeta, len(settings))
	for _, m := range settings {
		byName[m.Name] = m
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		meta, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("unknown setting %s", p.Name)
		}
		if meta.Type != p.Type {
			return fmt.Errorf("setting %s has type %s, got %s", p.Name, meta.Type, p.Type)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate setting %s", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// redactCatalogError maps catalog failures onto wire-safe messages. The
// removed-externally sentinel is meaningful to clients and passes through;
// transport details do not.
func redactCatalogError(err error) string {
	if errors.Is(err, catalog.ErrRemovedExternally) {
		return err.Error()
	}
	return "Storage service request failed."
}
