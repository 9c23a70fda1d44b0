package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/hub"
	"github.com/arcor2-io/arcor2/internal/model"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// --- project lifecycle ---

func (s *Server) newProject(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.NewProjectArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if s.session != nil && s.session.Project != nil {
		return wire.Fail(req.Request, req.ID, "Project already open.")
	}
	if args.Name == "" {
		return wire.Fail(req.Request, req.ID, "missing project name")
	}
	var taken bool
	var err error
	s.await(func() { taken, err = s.entityNameTaken(s.catalog.Projects.List, args.Name) })
	if err != nil {
		s.logger.Warn("project listing failed", zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to list projects.")
	}
	if taken {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("project name %s already taken", args.Name))
	}
	// Another handler may have opened a project while the mutex was released.
	if s.session != nil && s.session.Project != nil {
		return wire.Fail(req.Request, req.ID, "Project already open.")
	}

	// The project opens over its scene: either the one already open (the ids
	// must agree) or one fetched fresh.
	var scene *model.Scene
	if s.session != nil && s.session.Scene != nil {
		if s.session.Scene.ID != args.SceneID {
			return wire.Fail(req.Request, req.ID, "Another scene is open.")
		}
		if s.session.SceneModified {
			return wire.Fail(req.Request, req.ID, "Scene has unsaved changes.")
		}
		scene = s.session.Scene
	} else {
		var fetched *model.Scene
		s.await(func() { fetched, err = s.catalog.Scenes.Get(s.ctx, args.SceneID) })
		if err != nil {
			return wire.Fail(req.Request, req.ID, redactCatalogError(err))
		}
		if s.session != nil {
			return wire.Fail(req.Request, req.ID, "Scene or project already open.")
		}
		scene = fetched
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	project := &model.Project{
		ID:          model.NewID(),
		Name:        args.Name,
		Description: args.Description,
		SceneID:     scene.ID,
		HasLogic:    args.HasLogic,
	}
	opened := s.session == nil
	s.session = &Session{Scene: scene, Project: project, ProjectModified: true}

	if err := s.locks.WriteLock(p.Name(), project.ID, true); err != nil {
		if opened {
			s.session = nil
		} else {
			s.session.Project = nil
		}
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if opened {
		go s.syncSceneCollisions(*scene, s.sceneModels(scene))
	}

	s.broadcastEvent(wire.EvOpenProject, wire.OpenProjectData{Scene: *scene, Project: *project}, nil)
	return s.ok(req, wire.IDData{ID: project.ID})
}

func (s *Server) openProject(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if s.session != nil {
		return wire.Fail(req.Request, req.ID, "Scene or project already open.")
	}
	var project *model.Project
	var scene *model.Scene
	var err error
	s.await(func() {
		project, err = s.catalog.Projects.Get(s.ctx, args.ID)
		if err == nil {
			scene, err = s.catalog.Scenes.Get(s.ctx, project.SceneID)
		}
	})
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

	s.session = &Session{Scene: scene, Project: project}
	go s.syncSceneCollisions(*scene, s.sceneModels(scene))
	s.broadcastEvent(wire.EvOpenProject, wire.OpenProjectData{Scene: *scene, Project: *project}, nil)
	return s.ok(req, nil)
}

func (s *Server) saveProject(_ *hub.Peer, req wire.Request) wire.Response {
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	snap, err := project.Clone()
	if err != nil {
		s.logger.Error("project snapshot failed", zap.String("project_id", project.ID), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to save the project.")
	}
	var stored *model.Project
	s.await(func() { stored, err = s.catalog.Projects.Put(s.ctx, snap) })
	if err != nil {
		s.logger.Warn("project save failed", zap.String("project_id", snap.ID), zap.Error(err))
		return wire.Fail(req.Request, req.ID, "Failed to save the project.")
	}
	// Commit only while the same project is still open.
	if s.session != nil && s.session.Project != nil && s.session.Project.ID == snap.ID {
		s.session.Project = stored
		s.session.ProjectModified = false
	}
	s.broadcastEvent(wire.EvProjectSaved, nil, nil)
	return s.ok(req, nil)
}

func (s *Server) closeProject(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.CloseArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	_, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	if s.session.ProjectModified && !args.Force {
		return wire.Fail(req.Request, req.ID, "Project has unsaved changes.")
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	// Closing the project closes the whole session; the scene was opened on
	// the project's behalf.
	s.session = nil
	s.locks.Reset()
	go s.clearCollisions()
	s.broadcastEvent(wire.EvProjectClosed, nil, nil)
	return s.ok(req, nil)
}

func (s *Server) deleteProject(_ *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if s.session != nil && s.session.Project != nil && s.session.Project.ID == args.ID {
		return wire.Fail(req.Request, req.ID, "Project is open.")
	}
	if req.DryRun {
		var exists bool
		var err error
		s.await(func() { exists, err = s.catalog.Projects.Exists(s.ctx, args.ID) })
		if err != nil || !exists {
			return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown project %s", args.ID))
		}
		return s.ok(req, nil)
	}

	var err error
	s.await(func() { err = s.catalog.Projects.Delete(s.ctx, args.ID) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, redactCatalogError(err))
	}
	s.broadcastChanged(wire.EvProjectChanged, model.IDDesc{ID: args.ID}, wire.ChangeRemove, "")
	return s.ok(req, nil)
}

func (s *Server) renameProject(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.RenameArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if args.NewName == "" {
		return wire.Fail(req.Request, req.ID, "missing new name")
	}
	var taken bool
	var err error
	s.await(func() { taken, err = s.entityNameTaken(s.catalog.Projects.List, args.NewName) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, "Failed to list projects.")
	}
	if taken {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("project name %s already taken", args.NewName))
	}

	if s.session != nil && s.session.Project != nil && s.session.Project.ID == args.ID {
		if err := s.locks.CheckWrite(p.Name(), args.ID); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		if req.DryRun {
			return s.ok(req, nil)
		}
		s.session.Project.Name = args.NewName
		s.session.ProjectModified = true
		s.broadcastChanged(wire.EvProjectChanged, s.session.Project.Desc(), wire.ChangeUpdate, "")
		return s.ok(req, nil)
	}

	var project *model.Project
	s.await(func() { project, err = s.catalog.Projects.Get(s.ctx, args.ID) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, redactCatalogError(err))
	}
	if req.DryRun {
		return s.ok(req, nil)
	}
	project.Name = args.NewName
	var stored *model.Project
	s.await(func() { stored, err = s.catalog.Projects.Put(s.ctx, project) })
	if err != nil {
		return wire.Fail(req.Request, req.ID, "Failed to save the project.")
	}
	s.broadcastChanged(wire.EvProjectChanged, stored.Desc(), wire.ChangeUpdate, "")
	return s.ok(req, nil)
}

// --- action points ---

func (s *Server) addActionPoint(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.AddActionPointArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	if err := model.ValidateName(args.Name); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if project.ActionPointNameTaken(args.Name) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("action point name %s already taken", args.Name))
	}

	lockTarget := project.ID
	if args.Parent != "" {
		if _, err := s.session.Scene.Object(args.Parent); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
		lockTarget = args.Parent
	}
	if err := s.locks.CheckWrite(p.Name(), lockTarget); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	ap := model.ActionPoint{
		ID:       model.NewID(),
		Name:     args.Name,
		Parent:   args.Parent,
		Position: args.Position,
	}
	project.ActionPoints = append(project.ActionPoints, ap)
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvActionPointChanged, ap, wire.ChangeAdd, project.ID)
	return s.ok(req, wire.IDData{ID: ap.ID})
}

func (s *Server) updateActionPointPosition(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.UpdateActionPointPositionArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	ap, err := project.ActionPoint(args.ActionPointID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), ap.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	ap.Position = args.NewPosition
	// Stored joint configurations were recorded for the old position.
	for i := range ap.RobotJoints {
		ap.RobotJoints[i].IsValid = false
	}
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvActionPointChanged, *ap, wire.ChangeUpdate, project.ID)
	return s.ok(req, nil)
}

func (s *Server) renameActionPoint(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.RenameArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	ap, err := project.ActionPoint(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := model.ValidateName(args.NewName); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if project.ActionPointNameTaken(args.NewName) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("action point name %s already taken", args.NewName))
	}
	if err := s.locks.CheckWrite(p.Name(), ap.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	ap.Name = args.NewName
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvActionPointChanged, *ap, wire.ChangeUpdate, project.ID)
	return s.ok(req, nil)
}

func (s *Server) removeActionPoint(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	ap, err := project.ActionPoint(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), ap.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	// Removing the point removes its actions; nothing else may depend on
	// them.
	for i := range ap.Actions {
		if err := s.actionRemovable(project, ap.Actions[i].ID); err != nil {
			return wire.Fail(req.Request, req.ID, err.Error())
		}
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	removed := *ap
	for i := range project.ActionPoints {
		if project.ActionPoints[i].ID == args.ID {
			project.ActionPoints = append(project.ActionPoints[:i], project.ActionPoints[i+1:]...)
			break
		}
	}
	s.session.ProjectModified = true
	s.locks.Drop(args.ID)
	for i := range removed.Actions {
		s.locks.Drop(removed.Actions[i].ID)
	}
	s.broadcastChanged(wire.EvActionPointChanged, removed, wire.ChangeRemove, project.ID)
	return s.ok(req, nil)
}

func (s *Server) addActionPointOrientation(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.AddActionPointOrientationArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	ap, err := project.ActionPoint(args.ActionPointID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := model.ValidateName(args.Name); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if ap.OrientationNameTaken(args.Name) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("orientation name %s already taken", args.Name))
	}
	if err := s.locks.CheckWrite(p.Name(), ap.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	o := model.NamedOrientation{
		ID:          model.NewID(),
		Name:        args.Name,
		Orientation: args.Orientation,
	}
	ap.Orientations = append(ap.Orientations, o)
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvOrientationChanged, o, wire.ChangeAdd, ap.ID)
	return s.ok(req, wire.IDData{ID: o.ID})
}

func (s *Server) removeActionPointOrientation(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	ap, err := project.OrientationParent(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), ap.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	var removed model.NamedOrientation
	for i := range ap.Orientations {
		if ap.Orientations[i].ID == args.ID {
			removed = ap.Orientations[i]
			ap.Orientations = append(ap.Orientations[:i], ap.Orientations[i+1:]...)
			break
		}
	}
	s.session.ProjectModified = true
	s.locks.Drop(args.ID)
	s.broadcastChanged(wire.EvOrientationChanged, removed, wire.ChangeRemove, ap.ID)
	return s.ok(req, nil)
}

// --- actions ---

func (s *Server) addAction(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.AddActionArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	ap, err := project.ActionPoint(args.ActionPointID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := model.ValidateName(args.Name); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if project.ActionNameTaken(args.Name) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("action name %s already taken", args.Name))
	}
	if err := s.checkActionSignature(project, args.Type, args.Parameters, args.Flows, ""); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), ap.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	action := model.Action{
		ID:         model.NewID(),
		Name:       args.Name,
		Type:       args.Type,
		Parameters: args.Parameters,
		Flows:      args.Flows,
	}
	ap.Actions = append(ap.Actions, action)
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvActionChanged, action, wire.ChangeAdd, ap.ID)
	return s.ok(req, wire.IDData{ID: action.ID})
}

func (s *Server) updateAction(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.UpdateActionArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	action, err := project.Action(args.ActionID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.checkActionSignature(project, action.Type, args.Parameters, args.Flows, action.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), action.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	action.Parameters = args.Parameters
	action.Flows = args.Flows
	s.session.ProjectModified = true
	ap, _ := project.ActionPointOf(action.ID)
	s.broadcastChanged(wire.EvActionChanged, *action, wire.ChangeUpdate, ap.ID)
	return s.ok(req, nil)
}

func (s *Server) renameAction(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.RenameArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	action, err := project.Action(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := model.ValidateName(args.NewName); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if project.ActionNameTaken(args.NewName) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("action name %s already taken", args.NewName))
	}
	if err := s.locks.CheckWrite(p.Name(), action.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	action.Name = args.NewName
	s.session.ProjectModified = true
	ap, _ := project.ActionPointOf(action.ID)
	s.broadcastChanged(wire.EvActionChanged, *action, wire.ChangeUpdate, ap.ID)
	return s.ok(req, nil)
}

func (s *Server) removeAction(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	action, err := project.Action(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), action.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.actionRemovable(project, action.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	removed := *action
	ap, _ := project.ActionPointOf(action.ID)
	for i := range ap.Actions {
		if ap.Actions[i].ID == args.ID {
			ap.Actions = append(ap.Actions[:i], ap.Actions[i+1:]...)
			break
		}
	}
	s.session.ProjectModified = true
	s.locks.Drop(args.ID)
	s.broadcastChanged(wire.EvActionChanged, removed, wire.ChangeRemove, ap.ID)
	return s.ok(req, nil)
}

// actionRemovable fails when the logic graph or another action's link
// parameter still references the action.
func (s *Server) actionRemovable(project *model.Project, actionID string) error {
	for i := range project.Logic {
		item := &project.Logic[i]
		if item.Start == actionID || item.End == actionID {
			return fmt.Errorf("action is used by the project logic")
		}
		if item.Condition != nil {
			if condAction, _, _, err := model.ParseConditionWhat(item.Condition.What); err == nil && condAction == actionID {
				return fmt.Errorf("action output is used by a logic condition")
			}
		}
	}
	for i := range project.ActionPoints {
		for j := range project.ActionPoints[i].Actions {
			other := &project.ActionPoints[i].Actions[j]
			if other.ID == actionID {
				continue
			}
			for _, param := range other.Parameters {
				if param.Type != model.ParamKindLink {
					continue
				}
				if linked, _, _, err := model.ParseConditionWhat(param.Value); err == nil && linked == actionID {
					return fmt.Errorf("action output is linked by action %s", other.Name)
				}
			}
		}
	}
	return nil
}

// checkActionSignature validates an action's type, parameters and flows
// against the scene and the resolved type graph. ignoreActionID excludes the
// action being updated from link-cycle checks.
func (s *Server) checkActionSignature(project *model.Project, actionType string, params []model.ActionParameter, flows []model.Flow, ignoreActionID string) error {
	objectID, method, err := model.ParseActionType(actionType)
	if err != nil {
		return err
	}
	obj, err := s.session.Scene.Object(objectID)
	if err != nil {
		return err
	}
	meta, err := s.graph.FindAction(obj.Type, method)
	if err != nil {
		return fmt.Errorf("type %s has no action %s", obj.Type, method)
	}
	if meta.Disabled {
		return fmt.Errorf("action %s is disabled: %s", method, meta.Problem)
	}

	declared := make(map[string]model.ParameterMeta, len(meta.Parameters))
	for _, pm := range meta.Parameters {
		declared[pm.Name] = pm
	}
	seen := make(map[string]bool, len(params))
	for _, param := range params {
		pm, ok := declared[param.Name]
		if !ok {
			return fmt.Errorf("action %s has no parameter %s", method, param.Name)
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true

		switch param.Type {
		case model.ParamKindLink:
			linked, flowType, idx, err := model.ParseConditionWhat(param.Value)
			if err != nil {
				return err
			}
			if linked == ignoreActionID {
				return fmt.Errorf("action cannot link to its own output")
			}
			src, err := project.Action(linked)
			if err != nil {
				return fmt.Errorf("link parameter %s: %w", param.Name, err)
			}
			flow, err := src.Flow(flowType)
			if err != nil {
				return fmt.Errorf("link parameter %s: %w", param.Name, err)
			}
			if idx >= len(flow.Outputs) {
				return fmt.Errorf("link parameter %s: output index %d out of range", param.Name, idx)
			}
		case model.ParamKindProjectParameter:
			ref, ok := project.ParameterByName(strings.Trim(param.Value, `"`))
			if !ok {
				return fmt.Errorf("parameter %s references unknown project parameter %s", param.Name, param.Value)
			}
			if ref.Type != pm.Type {
				return fmt.Errorf("project parameter %s has type %s, action expects %s", ref.Name, ref.Type, pm.Type)
			}
		default:
			if param.Type != pm.Type {
				return fmt.Errorf("parameter %s has type %s, got %s", param.Name, pm.Type, param.Type)
			}
			if !json.Valid([]byte(param.Value)) {
				return fmt.Errorf("parameter %s value is not valid JSON", param.Name)
			}
		}
	}

	for _, flow := range flows {
		if flow.Type != model.FlowTypeDefault {
			return fmt.Errorf("unknown flow type %s", flow.Type)
		}
		if len(flow.Outputs) != len(meta.Returns) {
			return fmt.Errorf("flow declares %d outputs, action returns %d values",
				len(flow.Outputs), len(meta.Returns))
		}
		for _, out := range flow.Outputs {
			if err := model.ValidateName(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- logic ---

func (s *Server) addLogicItem(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.AddLogicItemArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	if !project.HasLogic {
		return wire.Fail(req.Request, req.ID, "Project has no logic.")
	}
	item := model.LogicItem{
		ID:        model.NewID(),
		Start:     args.Start,
		End:       args.End,
		Condition: args.Condition,
	}
	if err := model.CheckLogicItem(project, item, ""); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), project.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	project.Logic = append(project.Logic, item)
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvLogicItemChanged, item, wire.ChangeAdd, project.ID)
	return s.ok(req, wire.IDData{ID: item.ID})
}

func (s *Server) updateLogicItem(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.UpdateLogicItemArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	item, err := project.LogicItem(args.LogicItemID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	updated := model.LogicItem{
		ID:        item.ID,
		Start:     args.Start,
		End:       args.End,
		Condition: args.Condition,
	}
	if err := model.CheckLogicItem(project, updated, item.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), item.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	*item = updated
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvLogicItemChanged, updated, wire.ChangeUpdate, project.ID)
	return s.ok(req, nil)
}

func (s *Server) removeLogicItem(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	item, err := project.LogicItem(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if err := s.locks.CheckWrite(p.Name(), item.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	removed := *item
	for i := range project.Logic {
		if project.Logic[i].ID == args.ID {
			project.Logic = append(project.Logic[:i], project.Logic[i+1:]...)
			break
		}
	}
	s.session.ProjectModified = true
	s.locks.Drop(args.ID)
	s.broadcastChanged(wire.EvLogicItemChanged, removed, wire.ChangeRemove, project.ID)
	return s.ok(req, nil)
}

// --- project parameters ---

func (s *Server) addProjectParameter(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.AddProjectParameterArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	if err := model.ValidateName(args.Name); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if _, exists := project.ParameterByName(args.Name); exists {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("project parameter %s already exists", args.Name))
	}
	if !json.Valid([]byte(args.Value)) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("value %q is not valid JSON", args.Value))
	}
	if err := s.locks.CheckWrite(p.Name(), project.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	param := model.ProjectParameter{
		ID:    model.NewID(),
		Name:  args.Name,
		Type:  args.Type,
		Value: args.Value,
	}
	project.Parameters = append(project.Parameters, param)
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvProjectParameterChanged, param, wire.ChangeAdd, project.ID)
	return s.ok(req, wire.IDData{ID: param.ID})
}

func (s *Server) updateProjectParameter(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.UpdateProjectParameterArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	param, err := project.Parameter(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if !json.Valid([]byte(args.Value)) {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("value %q is not valid JSON", args.Value))
	}
	if err := s.locks.CheckWrite(p.Name(), param.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	param.Value = args.Value
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvProjectParameterChanged, *param, wire.ChangeUpdate, project.ID)
	return s.ok(req, nil)
}

func (s *Server) removeProjectParameter(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.IDArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	param, err := project.Parameter(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	for i := range project.ActionPoints {
		for j := range project.ActionPoints[i].Actions {
			for _, ap := range project.ActionPoints[i].Actions[j].Parameters {
				if ap.Type == model.ParamKindProjectParameter && strings.Trim(ap.Value, `"`) == param.Name {
					return wire.Fail(req.Request, req.ID,
						fmt.Sprintf("project parameter %s is used by action %s",
							param.Name, project.ActionPoints[i].Actions[j].Name))
				}
			}
		}
	}
	if err := s.locks.CheckWrite(p.Name(), param.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	removed := *param
	for i := range project.Parameters {
		if project.Parameters[i].ID == args.ID {
			project.Parameters = append(project.Parameters[:i], project.Parameters[i+1:]...)
			break
		}
	}
	s.session.ProjectModified = true
	s.locks.Drop(args.ID)
	s.broadcastChanged(wire.EvProjectParameterChanged, removed, wire.ChangeRemove, project.ID)
	return s.ok(req, nil)
}

// --- overrides ---

func (s *Server) addOverride(p *hub.Peer, req wire.Request) wire.Response {
	return s.upsertOverride(p, req, true)
}

func (s *Server) updateOverride(p *hub.Peer, req wire.Request) wire.Response {
	return s.upsertOverride(p, req, false)
}

func (s *Server) upsertOverride(p *hub.Peer, req wire.Request, adding bool) wire.Response {
	var args wire.OverrideArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	obj, err := s.session.Scene.Object(args.ID)
	if err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	entry, found := s.graph.Get(obj.Type)
	if !found {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("unknown object type %s", obj.Type))
	}
	if err := checkSettings(entry.Type.Settings, []model.Parameter{args.Override}); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}

	override, exists := project.Override(obj.ID)
	var present bool
	if exists {
		for i := range override.Parameters {
			if override.Parameters[i].Name == args.Override.Name {
				present = true
				break
			}
		}
	}
	if adding && present {
		return wire.Fail(req.Request, req.ID,
			fmt.Sprintf("override for %s already exists", args.Override.Name))
	}
	if !adding && !present {
		return wire.Fail(req.Request, req.ID,
			fmt.Sprintf("no override for %s", args.Override.Name))
	}
	if err := s.locks.CheckWrite(p.Name(), obj.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	if !exists {
		project.Overrides = append(project.Overrides, model.ObjectOverride{ID: obj.ID})
		override, _ = project.Override(obj.ID)
	}
	if present {
		for i := range override.Parameters {
			if override.Parameters[i].Name == args.Override.Name {
				override.Parameters[i] = args.Override
				break
			}
		}
	} else {
		override.Parameters = append(override.Parameters, args.Override)
	}
	s.session.ProjectModified = true

	ct := wire.ChangeUpdate
	if adding {
		ct = wire.ChangeAdd
	}
	s.broadcastChanged(wire.EvOverrideUpdated, args.Override, ct, obj.ID)
	return s.ok(req, nil)
}

func (s *Server) deleteOverride(p *hub.Peer, req wire.Request) wire.Response {
	var args wire.DeleteOverrideArgs
	if err := wire.DecodeArgs(req.Args, &args); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	project, resp, ok := s.requireProject(req)
	if !ok {
		return resp
	}
	override, exists := project.Override(args.ID)
	if !exists {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("object %s has no overrides", args.ID))
	}
	idx := -1
	for i := range override.Parameters {
		if override.Parameters[i].Name == args.ParameterName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return wire.Fail(req.Request, req.ID, fmt.Sprintf("no override for %s", args.ParameterName))
	}
	if err := s.locks.CheckWrite(p.Name(), args.ID); err != nil {
		return wire.Fail(req.Request, req.ID, err.Error())
	}
	if req.DryRun {
		return s.ok(req, nil)
	}

	removed := override.Parameters[idx]
	override.Parameters = append(override.Parameters[:idx], override.Parameters[idx+1:]...)
	if len(override.Parameters) == 0 {
		for i := range project.Overrides {
			if project.Overrides[i].ID == args.ID {
				project.Overrides = append(project.Overrides[:i], project.Overrides[i+1:]...)
				break
			}
		}
	}
	s.session.ProjectModified = true
	s.broadcastChanged(wire.EvOverrideUpdated, removed, wire.ChangeRemove, args.ID)
	return s.ok(req, nil)
}

// requireProject returns the open project or a failure response.
func (s *Server) requireProject(req wire.Request) (*model.Project, wire.Response, bool) {
	if s.session == nil || s.session.Project == nil {
		return nil, wire.Fail(req.Request, req.ID, "No project is open."), false
	}
	return s.session.Project, wire.Response{}, true
}
