package server

import (
	"github.com/arcor2-io/arcor2/internal/model"
)

// Session is the single open editing session. A scene is always open while a
// project is; the reverse does not hold. The modified flags mirror the
// "unsaved changes" state the UI shows; only a successful save clears them.
type Session struct {
	Scene   *model.Scene
	Project *model.Project

	SceneModified   bool
	ProjectModified bool
}

// hierarchy adapts the open session to the lock table's parent/child walk.
//
// The tree it exposes: the scene id roots all parentless scene objects;
// objects root their child objects and the action points parented to them;
// the project id roots parentless action points, logic items, project
// parameters and overrides; action points root their actions and
// orientations.
//
// Parent and Children are only called from lock table operations issued by
// RPC handlers, which hold the server mutex, so reading the session without
// further locking is safe.
type hierarchy struct {
	s *Server
}

func (h hierarchy) Parent(id string) string {
	sess := h.s.session
	if sess == nil {
		return ""
	}

	if sc := sess.Scene; sc != nil {
		if id == sc.ID {
			return ""
		}
		for i := range sc.Objects {
			if sc.Objects[i].ID == id {
				if sc.Objects[i].Parent != "" {
					return sc.Objects[i].Parent
				}
				return sc.ID
			}
		}
	}

	p := sess.Project
	if p == nil {
		return ""
	}
	if id == p.ID {
		return ""
	}
	for i := range p.ActionPoints {
		ap := &p.ActionPoints[i]
		if ap.ID == id {
			if ap.Parent != "" {
				return ap.Parent
			}
			return p.ID
		}
		for j := range ap.Actions {
			if ap.Actions[j].ID == id {
				return ap.ID
			}
		}
		for j := range ap.Orientations {
			if ap.Orientations[j].ID == id {
				return ap.ID
			}
		}
	}
	for i := range p.Logic {
		if p.Logic[i].ID == id {
			return p.ID
		}
	}
	for i := range p.Parameters {
		if p.Parameters[i].ID == id {
			return p.ID
		}
	}
	for i := range p.Overrides {
		if p.Overrides[i].ID == id {
			return p.ID
		}
	}
	return ""
}

func (h hierarchy) Children(id string) []string {
	sess := h.s.session
	if sess == nil {
		return nil
	}

	var out []string
	if sc := sess.Scene; sc != nil {
		if id == sc.ID {
			for i := range sc.Objects {
				if sc.Objects[i].Parent == "" {
					out = append(out, sc.Objects[i].ID)
				}
			}
		} else {
			out = append(out, sc.Children(id)...)
		}
	}

	p := sess.Project
	if p == nil {
		return out
	}
	if id == p.ID {
		for i := range p.ActionPoints {
			if p.ActionPoints[i].Parent == "" {
				out = append(out, p.ActionPoints[i].ID)
			}
		}
		for i := range p.Logic {
			out = append(out, p.Logic[i].ID)
		}
		for i := range p.Parameters {
			out = append(out, p.Parameters[i].ID)
		}
		for i := range p.Overrides {
			out = append(out, p.Overrides[i].ID)
		}
		return out
	}
	for i := range p.ActionPoints {
		ap := &p.ActionPoints[i]
		// Action points parented to a scene object hang under that object.
		if ap.Parent == id {
			out = append(out, ap.ID)
		}
		if ap.ID == id {
			for j := range ap.Actions {
				out = append(out, ap.Actions[j].ID)
			}
			for j := range ap.Orientations {
				out = append(out, ap.Orientations[j].ID)
			}
		}
	}
	return out
}
