package model

import (
	"fmt"
	"time"
)

// SceneObject is one object instance placed in a scene. Pose is nil for
// pose-less types (services, virtual objects). Parent links the object under
// another scene object; an empty Parent means the object sits at scene root.
type SceneObject struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	Pose       *Pose       `json:"pose,omitempty"`
	Parent     string      `json:"parent,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Scene is a collection of object instances with poses.
type Scene struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Objects     []SceneObject `json:"objects"`
	Created     time.Time     `json:"created,omitempty"`
	Modified    time.Time     `json:"modified,omitempty"`
}

// EntityID implements the catalog cache entity contract.
func (s *Scene) EntityID() string { return s.ID }

// EntityName implements the catalog cache entity contract.
func (s *Scene) EntityName() string { return s.Name }

// ModifiedAt implements the catalog cache entity contract.
func (s *Scene) ModifiedAt() time.Time { return s.Modified }

// Desc returns the listing form of the scene.
func (s *Scene) Desc() IDDesc {
	return IDDesc{ID: s.ID, Name: s.Name, Created: s.Created, Modified: s.Modified, Description: s.Description}
}

// Object returns the scene object with the given id.
func (s *Scene) Object(id string) (*SceneObject, error) {
	for i := range s.Objects {
		if s.Objects[i].ID == id {
			return &s.Objects[i], nil
		}
	}
	return nil, fmt.Errorf("model: unknown scene object %s", id)
}

// ObjectByName returns the scene object with the given name, if any.
func (s *Scene) ObjectByName(name string) (*SceneObject, bool) {
	for i := range s.Objects {
		if s.Objects[i].Name == name {
			return &s.Objects[i], true
		}
	}
	return nil, false
}

// NameTaken reports whether any object in the scene already uses name.
func (s *Scene) NameTaken(name string) bool {
	_, ok := s.ObjectByName(name)
	return ok
}

// AddObject appends obj after checking id and name uniqueness.
func (s *Scene) AddObject(obj SceneObject) error {
	for i := range s.Objects {
		if s.Objects[i].ID == obj.ID {
			return fmt.Errorf("model: duplicate scene object id %s", obj.ID)
		}
		if s.Objects[i].Name == obj.Name {
			return fmt.Errorf("model: scene object name %q already taken", obj.Name)
		}
	}
	s.Objects = append(s.Objects, obj)
	return nil
}

// RemoveObject deletes the object with the given id.
func (s *Scene) RemoveObject(id string) error {
	for i := range s.Objects {
		if s.Objects[i].ID == id {
			s.Objects = append(s.Objects[:i], s.Objects[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("model: unknown scene object %s", id)
}

// Children returns ids of objects whose Parent is id.
func (s *Scene) Children(id string) []string {
	var out []string
	for i := range s.Objects {
		if s.Objects[i].Parent == id {
			out = append(out, s.Objects[i].ID)
		}
	}
	return out
}
