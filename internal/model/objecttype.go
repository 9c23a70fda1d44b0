package model

import (
	"fmt"
	"time"
)

// Built-in root object types. Every user type ultimately descends from
// Generic; GenericWithPose adds a pose (and usually a collision model);
// Robot adds end effectors and arms.
const (
	GenericType         = "Generic"
	GenericWithPoseType = "GenericWithPose"
	RobotType           = "Robot"
)

// Model kinds for ObjectModel.Kind.
const (
	ModelBox      = "box"
	ModelCylinder = "cylinder"
	ModelSphere   = "sphere"
	ModelMesh     = "mesh"
)

// Box is an axis-aligned collision box, dimensions in metres.
type Box struct {
	ID    string  `json:"id"`
	SizeX float64 `json:"sizeX"`
	SizeY float64 `json:"sizeY"`
	SizeZ float64 `json:"sizeZ"`
}

// Cylinder is a collision cylinder, dimensions in metres.
type Cylinder struct {
	ID     string  `json:"id"`
	Radius float64 `json:"radius"`
	Height float64 `json:"height"`
}

// Sphere is a collision sphere, radius in metres.
type Sphere struct {
	ID     string  `json:"id"`
	Radius float64 `json:"radius"`
}

// Mesh is a triangle-mesh collision model. FocusPoints are the reference
// points on the mesh used by object aiming; their order is significant and
// the aiming flow records one robot pose per point.
type Mesh struct {
	ID          string `json:"id"`
	URI         string `json:"uri,omitempty"`
	FocusPoints []Pose `json:"focusPoints,omitempty"`
}

// ObjectModel is the collision model of an object type. Kind selects which
// of the variant fields is set; exactly one must be non-nil.
type ObjectModel struct {
	Kind     string    `json:"kind"`
	Box      *Box      `json:"box,omitempty"`
	Cylinder *Cylinder `json:"cylinder,omitempty"`
	Sphere   *Sphere   `json:"sphere,omitempty"`
	Mesh     *Mesh     `json:"mesh,omitempty"`
}

// Validate checks that exactly the variant named by Kind is populated.
func (m *ObjectModel) Validate() error {
	var set int
	for _, ok := range []bool{m.Box != nil, m.Cylinder != nil, m.Sphere != nil, m.Mesh != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("model: object model must carry exactly one shape, has %d", set)
	}
	want := map[string]bool{
		ModelBox:      m.Box != nil,
		ModelCylinder: m.Cylinder != nil,
		ModelSphere:   m.Sphere != nil,
		ModelMesh:     m.Mesh != nil,
	}
	ok, known := want[m.Kind]
	if !known {
		return fmt.Errorf("model: unknown object model kind %q", m.Kind)
	}
	if !ok {
		return fmt.Errorf("model: object model kind %q does not match its shape", m.Kind)
	}
	return nil
}

// ParameterMeta describes one declarable parameter of an action or of an
// object type's settings, as emitted into the type's manifest at build time.
type ParameterMeta struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	DefaultValue string   `json:"defaultValue,omitempty"`
	Description  string   `json:"description,omitempty"`
	Extra        string   `json:"extra,omitempty"`
	DynamicValue bool     `json:"dynamicValue,omitempty"`
	AllowedValues []string `json:"allowedValues,omitempty"`
}

// ActionMeta describes one action a type offers. The manifest generator
// emits one record per action method; the server adds inheritance data.
//
// Origins names the nearest ancestor type that declares the action. For an
// action declared (or overridden) by the type itself Origins equals the type
// id. Disabled actions stay listed so the UI can show why they cannot be
// used; Problem carries the reason.
type ActionMeta struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ParameterMeta `json:"parameters,omitempty"`
	Returns     []string        `json:"returns,omitempty"`
	Origins     string          `json:"origins,omitempty"`
	Meta        ActionMetaFlags `json:"meta"`
	Disabled    bool            `json:"disabled,omitempty"`
	Problem     string          `json:"problem,omitempty"`
}

// ActionMetaFlags carries execution hints the script generator honours.
type ActionMetaFlags struct {
	Blocking  bool `json:"blocking,omitempty"`
	Composite bool `json:"composite,omitempty"`
	Blackbox  bool `json:"blackbox,omitempty"`
}

// ObjectType is the persisted catalog entity for one class of device or
// virtual object. Source is the type's program source, opaque to the
// control plane except as a change detector (its hash); the declarative
// fields below are produced by the build pipeline's manifest generator.
type ObjectType struct {
	ID          string          `json:"id"`
	Base        string          `json:"base,omitempty"`
	Description string          `json:"description,omitempty"`
	BuiltIn     bool            `json:"builtIn,omitempty"`
	Abstract    bool            `json:"abstract,omitempty"`
	Disabled    bool            `json:"disabled,omitempty"`
	Problem     string          `json:"problem,omitempty"`
	Source      string          `json:"source,omitempty"`
	Model       *ObjectModel    `json:"model,omitempty"`
	Settings    []ParameterMeta `json:"settings,omitempty"`
	Actions     []ActionMeta    `json:"actions,omitempty"`
	Created     time.Time       `json:"created,omitempty"`
	Modified    time.Time       `json:"modified,omitempty"`
}

// EntityID implements the catalog cache entity contract.
func (o *ObjectType) EntityID() string { return o.ID }

// EntityName implements the catalog cache entity contract. Object types are
// named by their id.
func (o *ObjectType) EntityName() string { return o.ID }

// ModifiedAt implements the catalog cache entity contract.
func (o *ObjectType) ModifiedAt() time.Time { return o.Modified }

// Desc returns the listing form of the object type.
func (o *ObjectType) Desc() IDDesc {
	return IDDesc{ID: o.ID, Name: o.ID, Created: o.Created, Modified: o.Modified, Description: o.Description}
}
