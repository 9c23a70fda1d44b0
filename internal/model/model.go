// Package model defines the entities shared by every component of the
// platform: scenes, projects, object types and execution packages, together
// with the identifier and logic-graph rules the server enforces on them.
//
// The types here are pure data plus validation. Anything that talks to the
// network, the disk or another process lives elsewhere and imports this
// package, never the other way around.
package model

import "time"

// Position is a point in the workcell frame, metres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Orientation is a rotation quaternion. The zero value is not a valid
// rotation; use NewOrientation for identity.
type Orientation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// NewOrientation returns the identity rotation.
func NewOrientation() Orientation {
	return Orientation{W: 1}
}

// Pose is a position plus orientation.
type Pose struct {
	Position    Position    `json:"position"`
	Orientation Orientation `json:"orientation"`
}

// NewPose returns a pose at the origin with identity rotation.
func NewPose() Pose {
	return Pose{Orientation: NewOrientation()}
}

// IDDesc is the listing form of a persisted entity: enough to render a
// catalog browser without fetching the full body.
type IDDesc struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created,omitempty"`
	Modified    time.Time `json:"modified,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Parameter is a typed named value. The same shape serves object settings,
// setting overrides and project parameters: Value always holds the
// JSON-encoded literal, so a string parameter carries `"\"abc\""` and an
// integer carries `"42"`.
type Parameter struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// RobotArg identifies one end effector of one robot, as referenced by
// aiming and other robot-relative RPCs.
type RobotArg struct {
	RobotID     string `json:"robotId"`
	EndEffector string `json:"endEffector"`
	ArmID       string `json:"armId,omitempty"`
}
