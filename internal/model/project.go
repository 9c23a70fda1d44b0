package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action parameter kinds. A plain parameter's Type names a value type from
// the object type manifest ("string", "double", ...); the two reference
// kinds point at another entity instead of carrying a literal.
const (
	// ParamKindLink marks a parameter whose Value names the output of an
	// earlier action, encoded as "actionId/flowType/outputIndex".
	ParamKindLink = "link"

	// ParamKindProjectParameter marks a parameter whose Value names a
	// project-level parameter by name.
	ParamKindProjectParameter = "project_parameter"
)

// FlowTypeDefault is the only flow type the runtime currently defines.
const FlowTypeDefault = "default"

// ActionParameter is one argument of an action invocation. Value holds a
// JSON-encoded literal, or a reference when Type is one of the ParamKind
// constants.
type ActionParameter struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Flow declares the outputs an action invocation produces. Output names
// become variables in the generated script and can be referenced by link
// parameters and logic conditions.
type Flow struct {
	Type    string   `json:"type"`
	Outputs []string `json:"outputs,omitempty"`
}

// Action is a single invocation of an object type method, bound to an action
// point. Type is encoded as "objectId/method".
type Action struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Parameters  []ActionParameter `json:"parameters,omitempty"`
	Flows       []Flow            `json:"flows,omitempty"`
	Description string            `json:"description,omitempty"`
}

// ParseActionType splits an Action.Type into the scene object id and the
// method name.
func ParseActionType(t string) (objectID, method string, err error) {
	i := strings.IndexByte(t, '/')
	if i <= 0 || i == len(t)-1 {
		return "", "", fmt.Errorf("model: malformed action type %q", t)
	}
	return t[:i], t[i+1:], nil
}

// Flow returns the action's flow of the given type.
func (a *Action) Flow(flowType string) (*Flow, error) {
	for i := range a.Flows {
		if a.Flows[i].Type == flowType {
			return &a.Flows[i], nil
		}
	}
	return nil, fmt.Errorf("model: action %s has no %s flow", a.ID, flowType)
}

// NamedOrientation is a reusable orientation attached to an action point.
type NamedOrientation struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Orientation Orientation `json:"orientation"`
}

// Joint is one named joint value of a robot arm configuration.
type Joint struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// RobotJoints is a stored joint configuration attached to an action point.
// IsValid is cleared when the action point moves, since the stored joints no
// longer reach the new position.
type RobotJoints struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	RobotID string  `json:"robotId,omitempty"`
	Joints  []Joint `json:"joints"`
	IsValid bool    `json:"isValid"`
}

// ActionPoint is a named position attached to a scene object (or free
// standing when Parent is empty), carrying reusable orientations, joint
// configurations and the actions anchored to it.
type ActionPoint struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Parent       string             `json:"parent,omitempty"`
	Position     Position           `json:"position"`
	Orientations []NamedOrientation `json:"orientations,omitempty"`
	RobotJoints  []RobotJoints      `json:"robotJoints,omitempty"`
	Actions      []Action           `json:"actions,omitempty"`
}

// Orientation returns the named orientation with the given id.
func (ap *ActionPoint) Orientation(id string) (*NamedOrientation, error) {
	for i := range ap.Orientations {
		if ap.Orientations[i].ID == id {
			return &ap.Orientations[i], nil
		}
	}
	return nil, fmt.Errorf("model: unknown orientation %s", id)
}

// OrientationNameTaken reports whether name is already used by one of the
// action point's orientations.
func (ap *ActionPoint) OrientationNameTaken(name string) bool {
	for i := range ap.Orientations {
		if ap.Orientations[i].Name == name {
			return true
		}
	}
	return false
}

// Logic graph endpoints. START/END are virtual nodes, never action ids.
const (
	LogicStart = "START"
	LogicEnd   = "END"
)

// Condition gates a logic edge on the value of an earlier action's output.
// What is encoded as "actionId/flowType/outputIndex"; Value holds the
// JSON-encoded literal the output must equal for the edge to be taken.
type Condition struct {
	What  string `json:"what"`
	Value string `json:"value"`
}

// ParseConditionWhat splits a Condition.What reference.
func ParseConditionWhat(what string) (actionID, flowType string, outputIndex int, err error) {
	parts := strings.Split(what, "/")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("model: malformed condition reference %q", what)
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &outputIndex); err != nil || outputIndex < 0 {
		return "", "", 0, fmt.Errorf("model: malformed condition reference %q", what)
	}
	return parts[0], parts[1], outputIndex, nil
}

// LogicItem is one edge of the project's logic graph.
type LogicItem struct {
	ID        string     `json:"id"`
	Start     string     `json:"start"`
	End       string     `json:"end"`
	Condition *Condition `json:"condition,omitempty"`
}

// ProjectParameter is a project-scoped constant usable as an action
// parameter via the project_parameter reference kind.
type ProjectParameter struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ObjectOverride carries the project-scoped replacements for one scene
// object's settings. ID is the scene object id.
type ObjectOverride struct {
	ID         string      `json:"id"`
	Parameters []Parameter `json:"parameters"`
}

// Project is the authored program: action points and logic over a scene.
type Project struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	SceneID     string             `json:"sceneId"`
	HasLogic    bool               `json:"hasLogic"`
	ActionPoints []ActionPoint     `json:"actionPoints"`
	Parameters  []ProjectParameter `json:"parameters,omitempty"`
	Overrides   []ObjectOverride   `json:"objectOverrides,omitempty"`
	Logic       []LogicItem        `json:"logic,omitempty"`
	Created     time.Time          `json:"created,omitempty"`
	Modified    time.Time          `json:"modified,omitempty"`
}

// Clone returns a deep copy of the project, detached from every nested
// slice of the original.
func (p *Project) Clone() (*Project, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("model: clone project %s: %w", p.ID, err)
	}
	var out Project
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("model: clone project %s: %w", p.ID, err)
	}
	return &out, nil
}

// EntityID implements the catalog cache entity contract.
func (p *Project) EntityID() string { return p.ID }

// EntityName implements the catalog cache entity contract.
func (p *Project) EntityName() string { return p.Name }

// ModifiedAt implements the catalog cache entity contract.
func (p *Project) ModifiedAt() time.Time { return p.Modified }

// Desc returns the listing form of the project.
func (p *Project) Desc() IDDesc {
	return IDDesc{ID: p.ID, Name: p.Name, Created: p.Created, Modified: p.Modified, Description: p.Description}
}

// ActionPoint returns the action point with the given id.
func (p *Project) ActionPoint(id string) (*ActionPoint, error) {
	for i := range p.ActionPoints {
		if p.ActionPoints[i].ID == id {
			return &p.ActionPoints[i], nil
		}
	}
	return nil, fmt.Errorf("model: unknown action point %s", id)
}

// Action returns the action with the given id, searching all action points.
func (p *Project) Action(id string) (*Action, error) {
	for i := range p.ActionPoints {
		for j := range p.ActionPoints[i].Actions {
			if p.ActionPoints[i].Actions[j].ID == id {
				return &p.ActionPoints[i].Actions[j], nil
			}
		}
	}
	return nil, fmt.Errorf("model: unknown action %s", id)
}

// ActionPointOf returns the action point owning the action with the given id.
func (p *Project) ActionPointOf(actionID string) (*ActionPoint, error) {
	for i := range p.ActionPoints {
		for j := range p.ActionPoints[i].Actions {
			if p.ActionPoints[i].Actions[j].ID == actionID {
				return &p.ActionPoints[i], nil
			}
		}
	}
	return nil, fmt.Errorf("model: unknown action %s", actionID)
}

// OrientationParent returns the action point owning the orientation with the
// given id.
func (p *Project) OrientationParent(orientationID string) (*ActionPoint, error) {
	for i := range p.ActionPoints {
		for j := range p.ActionPoints[i].Orientations {
			if p.ActionPoints[i].Orientations[j].ID == orientationID {
				return &p.ActionPoints[i], nil
			}
		}
	}
	return nil, fmt.Errorf("model: unknown orientation %s", orientationID)
}

// ActionPointNameTaken reports whether name is already used by any action
// point in the project.
func (p *Project) ActionPointNameTaken(name string) bool {
	for i := range p.ActionPoints {
		if p.ActionPoints[i].Name == name {
			return true
		}
	}
	return false
}

// ActionNameTaken reports whether name is already used by any action in the
// project. Action names share one namespace because they become variable
// names in the generated script.
func (p *Project) ActionNameTaken(name string) bool {
	for i := range p.ActionPoints {
		for j := range p.ActionPoints[i].Actions {
			if p.ActionPoints[i].Actions[j].Name == name {
				return true
			}
		}
	}
	return false
}

// Parameter returns the project parameter with the given id.
func (p *Project) Parameter(id string) (*ProjectParameter, error) {
	for i := range p.Parameters {
		if p.Parameters[i].ID == id {
			return &p.Parameters[i], nil
		}
	}
	return nil, fmt.Errorf("model: unknown project parameter %s", id)
}

// ParameterByName returns the project parameter with the given name, if any.
func (p *Project) ParameterByName(name string) (*ProjectParameter, bool) {
	for i := range p.Parameters {
		if p.Parameters[i].Name == name {
			return &p.Parameters[i], true
		}
	}
	return nil, false
}

// Override returns the override record for the given scene object id, if any.
func (p *Project) Override(objectID string) (*ObjectOverride, bool) {
	for i := range p.Overrides {
		if p.Overrides[i].ID == objectID {
			return &p.Overrides[i], true
		}
	}
	return nil, false
}

// LogicItem returns the logic edge with the given id.
func (p *Project) LogicItem(id string) (*LogicItem, error) {
	for i := range p.Logic {
		if p.Logic[i].ID == id {
			return &p.Logic[i], nil
		}
	}
	return nil, fmt.Errorf("model: unknown logic item %s", id)
}

// UsesObject reports whether any action or action point in the project is
// anchored to the given scene object id.
func (p *Project) UsesObject(objectID string) bool {
	for i := range p.ActionPoints {
		ap := &p.ActionPoints[i]
		if ap.Parent == objectID {
			return true
		}
		for j := range ap.Actions {
			if obj, _, err := ParseActionType(ap.Actions[j].Type); err == nil && obj == objectID {
				return true
			}
		}
	}
	return false
}
