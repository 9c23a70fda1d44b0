// Package objtype resolves the object type catalog into the graph the
// server serves: base chains checked, inherited actions and settings folded
// into each type, and broken types kept as disabled entries so listings stay
// complete and deterministic.
package objtype

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/arcor2-io/arcor2/internal/model"
)

// Builtins returns the root types every catalog implicitly contains. They
// are synthesized whenever the catalog does not store them itself.
func Builtins() []*model.ObjectType {
	return []*model.ObjectType{
		{
			ID:          model.GenericType,
			Description: "Common ancestor of all object types.",
			BuiltIn:     true,
			Abstract:    true,
		},
		{
			ID:          model.GenericWithPoseType,
			Base:        model.GenericType,
			Description: "An object with a pose and optionally a collision model.",
			BuiltIn:     true,
			Abstract:    true,
		},
		{
			ID:          model.RobotType,
			Base:        model.GenericWithPoseType,
			Description: "An object with arms and end effectors.",
			BuiltIn:     true,
			Abstract:    true,
		},
	}
}

// Entry is one resolved type in the graph.
type Entry struct {
	// Type carries the resolved view: actions and settings include what the
	// base chain contributes, with Origins filled in.
	Type model.ObjectType

	// HasPose is true for types descending from GenericWithPose.
	HasPose bool

	// Robot is true for types descending from Robot.
	Robot bool

	srcHash string
}

// Graph is an immutable snapshot of the resolved type catalog. Refreshes
// build a new Graph and diff it against the previous one.
type Graph struct {
	entries map[string]*Entry
}

// Build resolves raw catalog types into a graph. Types whose base chain is
// broken (missing base, cycle) come out disabled with a problem string
// instead of being dropped.
func Build(raw []*model.ObjectType) *Graph {
	byID := make(map[string]*model.ObjectType, len(raw)+3)
	for _, b := range Builtins() {
		byID[b.ID] = b
	}
	for _, t := range raw {
		byID[t.ID] = t
	}

	g := &Graph{entries: make(map[string]*Entry, len(byID))}
	for id := range byID {
		g.resolve(id, byID, make(map[string]bool))
	}
	return g
}

// resolve builds the entry for id, resolving its base chain first. visiting
// detects cycles.
func (g *Graph) resolve(id string, byID map[string]*model.ObjectType, visiting map[string]bool) *Entry {
	if e, ok := g.entries[id]; ok {
		return e
	}

	t := *byID[id]
	e := &Entry{srcHash: sourceHash(&t)}

	if visiting[id] {
		t.Disabled = true
		t.Problem = fmt.Sprintf("inheritance cycle through %s", id)
		e.Type = t
		g.entries[id] = e
		return e
	}
	visiting[id] = true
	defer delete(visiting, id)

	var base *Entry
	if t.Base != "" {
		if _, ok := byID[t.Base]; !ok {
			t.Disabled = true
			t.Problem = fmt.Sprintf("unknown base type %s", t.Base)
			e.Type = t
			g.entries[id] = e
			return e
		}
		base = g.resolve(t.Base, byID, visiting)
		if base.Type.Disabled && !t.Disabled {
			t.Disabled = true
			t.Problem = fmt.Sprintf("base type %s is disabled", t.Base)
		}
	}

	e.HasPose = id == model.GenericWithPoseType || (base != nil && base.HasPose)
	e.Robot = id == model.RobotType || (base != nil && base.Robot)

	// Own declarations win over inherited ones; everything else propagates
	// down with Origins pointing at the declaring ancestor.
	own := make(map[string]bool, len(t.Actions))
	actions := make([]model.ActionMeta, 0, len(t.Actions))
	for _, a := range t.Actions {
		if a.Origins == "" {
			a.Origins = id
		}
		own[a.Name] = true
		actions = append(actions, a)
	}
	if base != nil {
		for _, a := range base.Type.Actions {
			if !own[a.Name] {
				actions = append(actions, a)
			}
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Name < actions[j].Name })
	t.Actions = actions

	ownSettings := make(map[string]bool, len(t.Settings))
	for _, s := range t.Settings {
		ownSettings[s.Name] = true
	}
	if base != nil {
		for _, s := range base.Type.Settings {
			if !ownSettings[s.Name] {
				t.Settings = append(t.Settings, s)
			}
		}
	}

	e.Type = t
	g.entries[id] = e
	return e
}

// sourceHash fingerprints a raw type for change detection. Modified alone is
// not enough: the catalog bumps it on any write, including ones that do not
// affect the resolved graph.
func sourceHash(t *model.ObjectType) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%v\x00", t.ID, t.Base, t.Source, t.Modified.UTC())
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the entry for id.
func (g *Graph) Get(id string) (*Entry, bool) {
	e, ok := g.entries[id]
	return e, ok
}

// List returns every resolved type, sorted by id.
func (g *Graph) List() []model.ObjectType {
	out := make([]model.ObjectType, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e.Type)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Actions returns the resolved action list of a type, inherited actions
// included.
func (g *Graph) Actions(id string) ([]model.ActionMeta, error) {
	e, ok := g.entries[id]
	if !ok {
		return nil, fmt.Errorf("objtype: unknown type %s", id)
	}
	return e.Type.Actions, nil
}

// FindAction returns one action of a type by name. Disabled actions are
// still returned; the caller decides whether they are usable.
func (g *Graph) FindAction(id, name string) (*model.ActionMeta, error) {
	actions, err := g.Actions(id)
	if err != nil {
		return nil, err
	}
	for i := range actions {
		if actions[i].Name == name {
			return &actions[i], nil
		}
	}
	return nil, fmt.Errorf("objtype: type %s has no action %s", id, name)
}

// Diff compares two graphs and returns the catalog deltas: types added,
// types whose resolved form changed, and types removed. Removed entries
// carry only the id.
func Diff(old, updated *Graph) (added, changed, removed []model.ObjectType) {
	if old == nil {
		old = &Graph{entries: map[string]*Entry{}}
	}
	for id, e := range updated.entries {
		prev, ok := old.entries[id]
		switch {
		case !ok:
			added = append(added, e.Type)
		case prev.srcHash != e.srcHash:
			changed = append(changed, e.Type)
		}
	}
	for id := range old.entries {
		if _, ok := updated.entries[id]; !ok {
			removed = append(removed, model.ObjectType{ID: id})
		}
	}
	sortTypes(added)
	sortTypes(changed)
	sortTypes(removed)
	return added, changed, removed
}

func sortTypes(ts []model.ObjectType) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
