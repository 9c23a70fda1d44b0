package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logicFixture returns a project with two actions (a, b) on one action point
// and no logic yet. Action a produces one boolean output.
func logicFixture() *Project {
	return &Project{
		ID:       "prj",
		Name:     "prj",
		SceneID:  "scn",
		HasLogic: true,
		ActionPoints: []ActionPoint{{
			ID:   "ap1",
			Name: "ap1",
			Actions: []Action{
				{
					ID:    "a",
					Name:  "act_a",
					Type:  "obj/random_bool",
					Flows: []Flow{{Type: FlowTypeDefault, Outputs: []string{"ok"}}},
				},
				{
					ID:    "b",
					Name:  "act_b",
					Type:  "obj/beep",
					Flows: []Flow{{Type: FlowTypeDefault}},
				},
			},
		}},
	}
}

func edge(id, start, end string) LogicItem {
	return LogicItem{ID: id, Start: start, End: end}
}

func condEdge(id, start, end, what, value string) LogicItem {
	return LogicItem{ID: id, Start: start, End: end, Condition: &Condition{What: what, Value: value}}
}

func TestCheckLogicItemEndpoints(t *testing.T) {
	p := logicFixture()

	assert.Error(t, CheckLogicItem(p, edge("l1", "", "a"), ""))
	assert.Error(t, CheckLogicItem(p, edge("l1", LogicEnd, "a"), ""))
	assert.Error(t, CheckLogicItem(p, edge("l1", "a", LogicStart), ""))
	assert.Error(t, CheckLogicItem(p, edge("l1", "a", "a"), ""))
	assert.Error(t, CheckLogicItem(p, edge("l1", "missing", "a"), ""))
	assert.Error(t, CheckLogicItem(p, edge("l1", "a", "missing"), ""))

	assert.NoError(t, CheckLogicItem(p, edge("l1", LogicStart, "a"), ""))
	assert.NoError(t, CheckLogicItem(p, edge("l1", "a", LogicEnd), ""))
}

func TestCheckLogicItemDuplicateEdge(t *testing.T) {
	p := logicFixture()
	p.Logic = []LogicItem{edge("l1", "a", "b")}

	err := CheckLogicItem(p, edge("l2", "a", "b"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	// Updating the edge itself is not a duplicate.
	assert.NoError(t, CheckLogicItem(p, edge("l1", "a", "b"), "l1"))
}

func TestCheckLogicItemCycle(t *testing.T) {
	p := logicFixture()
	p.Logic = []LogicItem{
		edge("l1", LogicStart, "a"),
		edge("l2", "a", "b"),
	}

	err := CheckLogicItem(p, edge("l3", "b", "a"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCheckLogicItemConditions(t *testing.T) {
	p := logicFixture()

	// Condition referencing a missing output index.
	assert.Error(t, CheckLogicItem(p, condEdge("l1", "a", "b", "a/default/1", "true"), ""))
	// Condition referencing a missing action.
	assert.Error(t, CheckLogicItem(p, condEdge("l1", "a", "b", "zzz/default/0", "true"), ""))
	// Malformed reference.
	assert.Error(t, CheckLogicItem(p, condEdge("l1", "a", "b", "a/default", "true"), ""))
	// Non-JSON value.
	assert.Error(t, CheckLogicItem(p, condEdge("l1", "a", "b", "a/default/0", "tru"), ""))
	// Edges from START cannot carry conditions.
	assert.Error(t, CheckLogicItem(p, condEdge("l1", LogicStart, "a", "a/default/0", "true"), ""))

	require.NoError(t, CheckLogicItem(p, condEdge("l1", "a", "b", "a/default/0", "true"), ""))
	p.Logic = append(p.Logic, condEdge("l1", "a", "b", "a/default/0", "true"))

	// Sibling conditional edge with a distinct value is fine.
	assert.NoError(t, CheckLogicItem(p, condEdge("l2", "a", LogicEnd, "a/default/0", "false"), ""))
	// Same value is rejected.
	assert.Error(t, CheckLogicItem(p, condEdge("l2", "a", LogicEnd, "a/default/0", "true"), ""))
	// Different output is rejected.
	assert.Error(t, CheckLogicItem(p, condEdge("l2", "a", LogicEnd, "b/default/0", "false"), ""))
	// Mixing in an unconditional edge is rejected.
	assert.Error(t, CheckLogicItem(p, edge("l2", "a", LogicEnd), ""))
}

func TestCheckLogicItemObjectConditionValues(t *testing.T) {
	p := logicFixture()
	p.Logic = []LogicItem{condEdge("l1", "a", "b", "a/default/0", `{"x":1}`)}

	// Object and array values are compared by content.
	assert.NoError(t, CheckLogicItem(p, condEdge("l2", "a", LogicEnd, "a/default/0", `{"x":2}`), ""))
	assert.NoError(t, CheckLogicItem(p, condEdge("l2", "a", LogicEnd, "a/default/0", `[1,2]`), ""))

	err := CheckLogicItem(p, condEdge("l2", "a", LogicEnd, "a/default/0", `{"x":1}`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate condition value")

	// Whitespace differences do not make values distinct.
	err = CheckLogicItem(p, condEdge("l2", "a", LogicEnd, "a/default/0", `{ "x": 1 }`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate condition value")
}

func TestCheckLogicItemUnconditionalFanOut(t *testing.T) {
	p := logicFixture()
	p.Logic = []LogicItem{edge("l1", "a", "b")}

	// A second unconditional edge from the same action is ambiguous.
	err := CheckLogicItem(p, edge("l2", "a", LogicEnd), "")
	require.Error(t, err)
}

func TestValidateLogicComplete(t *testing.T) {
	p := logicFixture()
	p.Logic = []LogicItem{
		edge("l1", LogicStart, "a"),
		edge("l2", "a", "b"),
		edge("l3", "b", LogicEnd),
	}
	require.NoError(t, ValidateLogic(p))
}

func TestValidateLogicIncomplete(t *testing.T) {
	p := logicFixture()

	// No START edge at all.
	p.Logic = []LogicItem{edge("l2", "a", "b"), edge("l3", "b", LogicEnd)}
	err := ValidateLogic(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "START")

	// END unreachable.
	p.Logic = []LogicItem{edge("l1", LogicStart, "a"), edge("l2", "a", "b")}
	err = ValidateLogic(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "END")

	// Action not wired in.
	p.Logic = []LogicItem{edge("l1", LogicStart, "a"), edge("l3", "a", LogicEnd)}
	err = ValidateLogic(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "act_b")
}

func TestValidateLogicConditionalBranches(t *testing.T) {
	p := logicFixture()
	p.Logic = []LogicItem{
		edge("l1", LogicStart, "a"),
		condEdge("l2", "a", "b", "a/default/0", "true"),
		condEdge("l3", "a", LogicEnd, "a/default/0", "false"),
		edge("l4", "b", LogicEnd),
	}
	require.NoError(t, ValidateLogic(p))
}

func TestValidateLogicSkippedWithoutLogic(t *testing.T) {
	p := logicFixture()
	p.HasLogic = false
	p.Logic = nil
	assert.NoError(t, ValidateLogic(p))
}
