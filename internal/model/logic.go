package model

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// CheckLogicItem validates a logic edge against the project before it is
// added or updated. ignoreID names an existing edge to exclude from the
// duplicate and condition-consistency checks (the edge being updated);
// pass "" when adding.
//
// The invariants enforced here must hold after every mutation, not just at
// build time: no duplicate (start,end) pairs, endpoints resolve, conditional
// edges leaving one action all test the same output with distinct values,
// and the graph stays acyclic.
func CheckLogicItem(p *Project, item LogicItem, ignoreID string) error {
	if item.Start == "" || item.End == "" {
		return fmt.Errorf("model: logic item needs both start and end")
	}
	if item.Start == LogicEnd {
		return fmt.Errorf("model: logic cannot start at END")
	}
	if item.End == LogicStart {
		return fmt.Errorf("model: logic cannot end at START")
	}
	if item.Start == item.End {
		return fmt.Errorf("model: logic item start and end are the same")
	}

	if item.Start != LogicStart {
		if _, err := p.Action(item.Start); err != nil {
			return fmt.Errorf("model: logic start: %w", err)
		}
	}
	if item.End != LogicEnd {
		if _, err := p.Action(item.End); err != nil {
			return fmt.Errorf("model: logic end: %w", err)
		}
	}

	if item.Condition != nil {
		if item.Start == LogicStart {
			return fmt.Errorf("model: edge from START cannot be conditional")
		}
		if err := checkCondition(p, item.Condition); err != nil {
			return err
		}
	}

	// Rules over the sibling edges leaving the same start node.
	for i := range p.Logic {
		other := &p.Logic[i]
		if other.ID == ignoreID {
			continue
		}
		if other.Start == item.Start && other.End == item.End {
			return fmt.Errorf("model: duplicate logic item %s -> %s", item.Start, item.End)
		}
		if other.Start != item.Start {
			continue
		}
		switch {
		case other.Condition == nil && item.Condition == nil:
			return fmt.Errorf("model: %s already has an unconditional outgoing edge", item.Start)
		case (other.Condition == nil) != (item.Condition == nil):
			return fmt.Errorf("model: cannot mix conditional and unconditional edges from %s", item.Start)
		default:
			if other.Condition.What != item.Condition.What {
				return fmt.Errorf("model: conditional edges from %s must test the same output", item.Start)
			}
			same, err := jsonValuesEqual(other.Condition.Value, item.Condition.Value)
			if err != nil {
				return err
			}
			if same {
				return fmt.Errorf("model: duplicate condition value %s on edges from %s", item.Condition.Value, item.Start)
			}
		}
	}

	if createsCycle(p, item, ignoreID) {
		return fmt.Errorf("model: logic item %s -> %s would create a cycle", item.Start, item.End)
	}
	return nil
}

// checkCondition validates that a condition references an existing action
// output and carries a JSON-encoded value.
func checkCondition(p *Project, c *Condition) error {
	actionID, flowType, idx, err := ParseConditionWhat(c.What)
	if err != nil {
		return err
	}
	act, err := p.Action(actionID)
	if err != nil {
		return fmt.Errorf("model: condition: %w", err)
	}
	flow, err := act.Flow(flowType)
	if err != nil {
		return fmt.Errorf("model: condition: %w", err)
	}
	if idx >= len(flow.Outputs) {
		return fmt.Errorf("model: condition output index %d out of range for action %s", idx, actionID)
	}
	if !json.Valid([]byte(c.Value)) {
		return fmt.Errorf("model: condition value %q is not valid JSON", c.Value)
	}
	return nil
}

// jsonValuesEqual compares two JSON-encoded values by decoded value, so
// "1" and "1.0" compare equal and " true" equals "true". Objects and arrays
// decode to maps and slices, so the comparison must be deep.
func jsonValuesEqual(a, b string) (bool, error) {
	var av, bv any
	if err := json.Unmarshal([]byte(a), &av); err != nil {
		return false, fmt.Errorf("model: condition value %q is not valid JSON", a)
	}
	if err := json.Unmarshal([]byte(b), &bv); err != nil {
		return false, fmt.Errorf("model: condition value %q is not valid JSON", b)
	}
	return reflect.DeepEqual(av, bv), nil
}

// createsCycle reports whether the graph formed by the project's logic,
// minus the edge named ignoreID, plus item, contains a cycle.
func createsCycle(p *Project, item LogicItem, ignoreID string) bool {
	next := make(map[string][]string, len(p.Logic)+1)
	for i := range p.Logic {
		if p.Logic[i].ID == ignoreID {
			continue
		}
		next[p.Logic[i].Start] = append(next[p.Logic[i].Start], p.Logic[i].End)
	}
	next[item.Start] = append(next[item.Start], item.End)

	// A cycle exists iff item.Start is reachable from item.End.
	seen := map[string]bool{}
	stack := []string{item.End}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == item.Start {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, next[n]...)
	}
	return false
}

// ValidateLogic checks that the project's logic is complete enough to build:
// exactly one edge leaves START, every action is reachable from START, END
// is reachable from every action, and each edge individually passes
// CheckLogicItem. Work-in-progress projects may be saved without passing
// this; BuildProject requires it.
func ValidateLogic(p *Project) error {
	if !p.HasLogic {
		return nil
	}

	starts := 0
	for i := range p.Logic {
		item := p.Logic[i]
		if err := CheckLogicItem(p, item, item.ID); err != nil {
			return err
		}
		if item.Start == LogicStart {
			starts++
		}
	}
	if starts == 0 {
		return fmt.Errorf("model: logic has no edge from START")
	}
	if starts > 1 {
		return fmt.Errorf("model: logic has %d edges from START, expected one", starts)
	}

	next := make(map[string][]string, len(p.Logic))
	for i := range p.Logic {
		next[p.Logic[i].Start] = append(next[p.Logic[i].Start], p.Logic[i].End)
	}

	reachable := map[string]bool{}
	stack := []string{LogicStart}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[n] {
			continue
		}
		reachable[n] = true
		stack = append(stack, next[n]...)
	}
	if !reachable[LogicEnd] {
		return fmt.Errorf("model: END is not reachable from START")
	}

	for i := range p.ActionPoints {
		for j := range p.ActionPoints[i].Actions {
			act := &p.ActionPoints[i].Actions[j]
			if !reachable[act.ID] {
				return fmt.Errorf("model: action %s is not connected to the logic", act.Name)
			}
			if !reaches(next, act.ID, LogicEnd) {
				return fmt.Errorf("model: action %s cannot reach END", act.Name)
			}
		}
	}
	return nil
}

// reaches reports whether target is reachable from start in the adjacency
// map next.
func reaches(next map[string][]string, start, target string) bool {
	seen := map[string]bool{}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, next[n]...)
	}
	return false
}
