package objtype

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcor2-io/arcor2/internal/model"
)

func TestBuiltinsAlwaysPresent(t *testing.T) {
	g := Build(nil)

	for _, id := range []string{model.GenericType, model.GenericWithPoseType, model.RobotType} {
		e, ok := g.Get(id)
		require.True(t, ok, id)
		assert.True(t, e.Type.BuiltIn)
		assert.True(t, e.Type.Abstract)
	}

	robot, _ := g.Get(model.RobotType)
	assert.True(t, robot.HasPose)
	assert.True(t, robot.Robot)
	generic, _ := g.Get(model.GenericType)
	assert.False(t, generic.HasPose)
}

func TestActionInheritance(t *testing.T) {
	g := Build([]*model.ObjectType{
		{
			ID:   "Gripper",
			Base: model.GenericWithPoseType,
			Actions: []model.ActionMeta{
				{Name: "grip"},
				{Name: "release"},
			},
		},
		{
			ID:   "VacuumGripper",
			Base: "Gripper",
			Actions: []model.ActionMeta{
				// Overrides the parent's grip.
				{Name: "grip", Description: "vacuum grip"},
			},
		},
	})

	actions, err := g.Actions("VacuumGripper")
	require.NoError(t, err)
	require.Len(t, actions, 2)

	grip, err := g.FindAction("VacuumGripper", "grip")
	require.NoError(t, err)
	assert.Equal(t, "VacuumGripper", grip.Origins, "override re-homes the action")
	assert.Equal(t, "vacuum grip", grip.Description)

	release, err := g.FindAction("VacuumGripper", "release")
	require.NoError(t, err)
	assert.Equal(t, "Gripper", release.Origins, "inherited action keeps its declaring ancestor")

	e, _ := g.Get("VacuumGripper")
	assert.True(t, e.HasPose)
	assert.False(t, e.Robot)
}

func TestSettingsInheritance(t *testing.T) {
	g := Build([]*model.ObjectType{
		{
			ID:       "Camera",
			Base:     model.GenericWithPoseType,
			Settings: []model.ParameterMeta{{Name: "fps", Type: "integer", DefaultValue: "30"}},
		},
		{
			ID:       "DepthCamera",
			Base:     "Camera",
			Settings: []model.ParameterMeta{{Name: "fps", Type: "integer", DefaultValue: "15"}},
		},
	})

	e, ok := g.Get("DepthCamera")
	require.True(t, ok)
	require.Len(t, e.Type.Settings, 1)
	assert.Equal(t, "15", e.Type.Settings[0].DefaultValue, "own setting shadows the inherited one")
}

func TestBrokenBaseDisablesNotDrops(t *testing.T) {
	g := Build([]*model.ObjectType{
		{ID: "Orphan", Base: "Missing"},
		{ID: "Child", Base: "Orphan"},
	})

	orphan, ok := g.Get("Orphan")
	require.True(t, ok)
	assert.True(t, orphan.Type.Disabled)
	assert.Contains(t, orphan.Type.Problem, "Missing")

	// Disabled state propagates so the child cannot be instantiated either.
	child, ok := g.Get("Child")
	require.True(t, ok)
	assert.True(t, child.Type.Disabled)
}

func TestInheritanceCycleDisables(t *testing.T) {
	g := Build([]*model.ObjectType{
		{ID: "A", Base: "B"},
		{ID: "B", Base: "A"},
	})

	for _, id := range []string{"A", "B"} {
		e, ok := g.Get(id)
		require.True(t, ok, id)
		assert.True(t, e.Type.Disabled, id)
		assert.Contains(t, e.Type.Problem, "cycle")
	}
}

func TestDiff(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	old := Build([]*model.ObjectType{
		{ID: "Kept", Base: model.GenericType, Modified: base},
		{ID: "Touched", Base: model.GenericType, Source: "v1", Modified: base},
		{ID: "Gone", Base: model.GenericType, Modified: base},
	})
	updated := Build([]*model.ObjectType{
		{ID: "Kept", Base: model.GenericType, Modified: base},
		{ID: "Touched", Base: model.GenericType, Source: "v2", Modified: base.Add(time.Hour)},
		{ID: "Fresh", Base: model.GenericType, Modified: base},
	})

	added, changed, removed := Diff(old, updated)

	require.Len(t, added, 1)
	assert.Equal(t, "Fresh", added[0].ID)
	require.Len(t, changed, 1)
	assert.Equal(t, "Touched", changed[0].ID)
	require.Len(t, removed, 1)
	assert.Equal(t, "Gone", removed[0].ID)
}

func TestDiffAgainstNil(t *testing.T) {
	g := Build(nil)
	added, changed, removed := Diff(nil, g)
	assert.Len(t, added, 3, "first refresh reports the builtins as added")
	assert.Empty(t, changed)
	assert.Empty(t, removed)
}
