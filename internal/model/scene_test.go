package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSceneAddRemoveObject(t *testing.T) {
	s := &Scene{ID: "scn", Name: "scn"}

	pose := NewPose()
	require.NoError(t, s.AddObject(SceneObject{ID: "o1", Name: "box", Type: "Box", Pose: &pose}))

	// Duplicate name and duplicate id are both rejected.
	assert.Error(t, s.AddObject(SceneObject{ID: "o2", Name: "box", Type: "Box"}))
	assert.Error(t, s.AddObject(SceneObject{ID: "o1", Name: "box2", Type: "Box"}))

	obj, err := s.Object("o1")
	require.NoError(t, err)
	assert.Equal(t, "box", obj.Name)
	assert.True(t, s.NameTaken("box"))

	require.NoError(t, s.RemoveObject("o1"))
	assert.Error(t, s.RemoveObject("o1"))
	assert.False(t, s.NameTaken("box"))
}

func TestSceneChildren(t *testing.T) {
	s := &Scene{ID: "scn", Name: "scn", Objects: []SceneObject{
		{ID: "o1", Name: "table", Type: "Table"},
		{ID: "o2", Name: "cam", Type: "Camera", Parent: "o1"},
		{ID: "o3", Name: "box", Type: "Box", Parent: "o1"},
	}}
	assert.ElementsMatch(t, []string{"o2", "o3"}, s.Children("o1"))
	assert.Empty(t, s.Children("o2"))
}

func TestProjectLookups(t *testing.T) {
	p := logicFixture()

	ap, err := p.ActionPoint("ap1")
	require.NoError(t, err)
	assert.Equal(t, "ap1", ap.Name)

	act, err := p.Action("a")
	require.NoError(t, err)
	assert.Equal(t, "act_a", act.Name)

	owner, err := p.ActionPointOf("b")
	require.NoError(t, err)
	assert.Equal(t, "ap1", owner.ID)

	assert.True(t, p.ActionNameTaken("act_a"))
	assert.False(t, p.ActionNameTaken("act_c"))
	assert.True(t, p.ActionPointNameTaken("ap1"))
}

func TestProjectUsesObject(t *testing.T) {
	p := logicFixture()
	assert.True(t, p.UsesObject("obj"))
	assert.False(t, p.UsesObject("other"))

	p.ActionPoints[0].Parent = "anchor"
	assert.True(t, p.UsesObject("anchor"))
}

func TestParseActionType(t *testing.T) {
	obj, method, err := ParseActionType("o1/move")
	require.NoError(t, err)
	assert.Equal(t, "o1", obj)
	assert.Equal(t, "move", method)

	for _, bad := range []string{"", "o1", "o1/", "/move"} {
		_, _, err := ParseActionType(bad)
		assert.Error(t, err, bad)
	}
}

func TestObjectModelValidate(t *testing.T) {
	ok := &ObjectModel{Kind: ModelBox, Box: &Box{ID: "m", SizeX: 1, SizeY: 1, SizeZ: 1}}
	require.NoError(t, ok.Validate())

	assert.Error(t, (&ObjectModel{Kind: ModelBox}).Validate())
	assert.Error(t, (&ObjectModel{Kind: "cone", Sphere: &Sphere{ID: "m", Radius: 1}}).Validate())
	assert.Error(t, (&ObjectModel{Kind: ModelBox, Box: &Box{ID: "m"}, Sphere: &Sphere{ID: "m"}}).Validate())
}
