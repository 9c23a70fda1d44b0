package aiming

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcor2-io/arcor2/internal/model"
)

// fixedPoses returns a distinct pose per call so tests can tell captures
// apart.
type fixedPoses struct {
	calls int
}

func (f *fixedPoses) EndEffectorPose(_ context.Context, _ model.RobotArg) (model.Pose, error) {
	f.calls++
	p := model.NewPose()
	p.Position.X = float64(f.calls)
	return p, nil
}

var testRobot = model.RobotArg{RobotID: "rob", EndEffector: "eef1", ArmID: "left"}

func TestHappyPath(t *testing.T) {
	tr := New(&fixedPoses{}, nil)
	ctx := context.Background()

	require.NoError(t, tr.Start("u1", "obj", testRobot, 3))

	for i := 0; i < 3; i++ {
		s, err := tr.AddPoint(ctx, "u1", i)
		require.NoError(t, err)
		assert.Len(t, s.FinishedIndexes(), i+1)
	}

	s, poses, err := tr.Done("u1")
	require.NoError(t, err)
	assert.Equal(t, "obj", s.ObjectID)
	require.Len(t, poses, 3)
	// Poses come back in focus point order, not capture order.
	assert.Equal(t, 1.0, poses[0].Position.X)
	assert.Equal(t, 3.0, poses[2].Position.X)

	_, err = tr.Get("u1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRejections(t *testing.T) {
	tr := New(&fixedPoses{}, nil)
	ctx := context.Background()

	require.NoError(t, tr.Start("u1", "obj", testRobot, 2))

	assert.ErrorIs(t, tr.Start("u1", "obj", testRobot, 2), ErrAlreadyArmed)
	assert.ErrorIs(t, tr.Start("u2", "obj", testRobot, 2), ErrAlreadyArmed, "one session per object")

	_, err := tr.AddPoint(ctx, "u1", -1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = tr.AddPoint(ctx, "u1", 2)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, _, err = tr.Done("u1")
	assert.ErrorIs(t, err, ErrUnfinished)

	_, err = tr.AddPoint(ctx, "u1", 0)
	require.NoError(t, err)
	_, err = tr.AddPoint(ctx, "u1", 0)
	assert.ErrorIs(t, err, ErrIndexRecorded)

	// Done still fails with one point missing, and the session stays armed.
	_, _, err = tr.Done("u1")
	assert.ErrorIs(t, err, ErrUnfinished)
	_, err = tr.Get("u1")
	require.NoError(t, err)
}

func TestCheckPointAndPeek(t *testing.T) {
	tr := New(&fixedPoses{}, nil)
	ctx := context.Background()

	assert.ErrorIs(t, tr.CheckPoint("u1", 0), ErrNoSession)
	require.NoError(t, tr.Start("u1", "obj", testRobot, 2))

	// CheckPoint validates without recording anything.
	require.NoError(t, tr.CheckPoint("u1", 0))
	s, err := tr.Get("u1")
	require.NoError(t, err)
	assert.Empty(t, s.FinishedIndexes())
	assert.ErrorIs(t, tr.CheckPoint("u1", 2), ErrIndexOutOfRange)

	_, err = tr.AddPoint(ctx, "u1", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.CheckPoint("u1", 0), ErrIndexRecorded)

	_, _, err = tr.Peek("u1")
	assert.ErrorIs(t, err, ErrUnfinished)

	pose := model.NewPose()
	pose.Position.X = 9
	_, err = tr.Record("u1", 1, pose)
	require.NoError(t, err)

	// Peek returns the poses in order and keeps the session armed.
	_, poses, err := tr.Peek("u1")
	require.NoError(t, err)
	require.Len(t, poses, 2)
	assert.Equal(t, 9.0, poses[1].Position.X)
	_, err = tr.Get("u1")
	require.NoError(t, err)

	_, again, err := tr.Peek("u1")
	require.NoError(t, err)
	assert.Equal(t, poses, again)
}

func TestCancel(t *testing.T) {
	tr := New(&fixedPoses{}, nil)

	_, err := tr.Cancel("u1")
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, tr.Start("u1", "obj", testRobot, 1))
	s, err := tr.Cancel("u1")
	require.NoError(t, err)
	assert.Equal(t, "obj", s.ObjectID)

	// The object is free again.
	require.NoError(t, tr.Start("u2", "obj", testRobot, 1))
}

func TestStartNeedsFocusPoints(t *testing.T) {
	tr := New(&fixedPoses{}, nil)
	assert.Error(t, tr.Start("u1", "obj", testRobot, 0))
}

func TestPrune(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(&fixedPoses{}, clock)

	require.NoError(t, tr.Start("u1", "obj", testRobot, 1))
	clock.Advance(5 * time.Minute)
	require.NoError(t, tr.Start("u2", "other", testRobot, 1))
	clock.Advance(6 * time.Minute)

	assert.Equal(t, 1, tr.Prune(DefaultMaxAge))
	_, err := tr.Get("u1")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = tr.Get("u2")
	assert.NoError(t, err)
}
