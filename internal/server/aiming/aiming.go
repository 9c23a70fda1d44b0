// Package aiming tracks object aiming sessions: the flow that aligns a
// mesh-modelled scene object with its physical counterpart by recording the
// robot end effector pose at each of the mesh's focus points.
//
// A session is armed per user with Start, filled with AddPoint and closed
// with Done or Cancel. The tracker only records poses; computing the new
// object pose from them is the caller's job (it goes through the Scene
// service).
package aiming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/arcor2-io/arcor2/internal/model"
)

// Errors callers branch on.
var (
	ErrNoSession       = errors.New("aiming: no aiming in progress")
	ErrAlreadyArmed    = errors.New("aiming: aiming already in progress")
	ErrIndexOutOfRange = errors.New("aiming: focus point index out of range")
	ErrIndexRecorded   = errors.New("aiming: focus point already recorded")
	ErrUnfinished      = errors.New("aiming: not all focus points are recorded")
)

// DefaultMaxAge is how old an abandoned session may grow before the login
// prune pass drops it.
const DefaultMaxAge = 10 * time.Minute

// PoseSource reads the current end effector pose of a robot. The server
// backs it with the Scene service; tests inject fixed poses.
type PoseSource interface {
	EndEffectorPose(ctx context.Context, robot model.RobotArg) (model.Pose, error)
}

// Session is one armed aiming flow.
type Session struct {
	UserID   string
	ObjectID string
	Robot    model.RobotArg

	// focusPoints is the mesh's point count; poses maps recorded indices to
	// the end effector pose captured there.
	focusPoints int
	poses       map[int]model.Pose
	startedAt   time.Time
}

// FinishedIndexes returns the recorded point indices in ascending order.
func (s *Session) FinishedIndexes() []int {
	out := make([]int, 0, len(s.poses))
	for i := 0; i < s.focusPoints; i++ {
		if _, ok := s.poses[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// Tracker holds the armed sessions, one per user. The server loop serialises
// access through its own handler goroutines, but the tracker is small enough
// to be unconditionally safe behind the owner's session mutex.
type Tracker struct {
	poses PoseSource
	clock clockwork.Clock

	sessions map[string]*Session
}

// New builds an empty tracker. A nil clock means the wall clock.
func New(poses PoseSource, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{poses: poses, clock: clock, sessions: make(map[string]*Session)}
}

// Validate checks whether Start would succeed for user and object, without
// arming anything. DryRun requests use it.
func (t *Tracker) Validate(user, objectID string, focusPoints int) error {
	if _, ok := t.sessions[user]; ok {
		return ErrAlreadyArmed
	}
	for _, s := range t.sessions {
		if s.ObjectID == objectID {
			return fmt.Errorf("%w for object %s", ErrAlreadyArmed, objectID)
		}
	}
	if focusPoints == 0 {
		return fmt.Errorf("aiming: object has no focus points")
	}
	return nil
}

// Start arms a session for user over the given object and robot.
func (t *Tracker) Start(user, objectID string, robot model.RobotArg, focusPoints int) error {
	if err := t.Validate(user, objectID, focusPoints); err != nil {
		return err
	}
	t.sessions[user] = &Session{
		UserID:      user,
		ObjectID:    objectID,
		Robot:       robot,
		focusPoints: focusPoints,
		poses:       make(map[int]model.Pose),
		startedAt:   t.clock.Now(),
	}
	return nil
}

// Get returns the user's armed session.
func (t *Tracker) Get(user string) (*Session, error) {
	s, ok := t.sessions[user]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// CheckPoint verifies that recording focus point idx would succeed for user,
// without reading the robot. Each index may be recorded once.
func (t *Tracker) CheckPoint(user string, idx int) error {
	s, ok := t.sessions[user]
	if !ok {
		return ErrNoSession
	}
	if idx < 0 || idx >= s.focusPoints {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, idx, s.focusPoints)
	}
	if _, done := s.poses[idx]; done {
		return fmt.Errorf("%w: %d", ErrIndexRecorded, idx)
	}
	return nil
}

// Record stores a captured end effector pose against focus point idx.
func (t *Tracker) Record(user string, idx int, pose model.Pose) (*Session, error) {
	if err := t.CheckPoint(user, idx); err != nil {
		return nil, err
	}
	s := t.sessions[user]
	s.poses[idx] = pose
	return s, nil
}

// AddPoint captures the robot's current end effector pose against focus
// point idx.
func (t *Tracker) AddPoint(ctx context.Context, user string, idx int) (*Session, error) {
	if err := t.CheckPoint(user, idx); err != nil {
		return nil, err
	}
	s := t.sessions[user]
	pose, err := t.poses.EndEffectorPose(ctx, s.Robot)
	if err != nil {
		return nil, fmt.Errorf("aiming: read end effector pose: %w", err)
	}
	s.poses[idx] = pose
	return s, nil
}

// Peek returns the recorded poses in focus point order while keeping the
// session armed. It fails while any index is missing, so the user can fill
// the gap. The caller closes the session with Cancel once it has consumed
// the poses.
func (t *Tracker) Peek(user string) (*Session, []model.Pose, error) {
	s, ok := t.sessions[user]
	if !ok {
		return nil, nil, ErrNoSession
	}
	if len(s.poses) != s.focusPoints {
		return nil, nil, fmt.Errorf("%w: %d of %d recorded", ErrUnfinished, len(s.poses), s.focusPoints)
	}

	out := make([]model.Pose, s.focusPoints)
	for i := 0; i < s.focusPoints; i++ {
		out[i] = s.poses[i]
	}
	return s, out, nil
}

// Done closes the user's session and returns the recorded poses in focus
// point order. It fails while any index is missing.
func (t *Tracker) Done(user string) (*Session, []model.Pose, error) {
	s, out, err := t.Peek(user)
	if err != nil {
		return nil, nil, err
	}
	delete(t.sessions, user)
	return s, out, nil
}

// Cancel drops the user's session.
func (t *Tracker) Cancel(user string) (*Session, error) {
	s, ok := t.sessions[user]
	if !ok {
		return nil, ErrNoSession
	}
	delete(t.sessions, user)
	return s, nil
}

// Prune drops sessions older than maxAge (DefaultMaxAge when zero) and
// returns how many it removed. Called on user login.
func (t *Tracker) Prune(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	n := 0
	for user, s := range t.sessions {
		if t.clock.Since(s.startedAt) > maxAge {
			delete(t.sessions, user)
			n++
		}
	}
	return n
}
