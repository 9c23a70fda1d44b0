package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapHierarchy is a static parent map: scene -> obj -> ap -> action.
type mapHierarchy map[string]string

func (m mapHierarchy) Parent(id string) string { return m[id] }

func (m mapHierarchy) Children(id string) []string {
	var out []string
	for child, parent := range m {
		if parent == id {
			out = append(out, child)
		}
	}
	return out
}

var testHier = mapHierarchy{
	"obj":    "scene",
	"ap":     "obj",
	"action": "ap",
}

func newTestTable(t *testing.T) (*Table, *clockwork.FakeClock, *releaseRecorder) {
	t.Helper()
	rec := &releaseRecorder{}
	clock := clockwork.NewFakeClock()
	return New(testHier, clock, time.Second, rec.record), clock, rec
}

type releaseRecorder struct {
	mu    sync.Mutex
	users []string
	ids   [][]string
}

func (r *releaseRecorder) record(user string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, user)
	r.ids = append(r.ids, ids)
}

func (r *releaseRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func TestWriteLockExclusive(t *testing.T) {
	tab, _, _ := newTestTable(t)

	require.NoError(t, tab.WriteLock("u1", "obj", false))
	assert.ErrorIs(t, tab.WriteLock("u2", "obj", false), ErrLocked)
	assert.Error(t, tab.WriteLock("u1", "obj", false), "double write lock by the owner is rejected")

	require.NoError(t, tab.WriteUnlock("u1", "obj"))
	require.NoError(t, tab.WriteLock("u2", "obj", false))
}

func TestReadersBlockWritersNotReaders(t *testing.T) {
	tab, _, _ := newTestTable(t)

	require.NoError(t, tab.ReadLock("u1", "obj"))
	require.NoError(t, tab.ReadLock("u2", "obj"))
	assert.ErrorIs(t, tab.WriteLock("u3", "obj", false), ErrLocked)

	require.NoError(t, tab.ReadUnlock("u1", "obj"))
	require.NoError(t, tab.ReadUnlock("u2", "obj"))
	require.NoError(t, tab.WriteLock("u3", "obj", false))
}

func TestReadLockIsAMultiset(t *testing.T) {
	tab, _, _ := newTestTable(t)

	require.NoError(t, tab.ReadLock("u1", "obj"))
	require.NoError(t, tab.ReadLock("u1", "obj"))
	require.NoError(t, tab.ReadUnlock("u1", "obj"))

	// One read lock remains, so a writer is still blocked.
	assert.ErrorIs(t, tab.WriteLock("u2", "obj", false), ErrLocked)
	require.NoError(t, tab.ReadUnlock("u1", "obj"))
	assert.ErrorIs(t, tab.ReadUnlock("u1", "obj"), ErrNotLocked)
}

func TestTreeLockCoversDescendants(t *testing.T) {
	tab, _, _ := newTestTable(t)

	require.NoError(t, tab.WriteLock("u1", "obj", true))

	assert.ErrorIs(t, tab.ReadLock("u2", "ap"), ErrLocked)
	assert.ErrorIs(t, tab.WriteLock("u2", "action", false), ErrLocked)
	assert.NoError(t, tab.CheckWrite("u1", "action"), "tree owner may mutate anywhere below the root")

	// The owner's own locks beneath their tree are fine.
	require.NoError(t, tab.ReadLock("u1", "ap"))
}

func TestTreeLockNeedsEmptySubtree(t *testing.T) {
	tab, _, _ := newTestTable(t)

	require.NoError(t, tab.ReadLock("u2", "action"))
	assert.ErrorIs(t, tab.WriteLock("u1", "obj", true), ErrLocked)

	// A plain write lock on the root is still possible.
	require.NoError(t, tab.WriteLock("u1", "obj", false))
}

func TestUpdateLock(t *testing.T) {
	tab, _, _ := newTestTable(t)

	assert.ErrorIs(t, tab.UpdateLock("u1", "obj", true), ErrNotLocked)

	require.NoError(t, tab.WriteLock("u1", "obj", false))
	require.NoError(t, tab.UpdateLock("u1", "obj", true))
	assert.ErrorIs(t, tab.ReadLock("u2", "ap"), ErrLocked)

	require.NoError(t, tab.UpdateLock("u1", "obj", false))
	require.NoError(t, tab.ReadLock("u2", "ap"))

	// Upgrading under a foreign lock below the root fails.
	assert.ErrorIs(t, tab.UpdateLock("u1", "obj", true), ErrLocked)
}

func TestCheckWrite(t *testing.T) {
	tab, _, _ := newTestTable(t)

	assert.ErrorIs(t, tab.CheckWrite("u1", "obj"), ErrNotLocked)

	require.NoError(t, tab.WriteLock("u1", "obj", false))
	assert.NoError(t, tab.CheckWrite("u1", "obj"))
	assert.ErrorIs(t, tab.CheckWrite("u1", "ap"), ErrNotLocked, "plain write lock does not cover children")
	assert.ErrorIs(t, tab.CheckWrite("u2", "obj"), ErrNotLocked)
}

func TestChecksDoNotMutate(t *testing.T) {
	tab, _, _ := newTestTable(t)

	require.NoError(t, tab.WriteLock("u1", "obj", false))

	// Checks report the outcome the real operation would have.
	assert.ErrorIs(t, tab.CheckWriteLock("u2", "obj", false), ErrLocked)
	assert.ErrorIs(t, tab.CheckReadLock("u2", "obj"), ErrLocked)
	assert.ErrorIs(t, tab.CheckWriteUnlock("u2", "obj"), ErrNotLocked)
	assert.ErrorIs(t, tab.CheckReadUnlock("u2", "obj"), ErrNotLocked)
	assert.ErrorIs(t, tab.CheckUpdateLock("u2", "obj", true), ErrNotLocked)

	// A passing check changes nothing: the checked upgrade is not applied,
	// and a checked lock stays free for others.
	require.NoError(t, tab.CheckUpdateLock("u1", "obj", true))
	assert.ErrorIs(t, tab.CheckWrite("u1", "ap"), ErrNotLocked)
	require.NoError(t, tab.CheckWriteLock("u2", "ap", false))
	require.NoError(t, tab.WriteLock("u2", "ap", false))
}

func TestAutoRelease(t *testing.T) {
	tab, clock, rec := newTestTable(t)

	require.NoError(t, tab.WriteLock("u1", "obj", false))
	require.NoError(t, tab.ReadLock("u1", "ap"))

	tab.ArmRelease("u1")
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", rec.users[0])
	assert.ElementsMatch(t, []string{"obj", "ap"}, rec.ids[0])
	assert.True(t, tab.Empty())
}

func TestCancelReleaseKeepsLocks(t *testing.T) {
	tab, clock, rec := newTestTable(t)

	require.NoError(t, tab.WriteLock("u1", "obj", false))
	tab.ArmRelease("u1")
	tab.CancelRelease("u1")
	clock.Advance(5 * time.Second)

	assert.Zero(t, rec.count())
	assert.NoError(t, tab.CheckWrite("u1", "obj"))
}

func TestReleaseAll(t *testing.T) {
	tab, _, _ := newTestTable(t)

	require.NoError(t, tab.WriteLock("u1", "obj", false))
	require.NoError(t, tab.ReadLock("u2", "obj"))

	ids := tab.ReleaseAll("u1")
	assert.Equal(t, []string{"obj"}, ids)

	// u2's read lock survives.
	assert.ErrorIs(t, tab.WriteLock("u3", "obj", false), ErrLocked)
}
