// Package lock implements the per-object edit lock table. Locks come in two
// strengths: read locks, which may be shared, and write locks, which are
// exclusive and may optionally cover the whole subtree rooted at an object.
//
// The table does not know the entity hierarchy itself; the owner supplies it
// through the Hierarchy interface, so the same table serves scene objects,
// action points and actions alike.
package lock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Errors callers branch on.
var (
	// ErrLocked is returned when a conflicting lock is held by another user.
	ErrLocked = errors.New("lock: object is locked")

	// ErrNotLocked is returned when an unlock or check finds no lock held by
	// the caller.
	ErrNotLocked = errors.New("lock: object is not locked by you")
)

// DefaultReleaseAfter is how long a disconnected user keeps their locks.
const DefaultReleaseAfter = 2 * time.Second

// Hierarchy resolves the parent chain of lockable objects. Parent returns ""
// for roots and for ids the owner no longer knows; Children returns the
// direct children of an object.
type Hierarchy interface {
	Parent(id string) string
	Children(id string) []string
}

// entry is the lock state of one object id. An entry exists only while at
// least one lock is held on the id.
type entry struct {
	// readers is a multiset: a user may hold several read locks and must
	// release each one.
	readers map[string]int
	writer  string
	tree    bool
}

func (e *entry) empty() bool {
	return len(e.readers) == 0 && e.writer == ""
}

// Table is the lock table. All operations serialise on one mutex; none of
// them performs I/O, so the mutex is never held across an await point.
type Table struct {
	hier         Hierarchy
	clock        clockwork.Clock
	releaseAfter time.Duration

	// onAutoRelease is called (outside the mutex) with the ids an expired
	// auto-release timer dropped, so the owner can emit unlock events.
	onAutoRelease func(user string, ids []string)

	mu     sync.Mutex
	locks  map[string]*entry
	timers map[string]clockwork.Timer
}

// New builds a lock table. A nil clock means the wall clock; a zero
// releaseAfter means DefaultReleaseAfter. onAutoRelease may be nil.
func New(hier Hierarchy, clock clockwork.Clock, releaseAfter time.Duration, onAutoRelease func(user string, ids []string)) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if releaseAfter <= 0 {
		releaseAfter = DefaultReleaseAfter
	}
	return &Table{
		hier:          hier,
		clock:         clock,
		releaseAfter:  releaseAfter,
		onAutoRelease: onAutoRelease,
		locks:         make(map[string]*entry),
		timers:        make(map[string]clockwork.Timer),
	}
}

// treeWriterAbove returns the owner of a tree write lock on id or any of its
// ancestors, or "" when none exists. Callers hold the mutex.
func (t *Table) treeWriterAbove(id string) string {
	for cur := id; cur != ""; cur = t.hier.Parent(cur) {
		if e, ok := t.locks[cur]; ok && e.tree && e.writer != "" {
			return e.writer
		}
	}
	return ""
}

// subtreeLocked reports whether any lock held by someone other than user
// exists on id or below it. Callers hold the mutex.
func (t *Table) subtreeLocked(id, user string) bool {
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e, ok := t.locks[cur]; ok {
			if e.writer != "" && e.writer != user {
				return true
			}
			for r := range e.readers {
				if r != user {
					return true
				}
			}
		}
		stack = append(stack, t.hier.Children(cur)...)
	}
	return false
}

// ReadLock takes a shared lock on id for user. It fails when another user
// holds a write lock on id or a tree write lock on any ancestor.
func (t *Table) ReadLock(user, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkReadLockLocked(user, id); err != nil {
		return err
	}
	e, ok := t.locks[id]
	if !ok {
		e = &entry{readers: make(map[string]int)}
		t.locks[id] = e
	}
	e.readers[user]++
	return nil
}

func (t *Table) checkReadLockLocked(user, id string) error {
	if w := t.treeWriterAbove(id); w != "" && w != user {
		return fmt.Errorf("%w by %s", ErrLocked, w)
	}
	if e, ok := t.locks[id]; ok && e.writer != "" && e.writer != user {
		return fmt.Errorf("%w by %s", ErrLocked, e.writer)
	}
	return nil
}

// CheckReadLock verifies that ReadLock would succeed, without taking the lock.
func (t *Table) CheckReadLock(user, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkReadLockLocked(user, id)
}

// ReadUnlock releases one of the user's read locks on id.
func (t *Table) ReadUnlock(user, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkReadUnlockLocked(user, id); err != nil {
		return err
	}
	e := t.locks[id]
	e.readers[user]--
	if e.readers[user] == 0 {
		delete(e.readers, user)
	}
	if e.empty() {
		delete(t.locks, id)
	}
	return nil
}

func (t *Table) checkReadUnlockLocked(user, id string) error {
	e, ok := t.locks[id]
	if !ok || e.readers[user] == 0 {
		return ErrNotLocked
	}
	return nil
}

// CheckReadUnlock verifies that ReadUnlock would succeed, without releasing
// anything.
func (t *Table) CheckReadUnlock(user, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkReadUnlockLocked(user, id)
}

// WriteLock takes the exclusive lock on id for user. With tree set the lock
// covers the whole subtree, which must be free of other users' locks; without
// it only id itself must be free. Re-locking an id the user already write
// holds fails.
func (t *Table) WriteLock(user, id string, tree bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLockLocked(user, id, tree)
}

func (t *Table) writeLockLocked(user, id string, tree bool) error {
	if err := t.checkWriteLockLocked(user, id, tree); err != nil {
		return err
	}

	e, ok := t.locks[id]
	if !ok {
		e = &entry{readers: make(map[string]int)}
		t.locks[id] = e
	}
	e.writer = user
	e.tree = tree
	return nil
}

func (t *Table) checkWriteLockLocked(user, id string, tree bool) error {
	if w := t.treeWriterAbove(id); w != "" && w != user {
		return fmt.Errorf("%w by %s", ErrLocked, w)
	}
	if e, ok := t.locks[id]; ok {
		if e.writer == user {
			return fmt.Errorf("lock: %s already write locked by you", id)
		}
		if e.writer != "" {
			return fmt.Errorf("%w by %s", ErrLocked, e.writer)
		}
		for r := range e.readers {
			if r != user {
				return fmt.Errorf("%w by %s", ErrLocked, r)
			}
		}
	}
	if tree && t.subtreeLocked(id, user) {
		return fmt.Errorf("%w under %s", ErrLocked, id)
	}
	return nil
}

// CheckWriteLock verifies that WriteLock would succeed, without taking the
// lock.
func (t *Table) CheckWriteLock(user, id string, tree bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkWriteLockLocked(user, id, tree)
}

// WriteUnlock releases the user's write lock on id.
func (t *Table) WriteUnlock(user, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWriteUnlockLocked(user, id); err != nil {
		return err
	}
	e := t.locks[id]
	e.writer = ""
	e.tree = false
	if e.empty() {
		delete(t.locks, id)
	}
	return nil
}

func (t *Table) checkWriteUnlockLocked(user, id string) error {
	e, ok := t.locks[id]
	if !ok || e.writer != user {
		return ErrNotLocked
	}
	return nil
}

// CheckWriteUnlock verifies that WriteUnlock would succeed, without releasing
// anything.
func (t *Table) CheckWriteUnlock(user, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkWriteUnlockLocked(user, id)
}

// UpdateLock upgrades the user's plain write lock on id to a tree lock, or
// downgrades a tree lock back. Upgrading applies the same subtree emptiness
// rule as a fresh tree lock.
func (t *Table) UpdateLock(user, id string, tree bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkUpdateLockLocked(user, id, tree); err != nil {
		return err
	}
	t.locks[id].tree = tree
	return nil
}

func (t *Table) checkUpdateLockLocked(user, id string, tree bool) error {
	e, ok := t.locks[id]
	if !ok || e.writer != user {
		return ErrNotLocked
	}
	if e.tree == tree {
		return fmt.Errorf("lock: %s already holds the requested lock kind", id)
	}
	if tree && t.subtreeLocked(id, user) {
		return fmt.Errorf("%w under %s", ErrLocked, id)
	}
	return nil
}

// CheckUpdateLock verifies that UpdateLock would succeed, without changing
// the lock.
func (t *Table) CheckUpdateLock(user, id string, tree bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkUpdateLockLocked(user, id, tree)
}

// CheckWrite verifies that user may mutate id: either a write lock on id
// itself, or a tree write lock on id or an ancestor.
func (t *Table) CheckWrite(user, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.locks[id]; ok && e.writer == user {
		return nil
	}
	if t.treeWriterAbove(id) == user {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotLocked, id)
}

// ReleaseAll drops every lock the user holds and returns the affected ids.
func (t *Table) ReleaseAll(user string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseAllLocked(user)
}

func (t *Table) releaseAllLocked(user string) []string {
	var ids []string
	for id, e := range t.locks {
		touched := false
		if e.writer == user {
			e.writer = ""
			e.tree = false
			touched = true
		}
		if e.readers[user] > 0 {
			delete(e.readers, user)
			touched = true
		}
		if touched {
			ids = append(ids, id)
		}
		if e.empty() {
			delete(t.locks, id)
		}
	}
	return ids
}

// Drop removes every lock held on id by anyone, regardless of owner. Used
// when the object itself is deleted.
func (t *Table) Drop(id string) {
	t.mu.Lock()
	delete(t.locks, id)
	t.mu.Unlock()
}

// HeldBy returns the ids the user currently holds any lock on.
func (t *Table) HeldBy(user string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, e := range t.locks {
		if e.writer == user || e.readers[user] > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Empty reports whether no lock is held at all.
func (t *Table) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks) == 0
}

// Reset drops every lock unconditionally. Called when the editing session
// closes and the locked entities stop existing; pending auto-release timers
// stay armed but will find nothing to drop.
func (t *Table) Reset() {
	t.mu.Lock()
	t.locks = make(map[string]*entry)
	t.mu.Unlock()
}

// ArmRelease starts (or restarts) the auto-release timer for a disconnected
// user. When it fires, all the user's locks are dropped and onAutoRelease is
// notified.
func (t *Table) ArmRelease(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[user]; ok {
		old.Stop()
	}
	t.timers[user] = t.clock.AfterFunc(t.releaseAfter, func() {
		t.mu.Lock()
		delete(t.timers, user)
		ids := t.releaseAllLocked(user)
		t.mu.Unlock()
		if len(ids) > 0 && t.onAutoRelease != nil {
			t.onAutoRelease(user, ids)
		}
	})
}

// CancelRelease stops a pending auto-release timer, keeping the user's
// locks. Called when the user logs back in within the grace window.
func (t *Table) CancelRelease(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[user]; ok {
		timer.Stop()
		delete(t.timers, user)
	}
}
