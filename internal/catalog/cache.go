package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/arcor2-io/arcor2/internal/model"
)

// ErrRemovedExternally is returned when an entity the caller still references
// no longer appears in the service listing: someone deleted it behind the
// server's back.
var ErrRemovedExternally = errors.New("catalog: removed externally")

// Entity is what a kind cache stores: anything with a stable id, a display
// name and a service-assigned modification timestamp.
type Entity interface {
	EntityID() string
	EntityName() string
	ModifiedAt() time.Time
}

// kindOps are the service calls for one entity kind. put returns the entity
// as stored so the cache picks up the new timestamps.
type kindOps[T Entity] struct {
	list func(ctx context.Context) ([]model.IDDesc, error)
	get  func(ctx context.Context, id string) (T, error)
	put  func(ctx context.Context, e T) (T, error)
	del  func(ctx context.Context, id string) error
}

// Kind is the two-level cache for one entity kind.
//
// Level one is the listing: the full id -> IDDesc map, refreshed as a whole
// once its TTL lapses. Level two is an LRU of full entities; an entity is
// served from it only while its modified timestamp matches the listing.
// Reads take the shared lock on the listing; anything that rewrites it
// (refresh, put, delete) takes the exclusive lock.
type Kind[T Entity] struct {
	name string
	ttl  time.Duration
	ops  kindOps[T]

	mu        sync.RWMutex
	listing   map[string]model.IDDesc
	fetchedAt time.Time

	entities *lru.Cache[string, T]
	clock    clockwork.Clock
}

func newKind[T Entity](name string, ttl time.Duration, lruSize int, ops kindOps[T], clock clockwork.Clock) *Kind[T] {
	cache, err := lru.New[string, T](lruSize)
	if err != nil {
		// lru.New fails only for a non-positive size.
		panic(fmt.Sprintf("catalog: bad lru size %d: %v", lruSize, err))
	}
	return &Kind[T]{
		name:     name,
		ttl:      ttl,
		ops:      ops,
		entities: cache,
		clock:    clock,
	}
}

// refreshLocked refetches the listing. Callers hold the exclusive lock.
func (k *Kind[T]) refreshLocked(ctx context.Context) error {
	descs, err := k.ops.list(ctx)
	if err != nil {
		return err
	}
	listing := make(map[string]model.IDDesc, len(descs))
	for _, d := range descs {
		listing[d.ID] = d
	}
	k.listing = listing
	k.fetchedAt = k.clock.Now()
	return nil
}

// ensureFresh refreshes the listing if it is missing or past its TTL and
// returns a point-in-time copy of it.
func (k *Kind[T]) ensureFresh(ctx context.Context) (map[string]model.IDDesc, error) {
	k.mu.RLock()
	fresh := k.listing != nil && k.clock.Since(k.fetchedAt) <= k.ttl
	listing := k.listing
	k.mu.RUnlock()

	if !fresh {
		k.mu.Lock()
		// Another reader may have refreshed while we waited for the lock.
		if k.listing == nil || k.clock.Since(k.fetchedAt) > k.ttl {
			if err := k.refreshLocked(ctx); err != nil {
				k.mu.Unlock()
				return nil, err
			}
		}
		listing = k.listing
		k.mu.Unlock()
	}
	return listing, nil
}

// List returns the listing, sorted by name for stable output.
func (k *Kind[T]) List(ctx context.Context) ([]model.IDDesc, error) {
	listing, err := k.ensureFresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s listing: %w", k.name, err)
	}
	out := make([]model.IDDesc, 0, len(listing))
	for _, d := range listing {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Exists reports whether id is present in the (fresh) listing.
func (k *Kind[T]) Exists(ctx context.Context, id string) (bool, error) {
	listing, err := k.ensureFresh(ctx)
	if err != nil {
		return false, fmt.Errorf("catalog: %s listing: %w", k.name, err)
	}
	_, ok := listing[id]
	return ok, nil
}

// Get returns the full entity. The cached copy is reused only while the
// listing agrees it is current; an id absent from the listing means the
// entity was removed externally.
func (k *Kind[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	listing, err := k.ensureFresh(ctx)
	if err != nil {
		return zero, fmt.Errorf("catalog: %s get %s: %w", k.name, id, err)
	}
	desc, ok := listing[id]
	if !ok {
		return zero, fmt.Errorf("catalog: %s %s: %w", k.name, id, ErrRemovedExternally)
	}

	if cached, ok := k.entities.Get(id); ok && !cached.ModifiedAt().Before(desc.Modified) {
		return cached, nil
	}

	fetched, err := k.ops.get(ctx, id)
	if err != nil {
		return zero, err
	}
	k.entities.Add(id, fetched)
	return fetched, nil
}

// Put persists the entity and updates both cache levels. The returned copy
// carries the timestamps the service assigned.
func (k *Kind[T]) Put(ctx context.Context, e T) (T, error) {
	var zero T
	stored, err := k.ops.put(ctx, e)
	if err != nil {
		return zero, err
	}

	// Rewrite the whole descriptor so renames show up in the listing without
	// waiting out the TTL.
	k.mu.Lock()
	if k.listing != nil {
		desc := k.listing[stored.EntityID()]
		desc.ID = stored.EntityID()
		desc.Name = stored.EntityName()
		desc.Modified = stored.ModifiedAt()
		k.listing[stored.EntityID()] = desc
	}
	k.mu.Unlock()

	k.entities.Add(stored.EntityID(), stored)
	return stored, nil
}

// Delete removes the entity from the service and purges both cache levels.
func (k *Kind[T]) Delete(ctx context.Context, id string) error {
	if err := k.ops.del(ctx, id); err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.listing, id)
	k.mu.Unlock()
	k.entities.Remove(id)
	return nil
}

// Invalidate drops the listing so the next read refetches it, regardless of
// TTL. The periodic object type refresh uses this to pick up external writes
// immediately.
func (k *Kind[T]) Invalidate() {
	k.mu.Lock()
	k.listing = nil
	k.mu.Unlock()
}
