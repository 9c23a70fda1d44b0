package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcor2-io/arcor2/internal/model"
)

// fakeStorage is an in-memory Project/Storage service good enough for cache
// behaviour tests: PUT assigns modified timestamps, GET/LIST serve the
// current content, and call counters expose what the cache actually fetched.
type fakeStorage struct {
	mu     sync.Mutex
	scenes map[string]*model.Scene
	models map[string]*model.ObjectModel

	sceneLists atomic.Int32
	sceneGets  atomic.Int32
	modelGets  atomic.Int32
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		scenes: map[string]*model.Scene{},
		models: map[string]*model.ObjectModel{},
	}
}

// putScene stores a scene directly, bypassing HTTP, stamping modified.
func (f *fakeStorage) putScene(s model.Scene) model.Scene {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Created.IsZero() {
		s.Created = time.Now().UTC()
	}
	s.Modified = time.Now().UTC()
	f.scenes[s.ID] = &s
	return s
}

func (f *fakeStorage) deleteScene(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scenes, id)
}

func (f *fakeStorage) handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/scenes", func(w http.ResponseWriter, _ *http.Request) {
		f.sceneLists.Add(1)
		f.mu.Lock()
		out := []model.IDDesc{}
		for _, s := range f.scenes {
			out = append(out, s.Desc())
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(out)
	})
	r.Get("/scenes/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.sceneGets.Add(1)
		f.mu.Lock()
		s, ok := f.scenes[chi.URLParam(req, "id")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		_ = json.NewEncoder(w).Encode(s)
	})
	r.Put("/scenes/{id}", func(w http.ResponseWriter, req *http.Request) {
		var s model.Scene
		if err := json.NewDecoder(req.Body).Decode(&s); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stored := f.putScene(s)
		_ = json.NewEncoder(w).Encode(stored)
	})
	r.Delete("/scenes/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.deleteScene(chi.URLParam(req, "id"))
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/projects", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]model.IDDesc{})
	})
	r.Get("/object_types", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]model.IDDesc{})
	})
	r.Get("/models/{id}/{kind}", func(w http.ResponseWriter, req *http.Request) {
		f.modelGets.Add(1)
		f.mu.Lock()
		m, ok := f.models[chi.URLParam(req, "kind")+"/"+chi.URLParam(req, "id")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		_ = json.NewEncoder(w).Encode(m)
	})
	return r
}

func newTestCatalog(t *testing.T, ttl time.Duration) (*Catalog, *fakeStorage, *clockwork.FakeClock) {
	t.Helper()
	storage := newFakeStorage()
	srv := httptest.NewServer(storage.handler())
	t.Cleanup(srv.Close)

	clock := clockwork.NewFakeClock()
	client := NewClient(srv.URL, zaptest.NewLogger(t))
	cat := New(client, Options{ListingTTL: ttl, Clock: clock})
	return cat, storage, clock
}

func TestSceneRoundTrip(t *testing.T) {
	cat, _, _ := newTestCatalog(t, time.Second)
	ctx := context.Background()

	pose := model.NewPose()
	in := &model.Scene{
		ID:          "s1",
		Name:        "workcell",
		Description: "test cell",
		Objects:     []model.SceneObject{{ID: "o1", Name: "box", Type: "Box", Pose: &pose}},
	}
	stored, err := cat.Scenes.Put(ctx, in)
	require.NoError(t, err)
	assert.False(t, stored.Modified.IsZero())

	got, err := cat.Scenes.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, in.Description, got.Description)
	assert.Equal(t, in.Objects, got.Objects)
}

func TestGetServesCachedEntityWithinTTL(t *testing.T) {
	cat, storage, _ := newTestCatalog(t, time.Minute)
	ctx := context.Background()

	storage.putScene(model.Scene{ID: "s1", Name: "one"})

	_, err := cat.Scenes.Get(ctx, "s1")
	require.NoError(t, err)
	_, err = cat.Scenes.Get(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), storage.sceneGets.Load(), "second read must come from the LRU")
	assert.Equal(t, int32(1), storage.sceneLists.Load(), "listing must not refresh within TTL")
}

func TestGetRefetchesWhenModifiedExternally(t *testing.T) {
	cat, storage, clock := newTestCatalog(t, time.Second)
	ctx := context.Background()

	storage.putScene(model.Scene{ID: "s1", Name: "one"})
	got, err := cat.Scenes.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)

	// External write bumps the modified timestamp behind the cache's back.
	storage.putScene(model.Scene{ID: "s1", Name: "renamed"})
	clock.Advance(2 * time.Second)

	got, err = cat.Scenes.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, int32(2), storage.sceneGets.Load())
}

func TestRemovedExternally(t *testing.T) {
	cat, storage, clock := newTestCatalog(t, time.Second)
	ctx := context.Background()

	storage.putScene(model.Scene{ID: "s1", Name: "one"})
	_, err := cat.Scenes.Get(ctx, "s1")
	require.NoError(t, err)

	storage.deleteScene("s1")
	clock.Advance(2 * time.Second)

	_, err = cat.Scenes.Get(ctx, "s1")
	require.ErrorIs(t, err, ErrRemovedExternally)

	listing, err := cat.Scenes.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listing)
}

func TestPutUpdatesListingWithoutRefetch(t *testing.T) {
	cat, storage, _ := newTestCatalog(t, time.Minute)
	ctx := context.Background()

	// Prime the listing (empty), then write through the cache.
	_, err := cat.Scenes.List(ctx)
	require.NoError(t, err)

	_, err = cat.Scenes.Put(ctx, &model.Scene{ID: "s1", Name: "one"})
	require.NoError(t, err)

	ok, err := cat.Scenes.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), storage.sceneLists.Load(), "put must update the listing in place")
}

func TestPutRenameUpdatesListingName(t *testing.T) {
	cat, storage, _ := newTestCatalog(t, time.Minute)
	ctx := context.Background()

	// Prime the listing so the rename has to land in it in place.
	_, err := cat.Scenes.List(ctx)
	require.NoError(t, err)

	_, err = cat.Scenes.Put(ctx, &model.Scene{ID: "s1", Name: "one"})
	require.NoError(t, err)
	_, err = cat.Scenes.Put(ctx, &model.Scene{ID: "s1", Name: "renamed"})
	require.NoError(t, err)

	listing, err := cat.Scenes.List(ctx)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, "renamed", listing[0].Name, "rename must land in the listing in place")
	assert.Equal(t, int32(1), storage.sceneLists.Load())
}

func TestDeletePurgesBothLevels(t *testing.T) {
	cat, storage, _ := newTestCatalog(t, time.Minute)
	ctx := context.Background()

	_, err := cat.Scenes.Put(ctx, &model.Scene{ID: "s1", Name: "one"})
	require.NoError(t, err)
	require.NoError(t, cat.Scenes.Delete(ctx, "s1"))

	_, err = cat.Scenes.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrRemovedExternally)
	storage.mu.Lock()
	assert.Empty(t, storage.scenes)
	storage.mu.Unlock()
}

func TestGetModelCaches(t *testing.T) {
	cat, storage, _ := newTestCatalog(t, time.Minute)
	ctx := context.Background()

	storage.mu.Lock()
	storage.models["mesh/m1"] = &model.ObjectModel{
		Kind: model.ModelMesh,
		Mesh: &model.Mesh{ID: "m1", FocusPoints: []model.Pose{model.NewPose()}},
	}
	storage.mu.Unlock()

	m, err := cat.GetModel(ctx, "m1", model.ModelMesh)
	require.NoError(t, err)
	require.NotNil(t, m.Mesh)
	assert.Len(t, m.Mesh.FocusPoints, 1)

	_, err = cat.GetModel(ctx, "m1", model.ModelMesh)
	require.NoError(t, err)
	assert.Equal(t, int32(1), storage.modelGets.Load())
}
