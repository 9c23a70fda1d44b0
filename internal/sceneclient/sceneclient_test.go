package sceneclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcor2-io/arcor2/internal/model"
)

// fakeSceneService records collision state and serves canned poses.
type fakeSceneService struct {
	mu         sync.Mutex
	collisions map[string]collisionBody
	eefPose    model.Pose
	focusPose  model.Pose
}

func (f *fakeSceneService) handler() http.Handler {
	r := chi.NewRouter()
	r.Put("/collisions/{id}", func(w http.ResponseWriter, req *http.Request) {
		var body collisionBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.collisions[chi.URLParam(req, "id")] = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	r.Delete("/collisions/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		_, ok := f.collisions[chi.URLParam(req, "id")]
		delete(f.collisions, chi.URLParam(req, "id"))
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Delete("/collisions", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.collisions = map[string]collisionBody{}
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	r.Put("/utils/focus", func(w http.ResponseWriter, req *http.Request) {
		var args FocusArgs
		if err := json.NewDecoder(req.Body).Decode(&args); err != nil || len(args.MeshFocusPoints) == 0 {
			http.Error(w, "bad focus args", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(f.focusPose)
	})
	r.Get("/robots/{rid}/endEffectors/{eid}/pose", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(f.eefPose)
	})
	r.Put("/utils/lineCheck", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(lineCheckResult{Safe: true})
	})
	return r
}

func newTestClient(t *testing.T) (*Client, *fakeSceneService) {
	t.Helper()
	fake := &fakeSceneService{
		collisions: map[string]collisionBody{},
		eefPose:    model.Pose{Position: model.Position{X: 0.1}, Orientation: model.NewOrientation()},
		focusPose:  model.Pose{Position: model.Position{Z: 0.5}, Orientation: model.NewOrientation()},
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, zaptest.NewLogger(t)), fake
}

func TestCollisionLifecycle(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	m := model.ObjectModel{Kind: model.ModelBox, Box: &model.Box{ID: "b", SizeX: 1, SizeY: 1, SizeZ: 1}}
	require.NoError(t, c.UpsertCollision(ctx, "o1", m, model.NewPose()))
	require.NoError(t, c.UpsertCollision(ctx, "o2", m, model.NewPose()))

	fake.mu.Lock()
	assert.Len(t, fake.collisions, 2)
	fake.mu.Unlock()

	require.NoError(t, c.DeleteCollision(ctx, "o1"))
	// Deleting an id without a collision object is tolerated.
	require.NoError(t, c.DeleteCollision(ctx, "o1"))

	require.NoError(t, c.ClearCollisions(ctx))
	fake.mu.Lock()
	assert.Empty(t, fake.collisions)
	fake.mu.Unlock()
}

func TestFocus(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	points := []model.Pose{model.NewPose(), model.NewPose()}
	pose, err := c.Focus(ctx, FocusArgs{MeshFocusPoints: points, RobotSpacePoints: points})
	require.NoError(t, err)
	assert.Equal(t, fake.focusPose, pose)

	// Mismatched point counts never reach the service.
	_, err = c.Focus(ctx, FocusArgs{MeshFocusPoints: points, RobotSpacePoints: points[:1]})
	require.Error(t, err)
}

func TestEndEffectorPose(t *testing.T) {
	c, fake := newTestClient(t)

	pose, err := c.EndEffectorPose(context.Background(), model.RobotArg{RobotID: "rob", EndEffector: "eef1", ArmID: "left"})
	require.NoError(t, err)
	assert.Equal(t, fake.eefPose, pose)
}

func TestLineSafe(t *testing.T) {
	c, _ := newTestClient(t)

	safe, err := c.LineSafe(context.Background(), model.Position{}, model.Position{X: 1})
	require.NoError(t, err)
	assert.True(t, safe)
}
