// Package catalog provides cached access to the Project/Storage service:
// scenes, projects, object types and collision models.
//
// Each entity kind keeps a two-level cache. The listing (id, name,
// timestamps, description) is refreshed as a whole when its TTL lapses; full
// entities sit in an LRU and are refetched only when the listing shows a
// newer modified timestamp. An id that disappears from the listing surfaces
// as ErrRemovedExternally so the server can tell a stale reference from a
// service failure.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/httpx"
	"github.com/arcor2-io/arcor2/internal/model"
)

// Client is the raw HTTP client for the Project/Storage service. It carries
// no cache; use Catalog for cached access.
type Client struct {
	base string
	http *retryablehttp.Client
}

// NewClient builds a catalog client for the service at baseURL.
// Transient 5xx failures are retried with jitter; 4xx are not.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		base: baseURL,
		http: httpx.NewClient(logger.Named("catalog"), 3, httpx.TransientOnly),
	}
}

func (c *Client) url(parts ...string) string {
	u := c.base
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (c *Client) list(ctx context.Context, kind string) ([]model.IDDesc, error) {
	req, err := httpx.JSONRequest(ctx, http.MethodGet, c.url(kind), nil)
	if err != nil {
		return nil, err
	}
	var out []model.IDDesc
	if err := httpx.DoJSON(c.http, req, &out); err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", kind, err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, kind, id string, out any) error {
	req, err := httpx.JSONRequest(ctx, http.MethodGet, c.url(kind, id), nil)
	if err != nil {
		return err
	}
	if err := httpx.DoJSON(c.http, req, out); err != nil {
		return fmt.Errorf("catalog: get %s %s: %w", kind, id, err)
	}
	return nil
}

// put stores an entity and decodes the service's response, which is the
// stored entity carrying the timestamps the service assigned.
func (c *Client) put(ctx context.Context, kind, id string, in, out any) error {
	req, err := httpx.JSONRequest(ctx, http.MethodPut, c.url(kind, id), in)
	if err != nil {
		return err
	}
	if err := httpx.DoJSON(c.http, req, out); err != nil {
		return fmt.Errorf("catalog: put %s %s: %w", kind, id, err)
	}
	return nil
}

func (c *Client) delete(ctx context.Context, kind, id string) error {
	req, err := httpx.JSONRequest(ctx, http.MethodDelete, c.url(kind, id), nil)
	if err != nil {
		return err
	}
	if err := httpx.DoJSON(c.http, req, nil); err != nil {
		return fmt.Errorf("catalog: delete %s %s: %w", kind, id, err)
	}
	return nil
}

// ListScenes returns the scene listing.
func (c *Client) ListScenes(ctx context.Context) ([]model.IDDesc, error) {
	return c.list(ctx, "scenes")
}

// GetScene fetches one scene by id.
func (c *Client) GetScene(ctx context.Context, id string) (*model.Scene, error) {
	var s model.Scene
	if err := c.get(ctx, "scenes", id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PutScene persists a scene and returns it as stored.
func (c *Client) PutScene(ctx context.Context, s *model.Scene) (*model.Scene, error) {
	var stored model.Scene
	if err := c.put(ctx, "scenes", s.ID, s, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// DeleteScene removes a scene.
func (c *Client) DeleteScene(ctx context.Context, id string) error {
	return c.delete(ctx, "scenes", id)
}

// ListProjects returns the project listing.
func (c *Client) ListProjects(ctx context.Context) ([]model.IDDesc, error) {
	return c.list(ctx, "projects")
}

// GetProject fetches one project by id.
func (c *Client) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	if err := c.get(ctx, "projects", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutProject persists a project and returns it as stored.
func (c *Client) PutProject(ctx context.Context, p *model.Project) (*model.Project, error) {
	var stored model.Project
	if err := c.put(ctx, "projects", p.ID, p, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// DeleteProject removes a project.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.delete(ctx, "projects", id)
}

// ListObjectTypes returns the object type listing.
func (c *Client) ListObjectTypes(ctx context.Context) ([]model.IDDesc, error) {
	return c.list(ctx, "object_types")
}

// GetObjectType fetches one object type by id.
func (c *Client) GetObjectType(ctx context.Context, id string) (*model.ObjectType, error) {
	var o model.ObjectType
	if err := c.get(ctx, "object_types", id, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// PutObjectType persists an object type and returns it as stored.
func (c *Client) PutObjectType(ctx context.Context, o *model.ObjectType) (*model.ObjectType, error) {
	var stored model.ObjectType
	if err := c.put(ctx, "object_types", o.ID, o, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// DeleteObjectType removes an object type.
func (c *Client) DeleteObjectType(ctx context.Context, id string) error {
	return c.delete(ctx, "object_types", id)
}

// GetModel fetches a collision model by id and kind.
func (c *Client) GetModel(ctx context.Context, id, kind string) (*model.ObjectModel, error) {
	var m model.ObjectModel
	req, err := httpx.JSONRequest(ctx, http.MethodGet, c.url("models", id, kind), nil)
	if err != nil {
		return nil, err
	}
	if err := httpx.DoJSON(c.http, req, &m); err != nil {
		return nil, fmt.Errorf("catalog: get model %s/%s: %w", id, kind, err)
	}
	return &m, nil
}
