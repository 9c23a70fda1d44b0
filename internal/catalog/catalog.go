package catalog

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/arcor2-io/arcor2/internal/model"
)

// Defaults for Options fields left zero.
const (
	DefaultListingTTL = 1 * time.Second
	DefaultLRUSize    = 32
)

// Options tunes the cache behaviour.
type Options struct {
	// ListingTTL bounds how stale a kind listing may be before a read
	// refetches it.
	ListingTTL time.Duration
	// LRUSize caps the number of full entities kept per kind.
	LRUSize int
	// Clock is used for TTL decisions. Tests inject a fake; nil means the
	// wall clock.
	Clock clockwork.Clock
}

// Catalog is the cached facade over the Project/Storage service, one Kind
// cache per entity kind plus a small cache for collision models.
type Catalog struct {
	Scenes      *Kind[*model.Scene]
	Projects    *Kind[*model.Project]
	ObjectTypes *Kind[*model.ObjectType]

	client *Client
	models *lru.Cache[string, *model.ObjectModel]
}

// New builds a Catalog over the given client.
func New(client *Client, opts Options) *Catalog {
	if opts.ListingTTL <= 0 {
		opts.ListingTTL = DefaultListingTTL
	}
	if opts.LRUSize <= 0 {
		opts.LRUSize = DefaultLRUSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	models, err := lru.New[string, *model.ObjectModel](opts.LRUSize)
	if err != nil {
		panic(fmt.Sprintf("catalog: bad lru size %d: %v", opts.LRUSize, err))
	}

	return &Catalog{
		Scenes: newKind("scene", opts.ListingTTL, opts.LRUSize, kindOps[*model.Scene]{
			list: client.ListScenes,
			get:  client.GetScene,
			put:  client.PutScene,
			del:  client.DeleteScene,
		}, opts.Clock),
		Projects: newKind("project", opts.ListingTTL, opts.LRUSize, kindOps[*model.Project]{
			list: client.ListProjects,
			get:  client.GetProject,
			put:  client.PutProject,
			del:  client.DeleteProject,
		}, opts.Clock),
		ObjectTypes: newKind("object type", opts.ListingTTL, opts.LRUSize, kindOps[*model.ObjectType]{
			list: client.ListObjectTypes,
			get:  client.GetObjectType,
			put:  client.PutObjectType,
			del:  client.DeleteObjectType,
		}, opts.Clock),
		client: client,
		models: models,
	}
}

// GetModel returns a collision model, caching by id and kind. Models are
// immutable once stored, so no TTL applies.
func (c *Catalog) GetModel(ctx context.Context, id, kind string) (*model.ObjectModel, error) {
	key := kind + "/" + id
	if m, ok := c.models.Get(key); ok {
		return m, nil
	}
	m, err := c.client.GetModel(ctx, id, kind)
	if err != nil {
		return nil, err
	}
	c.models.Add(key, m)
	return m, nil
}
