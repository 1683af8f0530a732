package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/joshp123/pecronhub/internal/pecron"
)

// DefaultTTL bounds how long a model schema is reused.
const DefaultTTL = 24 * time.Hour

const maxModels = 1024

// Fetcher loads a model's TSL from the cloud.
type Fetcher interface {
	GetSchema(ctx context.Context, model string) ([]pecron.PropertyDescriptor, error)
}

// Cache holds one schema per model. Concurrent misses for the same model
// share a single fetch.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	store   *ristretto.Cache
	group   singleflight.Group
	log     logr.Logger
}

// NewCache creates a cache. A ttl of zero keeps schemas for the life of the
// process.
func NewCache(fetcher Fetcher, ttl time.Duration, log logr.Logger) (*Cache, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("schema fetcher is required")
	}
	// Each schema costs 1, so MaxCost is the number of models kept.
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        10 * maxModels,
		MaxCost:            maxModels,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		store:   store,
		log:     log.WithName("schema"),
	}, nil
}

// Fetch returns the cached schema for model, loading it on a miss.
func (c *Cache) Fetch(ctx context.Context, model string) (*Schema, error) {
	if cached, ok := c.Get(model); ok {
		return cached, nil
	}

	ch := c.group.DoChan(model, func() (any, error) {
		if cached, ok := c.Get(model); ok {
			return cached, nil
		}
		props, err := c.fetcher.GetSchema(context.WithoutCancel(ctx), model)
		if err != nil {
			return nil, fmt.Errorf("fetch schema for %s: %w", model, err)
		}
		s := FromDescriptors(model, props)
		c.put(model, s)
		c.log.V(1).Info("schema loaded", "model", model, "properties", len(s.entries))
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Schema), nil
	}
}

// Get returns a cached schema without fetching.
func (c *Cache) Get(model string) (*Schema, bool) {
	value, ok := c.store.Get(model)
	if !ok {
		return nil, false
	}
	s, ok := value.(*Schema)
	return s, ok
}

func (c *Cache) put(model string, s *Schema) {
	var stored bool
	if c.ttl > 0 {
		stored = c.store.SetWithTTL(model, s, 1, c.ttl)
	} else {
		stored = c.store.Set(model, s, 1)
	}
	if !stored {
		c.log.Info("schema cache rejected entry", "model", model)
		return
	}
	c.store.Wait()
}

// Invalidate drops a model so the next Fetch reloads it.
func (c *Cache) Invalidate(model string) {
	c.store.Del(model)
	c.store.Wait()
}

func (c *Cache) Close() {
	c.store.Close()
}
