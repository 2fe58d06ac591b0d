// Package configcache holds an in-memory read-through index of knowledge-base
// configurations, keyed by id and by unique name. The metadata store stays
// authoritative: the cache may be stale across independent processes, so
// every write path in the facade re-checks the store directly. Bulk reload
// is the only operation that must be atomic relative to itself; a single
// mutex guards all map access.
package configcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// Loader is the subset of the metadata store the cache needs for reloads.
type Loader interface {
	ListKBs(ctx context.Context, page, pageSize int) ([]*kb.KnowledgeBase, int64, error)
	GetKB(ctx context.Context, id string) (*kb.KnowledgeBase, error)
}

// reloadPageSize is the page size used when walking the store during Reload.
const reloadPageSize = 200

// Cache is the in-memory knowledge-base index.
type Cache struct {
	// mu guards both maps. Reload holds it for the whole repopulation so
	// readers never observe a half-loaded cache.
	mu sync.Mutex
	// byID maps knowledge-base id to its cached entity.
	byID map[string]*kb.KnowledgeBase
	// nameToID maps unique name to id.
	nameToID map[string]string

	// loader reads from the store of record.
	loader Loader
}

// New constructs an empty Cache over the given loader.
func New(loader Loader) *Cache {
	return &Cache{
		byID:     make(map[string]*kb.KnowledgeBase),
		nameToID: make(map[string]string),
		loader:   loader,
	}
}

// Reload repopulates the cache from the store. The mutex is held across the
// full walk so a concurrent reader never sees a partially populated cache.
func (c *Cache) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID := make(map[string]*kb.KnowledgeBase)
	nameToID := make(map[string]string)

	for page := 1; ; page++ {
		bases, total, err := c.loader.ListKBs(ctx, page, reloadPageSize)
		if err != nil {
			return fmt.Errorf("configcache: reload page %d: %w", page, err)
		}
		for _, base := range bases {
			byID[base.ID] = base
			nameToID[base.Name] = base.ID
		}
		if int64(len(byID)) >= total || len(bases) == 0 {
			break
		}
	}

	c.byID = byID
	c.nameToID = nameToID
	return nil
}

// Refresh re-reads a single knowledge base from the store and updates the
// cache entry. A kb.ErrNotFound from the store evicts the entry.
func (c *Cache) Refresh(ctx context.Context, id string) error {
	base, err := c.loader.GetKB(ctx, id)
	if err != nil {
		c.Evict(id)
		return fmt.Errorf("configcache: refresh %s: %w", id, err)
	}
	c.Put(base)
	return nil
}

// Get returns the cached knowledge base by id, if present.
func (c *Cache) Get(id string) (*kb.KnowledgeBase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base, ok := c.byID[id]
	return base, ok
}

// GetByName returns the cached knowledge base by unique name, if present.
func (c *Cache) GetByName(name string) (*kb.KnowledgeBase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.nameToID[name]
	if !ok {
		return nil, false
	}
	base, ok := c.byID[id]
	return base, ok
}

// ExistsByName is the fast-path uniqueness check. A true answer is reliable
// enough to fail fast; a false answer must be re-checked against the store
// because the cache can lag behind other writers.
func (c *Cache) ExistsByName(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nameToID[name]
	return ok
}

// Put inserts or replaces a single entry. When the entry was renamed, the
// old name mapping is dropped.
func (c *Cache) Put(base *kb.KnowledgeBase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byID[base.ID]; ok && old.Name != base.Name {
		delete(c.nameToID, old.Name)
	}
	c.byID[base.ID] = base
	c.nameToID[base.Name] = base.ID
}

// Evict removes the entry for id, if present.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base, ok := c.byID[id]; ok {
		delete(c.nameToID, base.Name)
		delete(c.byID, id)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
