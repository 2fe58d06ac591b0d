package vecindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// MemoryIndex is an in-process Index with cosine scoring. It backs unit
// tests and the `kbase --dev` mode, where running a Qdrant instance is not
// worth the setup cost. Not a durable store: contents vanish with the
// process.
type MemoryIndex struct {
	mu          sync.Mutex
	collections map[string]*memCollection
}

// memCollection holds one collection's points in insertion order.
type memCollection struct {
	dim    uint64
	ids    []string          // logical ids, insertion-ordered
	points map[string]memPoint
}

// memPoint is one stored vector and payload.
type memPoint struct {
	vector  []float32
	payload ChunkPayload
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memCollection)}
}

// CreateCollection creates a collection; creating an existing one fails.
func (m *MemoryIndex) CreateCollection(_ context.Context, name string, dim uint64, distance Distance) error {
	if err := distance.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return fmt.Errorf("vecindex: collection %q: %w", name, kb.ErrAlreadyExists)
	}
	m.collections[name] = &memCollection{dim: dim, points: make(map[string]memPoint)}
	return nil
}

// DeleteCollection removes a collection; absent collections are a success.
func (m *MemoryIndex) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

// CollectionExists reports whether the collection exists.
func (m *MemoryIndex) CollectionExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.collections[name]
	return ok, nil
}

// ClearCache is a no-op: the memory index has no staleness to clear.
func (m *MemoryIndex) ClearCache() {}

// Upsert writes points, overwriting any point with the same logical id.
func (m *MemoryIndex) Upsert(_ context.Context, name string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("vecindex: collection %q: %w", name, kb.ErrNotFound)
	}
	for _, p := range points {
		if _, exists := c.points[p.ID]; !exists {
			c.ids = append(c.ids, p.ID)
		}
		c.points[p.ID] = memPoint{vector: p.Vector, payload: p.Payload}
	}
	return nil
}

// Search scores every point by cosine similarity, applies the optional
// threshold and filter, and returns the top results sorted by score
// descending with insertion order breaking ties.
func (m *MemoryIndex) Search(_ context.Context, name string, vector []float32, params SearchParams) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("vecindex: collection %q: %w", name, kb.ErrNotFound)
	}

	type scored struct {
		order int
		res   Result
	}
	var hits []scored
	for i, id := range c.ids {
		p := c.points[id]
		if params.Filter != nil && !matchesFilter(id, p.payload, *params.Filter) {
			continue
		}
		score := cosine(vector, p.vector)
		if params.ScoreThreshold != nil && score < *params.ScoreThreshold {
			continue
		}
		hits = append(hits, scored{order: i, res: Result{ID: id, Score: score, Payload: p.payload}})
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].res.Score != hits[b].res.Score {
			return hits[a].res.Score > hits[b].res.Score
		}
		return hits[a].order < hits[b].order
	})

	if params.Limit > 0 && len(hits) > params.Limit {
		hits = hits[:params.Limit]
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.res)
	}
	return out, nil
}

// Scroll returns up to limit points in insertion order.
func (m *MemoryIndex) Scroll(_ context.Context, name string, limit int) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("vecindex: collection %q: %w", name, kb.ErrNotFound)
	}
	out := make([]Result, 0, len(c.ids))
	for _, id := range c.ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, Result{ID: id, Payload: c.points[id].payload})
	}
	return out, nil
}

// DeleteByFilter removes every point whose payload field matches.
func (m *MemoryIndex) DeleteByFilter(_ context.Context, name string, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("vecindex: collection %q: %w", name, kb.ErrNotFound)
	}
	kept := c.ids[:0]
	for _, id := range c.ids {
		if matchesFilter(id, c.points[id].payload, filter) {
			delete(c.points, id)
			continue
		}
		kept = append(kept, id)
	}
	c.ids = kept
	return nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

// Count returns the number of points in a collection; used by tests.
func (m *MemoryIndex) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		return len(c.points)
	}
	return 0
}

// matchesFilter evaluates the single-field equality filter against the
// tagged payload fields and extras.
func matchesFilter(id string, p ChunkPayload, f Filter) bool {
	switch f.Field {
	case payloadIDKey:
		return id == f.Value
	case "file_id":
		return p.FileID == f.Value
	case "kb_id":
		return p.KBID == f.Value
	case "source":
		return p.Source == f.Value
	default:
		return p.Extra[f.Field] == f.Value
	}
}

// cosine computes cosine similarity; mismatched or zero vectors score 0.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
