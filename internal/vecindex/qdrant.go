package vecindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// pointNamespace is the fixed UUIDv5 namespace for mapping logical string
// point ids onto Qdrant point UUIDs. The transform is deterministic, so
// re-upserting the same logical chunk id always lands on the same point.
var pointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// payloadIDKey is the payload field preserving the original string id.
const payloadIDKey = "_id"

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string
	// Port is the Qdrant gRPC port (default: 6334).
	Port int
	// APIKey is the optional API key for authenticated clusters.
	APIKey string
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements Index backed by a Qdrant instance. One QdrantIndex
// serves all knowledge bases; each knowledge base owns one collection.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// mu guards exists.
	mu sync.Mutex
	// exists caches positive and negative CollectionExists answers.
	exists map[string]bool
}

// NewQdrantIndex connects to Qdrant and returns a ready Index.
func NewQdrantIndex(cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vecindex: create qdrant client: %w: %v", kb.ErrExternalService, err)
	}

	return &QdrantIndex{client: client, exists: make(map[string]bool)}, nil
}

// PointUUID returns the deterministic Qdrant point UUID for a logical id.
func PointUUID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

// CreateCollection creates a collection for dim-sized vectors.
func (q *QdrantIndex) CreateCollection(ctx context.Context, name string, dim uint64, distance Distance) error {
	if err := distance.validate(); err != nil {
		return err
	}
	err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dim,
			Distance: qdrantDistance(distance),
		}),
	})
	if err != nil {
		return fmt.Errorf("vecindex: create collection %q: %w: %v", name, kb.ErrExternalService, err)
	}

	q.mu.Lock()
	q.exists[name] = true
	q.mu.Unlock()
	return nil
}

// DeleteCollection removes a collection. Qdrant treats deleting an absent
// collection as a no-op, matching the contract.
func (q *QdrantIndex) DeleteCollection(ctx context.Context, name string) error {
	if err := q.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("vecindex: delete collection %q: %w: %v", name, kb.ErrExternalService, err)
	}
	q.mu.Lock()
	q.exists[name] = false
	q.mu.Unlock()
	return nil
}

// CollectionExists reports whether the collection exists, consulting the
// local cache first.
func (q *QdrantIndex) CollectionExists(ctx context.Context, name string) (bool, error) {
	q.mu.Lock()
	if cached, ok := q.exists[name]; ok {
		q.mu.Unlock()
		return cached, nil
	}
	q.mu.Unlock()

	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("vecindex: collection exists %q: %w: %v", name, kb.ErrExternalService, err)
	}

	q.mu.Lock()
	q.exists[name] = exists
	q.mu.Unlock()
	return exists, nil
}

// ClearCache drops all cached existence answers.
func (q *QdrantIndex) ClearCache() {
	q.mu.Lock()
	q.exists = make(map[string]bool)
	q.mu.Unlock()
}

// Upsert writes points. Logical string ids are mapped to UUIDv5 point ids,
// so a re-upsert of the same logical chunk overwrites the prior point; the
// original string id is preserved in the payload.
func (q *QdrantIndex) Upsert(ctx context.Context, name string, points []Point) error {
	qp := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		qp = append(qp, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointUUID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(encodePayload(p.ID, p.Payload)),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         qp,
	})
	if err != nil {
		return fmt.Errorf("vecindex: upsert into %q: %w: %v", name, kb.ErrExternalService, err)
	}
	return nil
}

// Search performs a similarity search with optional score threshold and
// payload-field filter.
func (q *QdrantIndex) Search(ctx context.Context, name string, vector []float32, params SearchParams) ([]Result, error) {
	limit := uint64(params.Limit)
	query := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: params.ScoreThreshold,
	}
	if params.Filter != nil {
		query.Filter = fieldFilter(*params.Filter)
	}

	hits, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vecindex: search %q: %w: %v", name, kb.ErrExternalService, err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		id, payload := decodePayload(h.Payload)
		out = append(out, Result{ID: id, Score: h.Score, Payload: payload})
	}
	return out, nil
}

// Scroll enumerates up to limit points without a query vector.
func (q *QdrantIndex) Scroll(ctx context.Context, name string, limit int) ([]Result, error) {
	l := uint32(limit)
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Limit:          &l,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vecindex: scroll %q: %w: %v", name, kb.ErrExternalService, err)
	}

	out := make([]Result, 0, len(points))
	for _, p := range points {
		id, payload := decodePayload(p.Payload)
		out = append(out, Result{ID: id, Payload: payload})
	}
	return out, nil
}

// DeleteByFilter removes every point whose payload field equals the value.
func (q *QdrantIndex) DeleteByFilter(ctx context.Context, name string, filter Filter) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points:         qdrant.NewPointsSelectorFilter(fieldFilter(filter)),
	})
	if err != nil {
		return fmt.Errorf("vecindex: delete by %s=%s in %q: %w: %v", filter.Field, filter.Value, name, kb.ErrExternalService, err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// qdrantDistance maps the adapter's Distance onto the client enum.
func qdrantDistance(d Distance) qdrant.Distance {
	switch d {
	case DistanceDot:
		return qdrant.Distance_Dot
	case DistanceEuclid:
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

// fieldFilter builds a must-match filter on one payload field.
func fieldFilter(f Filter) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(f.Field, f.Value)},
	}
}

// encodePayload serializes the tagged chunk record, preserving the logical
// string id under payloadIDKey. Extra entries are merged in; reserved keys
// in Extra are skipped rather than allowed to clobber tagged fields.
func encodePayload(id string, p ChunkPayload) map[string]any {
	m := map[string]any{
		payloadIDKey:  id,
		"text":        p.Text,
		"file_id":     p.FileID,
		"kb_id":       p.KBID,
		"source":      p.Source,
		"chunk_index": int64(p.ChunkIndex),
	}
	for k, v := range p.Extra {
		if _, reserved := m[k]; reserved {
			continue
		}
		m[k] = v
	}
	return m
}

// decodePayload recovers the logical id and tagged record from a Qdrant
// payload map.
func decodePayload(payload map[string]*qdrant.Value) (string, ChunkPayload) {
	var id string
	p := ChunkPayload{Extra: make(map[string]string)}
	for k, v := range payload {
		switch k {
		case payloadIDKey:
			id = v.GetStringValue()
		case "text":
			p.Text = v.GetStringValue()
		case "file_id":
			p.FileID = v.GetStringValue()
		case "kb_id":
			p.KBID = v.GetStringValue()
		case "source":
			p.Source = v.GetStringValue()
		case "chunk_index":
			p.ChunkIndex = int(v.GetIntegerValue())
		default:
			p.Extra[k] = v.GetStringValue()
		}
	}
	return id, p
}
