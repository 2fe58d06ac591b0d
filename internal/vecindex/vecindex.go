// Package vecindex defines the vector-index contract consumed by the
// ingestion pipeline and retrieval engine, plus the Qdrant-backed
// implementation. Point identifiers handed to this package are arbitrary
// strings (e.g. "{file_id}_chunk_{i}"); implementations map them to the
// backend's identifier type deterministically so re-upserting the same
// logical chunk overwrites instead of duplicating, and keep the original
// string inside the payload for traceability.
package vecindex

import (
	"context"
	"fmt"
	"strconv"
)

// Distance selects the similarity metric for a collection.
type Distance string

const (
	// DistanceCosine is cosine similarity, the default for text embeddings.
	DistanceCosine Distance = "cosine"
	// DistanceDot is dot-product similarity.
	DistanceDot Distance = "dot"
	// DistanceEuclid is euclidean distance.
	DistanceEuclid Distance = "euclid"
)

// ChunkPayload is the tagged per-chunk record stored alongside each vector.
// (De)serialization to the backend's payload representation happens at this
// boundary and nowhere else.
type ChunkPayload struct {
	// Text is the chunk text.
	Text string
	// FileID is the owning file record's id.
	FileID string
	// KBID is the owning knowledge base's id.
	KBID string
	// Source is the logical file name the chunk came from.
	Source string
	// ChunkIndex is the chunk's position within its file.
	ChunkIndex int
	// Extra carries free-form per-file metadata copied into every chunk.
	Extra map[string]string
}

// Point is one vector plus its payload, identified by a logical string id.
type Point struct {
	// ID is the logical identifier, e.g. "{file_id}_chunk_{i}".
	ID string
	// Vector is the embedding.
	Vector []float32
	// Payload is the tagged chunk record.
	Payload ChunkPayload
}

// Result is one similarity-search hit.
type Result struct {
	// ID is the logical string identifier recovered from the payload.
	ID string
	// Score is the backend similarity score.
	Score float32
	// Payload is the decoded chunk record.
	Payload ChunkPayload
}

// Filter restricts a search or delete to points whose payload field equals
// the given value.
type Filter struct {
	// Field is the payload field name, e.g. "file_id".
	Field string
	// Value is the required value.
	Value string
}

// SearchParams bundles the optional knobs of a similarity search.
type SearchParams struct {
	// Limit caps the number of results.
	Limit int
	// ScoreThreshold, when non-nil, drops results scoring below it.
	ScoreThreshold *float32
	// Filter, when non-nil, restricts candidates by payload field equality.
	Filter *Filter
}

// Index is the vector-index contract. Implementations must be safe for
// concurrent use.
type Index interface {
	// CreateCollection creates a collection for dim-sized vectors. Creating
	// a collection that already exists is an error.
	CreateCollection(ctx context.Context, name string, dim uint64, distance Distance) error

	// DeleteCollection removes a collection. Deleting an absent collection
	// is a success, not an error.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists reports whether the collection exists. Answers are
	// cached; ClearCache drops the cache.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// ClearCache drops the existence cache.
	ClearCache()

	// Upsert writes points, overwriting any point with the same logical id.
	Upsert(ctx context.Context, name string, points []Point) error

	// Search returns the most similar points for the query vector.
	Search(ctx context.Context, name string, vector []float32, params SearchParams) ([]Result, error)

	// Scroll enumerates up to limit points of the collection without a
	// query vector. Used by the keyword scan, which walks the full corpus.
	Scroll(ctx context.Context, name string, limit int) ([]Result, error)

	// DeleteByFilter removes every point whose payload field equals value.
	DeleteByFilter(ctx context.Context, name string, filter Filter) error

	// Close releases backend resources.
	Close() error
}

// ChunkPointID builds the logical point id for a file's i-th chunk.
func ChunkPointID(fileID string, index int) string {
	return fileID + "_chunk_" + strconv.Itoa(index)
}

// CollectionName returns the collection holding a knowledge base's vectors.
func CollectionName(kbID string) string {
	return "kb_" + kbID
}

func (d Distance) validate() error {
	switch d {
	case DistanceCosine, DistanceDot, DistanceEuclid:
		return nil
	}
	return fmt.Errorf("vecindex: unknown distance %q", d)
}
