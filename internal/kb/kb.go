// Package kb defines the domain model for the knowledge-base core: the
// KnowledgeBase entity with its chunking and retrieval configuration, the
// FileRecord state machine, and the error taxonomy shared by every layer.
// The metadata store owns persistence; this package owns validation.
package kb

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// namePattern is the allowed shape of a knowledge-base name.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,64}$`)

// ParserType selects the chunking strategy for a knowledge base.
type ParserType string

const (
	// ParserSentence splits on sentence boundaries.
	ParserSentence ParserType = "sentence"
	// ParserRecursive descends a separator chain, falling back to a
	// character window when no separator fits.
	ParserRecursive ParserType = "recursive"
	// ParserSemantic reserves semantic chunking; currently treated as
	// recursive by the pipeline.
	ParserSemantic ParserType = "semantic"
)

// RetrievalMode selects how a query is answered.
type RetrievalMode string

const (
	// ModeVector answers with dense similarity search only.
	ModeVector RetrievalMode = "vector"
	// ModeFulltext answers with the keyword scan only.
	ModeFulltext RetrievalMode = "fulltext"
	// ModeHybrid fuses vector and keyword results into one ranked list.
	ModeHybrid RetrievalMode = "hybrid"
)

// ChunkConfig controls how uploaded documents are split before embedding.
// It is an immutable value embedded in KnowledgeBase; updates replace the
// whole value, never merge fields.
type ChunkConfig struct {
	// ChunkSize is the maximum characters per chunk, in [100, 2048].
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`
	// ChunkOverlap is the characters shared by consecutive chunks, in
	// [0, 500] and strictly less than ChunkSize.
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`
	// ParserType selects the splitting strategy.
	ParserType ParserType `json:"parser_type" yaml:"parser_type"`
	// Separator is the primary separator for the recursive splitter.
	Separator string `json:"separator" yaml:"separator"`
}

// DefaultChunkConfig returns the chunking defaults applied when a knowledge
// base is created without an explicit config.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		ChunkSize:    512,
		ChunkOverlap: 50,
		ParserType:   ParserRecursive,
		Separator:    "\n\n",
	}
}

// Validate reports whether the config values are inside their allowed ranges.
func (c ChunkConfig) Validate() error {
	if c.ChunkSize < 100 || c.ChunkSize > 2048 {
		return fmt.Errorf("kb: chunk_size %d outside [100, 2048]: %w", c.ChunkSize, ErrValidation)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap > 500 {
		return fmt.Errorf("kb: chunk_overlap %d outside [0, 500]: %w", c.ChunkOverlap, ErrValidation)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("kb: chunk_overlap %d must be less than chunk_size %d: %w", c.ChunkOverlap, c.ChunkSize, ErrValidation)
	}
	switch c.ParserType {
	case ParserSentence, ParserRecursive, ParserSemantic:
	default:
		return fmt.Errorf("kb: unknown parser_type %q: %w", c.ParserType, ErrValidation)
	}
	return nil
}

// RetrievalConfig controls how a knowledge base answers queries. Same
// whole-value replacement semantics as ChunkConfig.
type RetrievalConfig struct {
	// Mode selects vector, fulltext, or hybrid retrieval.
	Mode RetrievalMode `json:"retrieval_mode" yaml:"retrieval_mode"`
	// TopK is the maximum number of results, in [1, 100].
	TopK int `json:"top_k" yaml:"top_k"`
	// SimilarityThreshold is the minimum similarity score, in [0, 1].
	SimilarityThreshold float32 `json:"similarity_threshold" yaml:"similarity_threshold"`
	// VectorWeight is the dense-score weight for hybrid fusion, in [0, 1].
	// The keyword weight is 1 - VectorWeight.
	VectorWeight float32 `json:"vector_weight" yaml:"vector_weight"`
	// EnableRerank requests a secondary scoring pass. Reranking is
	// currently a documented no-op: the query path logs a warning and
	// returns results unranked.
	EnableRerank bool `json:"enable_rerank" yaml:"enable_rerank"`
	// RerankModel names the rerank model to use once reranking exists.
	RerankModel string `json:"rerank_model" yaml:"rerank_model"`
}

// DefaultRetrievalConfig returns the retrieval defaults applied when a
// knowledge base is created without an explicit config.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		Mode:                ModeVector,
		TopK:                5,
		SimilarityThreshold: 0.7,
		VectorWeight:        0.7,
	}
}

// Validate reports whether the config values are inside their allowed ranges.
func (c RetrievalConfig) Validate() error {
	switch c.Mode {
	case ModeVector, ModeFulltext, ModeHybrid:
	default:
		return fmt.Errorf("kb: unknown retrieval_mode %q: %w", c.Mode, ErrValidation)
	}
	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("kb: top_k %d outside [1, 100]: %w", c.TopK, ErrValidation)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("kb: similarity_threshold %v outside [0, 1]: %w", c.SimilarityThreshold, ErrValidation)
	}
	if c.VectorWeight < 0 || c.VectorWeight > 1 {
		return fmt.Errorf("kb: vector_weight %v outside [0, 1]: %w", c.VectorWeight, ErrValidation)
	}
	return nil
}

// KnowledgeBase is an isolated document corpus with its own chunking and
// retrieval configuration. The metadata store is the authority for this
// entity; the config cache holds a non-authoritative read-through copy.
type KnowledgeBase struct {
	// ID is the immutable identifier (UUIDv4 string).
	ID string
	// Name is unique across all knowledge bases, [A-Za-z0-9_-]{2,64}.
	Name string
	// Description is free-form operator text.
	Description string
	// EmbeddingModel names the model used for this corpus's vectors.
	// Changing it leaves existing vectors inconsistent; the facade warns
	// but does not re-embed.
	EmbeddingModel string
	// ChunkConfig controls document splitting.
	ChunkConfig ChunkConfig
	// RetrievalConfig controls query answering.
	RetrievalConfig RetrievalConfig
	// CreatedAt and UpdatedAt are maintained by the metadata store.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewKnowledgeBase builds a validated KnowledgeBase with a fresh id and
// defaults for any nil config. The caller persists it via the metadata store.
func NewKnowledgeBase(name, description, embeddingModel string, chunkCfg *ChunkConfig, retrievalCfg *RetrievalConfig) (*KnowledgeBase, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if embeddingModel == "" {
		return nil, fmt.Errorf("kb: embedding_model must not be empty: %w", ErrValidation)
	}

	cc := DefaultChunkConfig()
	if chunkCfg != nil {
		cc = *chunkCfg
	}
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	rc := DefaultRetrievalConfig()
	if retrievalCfg != nil {
		rc = *retrievalCfg
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &KnowledgeBase{
		ID:              uuid.NewString(),
		Name:            name,
		Description:     description,
		EmbeddingModel:  embeddingModel,
		ChunkConfig:     cc,
		RetrievalConfig: rc,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ValidateName reports whether name is a legal knowledge-base name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("kb: name %q must match [A-Za-z0-9_-]{2,64}: %w", name, ErrValidation)
	}
	return nil
}

// Stats holds the derived statistics of a knowledge base, computed on read
// by aggregating SUCCEEDED file records. Never persisted as counters.
type Stats struct {
	// DocumentCount is the number of successfully processed files.
	DocumentCount int64
	// TotalSize is the sum of their sizes in bytes.
	TotalSize int64
}
