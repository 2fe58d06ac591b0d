// Package retrieval answers queries against a knowledge base's vector
// collection. Three strategies are implemented: plain vector search,
// adaptive-threshold search that relaxes the similarity cutoff until enough
// results arrive, and hybrid search that fuses dense similarity with a
// linear keyword scan. Query expansion is available as a preprocessing
// step for recall-hungry callers.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/kbase-ai/kbase-go/internal/embedder"
	"github.com/kbase-ai/kbase-go/internal/kb"
	"github.com/kbase-ai/kbase-go/internal/vecindex"
)

// KBResolver resolves a knowledge base id to its configuration.
type KBResolver interface {
	GetKB(ctx context.Context, id string) (*kb.KnowledgeBase, error)
}

// EmbedderFactory builds an embedding client for a knowledge base's model.
type EmbedderFactory func(model string) (embedder.Service, error)

// Adaptive-search defaults.
const (
	// defaultMinThreshold is the floor the adaptive loop relaxes toward.
	defaultMinThreshold = 0.1
	// defaultThresholdStep is subtracted from the threshold per iteration.
	defaultThresholdStep = 0.1
)

// externalRetries bounds the backoff retry of query-time backend calls.
const externalRetries = 3

// retryExternal runs op with bounded exponential backoff. Only
// kb.ErrExternalService failures are retried; validation and not-found
// errors surface immediately.
func retryExternal(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && !errors.Is(err, kb.ErrExternalService) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), externalRetries), ctx)
	return backoff.Retry(wrapped, policy)
}

// AdaptiveOptions tunes the adaptive-threshold loop. Zero values select
// defaults derived from the knowledge base's retrieval config.
type AdaptiveOptions struct {
	// InitialThreshold is the starting similarity cutoff; 0 selects the
	// knowledge base's configured threshold.
	InitialThreshold float32
	// MinThreshold is the floor; 0 selects defaultMinThreshold.
	MinThreshold float32
	// Step is subtracted per iteration; 0 selects defaultThresholdStep.
	Step float32
	// TargetCount is the desired result count; 0 selects the knowledge
	// base's top_k.
	TargetCount int
}

// Engine executes searches. Safe for concurrent use.
type Engine struct {
	// meta resolves knowledge-base configuration.
	meta KBResolver
	// vec performs similarity search and corpus scans.
	vec vecindex.Index
	// newEmbedder builds the per-knowledge-base embedding client.
	newEmbedder EmbedderFactory
	// log is the structured logger.
	log *slog.Logger
}

// NewEngine constructs an Engine from its dependencies.
func NewEngine(meta KBResolver, vec vecindex.Index, newEmbedder EmbedderFactory, log *slog.Logger) (*Engine, error) {
	if meta == nil {
		return nil, fmt.Errorf("retrieval: kb resolver must not be nil")
	}
	if vec == nil {
		return nil, fmt.Errorf("retrieval: vector index must not be nil")
	}
	if newEmbedder == nil {
		return nil, fmt.Errorf("retrieval: embedder factory must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{meta: meta, vec: vec, newEmbedder: newEmbedder, log: log}, nil
}

// Search runs one plain vector search with the given limit and threshold.
func (e *Engine) Search(ctx context.Context, kbID, query string, topK int, threshold float32) ([]vecindex.Result, error) {
	base, err := e.meta.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	vector, err := e.embedQuery(ctx, base, query)
	if err != nil {
		return nil, err
	}
	return e.search(ctx, vecindex.CollectionName(base.ID), vector, vecindex.SearchParams{
		Limit:          topK,
		ScoreThreshold: &threshold,
	})
}

// search runs one vector search with bounded retry on backend failures.
func (e *Engine) search(ctx context.Context, collection string, vector []float32, params vecindex.SearchParams) ([]vecindex.Result, error) {
	var results []vecindex.Result
	err := retryExternal(ctx, func() error {
		var serr error
		results, serr = e.vec.Search(ctx, collection, vector, params)
		return serr
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// AdaptiveSearch embeds the query once, then searches at decreasing
// thresholds until the result count reaches the target or the threshold
// reaches the floor. The last obtained result set is returned either way;
// reaching the target is best effort, not a guarantee.
func (e *Engine) AdaptiveSearch(ctx context.Context, kbID, query string, opts AdaptiveOptions) ([]vecindex.Result, error) {
	base, err := e.meta.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}

	threshold := opts.InitialThreshold
	if threshold == 0 {
		threshold = base.RetrievalConfig.SimilarityThreshold
	}
	minThreshold := opts.MinThreshold
	if minThreshold == 0 {
		minThreshold = defaultMinThreshold
	}
	step := opts.Step
	if step <= 0 {
		step = defaultThresholdStep
	}
	target := opts.TargetCount
	if target <= 0 {
		target = base.RetrievalConfig.TopK
	}

	vector, err := e.embedQuery(ctx, base, query)
	if err != nil {
		return nil, err
	}
	collection := vecindex.CollectionName(base.ID)

	var results []vecindex.Result
	for {
		t := threshold
		results, err = e.search(ctx, collection, vector, vecindex.SearchParams{
			Limit:          target,
			ScoreThreshold: &t,
		})
		if err != nil {
			return nil, err
		}
		if len(results) >= target || threshold <= minThreshold {
			return results, nil
		}
		threshold -= step
		if threshold < minThreshold {
			threshold = minThreshold
		}
		e.log.Debug("adaptive search relaxing threshold",
			slog.String("kb_id", kbID),
			slog.Any("threshold", threshold),
			slog.Int("have", len(results)),
			slog.Int("want", target),
		)
	}
}

// HybridOptions overrides parts of the knowledge base's retrieval config
// for one hybrid search. Zero values keep the configured behavior.
type HybridOptions struct {
	// TopK caps the fused result count; 0 selects the configured top_k.
	TopK int
	// Threshold is the similarity cutoff the relaxed pass derives from;
	// 0 selects the configured threshold.
	Threshold float32
}

// HybridSearch fuses a relaxed vector pass with a keyword scan of the full
// corpus and returns the weighted merge truncated to top_k.
func (e *Engine) HybridSearch(ctx context.Context, kbID, query string, opts HybridOptions) ([]vecindex.Result, error) {
	base, err := e.meta.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	cfg := base.RetrievalConfig
	topK := opts.TopK
	if topK <= 0 {
		topK = cfg.TopK
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = cfg.SimilarityThreshold
	}
	collection := vecindex.CollectionName(base.ID)

	vector, err := e.embedQuery(ctx, base, query)
	if err != nil {
		return nil, err
	}

	// A relaxed threshold and widened limit gather the candidate pool the
	// fusion step reranks.
	relaxed := threshold * relaxFactor
	vectorHits, err := e.search(ctx, collection, vector, vecindex.SearchParams{
		Limit:          topK * candidateMultiplier,
		ScoreThreshold: &relaxed,
	})
	if err != nil {
		return nil, err
	}

	keywordHits, err := e.keywordScan(ctx, collection, query)
	if err != nil {
		return nil, err
	}

	return fuseResults(vectorHits, keywordHits, cfg.VectorWeight, topK), nil
}

// KeywordSearch answers a query with the keyword scan alone (fulltext
// retrieval mode). Scores are the raw keyword scores.
func (e *Engine) KeywordSearch(ctx context.Context, kbID, query string, topK int) ([]vecindex.Result, error) {
	base, err := e.meta.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}

	hits, err := e.keywordScan(ctx, vecindex.CollectionName(base.ID), query)
	if err != nil {
		return nil, err
	}
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]vecindex.Result, 0, len(hits))
	for _, h := range hits {
		res := h.chunk
		res.Score = h.score
		out = append(out, res)
	}
	return out, nil
}

// keywordScan extracts keywords from the query and linearly scores the
// whole corpus against them.
func (e *Engine) keywordScan(ctx context.Context, collection, query string) ([]scoredChunk, error) {
	keywords := ExtractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}
	var corpus []vecindex.Result
	err := retryExternal(ctx, func() error {
		var serr error
		corpus, serr = e.vec.Scroll(ctx, collection, scrollLimit)
		return serr
	})
	if err != nil {
		return nil, err
	}
	return scanKeywords(corpus, keywords), nil
}

// embedQuery embeds the query with the knowledge base's model, retrying
// transient backend failures.
func (e *Engine) embedQuery(ctx context.Context, base *kb.KnowledgeBase, query string) ([]float32, error) {
	emb, err := e.newEmbedder(base.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	var vector []float32
	err = retryExternal(ctx, func() error {
		var eerr error
		vector, eerr = emb.EmbedQuery(ctx, query)
		return eerr
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return vector, nil
}
