// Package service implements the knowledge-base facade: the single entry
// point that coordinates the metadata store, config cache, blob store,
// vector index, ingestion pipeline, and retrieval engine. Multi-step
// operations keep the stores consistent with compensating actions rather
// than transactions; when compensation itself fails the inconsistency is
// logged and surfaced, never hidden.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbase-ai/kbase-go/internal/blobstore"
	"github.com/kbase-ai/kbase-go/internal/configcache"
	"github.com/kbase-ai/kbase-go/internal/embedder"
	"github.com/kbase-ai/kbase-go/internal/kb"
	"github.com/kbase-ai/kbase-go/internal/loader"
	"github.com/kbase-ai/kbase-go/internal/metastore"
	"github.com/kbase-ai/kbase-go/internal/pipeline"
	"github.com/kbase-ai/kbase-go/internal/retrieval"
	"github.com/kbase-ai/kbase-go/internal/vecindex"
)

// DefaultMaxUploadSize caps uploaded file content at 50 MiB.
const DefaultMaxUploadSize = 50 << 20

// compensationRetries bounds the backoff retry of a compensating delete.
const compensationRetries = 3

// externalRetries bounds the backoff retry of interactive external-service
// calls such as collection creation.
const externalRetries = 3

// Options configures a Service beyond its store dependencies.
type Options struct {
	// Embedding is the backend configuration; the per-knowledge-base model
	// name overrides Embedding.Model on every call.
	Embedding embedder.Options
	// MaxUploadSize caps upload content length in bytes; 0 selects
	// DefaultMaxUploadSize.
	MaxUploadSize int64
	// Registry receives the facade's Prometheus metrics; nil selects
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
	// Logger is the structured logger; nil selects slog.Default.
	Logger *slog.Logger
}

// Service is the knowledge-base facade. Safe for concurrent use.
type Service struct {
	meta    *metastore.Store
	cache   *configcache.Cache
	blobs   *blobstore.Store
	vec     vecindex.Index
	pipe    *pipeline.Pipeline
	engine  *retrieval.Engine
	metrics *serviceMetrics

	embedOpts     embedder.Options
	maxUploadSize int64
	log           *slog.Logger
}

// New wires the facade from its stores. The config cache is warmed with a
// full reload so name-uniqueness fast paths work from the first call.
func New(ctx context.Context, meta *metastore.Store, blobs *blobstore.Store, vec vecindex.Index, opts Options) (*Service, error) {
	if meta == nil {
		return nil, fmt.Errorf("service: metadata store must not be nil")
	}
	if blobs == nil {
		return nil, fmt.Errorf("service: blob store must not be nil")
	}
	if vec == nil {
		return nil, fmt.Errorf("service: vector index must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	maxUpload := opts.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadSize
	}

	s := &Service{
		meta:          meta,
		cache:         configcache.New(meta),
		blobs:         blobs,
		vec:           vec,
		metrics:       newServiceMetrics(reg),
		embedOpts:     opts.Embedding,
		maxUploadSize: maxUpload,
		log:           log,
	}

	newEmbedder := func(model string) (embedder.Service, error) {
		o := s.embedOpts
		o.Model = model
		return embedder.New(o)
	}

	pipe, err := pipeline.New(meta, vec, newEmbedder, loader.NewRegistry(), log)
	if err != nil {
		return nil, err
	}
	s.pipe = pipe

	engine, err := retrieval.NewEngine(kbResolver{s}, vec, newEmbedder, log)
	if err != nil {
		return nil, err
	}
	s.engine = engine

	if err := s.cache.Reload(ctx); err != nil {
		return nil, fmt.Errorf("service: warm config cache: %w", err)
	}
	return s, nil
}

// kbResolver adapts the facade's cache-first lookup to the retrieval
// engine's resolver contract.
type kbResolver struct {
	s *Service
}

func (r kbResolver) GetKB(ctx context.Context, id string) (*kb.KnowledgeBase, error) {
	return r.s.resolveKB(ctx, id)
}

// resolveKB reads a knowledge base cache-first, falling back to the
// metadata store and repopulating the cache on a miss.
func (s *Service) resolveKB(ctx context.Context, id string) (*kb.KnowledgeBase, error) {
	if base, ok := s.cache.Get(id); ok {
		return base, nil
	}
	base, err := s.meta.GetKB(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Put(base)
	return base, nil
}

// CreateKnowledgeBase creates the metadata row and the vector collection.
// When collection creation fails, the metadata row is deleted again with a
// bounded backoff retry so the two stores do not drift; a compensation
// failure is logged and reported in the returned error.
func (s *Service) CreateKnowledgeBase(ctx context.Context, name, description, embeddingModel string, chunkCfg *kb.ChunkConfig, retrievalCfg *kb.RetrievalConfig) (*kb.KnowledgeBase, error) {
	if embeddingModel == "" {
		embeddingModel = s.embedOpts.Model
	}
	if embeddingModel == "" {
		embeddingModel = "nomic-embed-text"
	}
	// Fast path; the store's unique constraint is the authority.
	if s.cache.ExistsByName(name) {
		return nil, fmt.Errorf("service: knowledge base %q: %w", name, kb.ErrAlreadyExists)
	}

	base, err := kb.NewKnowledgeBase(name, description, embeddingModel, chunkCfg, retrievalCfg)
	if err != nil {
		return nil, err
	}
	if err := s.meta.CreateKB(ctx, base); err != nil {
		return nil, err
	}

	dims := uint64(s.embedDimensions())
	if err := s.createCollection(ctx, vecindex.CollectionName(base.ID), dims); err != nil {
		if cerr := s.compensateCreateKB(ctx, base.ID); cerr != nil {
			s.log.Error("knowledge base left inconsistent: collection create and metadata rollback both failed",
				slog.String("kb_id", base.ID),
				slog.Any("create_error", err),
				slog.Any("rollback_error", cerr),
			)
			return nil, fmt.Errorf("service: create collection for %s: %w (metadata rollback also failed: %v)", base.ID, err, cerr)
		}
		return nil, fmt.Errorf("service: create collection for %s: %w", base.ID, err)
	}

	s.cache.Put(base)
	s.log.Info("knowledge base created",
		slog.String("kb_id", base.ID),
		slog.String("name", base.Name),
		slog.String("embedding_model", base.EmbeddingModel),
	)
	return base, nil
}

// createCollection creates the vector collection with bounded exponential
// backoff. Only external-service failures are retried; anything else is
// surfaced on the first attempt.
func (s *Service) createCollection(ctx context.Context, name string, dims uint64) error {
	op := func() error {
		err := s.vec.CreateCollection(ctx, name, dims, vecindex.DistanceCosine)
		if err != nil && !errors.Is(err, kb.ErrExternalService) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), externalRetries), ctx)
	return backoff.Retry(op, policy)
}

// compensateCreateKB deletes the metadata row created by a failed
// CreateKnowledgeBase, retrying with bounded exponential backoff.
func (s *Service) compensateCreateKB(ctx context.Context, kbID string) error {
	op := func() error {
		err := s.meta.DeleteKB(ctx, kbID)
		if errors.Is(err, kb.ErrNotFound) {
			return nil
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), compensationRetries), ctx)
	return backoff.Retry(op, policy)
}

// embedDimensions returns the configured vector size, defaulting per backend.
func (s *Service) embedDimensions() int {
	if s.embedOpts.Dimensions > 0 {
		return s.embedOpts.Dimensions
	}
	return embedder.DefaultDimensions(s.embedOpts.Backend)
}

// GetKnowledgeBase returns the knowledge base with the given id.
func (s *Service) GetKnowledgeBase(ctx context.Context, id string) (*kb.KnowledgeBase, error) {
	return s.resolveKB(ctx, id)
}

// GetKnowledgeBaseByName returns the knowledge base with the given name.
func (s *Service) GetKnowledgeBaseByName(ctx context.Context, name string) (*kb.KnowledgeBase, error) {
	if base, ok := s.cache.GetByName(name); ok {
		return base, nil
	}
	base, err := s.meta.GetKBByName(ctx, name)
	if err != nil {
		return nil, err
	}
	s.cache.Put(base)
	return base, nil
}

// ListKnowledgeBases returns one page of knowledge bases and the total count.
func (s *Service) ListKnowledgeBases(ctx context.Context, page, pageSize int) ([]*kb.KnowledgeBase, int64, error) {
	return s.meta.ListKBs(ctx, page, pageSize)
}

// UpdateKnowledgeBase applies a partial update. Changing the embedding model
// does not re-embed existing vectors; the mismatch is logged as a warning
// and left for the operator to resolve by re-processing files.
func (s *Service) UpdateKnowledgeBase(ctx context.Context, id string, patch metastore.KBPatch) (*kb.KnowledgeBase, error) {
	prev, err := s.resolveKB(ctx, id)
	if err != nil {
		return nil, err
	}

	base, err := s.meta.UpdateKB(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if base.EmbeddingModel != prev.EmbeddingModel {
		s.log.Warn("embedding model changed; existing vectors were embedded with the previous model and will score inconsistently until files are re-processed",
			slog.String("kb_id", id),
			slog.String("previous_model", prev.EmbeddingModel),
			slog.String("new_model", base.EmbeddingModel),
		)
	}

	s.cache.Put(base)
	return base, nil
}

// DeleteKnowledgeBase removes the knowledge base everywhere. Vector and blob
// deletion are best effort: their failures are logged and the deletion
// proceeds, because the metadata row is the authority and orphaned blobs or
// collections are recoverable garbage, not corruption.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, id string) error {
	if _, err := s.resolveKB(ctx, id); err != nil {
		return err
	}

	if err := s.vec.DeleteCollection(ctx, vecindex.CollectionName(id)); err != nil {
		s.log.Warn("vector collection deletion failed; continuing with metadata deletion",
			slog.String("kb_id", id),
			slog.Any("error", err),
		)
	}
	if err := s.meta.DeleteKB(ctx, id); err != nil {
		return err
	}
	s.cache.Evict(id)
	if err := s.blobs.DeleteKB(id); err != nil {
		s.log.Warn("blob directory deletion failed; orphaned files remain on disk",
			slog.String("kb_id", id),
			slog.Any("error", err),
		)
	}

	s.log.Info("knowledge base deleted", slog.String("kb_id", id))
	return nil
}

// Stats returns the derived statistics of a knowledge base.
func (s *Service) Stats(ctx context.Context, kbID string) (kb.Stats, error) {
	if _, err := s.resolveKB(ctx, kbID); err != nil {
		return kb.Stats{}, err
	}
	return s.meta.KBStats(ctx, kbID)
}

// UploadFile stores content in the blob store and registers a PENDING file
// record. Re-uploading an existing file name overwrites the blob and resets
// the record to PENDING under the same id. A freshly created record that
// cannot be persisted triggers a compensating blob delete.
func (s *Service) UploadFile(ctx context.Context, kbID, fileName string, content []byte, metadata map[string]string) (*kb.FileRecord, error) {
	if _, err := s.resolveKB(ctx, kbID); err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("service: file %q is empty: %w", fileName, kb.ErrValidation)
	}
	if int64(len(content)) > s.maxUploadSize {
		return nil, fmt.Errorf("service: file %q exceeds the %d byte upload limit: %w", fileName, s.maxUploadSize, kb.ErrValidation)
	}

	rec, err := kb.NewFileRecord(kbID, fileName, filepath.Ext(fileName), int64(len(content)), blobstore.HashContent(content))
	if err != nil {
		return nil, err
	}
	if metadata != nil {
		rec.Metadata = metadata
	}

	existing, err := s.meta.GetFileByName(ctx, kbID, fileName)
	switch {
	case err == nil:
		rec.ID = existing.ID
	case errors.Is(err, kb.ErrNotFound):
		existing = nil
	default:
		return nil, err
	}

	storedPath, err := s.blobs.Save(kbID, rec.ID, rec.Extension, content)
	if err != nil {
		return nil, err
	}
	rec.StoredPath = storedPath

	if existing != nil {
		if err := s.meta.OverwriteFile(ctx, rec); err != nil {
			return nil, err
		}
		s.metrics.uploadsTotal.WithLabelValues("overwritten").Inc()
		s.log.Info("file overwritten",
			slog.String("kb_id", kbID),
			slog.String("file_id", rec.ID),
			slog.String("file_name", fileName),
		)
		return rec, nil
	}

	if err := s.meta.CreateFile(ctx, rec); err != nil {
		if derr := s.blobs.Delete(storedPath); derr != nil {
			s.log.Warn("compensating blob delete failed after record create error",
				slog.String("path", storedPath),
				slog.Any("error", derr),
			)
		}
		return nil, err
	}
	s.metrics.uploadsTotal.WithLabelValues("created").Inc()
	s.log.Info("file uploaded",
		slog.String("kb_id", kbID),
		slog.String("file_id", rec.ID),
		slog.String("file_name", fileName),
		slog.Int64("size", rec.Size),
	)
	return rec, nil
}

// ProcessFile runs the ingestion pipeline for one file record.
func (s *Service) ProcessFile(ctx context.Context, fileID string) (*kb.FileRecord, error) {
	start := time.Now()
	rec, err := s.pipe.Process(ctx, fileID)
	s.metrics.processDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.filesProcessedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if rec.Status == kb.StatusSucceeded {
		s.metrics.filesProcessedTotal.WithLabelValues("succeeded").Inc()
	} else {
		s.metrics.filesProcessedTotal.WithLabelValues("failed").Inc()
	}
	return rec, nil
}

// GetFile returns the file record with the given id.
func (s *Service) GetFile(ctx context.Context, fileID string) (*kb.FileRecord, error) {
	return s.meta.GetFile(ctx, fileID)
}

// GetFileByName returns the file record with the given name within a
// knowledge base.
func (s *Service) GetFileByName(ctx context.Context, kbID, fileName string) (*kb.FileRecord, error) {
	return s.meta.GetFileByName(ctx, kbID, fileName)
}

// ListFiles returns one page of a knowledge base's file records, optionally
// filtered by status, and the total matching count.
func (s *Service) ListFiles(ctx context.Context, kbID string, page, pageSize int, status kb.FileStatus) ([]*kb.FileRecord, int64, error) {
	if _, err := s.resolveKB(ctx, kbID); err != nil {
		return nil, 0, err
	}
	return s.meta.ListFiles(ctx, kbID, page, pageSize, status)
}

// DeleteFile removes one file everywhere: its vectors by payload filter, its
// metadata row, and its blob. Vector and blob deletion are best effort with
// the same reasoning as DeleteKnowledgeBase.
func (s *Service) DeleteFile(ctx context.Context, fileID string) error {
	rec, err := s.meta.GetFile(ctx, fileID)
	if err != nil {
		return err
	}

	filter := vecindex.Filter{Field: "file_id", Value: rec.ID}
	if err := s.vec.DeleteByFilter(ctx, vecindex.CollectionName(rec.KBID), filter); err != nil {
		s.log.Warn("vector deletion failed; continuing with metadata deletion",
			slog.String("file_id", rec.ID),
			slog.Any("error", err),
		)
	}
	if err := s.meta.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	if rec.StoredPath != "" {
		if err := s.blobs.Delete(rec.StoredPath); err != nil {
			s.log.Warn("blob deletion failed; orphaned file remains on disk",
				slog.String("path", rec.StoredPath),
				slog.Any("error", err),
			)
		}
	}

	s.log.Info("file deleted",
		slog.String("kb_id", rec.KBID),
		slog.String("file_id", rec.ID),
		slog.String("file_name", rec.FileName),
	)
	return nil
}

// QueryOptions overrides parts of the knowledge base's retrieval config for
// one query. Zero values keep the configured behavior.
type QueryOptions struct {
	// TopK caps the result count; 0 selects the configured top_k.
	TopK int
	// Threshold replaces the configured similarity threshold; 0 keeps it.
	// Ignored in fulltext mode, which scores keywords, not similarity.
	Threshold float32
}

// Query answers a query against one knowledge base, dispatching on its
// configured retrieval mode. A blank query is a validation error, not an
// empty result. Rerank is accepted configuration but not implemented: when
// enabled the facade logs a warning and returns the results unreranked.
func (s *Service) Query(ctx context.Context, kbID, query string, opts QueryOptions) ([]vecindex.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("service: query text must not be blank: %w", kb.ErrValidation)
	}
	base, err := s.resolveKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	mode := base.RetrievalConfig.Mode
	topK := opts.TopK
	if topK <= 0 {
		topK = base.RetrievalConfig.TopK
	}

	start := time.Now()
	var results []vecindex.Result
	switch mode {
	case kb.ModeVector:
		results, err = s.engine.AdaptiveSearch(ctx, kbID, query, retrieval.AdaptiveOptions{
			InitialThreshold: opts.Threshold,
			TargetCount:      topK,
		})
	case kb.ModeFulltext:
		results, err = s.engine.KeywordSearch(ctx, kbID, query, topK)
	case kb.ModeHybrid:
		results, err = s.engine.HybridSearch(ctx, kbID, query, retrieval.HybridOptions{
			TopK:      topK,
			Threshold: opts.Threshold,
		})
	default:
		err = fmt.Errorf("service: unknown retrieval mode %q: %w", mode, kb.ErrValidation)
	}
	s.metrics.queryDurationSeconds.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.queriesTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}
	s.metrics.queriesTotal.WithLabelValues(string(mode), "ok").Inc()

	if base.RetrievalConfig.EnableRerank {
		s.log.Warn("rerank is enabled but not implemented; returning results unreranked",
			slog.String("kb_id", kbID),
			slog.String("rerank_model", base.RetrievalConfig.RerankModel),
		)
	}
	return results, nil
}

// Ping verifies the metadata store connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.meta.Ping(ctx)
}

// Close releases the facade's vector-index connection. The metadata store
// is closed by its owner.
func (s *Service) Close() error {
	return s.vec.Close()
}
