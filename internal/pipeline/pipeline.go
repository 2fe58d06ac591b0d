// Package pipeline drives the file-processing state machine: it turns an
// uploaded document into searchable vectors by loading, chunking, embedding,
// and upserting, persisting the file record's status at every stage boundary.
// A stage failure lands on the record (status FAILED plus a human-readable
// reason) instead of propagating to the trigger's caller; discovery of
// failures is by polling or listing, never by a raised error.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kbase-ai/kbase-go/internal/embedder"
	"github.com/kbase-ai/kbase-go/internal/kb"
	"github.com/kbase-ai/kbase-go/internal/loader"
	"github.com/kbase-ai/kbase-go/internal/splitter"
	"github.com/kbase-ai/kbase-go/internal/vecindex"
)

// MetadataStore is the subset of the metadata store the pipeline needs.
type MetadataStore interface {
	GetFile(ctx context.Context, id string) (*kb.FileRecord, error)
	GetKB(ctx context.Context, id string) (*kb.KnowledgeBase, error)
	UpdateFileStatus(ctx context.Context, id string, status kb.FileStatus, reason string, chunkCount int) error
}

// EmbedderFactory builds an embedding client for a knowledge base's model.
type EmbedderFactory func(model string) (embedder.Service, error)

// Pipeline orchestrates the load → chunk → embed → upsert flow for one
// file record at a time. Safe for concurrent use across distinct records.
type Pipeline struct {
	// meta persists file-record status transitions.
	meta MetadataStore
	// vec receives the embedded chunks.
	vec vecindex.Index
	// newEmbedder builds the per-knowledge-base embedding client.
	newEmbedder EmbedderFactory
	// loaders selects the document parser by extension.
	loaders *loader.Registry
	// log is the structured logger.
	log *slog.Logger
}

// New constructs a Pipeline from the provided dependencies.
func New(meta MetadataStore, vec vecindex.Index, newEmbedder EmbedderFactory, loaders *loader.Registry, log *slog.Logger) (*Pipeline, error) {
	if meta == nil {
		return nil, fmt.Errorf("pipeline: metadata store must not be nil")
	}
	if vec == nil {
		return nil, fmt.Errorf("pipeline: vector index must not be nil")
	}
	if newEmbedder == nil {
		return nil, fmt.Errorf("pipeline: embedder factory must not be nil")
	}
	if loaders == nil {
		loaders = loader.NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{meta: meta, vec: vec, newEmbedder: newEmbedder, loaders: loaders, log: log}, nil
}

// Process runs all stages for one file record, from PARSING onward. Invoking
// it on a SUCCEEDED or FAILED record re-runs everything, recomputing the
// chunk count and overwriting vector points that share the deterministic
// chunk id. Points left over from a larger prior chunking are not purged,
// a known consistency gap that is deliberately not papered over here.
//
// The returned error covers only record lookup and status persistence;
// stage failures are recorded on the FileRecord instead.
func (p *Pipeline) Process(ctx context.Context, fileID string) (*kb.FileRecord, error) {
	rec, err := p.meta.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	base, err := p.meta.GetKB(ctx, rec.KBID)
	if err != nil {
		return nil, err
	}

	log := p.log.With(slog.String("file_id", rec.ID), slog.String("kb_id", base.ID), slog.String("file", rec.FileName))

	// PARSING: load raw content and chunk it.
	if err := p.transition(ctx, rec, kb.StatusParsing, "", rec.ChunkCount); err != nil {
		return nil, err
	}
	chunks, res := p.parse(rec, base)
	if res != nil {
		return p.fail(ctx, rec, res)
	}
	log.Debug("parsed and chunked", slog.Int("chunks", len(chunks)))

	// PERSISTING: embed every chunk and upsert the points.
	if err := p.transition(ctx, rec, kb.StatusPersisting, "", rec.ChunkCount); err != nil {
		return nil, err
	}
	if res := p.persist(ctx, rec, base, chunks); res != nil {
		return p.fail(ctx, rec, res)
	}

	// SUCCEEDED: record the upserted chunk count, clear any prior reason.
	if err := p.transition(ctx, rec, kb.StatusSucceeded, "", len(chunks)); err != nil {
		return nil, err
	}
	log.Info("file processed", slog.Int("chunks", len(chunks)))
	return p.meta.GetFile(ctx, fileID)
}

// stageFailure carries the failing stage name and cause to fail().
type stageFailure struct {
	// stage names the pipeline stage for the persisted reason.
	stage string
	// err is the underlying cause.
	err error
}

// parse runs the PARSING stage: select the loader by extension, extract
// text, and chunk it per the knowledge base's config and script policy.
func (p *Pipeline) parse(rec *kb.FileRecord, base *kb.KnowledgeBase) ([]string, *stageFailure) {
	docs, err := p.loaders.Load(rec.Extension, rec.StoredPath)
	if err != nil {
		return nil, &stageFailure{stage: "parsing", err: err}
	}

	var sb strings.Builder
	for _, d := range docs {
		sb.WriteString(d.Content)
		sb.WriteString("\n")
	}

	chunks := splitter.Split(sb.String(), base.ChunkConfig)
	if len(chunks) == 0 {
		return nil, &stageFailure{stage: "parsing", err: fmt.Errorf("document produced no chunks")}
	}
	return chunks, nil
}

// persist runs the PERSISTING stage: batch-embed all chunks and upsert them
// into the knowledge base's collection.
func (p *Pipeline) persist(ctx context.Context, rec *kb.FileRecord, base *kb.KnowledgeBase, chunks []string) *stageFailure {
	emb, err := p.newEmbedder(base.EmbeddingModel)
	if err != nil {
		return &stageFailure{stage: "persisting", err: err}
	}

	vectors, err := emb.EmbedDocuments(ctx, chunks)
	if err != nil {
		return &stageFailure{stage: "persisting", err: err}
	}
	if len(vectors) != len(chunks) {
		return &stageFailure{stage: "persisting", err: fmt.Errorf("embedding count %d does not match chunk count %d", len(vectors), len(chunks))}
	}

	points := make([]vecindex.Point, 0, len(chunks))
	for i, text := range chunks {
		points = append(points, vecindex.Point{
			ID:     vecindex.ChunkPointID(rec.ID, i),
			Vector: vectors[i],
			Payload: vecindex.ChunkPayload{
				Text:       text,
				FileID:     rec.ID,
				KBID:       base.ID,
				Source:     rec.FileName,
				ChunkIndex: i,
				Extra:      rec.Metadata,
			},
		})
	}

	if err := p.vec.Upsert(ctx, vecindex.CollectionName(base.ID), points); err != nil {
		return &stageFailure{stage: "persisting", err: err}
	}
	return nil
}

// transition persists a status change; its error means the metadata store
// itself failed, which does abort processing.
func (p *Pipeline) transition(ctx context.Context, rec *kb.FileRecord, status kb.FileStatus, reason string, chunkCount int) error {
	if err := p.meta.UpdateFileStatus(ctx, rec.ID, status, reason, chunkCount); err != nil {
		return fmt.Errorf("pipeline: persist %s for %s: %w", status, rec.ID, err)
	}
	rec.Status = status
	return nil
}

// fail marks the record FAILED with a human-readable reason and returns the
// refreshed record. Per the error-handling contract the stage error is not
// re-raised; the record never rolls back to PENDING.
func (p *Pipeline) fail(ctx context.Context, rec *kb.FileRecord, f *stageFailure) (*kb.FileRecord, error) {
	reason := fmt.Sprintf("%s: %v", f.stage, f.err)
	p.log.Warn("file processing failed",
		slog.String("file_id", rec.ID),
		slog.String("stage", f.stage),
		slog.Any("error", f.err),
	)
	if err := p.transition(ctx, rec, kb.StatusFailed, reason, rec.ChunkCount); err != nil {
		return nil, err
	}
	return p.meta.GetFile(ctx, rec.ID)
}
