package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// Batch processing defaults.
const (
	// defaultBatchWorkers bounds concurrent pipeline runs in a batch.
	defaultBatchWorkers = 4
	// defaultBatchRate is the sustained rate of pipeline starts per second.
	// Each run drives an embedding backend; pacing starts keeps a large
	// batch from saturating it.
	defaultBatchRate = 2
	// defaultBatchBurst allows a short initial burst of pipeline starts.
	defaultBatchBurst = 4
)

// BatchOptions tunes ProcessBatch. Zero values select the defaults.
type BatchOptions struct {
	// Workers is the maximum number of files processed concurrently.
	Workers int
	// RatePerSecond is the sustained rate of pipeline starts; 0 selects
	// defaultBatchRate, a negative value disables pacing.
	RatePerSecond float64
	// Burst is the start-rate burst size.
	Burst int
}

// BatchResult reports the outcome of one file in a batch. Exactly one of
// Record and Err is meaningful: Err is set when the run itself aborted,
// Record otherwise (including runs that ended in StatusFailed).
type BatchResult struct {
	// FileID identifies the input file record.
	FileID string
	// Record is the file record after the run.
	Record *kb.FileRecord
	// Err is the abort error, nil for completed runs.
	Err error
}

// ProcessBatch runs the ingestion pipeline for every file id, at most
// opts.Workers at a time, pacing pipeline starts with a token bucket. One
// file's failure never stops the others; results are returned in input
// order. A cancelled context aborts the files not yet started.
func (s *Service) ProcessBatch(ctx context.Context, fileIDs []string, opts BatchOptions) []BatchResult {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultBatchWorkers
	}
	var limiter *rate.Limiter
	switch {
	case opts.RatePerSecond == 0:
		limiter = rate.NewLimiter(defaultBatchRate, defaultBatchBurst)
	case opts.RatePerSecond > 0:
		burst := opts.Burst
		if burst <= 0 {
			burst = defaultBatchBurst
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	results := make([]BatchResult, len(fileIDs))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, fileID := range fileIDs {
		results[i].FileID = fileID

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				s.abortRemaining(results, i, err)
				break
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.abortRemaining(results, i, ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int, fileID string) {
			defer wg.Done()
			defer func() { <-sem }()

			s.metrics.batchActiveWorkers.Inc()
			defer s.metrics.batchActiveWorkers.Dec()

			rec, err := s.ProcessFile(ctx, fileID)
			results[i] = BatchResult{FileID: fileID, Record: rec, Err: err}
		}(i, fileID)
	}
	wg.Wait()

	var aborted int
	for _, r := range results {
		if r.Err != nil {
			aborted++
		}
	}
	s.log.Info("batch processing finished",
		slog.Int("total", len(fileIDs)),
		slog.Int("aborted", aborted),
	)
	return results
}

// abortRemaining marks results[from:] as aborted with the given cause.
func (s *Service) abortRemaining(results []BatchResult, from int, cause error) {
	for i := from; i < len(results); i++ {
		results[i].Err = fmt.Errorf("service: batch aborted: %w", cause)
	}
}
