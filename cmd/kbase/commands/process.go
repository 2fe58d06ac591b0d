package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kbase-ai/kbase-go/internal/config"
	"github.com/kbase-ai/kbase-go/internal/kb"
	"github.com/kbase-ai/kbase-go/internal/service"
)

// NewProcessCmd constructs the `kbase process` command.
func NewProcessCmd() *cobra.Command {
	var workers int
	var retryFailed bool

	cmd := &cobra.Command{
		Use:   "process <kb-name> [file-name]...",
		Short: "Run the ingestion pipeline for pending files",
		Long: `Chunk, embed, and index uploaded files.

Without file names, every PENDING file in the knowledge base is processed.
With file names, exactly those files are processed regardless of status,
which also re-processes FAILED or changed files.

Examples:
  kbase process runbooks
  kbase process runbooks deploy.md
  kbase process wiki --retry-failed --workers 8`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := slog.Default()

			svc, cleanup, err := buildService(ctx, log)
			if err != nil {
				return err
			}
			defer cleanup()

			base, err := resolveKB(ctx, svc, args[0])
			if err != nil {
				return err
			}

			var fileIDs []string
			if names := args[1:]; len(names) > 0 {
				for _, name := range names {
					rec, err := svc.GetFileByName(ctx, base.ID, name)
					if err != nil {
						return fmt.Errorf("file %q: %w", name, err)
					}
					fileIDs = append(fileIDs, rec.ID)
				}
			} else {
				fileIDs, err = collectByStatus(ctx, svc, base.ID, kb.StatusPending)
				if err != nil {
					return err
				}
				if retryFailed {
					failed, err := collectByStatus(ctx, svc, base.ID, kb.StatusFailed)
					if err != nil {
						return err
					}
					fileIDs = append(fileIDs, failed...)
				}
			}
			if len(fileIDs) == 0 {
				fmt.Println("nothing to process")
				return nil
			}

			opts := defaultBatchOptions()
			if cmd.Flags().Changed("workers") {
				opts.Workers = workers
			}

			fmt.Printf("processing %d file(s)\n", len(fileIDs))
			var failures int
			for _, r := range svc.ProcessBatch(ctx, fileIDs, opts) {
				printBatchResult(r)
				if r.Err != nil || (r.Record != nil && r.Record.Status != kb.StatusSucceeded) {
					failures++
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d file(s) did not succeed", failures, len(fileIDs))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent pipeline runs (default: KBASE_BATCH_WORKERS)")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Also re-process FAILED files")

	return cmd
}

// collectByStatus pages through a knowledge base's files and returns the ids
// of those in the given status.
func collectByStatus(ctx context.Context, svc *service.Service, kbID string, status kb.FileStatus) ([]string, error) {
	const pageSize = 100
	var ids []string
	for page := 1; ; page++ {
		recs, total, err := svc.ListFiles(ctx, kbID, page, pageSize, status)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			ids = append(ids, r.ID)
		}
		if int64(page*pageSize) >= total || len(recs) == 0 {
			return ids, nil
		}
	}
}

// defaultBatchOptions derives batch options from the environment.
func defaultBatchOptions() service.BatchOptions {
	return service.BatchOptions{Workers: config.FromEnv().BatchWorkers}
}

// printBatchResult prints one batch outcome line.
func printBatchResult(r service.BatchResult) {
	switch {
	case r.Err != nil:
		fmt.Printf("  %s: error: %v\n", r.FileID, r.Err)
	case r.Record.Status == kb.StatusSucceeded:
		fmt.Printf("  %s: %s (%d chunks)\n", r.Record.FileName, r.Record.Status, r.Record.ChunkCount)
	default:
		fmt.Printf("  %s: %s (%s)\n", r.Record.FileName, r.Record.Status, r.Record.FailedReason)
	}
}
