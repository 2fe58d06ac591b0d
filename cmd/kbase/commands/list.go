package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kbase-ai/kbase-go/internal/kb"
)

// NewListCmd constructs the `kbase list` command.
func NewListCmd() *cobra.Command {
	var status string
	var page int
	var pageSize int

	cmd := &cobra.Command{
		Use:   "list [kb-name]",
		Short: "List knowledge bases, or the files of one",
		Long: `Without arguments, list all knowledge bases. With a knowledge base name,
list its files, optionally filtered by status.

Examples:
  kbase list
  kbase list runbooks
  kbase list runbooks --status FAILED`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := slog.Default()

			svc, cleanup, err := buildService(ctx, log)
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 0 {
				bases, total, err := svc.ListKnowledgeBases(ctx, page, pageSize)
				if err != nil {
					return err
				}
				if total == 0 {
					fmt.Println("no knowledge bases")
					return nil
				}
				for _, b := range bases {
					fmt.Printf("%-24s %s  mode=%s  model=%s\n", b.Name, b.ID, b.RetrievalConfig.Mode, b.EmbeddingModel)
				}
				fmt.Printf("%d of %d knowledge base(s)\n", len(bases), total)
				return nil
			}

			base, err := resolveKB(ctx, svc, args[0])
			if err != nil {
				return err
			}
			filter := kb.FileStatus(status)
			if status != "" && !filter.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			recs, total, err := svc.ListFiles(ctx, base.ID, page, pageSize, filter)
			if err != nil {
				return err
			}
			if total == 0 {
				fmt.Println("no files")
				return nil
			}
			for _, r := range recs {
				line := fmt.Sprintf("%-32s %-10s %8d bytes  %d chunks", r.FileName, r.Status, r.Size, r.ChunkCount)
				if r.Status == kb.StatusFailed && r.FailedReason != "" {
					line += "  (" + r.FailedReason + ")"
				}
				fmt.Println(line)
			}
			fmt.Printf("%d of %d file(s)\n", len(recs), total)
			return nil
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter files by status (PENDING, PARSING, PERSISTING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "Page size")

	return cmd
}

// NewStatsCmd constructs the `kbase stats` command.
func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <kb-name>",
		Short: "Show the statistics of a knowledge base",
		Args:  cobra.ExactArgs(1),
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
			stats, err := svc.Stats(ctx, base.ID)
			if err != nil {
				return err
			}

			fmt.Printf("%s (id: %s)\n", base.Name, base.ID)
			fmt.Printf("  documents: %d\n", stats.DocumentCount)
			fmt.Printf("  total size: %d bytes\n", stats.TotalSize)
			return nil
		},
	}
}
