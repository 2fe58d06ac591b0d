package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewDeleteCmd constructs the `kbase delete` command.
func NewDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <kb-name> [file-name]",
		Short: "Delete a knowledge base, or one file from it",
		Long: `Delete a whole knowledge base (its files, vectors, and blobs) or a single
file from it. Vector and blob deletion are best effort: failures are logged
and the metadata deletion proceeds.

Examples:
  kbase delete runbooks
  kbase delete runbooks deploy.md`,
		Args: cobra.RangeArgs(1, 2),
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

			if len(args) == 2 {
				rec, err := svc.GetFileByName(ctx, base.ID, args[1])
				if err != nil {
					return fmt.Errorf("file %q: %w", args[1], err)
				}
				if err := svc.DeleteFile(ctx, rec.ID); err != nil {
					return err
				}
				fmt.Printf("deleted %s from %s\n", rec.FileName, base.Name)
				return nil
			}

			if err := svc.DeleteKnowledgeBase(ctx, base.ID); err != nil {
				return err
			}
			fmt.Printf("deleted knowledge base %s\n", base.Name)
			return nil
		},
	}

	return cmd
}
