package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// NewUploadCmd constructs the `kbase upload` command.
func NewUploadCmd() *cobra.Command {
	var process bool
	var metaPairs []string

	cmd := &cobra.Command{
		Use:   "upload <kb-name> <file>...",
		Short: "Upload files into a knowledge base",
		Long: `Upload one or more files into a knowledge base.

Uploaded files are stored and registered as PENDING; they become searchable
after processing (either --process here or 'kbase process' later).
Re-uploading a file name overwrites its content and resets it to PENDING.

Supported extensions: .txt, .md, .pdf, .docx.

Examples:
  kbase upload runbooks deploy.md oncall.md
  kbase upload wiki notes.txt --process --meta team=infra --meta tier=1`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := slog.Default()

			metadata, err := parseMetaPairs(metaPairs)
			if err != nil {
				return err
			}

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
			for _, path := range args[1:] {
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				rec, err := svc.UploadFile(ctx, base.ID, filepath.Base(path), content, metadata)
				if err != nil {
					return fmt.Errorf("upload %s: %w", path, err)
				}
				fileIDs = append(fileIDs, rec.ID)
				fmt.Printf("uploaded %s (id: %s, %d bytes)\n", rec.FileName, rec.ID, rec.Size)
			}

			if !process {
				fmt.Printf("%d file(s) pending; run 'kbase process %s' to index them\n", len(fileIDs), base.Name)
				return nil
			}

			for _, r := range svc.ProcessBatch(ctx, fileIDs, defaultBatchOptions()) {
				printBatchResult(r)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&process, "process", "p", false, "Process the files immediately after upload")
	cmd.Flags().StringArrayVar(&metaPairs, "meta", nil, "Per-file metadata as key=value (repeatable)")

	return cmd
}

// parseMetaPairs converts repeated key=value flags into a metadata map.
func parseMetaPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q, expected key=value", p)
		}
		meta[key] = value
	}
	return meta, nil
}
