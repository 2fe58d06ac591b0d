package commands

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kbase-ai/kbase-go/internal/retrieval"
	"github.com/kbase-ai/kbase-go/internal/service"
)

// NewQueryCmd constructs the `kbase query` command.
func NewQueryCmd() *cobra.Command {
	var expand bool
	var showText bool
	var topK int
	var threshold float32

	cmd := &cobra.Command{
		Use:   "query <kb-name> <text>...",
		Short: "Query a knowledge base",
		Long: `Answer a query against a knowledge base using its configured retrieval
mode (vector, fulltext, or hybrid).

With --expand the query is first widened with synonyms before retrieval,
which trades precision for recall.

Examples:
  kbase query runbooks how do I roll back a deploy
  kbase query wiki --expand --show-text replication lag`,
		Args: cobra.MinimumNArgs(2),
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

			query := strings.Join(args[1:], " ")
			if expand {
				expanded := retrieval.ExpandQuery(query, "", retrieval.ExpandOptions{UseSynonyms: true})
				if expanded != query {
					fmt.Printf("expanded query: %s\n", expanded)
					query = expanded
				}
			}

			results, err := svc.Query(ctx, base.ID, query, service.QueryOptions{
				TopK:      topK,
				Threshold: threshold,
			})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("no results")
				return nil
			}

			for i, r := range results {
				fmt.Printf("%2d. [%.3f] %s #%d\n", i+1, r.Score, r.Payload.Source, r.Payload.ChunkIndex)
				if showText {
					fmt.Printf("    %s\n", strings.ReplaceAll(r.Payload.Text, "\n", "\n    "))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&expand, "expand", "e", false, "Expand the query with synonyms before retrieval")
	cmd.Flags().BoolVarP(&showText, "show-text", "t", false, "Print the chunk text of each result")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Maximum results for this query (default: the knowledge base's top_k)")
	cmd.Flags().Float32Var(&threshold, "threshold", 0, "Similarity threshold for this query (default: the knowledge base's threshold)")

	return cmd
}
