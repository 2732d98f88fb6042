package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/handoff-go/internal/logging"
	"github.com/54b3r/handoff-go/internal/retrieval"
)

// NewQueryCmd constructs the `handoff query` command for one-shot retrieval
// against the configured index backend.
func NewQueryCmd() *cobra.Command {
	var indexName string
	var topK int

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the index and print scored results",
		Long: `Run a single retrieval query against the index backend and print the
matching chunks with their scores and source files. Useful for checking what
the chat and report endpoints would see as grounding context.

Examples:
  handoff query "deployment rollback procedure"
  handoff query --index project-atlas --top-k 10 "on-call escalation"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			backend, _, err := buildBackend(ctx, log)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer backend.Close()

			orchestrator := retrieval.New(backend)
			result, err := orchestrator.AnswerContext(ctx, indexName, strings.Join(args, " "), topK)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			if len(result.Chunks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no results")
				return nil
			}

			out := cmd.OutOrStdout()
			for i, hit := range result.Chunks {
				fmt.Fprintf(out, "%d. [%.3f] %s", i+1, hit.Score, hit.SourceFile)
				if hit.RelatedSection != "" {
					fmt.Fprintf(out, " (%s)", hit.RelatedSection)
				}
				fmt.Fprintln(out)
				if hit.ChunkSummary != "" {
					fmt.Fprintf(out, "   %s\n", hit.ChunkSummary)
				}
				fmt.Fprintf(out, "   %s\n", clip(hit.Content, 200))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&indexName, "index", "i", "", "Index to search (default: the default index)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", retrieval.DefaultTopK, "Number of results to return")

	return cmd
}

// clip shortens s to at most n runes for single-line display.
func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
