package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Search indexed documents",
	Long: `Rank indexed chunks against the query. With --answer a reply is composed
from the top chunks, by the text-generation service when one is configured
and extractively otherwise.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")
		answer, _ := cmd.Flags().GetBool("answer")
		q := strings.Join(args, " ")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if answer {
			ans, err := a.retrieval.Answer(cmd.Context(), q, k)
			if err != nil {
				return err
			}
			if formatFlag(cmd) == "json" {
				return writeJSON(cmd, ans)
			}
			fmt.Fprintln(out, ans.Text)
			fmt.Fprintf(out, "\n(%s)\n", ans.TierName)
			for i, s := range ans.Sources {
				fmt.Fprintf(out, "  [%d] %s (%.3f)\n", i+1, s.Chunk.ID, s.Score)
			}
			return nil
		}

		hits, err := a.retrieval.Retrieve(cmd.Context(), q, k)
		if err != nil {
			return err
		}
		if formatFlag(cmd) == "json" {
			return writeJSON(cmd, hits)
		}
		if len(hits) == 0 {
			fmt.Fprintln(out, "No matches.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tCHUNK\tTEXT")
		for _, h := range hits {
			text := strings.Join(strings.Fields(h.Chunk.Text), " ")
			fmt.Fprintf(w, "%.3f\t%s\t%s\n", h.Score, h.Chunk.ID, truncate(text, 70))
		}
		return w.Flush()
	},
}

func init() {
	queryCmd.Flags().Int("k", 0, "Number of results (default: retrieval.default_k)")
	queryCmd.Flags().Bool("answer", false, "Compose an answer from the top results")
	queryCmd.Flags().String("format", "text", "Output format: text or json")
}
