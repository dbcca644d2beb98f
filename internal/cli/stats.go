package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/auditkit/auditkit/internal/query"
	"github.com/auditkit/auditkit/pkg/color"
)

var (
	statsSince string
	statsUntil string
	statsAll   bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize audit events over a period",
	Long: `Summarize audit events by operation, actor type, entity type and source.

Examples:
  auditkit stats --since 2024-01-01 --until 2024-01-31
  auditkit stats --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		period, err := parsePeriod(statsSince, statsUntil)
		if err != nil {
			return err
		}

		ctx := context.Background()
		engine := newEngine(cfg)
		var stats *query.Stats
		if statsAll {
			stats, err = engine.StatisticsAll(ctx, period)
		} else {
			stats, err = engine.Statistics(ctx, period)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, stats)
		}
		fmt.Fprintf(out, "%s %d\n", color.Header("Total operations:"), stats.TotalOperations)
		printCounts(out, "By operation", stats.OperationsByType)
		printCounts(out, "By actor type", stats.OperationsByActor)
		printCounts(out, "By entity type", stats.OperationsByEntity)
		printCounts(out, "By source", stats.OperationsBySource)
		return nil
	},
}

func printCounts[K ~string](w io.Writer, title string, counts map[K]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n%s\n", color.Header(title+":"))
	for _, k := range keys {
		fmt.Fprintf(w, "  %-16s %d\n", k, counts[K(k)])
	}
}

func init() {
	statsCmd.Flags().StringVar(&statsSince, "since", "", "start of the period (RFC3339 or YYYY-MM-DD)")
	statsCmd.Flags().StringVar(&statsUntil, "until", "", "end of the period (RFC3339 or YYYY-MM-DD)")
	statsCmd.Flags().BoolVar(&statsAll, "all", false, "include every rotated generation")
	rootCmd.AddCommand(statsCmd)
}
