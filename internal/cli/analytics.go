package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/coursefactory/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics",
}

// analyticsQuery wraps a query that takes --since and renders its rows.
func analyticsQuery[T any](use, short string, query func(analytics.DB, string) ([]T, error), header string, row func(T) string) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			since, _ := cmd.Flags().GetString("since")

			d, err := openDB()
			if err != nil {
				return err
			}
			defer d.Close()

			rows, err := query(d, since)
			if err != nil {
				return err
			}
			if formatFlag(cmd) == "json" {
				if rows == nil {
					rows = []T{}
				}
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No data.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, header)
			for _, r := range rows {
				fmt.Fprintln(w, row(r))
			}
			return w.Flush()
		},
	}
	c.Flags().String("since", "", "Only include events at or after this timestamp (e.g. 2026-01-01)")
	c.Flags().String("format", "text", "Output format: text or json")
	return c
}

var analyticsStageDurationCmd = analyticsQuery("stage-duration", "Average and percentile durations per stage",
	analytics.QueryStageDurations,
	"STAGE\tRUNS\tAVG(s)\tP50(s)\tP95(s)",
	func(r analytics.StageDuration) string {
		return fmt.Sprintf("%s\t%d\t%.2f\t%.2f\t%.2f", r.Stage, r.Count, r.Avg, r.P50, r.P95)
	})

var analyticsFailureRateCmd = analyticsQuery("failure-rate", "Failure and fallback rates per stage",
	analytics.QueryStageFailureRates,
	"STAGE\tATTEMPTS\tFAIL%\tFALLBACK%\tCOMMON ERROR",
	func(r analytics.StageFailureRate) string {
		kind := r.CommonKind
		if kind == "" {
			kind = "-"
		}
		return fmt.Sprintf("%s\t%d\t%.1f\t%.1f\t%s", r.Stage, r.Total, r.FailRate, r.FallbackPct, kind)
	})

var analyticsTierUsageCmd = analyticsQuery("tier-usage", "Which producer tier served each stage",
	analytics.QueryTierUsage,
	"STAGE\tTIER\tPRODUCER\tCOUNT\tSHARE%",
	func(r analytics.TierUsage) string {
		return fmt.Sprintf("%s\t%d\t%s\t%d\t%.1f", r.Stage, r.Tier, r.TierName, r.Count, r.Share)
	})

var analyticsThroughputCmd = analyticsQuery("throughput", "Jobs submitted and finished per week",
	analytics.QueryJobThroughput,
	"WEEK\tSUBMITTED\tCOMPLETED\tFAILED\tCANCELLED",
	func(r analytics.JobThroughput) string {
		return fmt.Sprintf("%s\t%d\t%d\t%d\t%d", r.Period, r.Submitted, r.Completed, r.Failed, r.Cancelled)
	})

var analyticsJobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Timeline of one job's events and stage runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		evs, err := analytics.QueryJobDetail(d, args[0])
		if err != nil {
			return err
		}
		if formatFlag(cmd) == "json" {
			if evs == nil {
				evs = []analytics.JobEvent{}
			}
			return writeJSON(cmd, evs)
		}
		if len(evs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No events for job %s.\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tEVENT\tSTAGE\tATT\tDETAIL")
		for _, e := range evs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", e.Timestamp, e.Type, e.Event, e.Stage, e.Attempt, truncate(e.Detail, 60))
		}
		return w.Flush()
	},
}

func init() {
	analyticsJobCmd.Flags().String("format", "text", "Output format: text or json")

	analyticsCmd.AddCommand(analyticsStageDurationCmd)
	analyticsCmd.AddCommand(analyticsFailureRateCmd)
	analyticsCmd.AddCommand(analyticsTierUsageCmd)
	analyticsCmd.AddCommand(analyticsThroughputCmd)
	analyticsCmd.AddCommand(analyticsJobCmd)
}
