package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
)

var submitCmd = &cobra.Command{
	Use:   "submit [domain]",
	Short: "Submit a course or knowledge-base job",
	Long: `Submit a job and place it on the work queue.

A course job takes the subject domain as its argument:

  factory submit "Python Programming" --set lesson_count=3

A knowledge-base job takes one or more documents:

  factory submit --kind knowledge_base --doc notes.md --doc guide.txt

Overrides (--set key=value) accept model, resolution (WxH), fps,
lesson_count and test_mode. Use --run to drive the job to a terminal or
held status in this process instead of waiting for a worker.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		docs, _ := cmd.Flags().GetStringArray("doc")
		sets, _ := cmd.Flags().GetStringArray("set")
		runNow, _ := cmd.Flags().GetBool("run")

		overrides, err := parseOverrides(sets)
		if err != nil {
			return err
		}
		opts := orchestrator.SubmitOpts{Kind: kind, Overrides: overrides}
		if len(args) == 1 {
			opts.Domain = args[0]
		}
		for _, p := range docs {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", p, err)
			}
			opts.Documents = append(opts.Documents, job.Document{Path: abs})
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		j, err := a.orch.Submit(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if runNow {
			a.executor.SetProgress(cmd.ErrOrStderr())
			if _, err := a.orch.Run(cmd.Context(), j.ID); err != nil {
				return err
			}
		}
		info, err := a.orch.Status(cmd.Context(), j.ID)
		if err != nil {
			return err
		}
		if formatFlag(cmd) == "json" {
			return writeJSON(cmd, info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s job %s (%s)\n", info.Kind, info.ID, info.Status)
		return nil
	},
}

// parseOverrides turns key=value pairs into an override map. Values that
// parse as JSON keep their JSON type; anything else is a string.
func parseOverrides(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid override %q: want key=value", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		out[k] = parsed
	}
	return out, nil
}

var advanceCmd = &cobra.Command{
	Use:   "advance <job-id>",
	Short: "Run one round of ready stages for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		a.executor.SetProgress(cmd.ErrOrStderr())
		res, err := a.orch.Advance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printAdvance(cmd, res)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Advance a job until nothing more can be dispatched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		a.executor.SetProgress(cmd.ErrOrStderr())
		res, err := a.orch.Run(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printAdvance(cmd, res)
	},
}

func printAdvance(cmd *cobra.Command, res *orchestrator.AdvanceResult) error {
	if formatFlag(cmd) == "json" {
		return writeJSON(cmd, res)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Job %s: %s (%s)\n", res.JobID, res.Action, res.Status)
	if len(res.Succeeded) > 0 {
		fmt.Fprintf(w, "  Succeeded: %s\n", strings.Join(res.Succeeded, ", "))
	}
	if len(res.Failed) > 0 {
		fmt.Fprintf(w, "  Failed:    %s\n", strings.Join(res.Failed, ", "))
	}
	if len(res.Dispatched) > 0 {
		fmt.Fprintf(w, "  Next:      %s\n", strings.Join(res.Dispatched, ", "))
	}
	if res.Message != "" {
		fmt.Fprintf(w, "  %s\n", res.Message)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show detailed job status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.orch.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if formatFlag(cmd) == "json" {
			return writeJSON(cmd, info)
		}
		printStatus(cmd.OutOrStdout(), info)
		return nil
	},
}

func printStatus(out io.Writer, info *orchestrator.StatusInfo) {
	fmt.Fprintf(out, "Job %s (%s)\n", info.ID, info.Kind)
	fmt.Fprintf(out, "  Status:    %s (%d%%)\n", info.Status, info.Percent)
	if info.Domain != "" {
		fmt.Fprintf(out, "  Domain:    %s\n", info.Domain)
	}
	if info.Documents > 0 {
		fmt.Fprintf(out, "  Documents: %d\n", info.Documents)
	}
	if len(info.CurrentStages) > 0 {
		fmt.Fprintf(out, "  Running:   %s\n", strings.Join(info.CurrentStages, ", "))
	}
	if info.TestMode {
		fmt.Fprintln(out, "  Test mode: on")
	}
	if info.Failure != "" {
		fmt.Fprintf(out, "  Failure:   %s: %s\n", info.FailedStage, info.Failure)
	}
	fmt.Fprintf(out, "  Created:   %s\n", info.CreatedAt)
	fmt.Fprintf(out, "  Updated:   %s\n", info.UpdatedAt)

	if len(info.Stages) > 0 {
		fmt.Fprintln(out, "  Stages:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "    STAGE\tSTATE\tATT\tTIER\tDURATION\tARTIFACTS")
		for _, s := range info.Stages {
			tier := ""
			if s.TierName != "" {
				tier = fmt.Sprintf("%d:%s", s.Tier, s.TierName)
			}
			fmt.Fprintf(w, "    %s\t%s\t%d\t%s\t%s\t%d\n", s.Stage, s.State, s.Attempts, tier, s.Duration, s.Artifacts)
		}
		w.Flush()
	}
	if len(info.Errors) > 0 {
		fmt.Fprintln(out, "  Errors:")
		for _, e := range info.Errors {
			fmt.Fprintf(out, "    [%s] %s tier %d attempt %d (%s): %s\n", e.At.Format(time.RFC3339), e.Stage, e.Tier, e.Attempt, e.Kind, truncate(e.Message, 100))
		}
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		filter, ok := job.ParseStatus(statusFilter)
		if !ok {
			return fmt.Errorf("unknown status %q", statusFilter)
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		infos, err := a.orch.StatusAll(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if formatFlag(cmd) == "json" {
			return writeJSON(cmd, infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tRUNNING\tSUBJECT")
		for _, info := range infos {
			subject := info.Domain
			if info.Kind == config.KindKnowledgeBase {
				subject = fmt.Sprintf("%d document(s)", info.Documents)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
				info.ID, info.Kind, info.Status, info.Percent,
				strings.Join(info.CurrentStages, ","), truncate(subject, 40))
		}
		return w.Flush()
	},
}

// operatorCmd builds cancel, retry and fail, which share a shape.
func operatorCmd(use, short, verb string, op func(*app, *cobra.Command, string, string) (*job.Job, error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := op(a, cmd, args[0], reason)
			if err != nil {
				return err
			}
			if formatFlag(cmd) == "json" {
				return writeJSON(cmd, j)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s (%s)\n", j.ID, verb, j.Status)
			return nil
		},
	}
	c.Flags().String("reason", "", "Reason recorded in the job's event log")
	c.Flags().String("format", "text", "Output format: text or json")
	return c
}

var cancelCmd = operatorCmd("cancel", "Cancel a job", "cancel requested",
	func(a *app, cmd *cobra.Command, id, reason string) (*job.Job, error) {
		return a.orch.Cancel(cmd.Context(), id, reason)
	})

var retryCmd = operatorCmd("retry", "Retry the failed stages of a held job", "requeued",
	func(a *app, cmd *cobra.Command, id, reason string) (*job.Job, error) {
		return a.orch.Retry(cmd.Context(), id, reason)
	})

var failCmd = operatorCmd("fail", "Fail a held job", "failed",
	func(a *app, cmd *cobra.Command, id, reason string) (*job.Job, error) {
		return a.orch.Fail(cmd.Context(), id, reason)
	})

var artifactsCmd = &cobra.Command{
	Use:   "artifacts <job-id> <stage>",
	Short: "List the artifacts a stage produced",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		arts, err := a.orch.Artifacts(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if formatFlag(cmd) == "json" {
			return writeJSON(cmd, arts)
		}
		if len(arts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No artifacts.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tTYPE\tSIZE\tTIER\tPATH")
		for _, art := range arts {
			path, err := a.store.ArtifactPath(args[0], art.Ref)
			if err != nil {
				path = art.Ref
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d:%s\t%s\n", art.Name, art.Kind, art.MediaType, art.Size, art.Tier, art.TierName, path)
		}
		return w.Flush()
	},
}

func init() {
	submitCmd.Flags().String("kind", config.KindCourse, "Job kind: course or knowledge_base")
	submitCmd.Flags().StringArray("doc", nil, "Document to include in a knowledge-base job (repeatable)")
	submitCmd.Flags().StringArray("set", nil, "Override a course option: key=value (repeatable)")
	submitCmd.Flags().Bool("run", false, "Run the job in this process after submitting")
	listCmd.Flags().String("status", "", "Only list jobs with this status")

	for _, c := range []*cobra.Command{submitCmd, advanceCmd, runCmd, statusCmd, listCmd, artifactsCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
	}
}
