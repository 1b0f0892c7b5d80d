package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/coursefactory/internal/db"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the job work queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <job-id>...",
	Short: "Add existing jobs to the queue",
	Long: `Add jobs to the queue so a worker picks them up. Submitting a job already
queues it; this is for jobs whose queue row was removed or cleared.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		items := make([]db.QueueAddItem, 0, len(args))
		for _, id := range args {
			j, err := a.store.Get(id)
			if err != nil {
				return err
			}
			if j.Status.Terminal() {
				return fmt.Errorf("job %s is %s and cannot be queued", id, j.Status)
			}
			items = append(items, db.QueueAddItem{JobID: j.ID, Kind: j.Kind, Priority: priority})
		}
		if err := a.db.QueueAdd(items); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Added %d job(s) to the queue\n", len(items))
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all items in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		items, err := d.QueueList()
		if err != nil {
			return err
		}

		if formatFlag(cmd) == "json" {
			return writeJSON(cmd, items)
		}

		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "POS\tJOB\tKIND\tSTATUS\tPRI\tOWNER\tLEASES\tADDED")
		for _, item := range items {
			owner := item.LeaseOwner
			if owner == "" {
				owner = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
				item.Position, item.JobID, item.Kind, item.Status, item.Priority, owner, item.Leases, item.AddedAt)
		}
		return w.Flush()
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a job from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.QueueRemove(args[0]); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s from the queue\n", args[0])
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all items from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("use --confirm to clear the entire queue")
		}

		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		count, err := d.QueueClear()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d item(s) from the queue\n", count)
		return nil
	},
}

func init() {
	queueAddCmd.Flags().Int("priority", 0, "Queue priority; higher runs first")
	queueListCmd.Flags().String("format", "table", "Output format: table or json")
	queueClearCmd.Flags().Bool("confirm", false, "Confirm clearing the entire queue")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
}
