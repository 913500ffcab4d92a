package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "Show every status change")
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(statusCmd)
}

var statusHistory bool

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task-id>",
	Short: "Queue a paid task for analysis",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <task-id>",
	Short: "Mark a task paid and queue it",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfirm,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	h, err := d.Payments.Enqueue(cmd.Context(), args[0], "cli")
	if err != nil {
		return err
	}
	fmt.Printf("Queued task %s as job %s\n", h.TaskID, h.JobID)
	return nil
}

func runConfirm(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	c, err := d.Payments.Confirm(cmd.Context(), args[0], "cli")
	if err != nil {
		return err
	}
	if c.JobID == "" {
		fmt.Printf("Task %s is paid; it already finished so nothing was queued\n", c.TaskID)
	} else if c.AlreadyPaid {
		fmt.Printf("Task %s was already paid; queued again as job %s\n", c.TaskID, c.JobID)
	} else {
		fmt.Printf("Task %s marked paid and queued as job %s\n", c.TaskID, c.JobID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	s, err := d.Tracker.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", args[0], s)
	if !statusHistory {
		return nil
	}

	history, err := d.Store.StatusHistory(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nSTATUS\tAT")
	for _, h := range history {
		fmt.Fprintf(w, "%s\t%s\n", h.Status, h.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
