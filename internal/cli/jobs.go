package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/car-repair/estimator/internal/domain"
)

func init() {
	jobsCmd.Flags().StringVar(&jobsState, "state", "", "Filter by state (pending, delayed, active, completed, failed)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to show")
	pruneCmd.Flags().IntVar(&pruneKeepCompleted, "keep-completed", 100, "Completed jobs to keep")
	pruneCmd.Flags().IntVar(&pruneKeepFailed, "keep-failed", 50, "Failed jobs to keep")
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(pruneCmd)
}

var (
	jobsState          string
	jobsLimit          int
	pruneKeepCompleted int
	pruneKeepFailed    int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List queued and finished jobs",
	RunE:  runJobs,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old finished jobs and expired tokens",
	RunE:  runPrune,
}

func runJobs(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	jobs, err := d.Store.ListJobs(ctx, domain.JobState(jobsState), jobsLimit)
	if err != nil {
		return err
	}
	stats, err := d.Store.QueueStats(ctx)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTASK\tSTATE\tATTEMPT\tRUN AT\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				shortID(j.ID),
				shortID(j.TaskID),
				j.State,
				j.Attempt, j.MaxAttempts,
				j.RunAt.Local().Format("2006-01-02 15:04:05"),
				truncate(j.LastError, 60),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Println()
	for _, s := range domain.JobStates {
		fmt.Printf("%s=%d ", s, stats[s])
	}
	fmt.Println()
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	jobs, err := d.Store.Prune(ctx, pruneKeepCompleted, pruneKeepFailed)
	if err != nil {
		return err
	}
	tokens, err := d.Tokens.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d jobs and %d expired tokens\n", jobs, tokens)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
