package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cswartzvi/prefect/internal/journal"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent flow runs from the local journal",
	Long: `List the flow runs this agent dispatched, newest first.

The listing comes from the local run journal, so it works without the
orchestration service.`,
	RunE: runRuns,
}

var runsLimit int

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20,
		"maximum number of runs to list")
}

func runRuns(_ *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	jrnl, err := journal.NewSQLiteJournal(cfg.Runner.JournalPath)
	if err != nil {
		return fmt.Errorf("opening run journal: %w", err)
	}
	defer func() { _ = jrnl.Close() }()

	records, err := jrnl.Recent(context.Background(), runsLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tFLOW\tSTATE\tPID\tDISPATCHED\tREASON")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.RunID, rec.FlowName, rec.State, rec.PID,
			rec.DispatchedAt.Format("2006-01-02 15:04:05"), rec.Reason)
	}
	return w.Flush()
}
