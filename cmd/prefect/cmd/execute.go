package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cswartzvi/prefect/internal/runner"
)

var executeCmd = &cobra.Command{
	Use:   "execute <flow-run-id>",
	Short: "Execute a single flow run synchronously",
	Long: `Execute one flow run and block until its process exits.

The run's deployment is fetched from the orchestration service and its
code is staged before the process starts. The command exits non-zero
when the process terminates abnormally.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func init() {
	rootCmd.AddCommand(executeCmd)
}

func runExecute(_ *cobra.Command, args []string) error {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid flow run ID %q: %w", args[0], err)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	api := newAPIClient(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rnr := runner.New(runner.Config{
		Name:                 cfg.Runner.Name,
		Limit:                cfg.Runner.ProcessLimit,
		PollInterval:         cfg.Runner.PollInterval,
		CancellationInterval: cfg.Runner.CancellationInterval,
	}, api, newExecutor(cfg, logger), logger)

	// The run's deployment must be known to the runner before dispatch so
	// its code directory can be resolved.
	run, err := api.ReadFlowRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("reading flow run: %w", err)
	}
	dep, err := api.ReadDeployment(ctx, run.DeploymentID)
	if err != nil {
		return fmt.Errorf("reading deployment: %w", err)
	}
	if err := rnr.RegisterDeployment(ctx, dep, nil); err != nil {
		return fmt.Errorf("registering deployment %s: %w", dep.FullName(), err)
	}

	status, err := rnr.Execute(ctx, runID)
	if err != nil {
		return err
	}
	if status.Abnormal() {
		return fmt.Errorf("flow run %s %s", runID, status)
	}
	fmt.Printf("Flow run %s %s\n", runID, status)
	return nil
}
