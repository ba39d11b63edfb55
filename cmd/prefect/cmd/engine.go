package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cswartzvi/prefect/internal/client"
	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/logging"
	"github.com/cswartzvi/prefect/internal/runner"
)

// apiReportTimeout bounds terminal-state reports made after the child has
// already exited.
const apiReportTimeout = 10 * time.Second

// engineCmd is the entrypoint of the spawned flow run process. The runner
// invokes it with the run identity and service location in the environment;
// it is hidden because operators never call it directly.
var engineCmd = &cobra.Command{
	Use:    "engine",
	Short:  "Execute a flow run process (internal)",
	Hidden: true,
	RunE:   runEngine,
}

func init() {
	rootCmd.AddCommand(engineCmd)
}

func runEngine(_ *cobra.Command, _ []string) error {
	runID, err := uuid.Parse(os.Getenv(runner.EnvFlowRunID))
	if err != nil {
		return fmt.Errorf("%s is not a valid flow run ID: %w", runner.EnvFlowRunID, err)
	}
	apiURL := os.Getenv(runner.EnvAPIURL)
	if apiURL == "" {
		return fmt.Errorf("%s is not set", runner.EnvAPIURL)
	}

	logger := logging.New(logging.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stderr,
	}).WithFlowRun(runID.String())

	opts := []client.Option{}
	if key := os.Getenv("PREFECT__API_KEY"); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	api := client.New(apiURL, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := api.ReadFlowRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("reading flow run: %w", err)
	}
	dep, err := api.ReadDeployment(ctx, run.DeploymentID)
	if err != nil {
		return fmt.Errorf("reading deployment: %w", err)
	}
	fields := strings.Fields(dep.Entrypoint)
	if len(fields) == 0 {
		return fmt.Errorf("deployment %s has no entrypoint", dep.FullName())
	}

	if err := api.SetFlowRunState(ctx, runID, core.Running()); err != nil {
		return fmt.Errorf("reporting RUNNING: %w", err)
	}

	// The runner already staged the code and set the working directory.
	child := exec.CommandContext(ctx, fields[0], fields[1:]...) // #nosec G204 -- entrypoint comes from the operator's own deployment
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = os.Environ()

	if err := child.Run(); err != nil {
		reportCtx, cancel := context.WithTimeout(context.Background(), apiReportTimeout)
		defer cancel()
		if stateErr := api.SetFlowRunState(reportCtx, runID, core.Failed(err.Error())); stateErr != nil {
			logger.Error("failed to report FAILED state", slog.String("error", stateErr.Error()))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("entrypoint failed: %w", err)
	}

	if err := api.SetFlowRunState(ctx, runID, core.Completed()); err != nil {
		return fmt.Errorf("reporting COMPLETED: %w", err)
	}
	return nil
}
