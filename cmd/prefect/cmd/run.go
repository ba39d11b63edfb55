package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <flow-name>/<deployment-name>",
	Short: "Create a flow run from a deployment",
	Long: `Create a flow run from a deployment on the orchestration service.

The run starts in the SCHEDULED state and is picked up by whichever
runner serves the deployment.

Examples:
  prefect run etl/daily
  prefect run etl/daily --param date=2026-08-26`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var runParams []string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVar(&runParams, "param", nil,
		"flow parameter as key=value (repeatable)")
}

func runRun(_ *cobra.Command, args []string) error {
	name := args[0]
	if !strings.Contains(name, "/") {
		return fmt.Errorf("deployment name must be <flow-name>/<deployment-name>, got %q", name)
	}

	params := make(map[string]any, len(runParams))
	for _, p := range runParams {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		params[key] = value
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	api := newAPIClient(cfg, logger)

	ctx := context.Background()
	dep, err := api.ReadDeploymentByName(ctx, name)
	if err != nil {
		return fmt.Errorf("reading deployment %s: %w", name, err)
	}
	run, err := api.CreateFlowRun(ctx, dep.ID, params)
	if err != nil {
		return fmt.Errorf("creating flow run: %w", err)
	}

	fmt.Printf("Created flow run %s for deployment %s\n", run.ID, dep.FullName())
	return nil
}
