package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cswartzvi/prefect/internal/deployments"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Apply the deployments in a manifest",
	Long: `Apply every deployment in a manifest to the orchestration service.

Deployments are applied in parallel and failures are reported
individually; valid entries are still created when others fail.

Examples:
  prefect deploy
  prefect deploy -f flows.yaml`,
	RunE: runDeploy,
}

var deployManifest string

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().StringVarP(&deployManifest, "file", "f", "prefect.yaml",
		"deployment manifest to apply")
}

func runDeploy(_ *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	api := newAPIClient(cfg, logger)

	defs, err := deployments.LoadManifest(deployManifest)
	if err != nil {
		return fmt.Errorf("loading manifest %s: %w", deployManifest, err)
	}

	result := deployments.Deploy(context.Background(), api, defs...)
	for _, id := range result.Created {
		fmt.Printf("Created deployment %s\n", id)
	}
	for _, f := range result.Failures {
		fmt.Printf("Failed to deploy %s: %v\n", f.Name, f.Err)
	}
	return result.Err()
}
