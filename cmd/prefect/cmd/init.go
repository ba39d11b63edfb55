package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/cswartzvi/prefect/internal/config"
	"github.com/cswartzvi/prefect/internal/deployments"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a config file and deployment manifest",
	Long: `Write a starter configuration to .prefect/prefect.yaml and a
deployment manifest scaffold to prefect.yaml in the current directory.

Existing files are left untouched.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(_ *cobra.Command, _ []string) error {
	configPath := filepath.Join(".prefect", "prefect.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s, skipping\n", configPath)
	} else {
		if err := renameio.WriteFile(configPath, []byte(config.DefaultConfigYAML), 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Printf("Wrote config to %s\n", configPath)
	}

	manifestPath := "prefect.yaml"
	if _, err := os.Stat(manifestPath); err == nil {
		fmt.Printf("Manifest already exists at %s, skipping\n", manifestPath)
		return nil
	}
	if err := deployments.WriteScaffold(manifestPath); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	fmt.Printf("Wrote deployment manifest to %s\n", manifestPath)
	return nil
}
