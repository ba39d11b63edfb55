package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cswartzvi/prefect/internal/client"
	"github.com/cswartzvi/prefect/internal/config"
	"github.com/cswartzvi/prefect/internal/core"
	"github.com/cswartzvi/prefect/internal/deployments"
	"github.com/cswartzvi/prefect/internal/diagnostics"
	"github.com/cswartzvi/prefect/internal/journal"
	"github.com/cswartzvi/prefect/internal/logging"
	"github.com/cswartzvi/prefect/internal/metrics"
	"github.com/cswartzvi/prefect/internal/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runner agent",
	Long: `Start the long-lived runner agent.

The agent registers the deployments from the manifest, polls the
orchestration service for scheduled flow runs, executes each one as an
isolated OS process, and serves a small HTTP API for health, metrics,
and recent run history.

Examples:
  # Serve the deployments in prefect.yaml
  prefect serve

  # Serve a specific manifest with at most 4 concurrent runs
  prefect serve -f flows.yaml --limit 4

  # Run a single poll cycle and exit once dispatched work finishes
  prefect serve --once`,
	RunE: runServe,
}

var (
	serveManifest string
	serveLimit    int
	serveOnce     bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveManifest, "file", "f", "",
		"deployment manifest to serve (default: prefect.yaml if present)")
	serveCmd.Flags().IntVar(&serveLimit, "limit", 0,
		"maximum concurrent flow run processes (overrides runner.process_limit)")
	serveCmd.Flags().BoolVar(&serveOnce, "once", false,
		"poll once, drain dispatched work, and exit")
}

func runServe(cmdCobra *cobra.Command, _ []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if cmdCobra.Flags().Changed("limit") {
		cfg.Runner.ProcessLimit = serveLimit
	}

	api := newAPIClient(cfg, logger)

	jrnl, err := journal.NewSQLiteJournal(cfg.Runner.JournalPath)
	if err != nil {
		return fmt.Errorf("opening run journal: %w", err)
	}
	defer func() { _ = jrnl.Close() }()

	m := metrics.New()

	rnr := runner.New(runner.Config{
		Name:                 cfg.Runner.Name,
		Limit:                cfg.Runner.ProcessLimit,
		PollInterval:         cfg.Runner.PollInterval,
		CancellationInterval: cfg.Runner.CancellationInterval,
	}, api, newExecutor(cfg, logger), logger,
		runner.WithJournal(jrnl),
		runner.WithMetrics(m),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registerManifest(ctx, rnr, api, logger); err != nil {
		return err
	}

	srv := runner.NewServer(runner.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		HealthThreshold: cfg.EffectiveHealthThreshold(),
	}, rnr, jrnl, m, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting runner API server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Re-read the process limit when the config file changes on disk.
	if path := loader.ConfigFileUsed(); path != "" {
		watcher := config.NewWatcher(path, logger)
		go func() {
			err := watcher.Watch(ctx, func(updated *config.Config) {
				rnr.SetLimit(updated.Runner.ProcessLimit)
			})
			if err != nil {
				logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if serveOnce {
		return rnr.RunOnce(ctx)
	}
	return rnr.Start(ctx)
}

// newAPIClient builds the orchestration service client from configuration.
func newAPIClient(cfg *config.Config, logger *logging.Logger) *client.Client {
	opts := []client.Option{client.WithTimeout(cfg.API.Timeout)}
	if cfg.API.Key != "" {
		opts = append(opts, client.WithAPIKey(cfg.API.Key))
	}
	return client.New(cfg.API.URL, logger, opts...)
}

// newExecutor builds the process executor that spawns flow run processes.
func newExecutor(cfg *config.Config, logger *logging.Logger) *runner.ProcessExecutor {
	pcfg := runner.DefaultProcessConfig()
	if cfg.Runner.Executable != "" {
		pcfg.Executable = cfg.Runner.Executable
		pcfg.Args = nil
	}
	pcfg.APIURL = cfg.API.URL
	pcfg.GracePeriod = cfg.Runner.GracePeriod
	if cfg.API.Key != "" {
		pcfg.ExtraEnv = map[string]string{"PREFECT__API_KEY": cfg.API.Key}
	}

	preflight := diagnostics.NewPreflight(diagnostics.PreflightConfig{
		Enabled:         cfg.Preflight.Enabled,
		MinFreeMemoryMB: cfg.Preflight.MinFreeMemoryMB,
		MaxLoadPerCPU:   cfg.Preflight.MaxLoadPerCPU,
	}, logger)

	return runner.NewProcessExecutor(pcfg, preflight, logger)
}

// registerManifest applies the manifest deployments to the orchestration
// service and registers each one with the runner. A missing default
// manifest is not an error; the agent then serves without deployments.
func registerManifest(ctx context.Context, rnr *runner.Runner, api core.OrchestrationAPI, logger *logging.Logger) error {
	path := serveManifest
	if path == "" {
		if _, err := os.Stat("prefect.yaml"); err != nil {
			logger.Warn("no deployment manifest found; serving without deployments")
			return nil
		}
		path = "prefect.yaml"
	}

	defs, err := deployments.LoadManifest(path)
	if err != nil {
		return fmt.Errorf("loading manifest %s: %w", path, err)
	}
	for _, def := range defs {
		id, err := def.Apply(ctx, api)
		if err != nil {
			return fmt.Errorf("applying deployment %s: %w", def.FullName(), err)
		}
		dep := &core.Deployment{
			ID:         id,
			Name:       def.Name,
			FlowName:   def.FlowName,
			Entrypoint: def.Entrypoint,
			Path:       def.Path,
		}
		if err := rnr.RegisterDeployment(ctx, dep, def.Storage); err != nil {
			return fmt.Errorf("registering deployment %s: %w", def.FullName(), err)
		}
		logger.Info("deployment registered",
			slog.String("deployment", def.FullName()),
			slog.String("deployment_id", id.String()))
	}
	return nil
}
