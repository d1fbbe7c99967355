package commands

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/config"
	"github.com/runplane/runplane/pkg/policy"
	"github.com/runplane/runplane/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until interrupted",
		Long: `Start the orchestrator: open the store, resume in-flight runs, serve
metrics and keep polling the external engine until interrupted.

When --config is set the file is watched. A changed log level takes effect
immediately; changed policy paths replace the loaded policy set.`,
		Example: `  # Serve with a YAML config
  runplane serve -c /etc/runplane/runplane.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, version)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, version string) error {
	cfg.Telemetry.ServiceVersion = version
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return err
	}
	logger := tel.Logger.Zerolog()

	a, err := newApp(ctx, cfg, logger, tel.Metrics, tel.Tracer)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Shutdown incomplete")
		}
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Telemetry shutdown incomplete")
		}
	}()

	if _, err := a.orch.Recover(ctx); err != nil {
		return err
	}

	if err := tel.StartMetricsServer(); err != nil {
		return err
	}

	if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		if err := a.policy.Watch(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, logger)
		if err := watcher.Start(ctx, a.applyReload(ctx, watcher)); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	logger.Info().
		Str("engine", a.client.Name()).
		Str("store", string(cfg.Store.Driver)).
		Msg("runplane serving")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	return nil
}

// applyReload applies the parts of a reloaded config that can change without
// a restart: the log level and the policy paths.
func (a *app) applyReload(ctx context.Context, watcher *config.Watcher) config.ReloadFunc {
	return func(next *config.Config) error {
		prev := watcher.Current()

		if next.Telemetry.Logging.Level != prev.Telemetry.Logging.Level {
			if err := telemetry.SetLevel(next.Telemetry.Logging.Level); err != nil {
				return err
			}
			a.logger.Info().Str("level", next.Telemetry.Logging.Level).Msg("Log level changed")
		}

		if !slices.Equal(next.Policy.Paths, prev.Policy.Paths) {
			policies, err := policy.NewLoader(a.logger).LoadFromPaths(ctx, next.Policy.Paths)
			if err != nil {
				return err
			}
			if err := a.policy.ReplacePolicies(ctx, policies); err != nil {
				return err
			}
		}
		return nil
	}
}
