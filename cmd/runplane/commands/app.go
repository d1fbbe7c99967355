package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/accessors"
	"github.com/runplane/runplane/pkg/config"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/engines/httpengine"
	"github.com/runplane/runplane/pkg/engines/simulated"
	"github.com/runplane/runplane/pkg/engines/sshengine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/kinds"
	"github.com/runplane/runplane/pkg/orchestrator"
	"github.com/runplane/runplane/pkg/poller"
	"github.com/runplane/runplane/pkg/policy"
	"github.com/runplane/runplane/pkg/runstate"
	"github.com/runplane/runplane/pkg/runtimes"
	"github.com/runplane/runplane/pkg/specs"
	"github.com/runplane/runplane/pkg/stores"
	"github.com/runplane/runplane/pkg/telemetry"
)

// app is one fully wired runplane instance.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   stores.Store
	bus     *events.Bus
	pollers *poller.Service
	policy  *policy.Engine
	client  engine.EngineClient
	orch    *orchestrator.Orchestrator
	catalog *orchestrator.Catalog
}

// newApp opens the store and builds the registries, bus, poller and
// orchestrator from cfg. metrics and tracer may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) (*app, error) {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	if err := a.wire(ctx, metrics, tracer); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, metrics *telemetry.Metrics, tracer *telemetry.Tracer) error {
	cfg := a.cfg

	client, err := newEngineClient(cfg.Engine, a.logger)
	if err != nil {
		return err
	}
	a.client = telemetry.InstrumentClient(client, metrics, tracer)

	a.bus = events.NewBus(cfg.Bus, a.logger, metrics)
	a.bus.SubscribeAll(stores.NewJournal(a.store, a.logger), events.FilterByType(stores.JournalTypes...))

	runs := runstate.NewManager(a.store, a.bus, a.logger, runstate.WithRecorder(metrics))
	a.pollers = poller.NewService(cfg.Poller, a.logger,
		poller.WithRecorder(metrics),
		poller.WithPublisher(a.bus),
	)

	specReg := specs.NewDefaultRegistry()
	accReg := accessors.NewDefaultRegistry()
	rts := runtimes.NewRegistry()
	regs := kinds.NewRegistries()
	if err := runtimes.RegisterDefaults(rts, regs, runtimes.Deps{
		Config:    cfg.Runtimes,
		Specs:     specReg,
		Functions: a.store,
		Client:    a.client,
		Runs:      runs,
		Logger:    a.logger,
	}); err != nil {
		return err
	}
	regs.Freeze()
	rts.Freeze()

	a.policy, err = policy.NewEngine(a.logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Repo:      a.store,
		Specs:     specReg,
		Accessors: accReg,
		Runtimes:  rts,
		Kinds:     regs,
		Runs:      runs,
		Bus:       a.bus,
		Pollers:   a.pollers,
		Engine:    a.client,
		Logger:    a.logger,
	},
		orchestrator.WithAdmitter(a.policy),
		orchestrator.WithRecorder(metrics),
		orchestrator.WithPollInterval(cfg.Poller.Interval),
	)
	if err != nil {
		return err
	}

	a.catalog = orchestrator.NewCatalog(a.store, specReg, accReg, regs.Builders, a.logger)
	return nil
}

// Close stops the pollers, drains the bus and closes the store.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(
		a.orch.Close(ctx),
		a.bus.Shutdown(ctx),
		a.store.Close(),
	)
}

// openStore creates, connects and migrates the configured store.
func openStore(ctx context.Context, cfg stores.Config) (stores.Store, error) {
	store, err := stores.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newEngineClient builds the client selected by cfg.Type.
func newEngineClient(cfg config.EngineConfig, logger zerolog.Logger) (engine.EngineClient, error) {
	switch cfg.Type {
	case config.EngineSimulated, "":
		return simulated.New(cfg.Simulated, logger), nil
	case config.EngineHTTP:
		return httpengine.New(cfg.HTTP, logger)
	case config.EngineSSH:
		return sshengine.New(cfg.SSH, logger)
	default:
		return nil, fmt.Errorf("unknown engine type: %s", cfg.Type)
	}
}

// withApp builds an app from --config for one command and closes it after fn.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, log.Logger, nil, nil)
	if err != nil {
		return err
	}

	runErr := fn(a)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(ctx))
}
