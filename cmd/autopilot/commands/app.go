package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/autopilot/pkg/config"
	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/llm"
	"github.com/openfroyo/autopilot/pkg/policy"
	"github.com/openfroyo/autopilot/pkg/runner"
	"github.com/openfroyo/autopilot/pkg/stores"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// storage is the durable side of the application: the plan cache, its
// backing store and, with the sqlite backend, the event and audit tables.
type storage struct {
	plans  *stores.PlanStore
	sqlite *stores.SQLiteStore // nil with the file backend
}

func (s *storage) Close() error {
	if s.sqlite != nil {
		return s.sqlite.Close()
	}
	return nil
}

// app holds every wired component of a full run.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	storage   *storage
	policies  *policy.Engine
	planner   *llm.Planner
	orch      *engine.Orchestrator
}

// loadConfig reads the configuration named by --config and applies the
// global flags.
func loadConfig(version string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if version != "" && (cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev") {
		cfg.Telemetry.ServiceVersion = version
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStorage opens the configured backend behind a plan cache. With the
// sqlite backend every published event is also appended to the events table.
func openStorage(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*storage, error) {
	logger := tel.Logger.NewComponentLogger("stores").Zerolog()
	st := &storage{}

	var durable stores.Durable
	switch cfg.Storage.Backend {
	case config.BackendFile:
		fs, err := stores.NewFileStore(cfg.Storage.Path, logger)
		if err != nil {
			return nil, err
		}
		durable = fs
	default:
		if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		db, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Storage.Path, Logger: logger})
		if err != nil {
			return nil, err
		}
		if err := db.Init(ctx); err != nil {
			return nil, err
		}
		if tel.Events != nil {
			tel.Events.Subscribe(db.EventSubscriber(), nil)
		}
		st.sqlite = db
		durable = db
	}

	plans, err := stores.NewPlanStore(cfg.Storage.CacheCapacity, durable,
		stores.WithLogger(logger),
		stores.WithMetrics(tel.Metrics),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.plans = plans
	return st, nil
}

// newPolicyEngine loads the built-in and configured policies. With watch set
// the custom policies are reloaded while ctx lives.
func newPolicyEngine(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, watch bool) (*policy.Engine, error) {
	logger := tel.Logger.Zerolog()
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) == 0 {
		return eng, nil
	}
	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
		return nil, err
	}
	if watch && cfg.Policy.Watch {
		if _, err := eng.Watch(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// newApp wires the complete engine: telemetry, storage, the safety gate, the
// runner, the model clients and the orchestrator.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel}

	if a.storage, err = openStorage(ctx, cfg, tel); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if a.policies, err = newPolicyEngine(ctx, cfg, tel, true); err != nil {
		a.Close(ctx)
		return nil, err
	}
	gate := policy.NewGate(a.policies, tel.Logger.Zerolog())

	run := runner.New(runner.Config{
		Shell:   cfg.Execution.Shell,
		Timeout: cfg.Execution.Timeout,
		WorkDir: cfg.Execution.WorkDir,
	}, runner.WithLogger(tel.Logger.Zerolog()), runner.WithTracer(tel.Tracer))

	pool, err := newPool(ctx, cfg, cfg.LLM.Temperature, tel)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.planner = llm.NewPlanner(pool, a.storage.plans, llm.PlannerConfig{
		HumanConfirmationRequired: cfg.Execution.HumanValidationRequired,
	}, tel.Logger)

	opts := engine.Options{
		Store:      a.storage.plans,
		Gate:       gate,
		Runner:     run,
		Verifier:   llm.NewVerifier(pool, tel.Logger),
		Reviser:    a.planner,
		Summarizer: llm.NewSummarizer(pool),
		Events:     engine.NewTelemetryPublisher(tel.Events),
		Logger:     tel.Logger,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
		Config: engine.OrchestratorConfig{
			HumanValidationRequired: cfg.Execution.HumanValidationRequired,
			SummarizeProgress:       cfg.Execution.SummarizeProgress,
			AutoRevise:              cfg.Execution.AutoRevise,
		},
	}
	if cfg.LLM.CommandGeneration {
		// Commands are generated with their own, lower temperature.
		cmdPool, err := newPool(ctx, cfg, cfg.LLM.CommandTemperature, tel)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		opts.Generator = llm.NewCommandGenerator(cmdPool, tel.Logger)
	}

	if a.orch, err = engine.NewOrchestrator(opts); err != nil {
		a.Close(ctx)
		return nil, err
	}

	tel.Logger.WithFields(map[string]interface{}{
		"provider": cfg.LLM.Provider,
		"storage":  cfg.Storage.Backend,
		"policies": len(a.policies.ListPolicies()),
	}).Info("Autopilot initialized")
	return a, nil
}

func newPool(ctx context.Context, cfg *config.Config, temperature float64, tel *telemetry.Telemetry) (*llm.Pool, error) {
	client, err := llm.NewClient(ctx, llm.ClientConfig{
		Provider:    llm.Provider(cfg.LLM.Provider),
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return llm.NewPool(client, llm.PoolConfig{
		Size:    cfg.LLM.PoolSize,
		Timeout: cfg.LLM.Timeout,
	}, llm.WithLogger(tel.Logger), llm.WithMetrics(tel.Metrics), llm.WithTracer(tel.Tracer)), nil
}

// Close releases storage and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.storage != nil {
		errs = append(errs, a.storage.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}
