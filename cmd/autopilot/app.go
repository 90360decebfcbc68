package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/abort"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/config"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/executor"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/governance"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

// app holds the wired subsystems of one process.
type app struct {
	cfg         *config.Config
	db          *sql.DB
	repo        store.Repository
	escalations *escalation.Handler
	selector    *llm.Selector
	gates       *governance.GateEvaluator
	sched       *kernel.Scheduler
	telemetry   *observability.Provider
	logger      *slog.Logger

	closers []func(context.Context) error
}

// openApp wires the scheduler and its services. Administrative commands get
// the same state transitions as the server but no live engine, telemetry
// export, or shared rate limiter.
func openApp(ctx context.Context, cfg *config.Config, serving bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: slog.Default().With("component", "autopilot")}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	repo, escStore, err := openStores(ctx, db)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.escalations = escalation.NewHandler(escStore)

	tiers := llm.DefaultTierConfig()
	if cfg.TierConfigPath != "" {
		if tiers, err = llm.LoadTierConfig(cfg.TierConfigPath); err != nil {
			return nil, err
		}
	}
	a.selector = llm.NewSelector(tiers)

	if a.gates, err = governance.NewGateEvaluator(); err != nil {
		return nil, err
	}

	engine := executor.Engine(executor.NewScriptedEngine())
	var (
		execOpts []executor.Option
		limiter  kernel.LimiterStore
		tracker  kernel.OperationTracker
	)
	if serving {
		if engine, err = newEngine(cfg); err != nil {
			return nil, err
		}
		execOpts = append(execOpts, executor.WithPricer(func(model string, tokens int64) float64 {
			return a.selector.Config().CostFor(model, tokens)
		}))

		var artStore artifacts.Store
		if artStore, err = artifacts.New(ctx, cfg.Artifacts); err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		execOpts = append(execOpts, executor.WithArtifactStore(artStore))

		if limiter, err = a.openLimiter(ctx); err != nil {
			return nil, err
		}

		if a.telemetry, err = observability.New(ctx, cfg.TelemetryConfig()); err != nil {
			return nil, fmt.Errorf("observability: %w", err)
		}
		a.closers = append(a.closers, a.telemetry.Shutdown)
		tracker = a.telemetry
	}

	a.sched, err = kernel.New(cfg.KernelConfig(), kernel.Deps{
		Repo:        repo,
		Budget:      budget.NewTracker(cfg.BudgetPolicy(), repo),
		Selector:    a.selector,
		Retry:       retry.NewHandler(cfg.RetryPolicy(), nil),
		Escalations: a.escalations,
		Aborts:      abort.NewManager(),
		Executor:    executor.New(engine, execOpts...),
		Gates:       a.gates,
		Limiter:     limiter,
		Tracker:     tracker,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newEngine(cfg *config.Config) (executor.Engine, error) {
	switch cfg.Engine {
	case config.EngineScripted:
		return executor.NewScriptedEngine(), nil
	case config.EngineCommand:
		return executor.NewCommandEngine(cfg.EngineCommand), nil
	case config.EngineChat:
		client := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMServiceURL, "")
		return executor.NewChatEngine(client, cfg.LLMMaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

// openLimiter returns the Redis limiter when REDIS_ADDR is set so several
// schedulers share dispatch quotas, and a process-local one otherwise.
func (a *app) openLimiter(ctx context.Context) (kernel.LimiterStore, error) {
	if a.cfg.RedisAddr == "" {
		return kernel.NewInMemoryLimiterStore(), nil
	}
	rl := kernel.NewRedisLimiterStore(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err := rl.Ping(ctx); err != nil {
		_ = rl.Close()
		return nil, fmt.Errorf("redis limiter: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
	a.logger.InfoContext(ctx, "dispatch limiter backed by redis", "addr", a.cfg.RedisAddr)
	return rl, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp opens the administrative wiring for the duration of fn.
func (c *cli) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := openApp(ctx, c.cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(ctx) }()
	return fn(a)
}
