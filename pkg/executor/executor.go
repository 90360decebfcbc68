// Package executor adapts execution engines to the scheduler. The Executor
// normalizes whatever an engine returns into a terminal Outcome, measures
// time, prices tokens and persists artifacts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// ErrEnginePanic is the failure recorded when an engine panics.
var ErrEnginePanic = errors.New("executor: engine panicked")

// Executor wraps an Engine.
type Executor struct {
	engine        Engine
	artifactStore artifacts.Store
	pricer        Pricer
	clock         func() time.Time
	logger        *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithArtifactStore persists returned artifacts into s.
func WithArtifactStore(s artifacts.Store) Option {
	return func(e *Executor) { e.artifactStore = s }
}

// WithPricer prices tokens when the engine reports no cost.
func WithPricer(p Pricer) Option {
	return func(e *Executor) { e.pricer = p }
}

// WithClock overrides the clock used to measure elapsed time.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// New creates an Executor.
func New(engine Engine, opts ...Option) *Executor {
	e := &Executor{
		engine: engine,
		clock:  time.Now,
		logger: slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the engine and always returns a terminal outcome. Engine
// errors become failures; cancellation becomes aborted and a deadline
// becomes timeout.
func (e *Executor) Execute(ctx context.Context, req Request) (out Outcome) {
	start := e.clock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "engine panicked", "run_id", req.RunID, "panic", r)
			out = Outcome{Status: contracts.RunFailure, Err: fmt.Errorf("%w: %v", ErrEnginePanic, r)}
		}
		if out.TimeSeconds == 0 {
			out.TimeSeconds = e.clock().Sub(start).Seconds()
		}
	}()

	out, err := e.engine.Execute(ctx, req)
	out = normalize(ctx, out, err)

	if out.CostUSD == 0 && out.TokensUsed > 0 && e.pricer != nil {
		out.CostUSD = e.pricer(req.Model, out.TokensUsed)
	}

	if len(out.Artifacts) > 0 && e.artifactStore != nil {
		// Usage is kept even if persisting fails; the run still consumed it.
		refs, err := e.persist(ctx, out.Artifacts)
		if err != nil {
			e.logger.WarnContext(ctx, "artifact capture failed", "run_id", req.RunID, "error", err)
			if out.Status == contracts.RunSuccess {
				out.Status = contracts.RunFailure
				out.Err = err
			}
		}
		out.Refs = refs
	}
	return out
}

func (e *Executor) persist(ctx context.Context, arts []Artifact) ([]contracts.ArtifactRef, error) {
	refs := make([]contracts.ArtifactRef, 0, len(arts))
	for _, a := range arts {
		ref, err := artifacts.Capture(ctx, e.artifactStore, a.Name, a.Data)
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func normalize(ctx context.Context, out Outcome, err error) Outcome {
	if err != nil && out.Err == nil {
		out.Err = err
	}
	cause := out.Err
	if cause == nil {
		cause = ctx.Err()
	}

	switch {
	case errors.Is(cause, context.Canceled) || (ctx.Err() == context.Canceled && out.Status != contracts.RunSuccess):
		out.Status = contracts.RunAborted
	case errors.Is(cause, context.DeadlineExceeded):
		if out.Status != contracts.RunSuccess {
			out.Status = contracts.RunTimeout
		}
	case out.Err != nil:
		if out.Status == "" || out.Status == contracts.RunSuccess {
			out.Status = contracts.RunFailure
		}
	case out.Status == "" || out.Status == contracts.RunRunning:
		out.Status = contracts.RunSuccess
	}
	if out.Status == contracts.RunFailure && out.Err == nil {
		out.Err = errors.New("engine reported failure")
	}
	if out.Status == contracts.RunTimeout && out.Err == nil {
		out.Err = context.DeadlineExceeded
	}
	if out.TokensUsed < 0 {
		out.TokensUsed = 0
	}
	if out.CostUSD < 0 {
		out.CostUSD = 0
	}
	return out
}
