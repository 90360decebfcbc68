package executor

import (
	"context"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
)

// Request is everything an engine needs to execute one run of a work item.
type Request struct {
	RunID     string
	WorkItem  *contracts.WorkItem
	Goal      *contracts.Goal
	Model     string
	Selection llm.Selection
}

// Artifact is an output payload produced by an engine.
type Artifact struct {
	Name string
	Data []byte
}

// Outcome is the result of one execution. Status is one of the terminal run
// statuses. Err carries the failure cause for the retry handler.
type Outcome struct {
	Status      contracts.RunStatus
	TokensUsed  int64
	CostUSD     float64
	TimeSeconds float64
	Artifacts   []Artifact
	// Refs is filled by the Executor after artifacts are persisted.
	Refs []contracts.ArtifactRef
	Err  error
}

// Failed reports whether the outcome should go through the retry path.
func (o Outcome) Failed() bool {
	return o.Status == contracts.RunFailure || o.Status == contracts.RunTimeout
}

// Engine executes work. Implementations must return promptly once ctx is cancelled.
type Engine interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (Outcome, error)

func (f EngineFunc) Execute(ctx context.Context, req Request) (Outcome, error) {
	return f(ctx, req)
}

// Pricer converts a token count into a cost for a model.
type Pricer func(model string, tokens int64) float64
