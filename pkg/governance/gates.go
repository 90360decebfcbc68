// Package governance evaluates the quality gates a goal declares for its
// work items. A gate is either a CEL expression over goal, work_item and run,
// or an "artifact_glob:<pattern>" requiring an artifact whose name matches.
package governance

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// ArtifactGlobPrefix marks a glob gate.
const ArtifactGlobPrefix = "artifact_glob:"

var ErrInvalidGate = errors.New("governance: invalid quality gate")

// GateResult is the verdict of one gate.
type GateResult struct {
	Gate    string `json:"gate"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Report is the verdict of all gates of a goal for one run.
type Report struct {
	Passed  bool         `json:"passed"`
	Results []GateResult `json:"results"`
}

// Failed returns the gates that did not pass.
func (r Report) Failed() []GateResult {
	var out []GateResult
	for _, g := range r.Results {
		if !g.Passed {
			out = append(out, g)
		}
	}
	return out
}

// GateEvaluator compiles and caches gate programs.
type GateEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	logger   *slog.Logger
}

// NewGateEvaluator creates an evaluator.
func NewGateEvaluator() (*GateEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("goal", cel.DynType),
		cel.Variable("work_item", cel.DynType),
		cel.Variable("run", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &GateEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "quality_gates"),
	}, nil
}

// Validate checks that every gate compiles and is deterministic.
func (e *GateEvaluator) Validate(gates []string) error {
	for _, g := range gates {
		if pattern, ok := strings.CutPrefix(g, ArtifactGlobPrefix); ok {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("%w: bad glob %q", ErrInvalidGate, pattern)
			}
			continue
		}
		issues, err := Lint(e.env, g)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidGate, g, err)
		}
		if len(issues) > 0 {
			return fmt.Errorf("%w: %q: %s", ErrInvalidGate, g, issues[0].Message)
		}
		if _, err := e.program(g); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidGate, g, err)
		}
	}
	return nil
}

// Evaluate runs every gate of the goal against a completed run. Gates that
// fail to compile or evaluate count as failed. A goal without gates passes.
func (e *GateEvaluator) Evaluate(g *contracts.Goal, w *contracts.WorkItem, r *contracts.Run) Report {
	report := Report{Passed: true, Results: make([]GateResult, 0, len(g.QualityGates))}
	vars := map[string]any{
		"goal":      goalVars(g),
		"work_item": workItemVars(w),
		"run":       runVars(r),
	}
	for _, gate := range g.QualityGates {
		res := e.evaluate(gate, vars, r)
		if !res.Passed {
			report.Passed = false
			e.logger.Info("quality gate failed", "goal_id", g.ID, "work_item_id", w.ID, "gate", gate, "reason", res.Message)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (e *GateEvaluator) evaluate(gate string, vars map[string]any, r *contracts.Run) GateResult {
	if pattern, ok := strings.CutPrefix(gate, ArtifactGlobPrefix); ok {
		for _, a := range r.Artifacts {
			if match, err := doublestar.Match(pattern, a.Name); err == nil && match {
				return GateResult{Gate: gate, Passed: true}
			}
		}
		return GateResult{Gate: gate, Message: fmt.Sprintf("no artifact matches %q", pattern)}
	}

	issues, err := Lint(e.env, gate)
	if err != nil {
		return GateResult{Gate: gate, Message: err.Error()}
	}
	if len(issues) > 0 {
		return GateResult{Gate: gate, Message: issues[0].Message}
	}
	prg, err := e.program(gate)
	if err != nil {
		return GateResult{Gate: gate, Message: err.Error()}
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return GateResult{Gate: gate, Message: err.Error()}
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return GateResult{Gate: gate, Message: fmt.Sprintf("gate returned %T, want bool", out.Value())}
	}
	if !passed {
		return GateResult{Gate: gate, Message: "expression evaluated to false"}
	}
	return GateResult{Gate: gate, Passed: true}
}

func (e *GateEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.prgCache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.prgCache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func goalVars(g *contracts.Goal) map[string]any {
	return map[string]any{
		"id":               g.ID,
		"title":            g.Title,
		"description":      g.Description,
		"status":           string(g.Status),
		"priority":         int64(g.Priority),
		"success_criteria": strings2any(g.SuccessCriteria),
		"spent": map[string]any{
			"tokens":       g.Spent.Tokens,
			"time_seconds": g.Spent.TimeSeconds,
			"cost_usd":     g.Spent.CostUSD,
		},
	}
}

func workItemVars(w *contracts.WorkItem) map[string]any {
	return map[string]any{
		"id":               w.ID,
		"title":            w.Title,
		"description":      w.Description,
		"status":           string(w.Status),
		"retry_count":      int64(w.RetryCount),
		"max_retries":      int64(w.MaxRetries),
		"estimated_tokens": w.EstimatedTokens,
		"dependencies":     strings2any(w.Dependencies),
	}
}

func runVars(r *contracts.Run) map[string]any {
	arts := make([]any, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		arts = append(arts, map[string]any{"name": a.Name, "digest": a.Digest, "size": a.Size})
	}
	return map[string]any{
		"id":           r.ID,
		"status":       string(r.Status),
		"model":        r.Model,
		"tier":         r.Tier,
		"tokens_used":  r.TokensUsed,
		"cost_usd":     r.CostUSD,
		"time_seconds": r.TimeSeconds,
		"artifacts":    arts,
	}
}

func strings2any(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
