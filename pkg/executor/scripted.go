package executor

import (
	"context"
	"sync"
)

// Step is one scripted execution. A Step is itself an Engine.
type Step func(ctx context.Context, req Request) (Outcome, error)

func (s Step) Execute(ctx context.Context, req Request) (Outcome, error) { return s(ctx, req) }

// Succeed returns a step that succeeds with the given usage.
func Succeed(tokens int64, costUSD float64) Step {
	return func(context.Context, Request) (Outcome, error) {
		return Outcome{Status: "success", TokensUsed: tokens, CostUSD: costUSD}, nil
	}
}

// Fail returns a step that fails with err after consuming tokens.
func Fail(err error, tokens int64) Step {
	return func(context.Context, Request) (Outcome, error) {
		return Outcome{TokensUsed: tokens}, err
	}
}

// Block returns a step that waits until the run is cancelled or release is
// closed. A nil release blocks until cancellation.
func Block(release <-chan struct{}) Step {
	return func(ctx context.Context, _ Request) (Outcome, error) {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-release:
			return Outcome{Status: "success"}, nil
		}
	}
}

// ScriptedEngine replays scripted steps per work item title. Once a script
// is exhausted its last step repeats; unscripted items use the default step.
type ScriptedEngine struct {
	mu      sync.Mutex
	scripts map[string][]Step
	pos     map[string]int
	calls   []Request
	def     Step
}

// NewScriptedEngine creates an engine whose unscripted items succeed with no usage.
func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{
		scripts: make(map[string][]Step),
		pos:     make(map[string]int),
		def:     Succeed(0, 0),
	}
}

// Script sets the steps for the work item with the given title.
func (s *ScriptedEngine) Script(title string, steps ...Step) *ScriptedEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[title] = steps
	s.pos[title] = 0
	return s
}

// Default sets the step used for unscripted items.
func (s *ScriptedEngine) Default(step Step) *ScriptedEngine {
	s.mu.Lock()
	s.def = step
	s.mu.Unlock()
	return s
}

// Calls returns the requests seen so far.
func (s *ScriptedEngine) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// CallCount returns how many times the item with title was executed.
func (s *ScriptedEngine) CallCount(title string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.WorkItem != nil && c.WorkItem.Title == title {
			n++
		}
	}
	return n
}

func (s *ScriptedEngine) Execute(ctx context.Context, req Request) (Outcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	step := s.def
	if req.WorkItem != nil {
		if steps := s.scripts[req.WorkItem.Title]; len(steps) > 0 {
			i := s.pos[req.WorkItem.Title]
			if i >= len(steps) {
				i = len(steps) - 1
			}
			step = steps[i]
			s.pos[req.WorkItem.Title] = i + 1
		}
	}
	s.mu.Unlock()
	return step(ctx, req)
}
