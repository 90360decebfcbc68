// Package plan imports goal plans: YAML documents declaring a goal and the
// work items it decomposes into, with dependencies referenced by key.
package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/schemas"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

var (
	ErrInvalidPlan = errors.New("plan: invalid goal plan")
	ErrCycle       = errors.New("plan: dependency cycle")
)

// Plan is a parsed goal plan.
type Plan struct {
	Goal      GoalSpec       `yaml:"goal" validate:"required"`
	WorkItems []WorkItemSpec `yaml:"work_items" validate:"required,min=1,dive"`
}

// GoalSpec declares the goal.
type GoalSpec struct {
	ID              string           `yaml:"id"`
	Title           string           `yaml:"title" validate:"required,max=200"`
	Description     string           `yaml:"description"`
	Priority        int              `yaml:"priority"`
	SuccessCriteria []string         `yaml:"success_criteria" validate:"dive,required"`
	QualityGates    []string         `yaml:"quality_gates" validate:"dive,required"`
	Budget          contracts.Budget `yaml:"budget"`
}

// WorkItemSpec declares one work item. DependsOn lists keys of other items
// in the same plan.
type WorkItemSpec struct {
	Key              string   `yaml:"key" validate:"required,max=64"`
	Title            string   `yaml:"title" validate:"required,max=200"`
	Description      string   `yaml:"description"`
	DependsOn        []string `yaml:"depends_on" validate:"dive,required"`
	MaxRetries       int      `yaml:"max_retries" validate:"gte=0"`
	EstimatedTokens  int64    `yaml:"estimated_tokens" validate:"gte=0"`
	EstimatedCostUSD float64  `yaml:"estimated_cost_usd" validate:"gte=0"`
	Model            string   `yaml:"model"`
}

// GateValidator checks quality gate expressions. *governance.GateEvaluator implements it.
type GateValidator interface {
	Validate(gates []string) error
}

var validate = validator.New()

// Parse validates a YAML plan against the goal plan schema and its
// structural rules: unique keys, known dependencies, no cycles.
func Parse(data []byte) (*Plan, error) {
	if err := schemas.ValidateYAML(schemas.GoalPlan, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if _, err := p.order(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseFile reads and parses a plan file.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %q: %w", path, err)
	}
	return Parse(data)
}

// order returns the work item keys in dependency order.
func (p *Plan) order() ([]string, error) {
	deps := make(map[string][]string, len(p.WorkItems))
	for _, w := range p.WorkItems {
		if _, dup := deps[w.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate work item key %q", ErrInvalidPlan, w.Key)
		}
		deps[w.Key] = w.DependsOn
	}
	for _, w := range p.WorkItems {
		for _, d := range w.DependsOn {
			if _, ok := deps[d]; !ok {
				return nil, fmt.Errorf("%w: work item %q depends on unknown key %q", ErrInvalidPlan, w.Key, d)
			}
			if d == w.Key {
				return nil, fmt.Errorf("%w: work item %q depends on itself", ErrCycle, w.Key)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(deps))
	out := make([]string, 0, len(deps))
	var visit func(k string, path []string) error
	visit = func(k string, path []string) error {
		switch state[k] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(path, k), " -> "))
		case visited:
			return nil
		}
		state[k] = visiting
		for _, d := range deps[k] {
			if err := visit(d, append(path, k)); err != nil {
				return err
			}
		}
		state[k] = visited
		out = append(out, k)
		return nil
	}
	for _, w := range p.WorkItems {
		if err := visit(w.Key, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Build materializes the plan as a queued goal and queued work items. Items
// come back in dependency order; ids are fresh UUIDs unless the goal sets one.
func (p *Plan) Build(now time.Time) (*contracts.Goal, []*contracts.WorkItem, error) {
	keys, err := p.order()
	if err != nil {
		return nil, nil, err
	}
	now = now.UTC()
	goalID := p.Goal.ID
	if goalID == "" {
		goalID = uuid.NewString()
	}
	g := &contracts.Goal{
		ID:              goalID,
		Title:           p.Goal.Title,
		Description:     p.Goal.Description,
		Status:          contracts.GoalQueued,
		Priority:        p.Goal.Priority,
		Budget:          p.Goal.Budget,
		SuccessCriteria: p.Goal.SuccessCriteria,
		QualityGates:    p.Goal.QualityGates,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	specs := make(map[string]WorkItemSpec, len(p.WorkItems))
	ids := make(map[string]string, len(p.WorkItems))
	for _, w := range p.WorkItems {
		specs[w.Key] = w
		ids[w.Key] = uuid.NewString()
	}
	items := make([]*contracts.WorkItem, 0, len(keys))
	for i, k := range keys {
		s := specs[k]
		deps := make([]string, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			deps = append(deps, ids[d])
		}
		sort.Strings(deps)
		maxRetries := s.MaxRetries
		if maxRetries == 0 {
			maxRetries = contracts.DefaultMaxRetries
		}
		// Creation order is dependency order; the repository sorts by it.
		created := now.Add(time.Duration(i) * time.Microsecond)
		items = append(items, &contracts.WorkItem{
			ID:                 ids[k],
			GoalID:             goalID,
			Title:              s.Title,
			Description:        s.Description,
			Status:             contracts.WorkItemQueued,
			Dependencies:       deps,
			MaxRetries:         maxRetries,
			VerificationStatus: contracts.VerificationPending,
			EstimatedTokens:    s.EstimatedTokens,
			EstimatedCostUSD:   s.EstimatedCostUSD,
			ModelOverride:      s.Model,
			CreatedAt:          created,
			UpdatedAt:          created,
		})
	}
	return g, items, nil
}

// Importer writes plans into a repository.
type Importer struct {
	repo   store.Repository
	gates  GateValidator
	clock  func() time.Time
	logger *slog.Logger
}

// NewImporter creates an importer. A nil gate validator skips gate checks.
func NewImporter(repo store.Repository, gates GateValidator) *Importer {
	return &Importer{
		repo:   repo,
		gates:  gates,
		clock:  time.Now,
		logger: slog.Default().With("component", "plan"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (im *Importer) WithClock(clock func() time.Time) *Importer {
	im.clock = clock
	return im
}

// Import validates the plan's gates and creates its goal and work items.
// The goal is written first; a failure part way leaves the goal queued with
// the items created so far and is reported with their count.
func (im *Importer) Import(ctx context.Context, p *Plan) (*contracts.Goal, []*contracts.WorkItem, error) {
	if im.gates != nil && len(p.Goal.QualityGates) > 0 {
		if err := im.gates.Validate(p.Goal.QualityGates); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	}
	g, items, err := p.Build(im.clock())
	if err != nil {
		return nil, nil, err
	}
	if err := im.repo.CreateGoal(ctx, g); err != nil {
		return nil, nil, fmt.Errorf("create goal %s: %w", g.ID, err)
	}
	for i, w := range items {
		if err := im.repo.CreateWorkItem(ctx, w); err != nil {
			return g, items[:i], fmt.Errorf("create work item %q (%d of %d created): %w", w.Title, i, len(items), err)
		}
	}
	im.logger.InfoContext(ctx, "goal plan imported", "goal_id", g.ID, "title", g.Title, "work_items", len(items))
	return g, items, nil
}
