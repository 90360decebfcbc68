package llm

import (
	"log/slog"
	"sync/atomic"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// StrategyModelUpgrade is the retry strategy name that bumps the tier.
const StrategyModelUpgrade = "model_upgrade"

// Selection is the model chosen for a goal or work item.
type Selection struct {
	Model       string   `json:"model"`
	Tier        Tier     `json:"tier"`
	Score       float64  `json:"score"`
	Temperature float64  `json:"temperature"`
	Fallbacks   []string `json:"fallbacks,omitempty"`
	Reasoning   []Factor `json:"reasoning"`
}

// Selector maps complexity scores to configured models. It is a pure
// function of its input and the current tier configuration.
type Selector struct {
	cfg    atomic.Pointer[TierConfig]
	logger *slog.Logger
}

// NewSelector creates a selector. A nil config uses DefaultTierConfig.
func NewSelector(cfg *TierConfig) *Selector {
	if cfg == nil {
		cfg = DefaultTierConfig()
	}
	s := &Selector{logger: slog.Default().With("component", "model_selector")}
	s.cfg.Store(cfg)
	return s
}

// SetConfig swaps the tier configuration.
func (s *Selector) SetConfig(cfg *TierConfig) {
	if cfg == nil {
		return
	}
	s.cfg.Store(cfg)
	s.logger.Info("tier config updated", "version", cfg.Version)
}

// Config returns the current tier configuration.
func (s *Selector) Config() *TierConfig {
	return s.cfg.Load()
}

// SelectModelForPlanning picks a model for decomposing a goal.
func (s *Selector) SelectModelForPlanning(g *contracts.Goal) Selection {
	score, factors := ScoreGoal(g)
	return s.build(TierForScore(score), score, factors, "")
}

// SelectModel picks a model for executing a work item. A prior model_upgrade
// retry raises the tier by one; an explicit override replaces the primary.
func (s *Selector) SelectModel(w *contracts.WorkItem) Selection {
	score, factors := ScoreWorkItem(w)
	tier := TierForScore(score)
	for _, st := range w.PreviousStrategies {
		if st == StrategyModelUpgrade {
			tier = tier.Upgrade()
			break
		}
	}
	return s.build(tier, score, factors, w.ModelOverride)
}

func (s *Selector) build(tier Tier, score float64, factors []Factor, override string) Selection {
	m := s.cfg.Load().Models(tier)
	model := m.Primary
	fallbacks := append([]string(nil), m.Fallbacks...)
	if override != "" && override != model {
		fallbacks = append([]string{model}, fallbacks...)
		model = override
	}
	return Selection{
		Model:       model,
		Tier:        tier,
		Score:       score,
		Temperature: m.Temperature,
		Fallbacks:   fallbacks,
		Reasoning:   factors,
	}
}
