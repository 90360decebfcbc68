package llm

import (
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/schemas"
)

// SupportedTierConfigVersions is the semver constraint tier files must satisfy.
const SupportedTierConfigVersions = "^1.0.0"

var ErrUnsupportedVersion = errors.New("llm: unsupported tier config version")

// TierModels configures the models used for one tier.
type TierModels struct {
	Primary         string   `yaml:"primary" json:"primary"`
	Fallbacks       []string `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
	Temperature     float64  `yaml:"temperature" json:"temperature"`
	CostPer1KTokens float64  `yaml:"cost_per_1k_tokens,omitempty" json:"cost_per_1k_tokens,omitempty"`
}

// TierConfig maps each tier to its models.
type TierConfig struct {
	Version string              `yaml:"version" json:"version"`
	Tiers   map[Tier]TierModels `yaml:"tiers" json:"tiers"`
}

// DefaultTierConfig is used when no tier file is configured.
func DefaultTierConfig() *TierConfig {
	return &TierConfig{
		Version: "1.0.0",
		Tiers: map[Tier]TierModels{
			TierSimple: {
				Primary:         "gpt-4o-mini",
				Fallbacks:       []string{"claude-3-5-haiku"},
				Temperature:     0.2,
				CostPer1KTokens: 0.0006,
			},
			TierMedium: {
				Primary:         "gpt-4o",
				Fallbacks:       []string{"claude-3-5-sonnet", "gpt-4o-mini"},
				Temperature:     0.3,
				CostPer1KTokens: 0.01,
			},
			TierComplex: {
				Primary:         "o1",
				Fallbacks:       []string{"claude-3-opus", "gpt-4o"},
				Temperature:     0.5,
				CostPer1KTokens: 0.06,
			},
		},
	}
}

// ParseTierConfig validates and decodes a YAML tier document.
func ParseTierConfig(data []byte) (*TierConfig, error) {
	if err := schemas.ValidateYAML(schemas.TierConfig, data); err != nil {
		return nil, fmt.Errorf("tier config invalid: %w", err)
	}

	var cfg TierConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse tier config: %w", err)
	}
	if err := checkVersion(cfg.Version); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadTierConfig reads a tier file from disk.
func LoadTierConfig(path string) (*TierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tier config %q: %w", path, err)
	}
	return ParseTierConfig(data)
}

func checkVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	c, err := semver.NewConstraint(SupportedTierConfigVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, ver, SupportedTierConfigVersions)
	}
	return nil
}

// Models returns the configuration for a tier, falling back to the defaults.
func (c *TierConfig) Models(t Tier) TierModels {
	if m, ok := c.Tiers[t]; ok {
		return m
	}
	return DefaultTierConfig().Tiers[t]
}

// CostFor prices a token count using the tier that lists the model as primary
// or fallback. Unknown models cost nothing.
func (c *TierConfig) CostFor(model string, tokens int64) float64 {
	for _, t := range []Tier{TierSimple, TierMedium, TierComplex} {
		m := c.Models(t)
		if m.Primary == model {
			return float64(tokens) / 1000 * m.CostPer1KTokens
		}
		for _, f := range m.Fallbacks {
			if f == model {
				return float64(tokens) / 1000 * m.CostPer1KTokens
			}
		}
	}
	return 0
}
