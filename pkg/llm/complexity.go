package llm

import (
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// Tier is a complexity bucket that maps to a preferred model.
type Tier string

const (
	TierSimple  Tier = "simple"
	TierMedium  Tier = "medium"
	TierComplex Tier = "complex"
)

// Tier boundaries on the 0-100 weighted score.
const (
	simpleMaxScore = 35.0
	mediumMaxScore = 65.0
)

// Factor is one weighted input to a complexity score.
type Factor struct {
	Name         string  `json:"name"`
	Raw          float64 `json:"raw"`
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

func factor(name string, raw, score, weight float64) Factor {
	return Factor{Name: name, Raw: raw, Score: score, Weight: weight, Contribution: score * weight}
}

// TierForScore maps a weighted score to a tier.
func TierForScore(score float64) Tier {
	switch {
	case score <= simpleMaxScore:
		return TierSimple
	case score <= mediumMaxScore:
		return TierMedium
	default:
		return TierComplex
	}
}

// Upgrade returns the next tier up, saturating at complex.
func (t Tier) Upgrade() Tier {
	switch t {
	case TierSimple:
		return TierMedium
	default:
		return TierComplex
	}
}

// textLength counts code points after NFC normalization, so composed and
// decomposed forms of the same text score alike.
func textLength(s string) int {
	return utf8.RuneCountInString(norm.NFC.String(s))
}

func lengthBand(n int) float64 {
	switch {
	case n < 100:
		return 20
	case n < 500:
		return 50
	case n < 1000:
		return 75
	default:
		return 100
	}
}

func criteriaBand(n int) float64 {
	switch {
	case n <= 1:
		return 20
	case n <= 3:
		return 50
	case n <= 5:
		return 75
	default:
		return 100
	}
}

func tokenBand(tokens int64) float64 {
	switch {
	case tokens < 10_000:
		return 20
	case tokens < 50_000:
		return 50
	case tokens < 100_000:
		return 75
	default:
		return 100
	}
}

func dependencyBand(n int) float64 {
	switch {
	case n == 0:
		return 20
	case n <= 2:
		return 50
	case n <= 4:
		return 75
	default:
		return 100
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScoreGoal returns the weighted complexity score of a goal and its factors.
func ScoreGoal(g *contracts.Goal) (float64, []Factor) {
	length := textLength(g.Description)

	var budgetRaw float64
	budgetScore := 100.0
	if g.Budget.Tokens != nil {
		budgetRaw = float64(*g.Budget.Tokens)
		budgetScore = tokenBand(*g.Budget.Tokens)
	}

	factors := []Factor{
		factor("description_length", float64(length), lengthBand(length), 0.40),
		factor("success_criteria", float64(len(g.SuccessCriteria)), criteriaBand(len(g.SuccessCriteria)), 0.30),
		factor("priority", float64(g.Priority), clamp(float64(g.Priority), 0, 100), 0.20),
		factor("token_budget", budgetRaw, budgetScore, 0.10),
	}
	return total(factors), factors
}

// ScoreWorkItem returns the weighted complexity score of a work item and its factors.
func ScoreWorkItem(w *contracts.WorkItem) (float64, []Factor) {
	length := textLength(w.Description)

	maxRetries := w.MaxRetries
	if maxRetries <= 0 {
		maxRetries = contracts.DefaultMaxRetries
	}
	pressure := clamp(float64(w.RetryCount)/float64(maxRetries)*100, 0, 100)

	factors := []Factor{
		factor("description_length", float64(length), lengthBand(length), 0.40),
		factor("dependencies", float64(len(w.Dependencies)), dependencyBand(len(w.Dependencies)), 0.30),
		factor("retry_pressure", float64(w.RetryCount), pressure, 0.20),
		factor("estimated_tokens", float64(w.EstimatedTokens), tokenBand(w.EstimatedTokens), 0.10),
	}
	return total(factors), factors
}

func total(factors []Factor) float64 {
	var sum float64
	for _, f := range factors {
		sum += f.Contribution
	}
	return sum
}
