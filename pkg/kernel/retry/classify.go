package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// Category is the failure taxonomy used to pick a recovery path.
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryResource   Category = "resource"
	CategoryCapability Category = "capability"
	CategoryPermission Category = "permission"
	CategoryUnknown    Category = "unknown"
)

// Strategy is a recovery approach, ordered by intrusiveness.
type Strategy string

const (
	StrategySameApproach     Strategy = "same_approach"
	StrategyParameterAdjust  Strategy = "parameter_adjust"
	StrategyAlternativeTool  Strategy = "alternative_tool"
	StrategyModelUpgrade     Strategy = "model_upgrade"
	StrategyDecomposeFurther Strategy = "decompose_further"
	StrategyHumanGuidance    Strategy = "human_guidance"
)

// Strategies lists every strategy from least to most intrusive.
var Strategies = []Strategy{
	StrategySameApproach,
	StrategyParameterAdjust,
	StrategyAlternativeTool,
	StrategyModelUpgrade,
	StrategyDecomposeFurther,
	StrategyHumanGuidance,
}

func strategyIndex(s Strategy) int {
	for i, v := range Strategies {
		if v == s {
			return i
		}
	}
	return -1
}

// Pattern maps matching error messages to a category and suggested strategy.
type Pattern struct {
	Name        string
	Match       *regexp.Regexp
	Category    Category
	Recoverable bool
	Strategy    Strategy
	Description string
}

// Classification is the result of matching an error.
type Classification struct {
	Category    Category `json:"category"`
	Recoverable bool     `json:"recoverable"`
	Strategy    Strategy `json:"strategy"`
	Description string   `json:"description"`
	Pattern     string   `json:"pattern,omitempty"`
}

// Classified lets an error carry its own classification; it wins over patterns.
type Classified interface {
	error
	Classification() Classification
}

// Error is a ready-made Classified error.
type Error struct {
	Class Classification
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class.Category)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Classification() Classification { return e.Class }

// NewError wraps err with an explicit category.
func NewError(category Category, recoverable bool, err error) *Error {
	s := StrategySameApproach
	if !recoverable {
		s = StrategyHumanGuidance
	}
	return &Error{
		Class: Classification{Category: category, Recoverable: recoverable, Strategy: s, Description: string(category)},
		Err:   err,
	}
}

var ErrInvalidPattern = errors.New("retry: invalid pattern")

func must(name, expr string, c Category, recoverable bool, s Strategy, desc string) Pattern {
	return Pattern{Name: name, Match: regexp.MustCompile(expr), Category: c, Recoverable: recoverable, Strategy: s, Description: desc}
}

// DefaultPatterns is the built-in table, checked after runtime registrations.
func DefaultPatterns() []Pattern {
	return []Pattern{
		must("permission", `(?i)permission denied|forbidden|unauthori[sz]ed|access denied|\b40[13]\b`,
			CategoryPermission, false, StrategyHumanGuidance, "authorization failure"),
		must("quota", `(?i)quota|insufficient (funds|credits|balance)|budget (exceeded|exhausted)|billing`,
			CategoryResource, false, StrategyHumanGuidance, "quota or budget exhausted"),
		must("rate_limit", `(?i)rate.?limit|too many requests|throttl|\b429\b`,
			CategoryTransient, true, StrategySameApproach, "rate limited"),
		must("timeout", `(?i)time(d)? ?out|deadline exceeded`,
			CategoryTransient, true, StrategySameApproach, "timed out"),
		must("network", `(?i)connection (reset|refused|closed)|temporar(y|ily)|unavailable|\b50[234]\b|unexpected eof|broken pipe`,
			CategoryTransient, true, StrategySameApproach, "network or service blip"),
		must("context_length", `(?i)context (length|window)|max(imum)?[ _]tokens|too long|out of memory`,
			CategoryResource, true, StrategyParameterAdjust, "request exceeded model resources"),
		must("validation", `(?i)invalid|validation|malformed|schema`,
			CategoryCapability, true, StrategyParameterAdjust, "rejected input"),
		must("tool_missing", `(?i)no such tool|tool .*not (found|available)|unsupported|not supported`,
			CategoryCapability, true, StrategyAlternativeTool, "tool cannot perform the task"),
		must("model_refusal", `(?i)refus|incapable|unable to (complete|comply)`,
			CategoryCapability, true, StrategyModelUpgrade, "model could not do the task"),
		must("too_complex", `(?i)too complex|decompose|scope too (large|broad)`,
			CategoryCapability, true, StrategyDecomposeFurther, "task needs smaller pieces"),
	}
}

// PatternTable classifies errors. Safe for concurrent use.
type PatternTable struct {
	mu       sync.RWMutex
	custom   []Pattern
	defaults []Pattern
}

// NewPatternTable creates a table seeded with DefaultPatterns.
func NewPatternTable() *PatternTable {
	return &PatternTable{defaults: DefaultPatterns()}
}

// Register adds a pattern. Patterns registered later are checked first.
func (t *PatternTable) Register(p Pattern) error {
	if p.Match == nil {
		return fmt.Errorf("%w: %q has no matcher", ErrInvalidPattern, p.Name)
	}
	if strategyIndex(p.Strategy) < 0 {
		return fmt.Errorf("%w: %q has unknown strategy %q", ErrInvalidPattern, p.Name, p.Strategy)
	}
	switch p.Category {
	case CategoryTransient, CategoryResource, CategoryCapability, CategoryPermission, CategoryUnknown:
	default:
		return fmt.Errorf("%w: %q has unknown category %q", ErrInvalidPattern, p.Name, p.Category)
	}
	t.mu.Lock()
	t.custom = append([]Pattern{p}, t.custom...)
	t.mu.Unlock()
	return nil
}

// Classify maps err to a classification. Unmatched errors are unknown and
// treated as retryable up to the attempt cap.
func (t *PatternTable) Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Recoverable: true, Strategy: StrategySameApproach, Description: "no error"}
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Classification()
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Category: CategoryUnknown, Recoverable: false, Strategy: StrategyHumanGuidance, Description: "cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: CategoryTransient, Recoverable: true, Strategy: StrategySameApproach, Description: "timed out", Pattern: "timeout"}
	}

	msg := err.Error()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, set := range [][]Pattern{t.custom, t.defaults} {
		for _, p := range set {
			if p.Match.MatchString(msg) {
				return Classification{
					Category:    p.Category,
					Recoverable: p.Recoverable,
					Strategy:    p.Strategy,
					Description: p.Description,
					Pattern:     p.Name,
				}
			}
		}
	}
	return Classification{Category: CategoryUnknown, Recoverable: true, Strategy: StrategySameApproach, Description: "unclassified error"}
}
