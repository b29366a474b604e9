package routing

import (
	"fmt"

	"github.com/Kocoro-lab/taskrouter/internal/analysis"
)

// QualityTier is a coarse cost/capability bucket
type QualityTier string

const (
	TierBudget   QualityTier = "budget"
	TierBalanced QualityTier = "balanced"
	TierPremium  QualityTier = "premium"
	TierFrontier QualityTier = "frontier"
)

// Tiers in ascending capability (and expected cost) order
var Tiers = []QualityTier{TierBudget, TierBalanced, TierPremium, TierFrontier}

// Rank orders tiers: budget=0 .. frontier=3. Unknown tiers rank -1.
func (t QualityTier) Rank() int {
	for i, known := range Tiers {
		if t == known {
			return i
		}
	}
	return -1
}

// Valid reports whether t is a known tier
func (t QualityTier) Valid() bool { return t.Rank() >= 0 }

// TierFor maps an analysis onto a quality tier. An analysis the decision
// table does not cover yields ErrUnreachableTier instead of a silent default.
func TierFor(a analysis.TaskAnalysis) (QualityTier, error) {
	high := a.Priority == analysis.PriorityHigh
	complex := a.Complexity == analysis.ComplexityComplex

	switch {
	case high && complex:
		return TierFrontier, nil
	case complex || high:
		return TierPremium, nil
	case a.Complexity == analysis.ComplexityModerate:
		return TierBalanced, nil
	case a.Complexity == analysis.ComplexitySimple:
		return TierBudget, nil
	}
	return "", fmt.Errorf("%w: complexity=%q priority=%q", ErrUnreachableTier, a.Complexity, a.Priority)
}

// TierTable maps every tier to its ordered preferred model ids
type TierTable struct {
	Budget   []string `mapstructure:"budget" yaml:"budget" json:"budget"`
	Balanced []string `mapstructure:"balanced" yaml:"balanced" json:"balanced"`
	Premium  []string `mapstructure:"premium" yaml:"premium" json:"premium"`
	Frontier []string `mapstructure:"frontier" yaml:"frontier" json:"frontier"`
}

// DefaultTierTable returns the built-in model preferences
func DefaultTierTable() TierTable {
	return TierTable{
		Budget:   []string{"gpt-4o-mini", "claude-3-5-haiku", "gemini-2.5-flash-lite"},
		Balanced: []string{"gpt-4.1-mini", "claude-3-5-haiku", "gemini-2.5-flash"},
		Premium:  []string{"gpt-4.1", "claude-sonnet-4-5", "gemini-2.5-pro"},
		Frontier: []string{"gpt-5", "claude-opus-4-1", "gemini-2.5-pro"},
	}
}

// Models returns the preferred model ids for t
func (tt TierTable) Models(t QualityTier) ([]string, error) {
	switch t {
	case TierBudget:
		return tt.Budget, nil
	case TierBalanced:
		return tt.Balanced, nil
	case TierPremium:
		return tt.Premium, nil
	case TierFrontier:
		return tt.Frontier, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTier, t)
}

// Validate requires every tier to list at least one model
func (tt TierTable) Validate() error {
	for _, t := range Tiers {
		ids, err := tt.Models(t)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("tier %s has no models", t)
		}
	}
	return nil
}
