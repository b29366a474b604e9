package routing

import (
	"github.com/Kocoro-lab/taskrouter/internal/state"
)

const DefaultExpectedOutputTokens = 500

// Preferences are optional per-request routing constraints. Nil fields
// mean "not set"; defaults are applied once by Engine.Decide.
type Preferences struct {
	MaxCost              *float64     `json:"max_cost,omitempty"`
	MaxLatencyMs         *int         `json:"max_latency_ms,omitempty"`
	ExpectedOutputTokens *int         `json:"expected_output_tokens,omitempty"`
	Mode                 *state.Mode  `json:"mode,omitempty"`
	Tier                 *QualityTier `json:"tier,omitempty"`
}

// settings is Preferences with defaults applied
type settings struct {
	maxCost       float64
	hasMaxCost    bool
	maxLatency    int
	hasMaxLatency bool
	outputTokens  int
	mode          state.Mode
	tier          QualityTier
}

func (p Preferences) resolve(defaultOutputTokens int) settings {
	s := settings{outputTokens: defaultOutputTokens}
	if s.outputTokens <= 0 {
		s.outputTokens = DefaultExpectedOutputTokens
	}
	if p.MaxCost != nil {
		s.maxCost, s.hasMaxCost = *p.MaxCost, true
	}
	if p.MaxLatencyMs != nil {
		s.maxLatency, s.hasMaxLatency = *p.MaxLatencyMs, true
	}
	if p.ExpectedOutputTokens != nil && *p.ExpectedOutputTokens >= 0 {
		s.outputTokens = *p.ExpectedOutputTokens
	}
	if p.Mode != nil && p.Mode.Valid() {
		s.mode = *p.Mode
	}
	if p.Tier != nil && p.Tier.Valid() {
		s.tier = *p.Tier
	}
	return s
}

// Float64 returns a pointer to v, for building Preferences literals
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }
