package models

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Kocoro-lab/taskrouter/internal/analysis"
)

var (
	ErrMissingModelID   = errors.New("model id is required")
	ErrDuplicateModelID = errors.New("duplicate model id")
	ErrNegativePrice    = errors.New("model price must be >= 0")
	ErrNegativeLatency  = errors.New("model latency must be >= 0")
	ErrEmptyRegistry    = errors.New("model registry is empty")
)

// Pricing in USD per million tokens
type Pricing struct {
	InputPerMillionTokens  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillionTokens float64 `yaml:"output_per_million" json:"output_per_million"`
}

// ModelConfig is one registry entry
type ModelConfig struct {
	ID           string                `yaml:"id" json:"id"`
	Provider     string                `yaml:"provider" json:"provider,omitempty"`
	Capabilities []analysis.Capability `yaml:"capabilities" json:"capabilities"`
	Pricing      Pricing               `yaml:"pricing" json:"pricing"`
	LatencyMs    int                   `yaml:"latency_ms" json:"latency_ms"`
}

// HasCapability reports whether the model supports c
func (m ModelConfig) HasCapability(c analysis.Capability) bool {
	return slices.Contains(m.Capabilities, c)
}

// HasCapabilities reports whether the model's capabilities are a superset of required
func (m ModelConfig) HasCapabilities(required []analysis.Capability) bool {
	for _, c := range required {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

func (m ModelConfig) validate() error {
	if m.ID == "" {
		return ErrMissingModelID
	}
	if m.Pricing.InputPerMillionTokens < 0 || m.Pricing.OutputPerMillionTokens < 0 {
		return fmt.Errorf("%w: %s", ErrNegativePrice, m.ID)
	}
	if m.LatencyMs < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeLatency, m.ID)
	}
	return nil
}

func (m ModelConfig) clone() ModelConfig {
	m.Capabilities = slices.Clone(m.Capabilities)
	return m
}

// Registry is an immutable snapshot of model metadata keyed by id.
// It is safe for concurrent reads; refreshes produce a new Registry.
type Registry struct {
	order []string
	byID  map[string]ModelConfig
}

// NewRegistry validates entries and builds a snapshot. Input order is kept.
func NewRegistry(entries []ModelConfig) (*Registry, error) {
	r := &Registry{
		order: make([]string, 0, len(entries)),
		byID:  make(map[string]ModelConfig, len(entries)),
	}
	for _, m := range entries {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.byID[m.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModelID, m.ID)
		}
		r.byID[m.ID] = m.clone()
		r.order = append(r.order, m.ID)
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on invalid input; intended for tests and fixtures
func MustRegistry(entries ...ModelConfig) *Registry {
	r, err := NewRegistry(entries)
	if err != nil {
		panic(err)
	}
	return r
}

// Get resolves a model id. A nil registry resolves nothing.
func (r *Registry) Get(id string) (ModelConfig, bool) {
	if r == nil {
		return ModelConfig{}, false
	}
	m, ok := r.byID[id]
	if !ok {
		return ModelConfig{}, false
	}
	return m.clone(), true
}

// Models returns all entries in registry order
func (r *Registry) Models() []ModelConfig {
	if r == nil {
		return nil
	}
	out := make([]ModelConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

// Len returns the number of models in the snapshot
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}
