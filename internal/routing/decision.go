package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/metrics"
	"github.com/Kocoro-lab/taskrouter/internal/models"
	"github.com/Kocoro-lab/taskrouter/internal/pricing"
	"github.com/Kocoro-lab/taskrouter/internal/state"
	"github.com/Kocoro-lab/taskrouter/internal/tracing"
)

// AgentFilter admits or rejects a candidate agent. Implementations should
// fail open; Decide also keeps the candidate when Admit returns an error.
type AgentFilter interface {
	Admit(ctx context.Context, a analysis.TaskAnalysis, agent agents.AgentConfig, model models.ModelConfig) (bool, error)
}

// Candidate is one scored agent as reported on a decision
type Candidate struct {
	AgentID       string  `json:"agent_id"`
	ModelID       string  `json:"model_id"`
	Score         int     `json:"score"`
	EstimatedCost float64 `json:"estimated_cost"`
	LatencyMs     int     `json:"latency_ms"`
}

// RoutingDecision is the finalized choice for one task
type RoutingDecision struct {
	SelectedAgents     []agents.AgentConfig  `json:"selected_agents"`
	Mode               state.Mode            `json:"mode"`
	Reasoning          []string              `json:"reasoning"`
	EstimatedCost      float64               `json:"estimated_cost"`
	EstimatedLatencyMs int                   `json:"estimated_latency_ms"`
	Analysis           analysis.TaskAnalysis `json:"analysis"`
	Tier               QualityTier           `json:"tier"`
	SuggestedModelID   string                `json:"suggested_model_id,omitempty"`
	Fallback           bool                  `json:"fallback"`
	Candidates         []Candidate           `json:"candidates"`

	// BoundModels maps each selected agent id to the model it was scored with
	BoundModels map[string]string `json:"bound_models"`
}

// Config holds engine settings with defaults applied at load time
type Config struct {
	ShortlistRatio      float64   `mapstructure:"shortlist_ratio"`
	ShortlistMax        int       `mapstructure:"shortlist_max"`
	DefaultOutputTokens int       `mapstructure:"default_output_tokens"`
	Tiers               TierTable `mapstructure:"tiers"`
	SynthesizerID       string    `mapstructure:"synthesizer_id"`
}

// Engine composes analysis, matching, estimation and narrowing into a
// RoutingDecision. It holds no per-request state and is safe for concurrent use.
type Engine struct {
	cfg     Config
	matcher *Matcher
	filter  AgentFilter
	logger  *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithFilter adds a policy narrowing step
func WithFilter(f AgentFilter) Option {
	return func(e *Engine) { e.filter = f }
}

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine builds an engine
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.DefaultOutputTokens <= 0 {
		cfg.DefaultOutputTokens = DefaultExpectedOutputTokens
	}
	if cfg.Tiers.Validate() != nil {
		cfg.Tiers = DefaultTierTable()
	}
	e := &Engine{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.matcher = NewMatcher(cfg.ShortlistRatio, cfg.ShortlistMax, e.logger)
	return e
}

// candidate is a shortlisted agent with its cost projection
type candidate struct {
	ScoredAgent
	cost pricing.CostEstimate
}

// Decide routes input across pool. It only fails for an empty pool; every
// other degenerate case is recovered and noted in the reasoning trace.
func (e *Engine) Decide(ctx context.Context, input string, pool []agents.AgentConfig, reg *models.Registry, prefs Preferences) (*RoutingDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "routing.decide", attribute.Int("pool_size", len(pool)))
	defer span.End()

	if len(pool) == 0 {
		tracing.RecordError(span, ErrEmptyAgentPool)
		return nil, ErrEmptyAgentPool
	}

	s := prefs.resolve(e.cfg.DefaultOutputTokens)
	d := &RoutingDecision{}
	var trace []string
	note := func(format string, args ...interface{}) {
		trace = append(trace, fmt.Sprintf(format, args...))
	}

	// 1. Analyze
	a := analysis.Analyze(input)
	d.Analysis = a
	note("Analyzed task: type=%s complexity=%s priority=%s estimated_tokens=%d",
		a.Type, a.Complexity, a.Priority, a.EstimatedTokens)

	// 2. Quality tier
	tier := s.tier
	if tier == "" {
		t, err := TierFor(a)
		if err != nil {
			e.logger.Error("Tier table did not match analysis", zap.Error(err))
			note("Tier table did not match analysis (%v); using %s", err, TierBalanced)
			t = TierBalanced
		}
		tier = t
		note("Selected quality tier %s", tier)
	} else {
		note("Quality tier %s set by preferences", tier)
	}
	d.Tier = tier
	tierModels, _ := e.cfg.Tiers.Models(tier)

	for _, agent := range pool {
		if agent.ModelID != "" {
			continue
		}
		if m, ok := defaultModel(reg, tierModels); ok {
			note("Agent %s has no model; bound to %s tier default %s", agent.ID, tier, m.ID)
		}
	}

	// 3. Match
	res := e.matcher.Match(pool, TierResolver(reg, tierModels), a)
	if n := len(res.Unresolved); n > 0 {
		metrics.UnresolvedModels.Add(float64(n))
		note("Excluded %d agent(s) with unresolved models: %s", n, strings.Join(res.Unresolved, ", "))
	}
	if res.Fallback {
		d.Fallback = true
		metrics.RoutingFallbacks.WithLabelValues("unresolved_models").Inc()
		note("No agent could be scored (%v); falling back to first agent %s", ErrUnresolvedModel, pool[0].ID)
	} else {
		note("Scored %d agent(s); %d within %.0f%% of top score %d",
			len(res.Ranked), len(res.Shortlist), e.matcher.ratio*100, res.Ranked[0].Score)
	}

	// 4. Estimate
	cands := lo.Map(res.Shortlist, func(sa ScoredAgent, _ int) candidate {
		return candidate{ScoredAgent: sa, cost: pricing.EstimateModel(sa.Model, a.EstimatedTokens, s.outputTokens)}
	})
	best := cands[0]

	// 5. Narrow
	var emptiedBy string
	narrow := func(reason, label string, keep func(candidate) bool) {
		if len(cands) == 0 {
			return
		}
		before := len(cands)
		cands = lo.Filter(cands, func(c candidate, _ int) bool { return keep(c) })
		note("%s: %d of %d candidate(s) remain", label, len(cands), before)
		if len(cands) == 0 {
			emptiedBy = reason
		}
	}

	if s.hasMaxCost && !res.Fallback {
		narrow("max_cost", fmt.Sprintf("Cost filter (max $%.6f)", s.maxCost), func(c candidate) bool {
			return c.cost.TotalEstimate <= s.maxCost
		})
	}
	if s.hasMaxLatency {
		if !res.Fallback {
			narrow("max_latency", fmt.Sprintf("Latency filter (max %dms)", s.maxLatency), func(c candidate) bool {
				return c.Model.LatencyMs <= s.maxLatency
			})
		}
		if m, ok := SelectByLatency(reg, s.maxLatency, a.RequiredCapabilities); ok {
			d.SuggestedModelID = m.ID
			note("Fastest model within %dms: %s (%dms)", s.maxLatency, m.ID, m.LatencyMs)
		} else {
			note("No registry model meets %dms with the required capabilities", s.maxLatency)
		}
	}
	if e.filter != nil && !res.Fallback {
		narrow("policy", "Policy filter", func(c candidate) bool {
			ok, err := e.filter.Admit(ctx, a, c.Agent, c.Model)
			if err != nil {
				e.logger.Warn("Agent filter failed, admitting candidate",
					zap.String("agent_id", c.Agent.ID),
					zap.Error(err),
				)
				return true
			}
			return ok
		})
	}

	if len(cands) == 0 {
		cands = []candidate{best}
		d.Fallback = true
		metrics.RoutingFallbacks.WithLabelValues(emptiedBy).Inc()
		note("%v; falling back to highest-scored agent %s (score %d)", ErrNoCandidateAgents, best.Agent.ID, best.Score)
	}

	// 6. Mode
	mode := selectMode(cands, a)
	note("Selected mode %s for %d candidate(s)", mode, len(cands))
	if s.mode != "" {
		if s.mode != mode {
			note("Mode overridden to %s by preferences", s.mode)
		}
		mode = s.mode
	} else if mode != state.ModeSingle && lo.SomeBy(cands, func(c candidate) bool { return c.Agent.Role == agents.RoleCoordinator }) {
		mode = state.ModeHierarchical
		note("Coordinator present; using hierarchical topology")
	}
	if mode == state.ModeSingle && len(cands) > 1 {
		cands = cands[:1]
		note("Single mode keeps top candidate %s", cands[0].Agent.ID)
	}
	d.Mode = mode

	// 7. Aggregate
	d.BoundModels = make(map[string]string, len(cands))
	for _, c := range cands {
		d.SelectedAgents = append(d.SelectedAgents, c.Agent)
		d.BoundModels[c.Agent.ID] = c.Model.ID
		d.EstimatedCost += c.cost.TotalEstimate
		d.Candidates = append(d.Candidates, Candidate{
			AgentID:       c.Agent.ID,
			ModelID:       c.Model.ID,
			Score:         c.Score,
			EstimatedCost: c.cost.TotalEstimate,
			LatencyMs:     c.Model.LatencyMs,
		})
	}
	d.EstimatedLatencyMs = aggregateLatency(mode, cands, e.cfg.SynthesizerID)
	note("Estimated cost $%.6f, latency %dms", d.EstimatedCost, d.EstimatedLatencyMs)
	d.Reasoning = trace

	metrics.RoutingDecisions.WithLabelValues(string(mode), string(a.Type)).Inc()
	metrics.RoutingCandidates.Observe(float64(len(d.SelectedAgents)))
	metrics.RoutingEstimatedCostUSD.Observe(d.EstimatedCost)
	span.SetAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("task_type", string(a.Type)),
		attribute.Int("selected", len(d.SelectedAgents)),
		attribute.Bool("fallback", d.Fallback),
	)
	e.logger.Info("Routing decision",
		zap.String("mode", string(mode)),
		zap.String("task_type", string(a.Type)),
		zap.String("tier", string(tier)),
		zap.Strings("agents", lo.Map(d.SelectedAgents, func(ag agents.AgentConfig, _ int) string { return ag.ID })),
		zap.Float64("estimated_cost", d.EstimatedCost),
		zap.Int("estimated_latency_ms", d.EstimatedLatencyMs),
		zap.Bool("fallback", d.Fallback),
	)
	return d, nil
}

func selectMode(cands []candidate, a analysis.TaskAnalysis) state.Mode {
	switch {
	case len(cands) == 1:
		return state.ModeSingle
	case a.Complexity == analysis.ComplexityComplex:
		return state.ModeParallel
	case lo.SomeBy(cands, func(c candidate) bool { return c.Agent.Role == agents.RoleReviewer }):
		return state.ModeSequential
	}
	return state.ModeSingle
}

// aggregateLatency is max for parallel, max plus the synthesizer for
// consensus, and the sum otherwise
func aggregateLatency(mode state.Mode, cands []candidate, synthesizerID string) int {
	latencies := lo.Map(cands, func(c candidate, _ int) int { return c.Model.LatencyMs })
	switch mode {
	case state.ModeParallel:
		return lo.Max(latencies)
	case state.ModeConsensus:
		agentsOnly := lo.Map(cands, func(c candidate, _ int) agents.AgentConfig { return c.Agent })
		synth := Synthesizer(agentsOnly, synthesizerID)
		for _, c := range cands {
			if c.Agent.ID == synth.ID {
				return lo.Max(latencies) + c.Model.LatencyMs
			}
		}
		return lo.Max(latencies)
	}
	return lo.Sum(latencies)
}

// Synthesizer picks the consensus synthesis agent: the configured id when
// present in selected, else the highest-priority agent (first on ties).
func Synthesizer(selected []agents.AgentConfig, synthesizerID string) agents.AgentConfig {
	if synthesizerID != "" {
		if a, ok := lo.Find(selected, func(a agents.AgentConfig) bool { return a.ID == synthesizerID }); ok {
			return a
		}
	}
	var best agents.AgentConfig
	for i, a := range selected {
		if i == 0 || a.Priority > best.Priority {
			best = a
		}
	}
	return best
}
