package routing

import (
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/models"
)

// Scoring weights
const (
	pointsPerCapability = 20
	reasoningBonus      = 30
	toolBonus           = 25
)

const (
	DefaultShortlistRatio = 0.7
	DefaultShortlistMax   = 3
)

// roleAffinity awards points for role-to-task-type alignment
var roleAffinity = map[agents.Role]map[analysis.TaskType]int{
	agents.RoleCoder: {
		analysis.TypeCode: 50, analysis.TypeMath: 20, analysis.TypeAnalysis: 10,
	},
	agents.RoleAssistant: {
		analysis.TypeConversation: 40, analysis.TypeCode: 20, analysis.TypeUnknown: 20,
		analysis.TypeResearch: 10, analysis.TypeCreative: 10, analysis.TypeAnalysis: 10,
		analysis.TypeImage: 10, analysis.TypeMath: 10,
	},
	agents.RoleAnalyst: {
		analysis.TypeAnalysis: 50, analysis.TypeMath: 30, analysis.TypeResearch: 20,
	},
	agents.RoleWriter: {
		analysis.TypeCreative: 50, analysis.TypeConversation: 15,
	},
	agents.RoleResearcher: {
		analysis.TypeResearch: 50, analysis.TypeAnalysis: 20,
	},
	agents.RoleReviewer: {
		analysis.TypeCode: 30, analysis.TypeAnalysis: 15, analysis.TypeCreative: 15,
	},
	agents.RoleCoordinator: {
		analysis.TypeResearch: 10, analysis.TypeAnalysis: 10, analysis.TypeCode: 10,
	},
	agents.RoleCustom: {},
}

var (
	researchTools = []string{"web_search", "search", "browser", "web_fetch"}
	codeTools     = []string{"code_interpreter", "code_executor", "python_executor", "shell"}
)

// ModelResolver binds an agent to the registry entry used for scoring and
// estimation. ok=false means the agent is unresolved.
type ModelResolver func(agents.AgentConfig) (models.ModelConfig, bool)

// RegistryResolver resolves an agent's ModelID against reg
func RegistryResolver(reg *models.Registry) ModelResolver {
	return func(a agents.AgentConfig) (models.ModelConfig, bool) {
		return reg.Get(a.ModelID)
	}
}

// TierResolver is RegistryResolver, except that agents with no ModelID get
// the first model of tierModels present in reg.
func TierResolver(reg *models.Registry, tierModels []string) ModelResolver {
	return func(a agents.AgentConfig) (models.ModelConfig, bool) {
		if a.ModelID != "" {
			return reg.Get(a.ModelID)
		}
		return defaultModel(reg, tierModels)
	}
}

func defaultModel(reg *models.Registry, tierModels []string) (models.ModelConfig, bool) {
	for _, id := range tierModels {
		if m, ok := reg.Get(id); ok {
			return m, true
		}
	}
	return models.ModelConfig{}, false
}

// ScoredAgent is an agent with its resolved model and match score
type ScoredAgent struct {
	Agent agents.AgentConfig
	Model models.ModelConfig
	Score int
}

// MatchResult is the outcome of ranking an agent pool
type MatchResult struct {
	// Ranked holds every resolvable agent, best first
	Ranked []ScoredAgent

	// Shortlist is the prefix of Ranked within the score threshold
	Shortlist []ScoredAgent

	// Unresolved lists agent ids excluded for lack of a registry model
	Unresolved []string

	// Fallback is set when no agent was resolvable and the first pool
	// entry was returned unscored
	Fallback bool

	Threshold float64
}

// Matcher scores agents against a task analysis
type Matcher struct {
	ratio  float64
	max    int
	logger *zap.Logger
}

// NewMatcher creates a matcher. Non-positive ratio or max use the defaults.
func NewMatcher(ratio float64, max int, logger *zap.Logger) *Matcher {
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultShortlistRatio
	}
	if max <= 0 {
		max = DefaultShortlistMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{ratio: ratio, max: max, logger: logger}
}

// Score computes an agent's match score given its resolved model
func Score(agent agents.AgentConfig, model models.ModelConfig, a analysis.TaskAnalysis) int {
	score := roleAffinity[agent.Role][a.Type]

	for _, c := range a.RequiredCapabilities {
		if model.HasCapability(c) {
			score += pointsPerCapability
		}
	}
	if a.Complexity == analysis.ComplexityComplex && model.HasCapability(analysis.CapReasoning) {
		score += reasoningBonus
	}

	switch a.Type {
	case analysis.TypeResearch:
		if lo.SomeBy(researchTools, agent.HasTool) {
			score += toolBonus
		}
	case analysis.TypeCode:
		if lo.SomeBy(codeTools, agent.HasTool) {
			score += toolBonus
		}
	}
	return score
}

// Match ranks pool against a. The shortlist is never empty when pool is not.
func (m *Matcher) Match(pool []agents.AgentConfig, resolve ModelResolver, a analysis.TaskAnalysis) MatchResult {
	var res MatchResult
	if len(pool) == 0 {
		return res
	}

	scored := make([]ScoredAgent, 0, len(pool))
	for _, agent := range pool {
		model, ok := resolve(agent)
		if !ok {
			res.Unresolved = append(res.Unresolved, agent.ID)
			m.logger.Warn("Agent model not in registry, excluding from scoring",
				zap.String("agent_id", agent.ID),
				zap.String("model_id", agent.ModelID),
			)
			continue
		}
		scored = append(scored, ScoredAgent{Agent: agent, Model: model, Score: Score(agent, model, a)})
	}

	if len(scored) == 0 {
		first := ScoredAgent{Agent: pool[0]}
		res.Ranked = []ScoredAgent{first}
		res.Shortlist = []ScoredAgent{first}
		res.Fallback = true
		return res
	}

	res.Ranked = rankScored(scored)
	res.Shortlist, res.Threshold = shortlist(res.Ranked, m.ratio, m.max)

	m.logger.Debug("Agents matched",
		zap.String("task_type", string(a.Type)),
		zap.Int("scored", len(res.Ranked)),
		zap.Int("shortlisted", len(res.Shortlist)),
		zap.Float64("threshold", res.Threshold),
	)
	return res
}

// Match ranks pool with the default matcher settings
func Match(pool []agents.AgentConfig, reg *models.Registry, a analysis.TaskAnalysis) []ScoredAgent {
	return NewMatcher(0, 0, nil).Match(pool, RegistryResolver(reg), a).Shortlist
}

// rankScored sorts by score descending, keeping input order for ties
func rankScored(scored []ScoredAgent) []ScoredAgent {
	out := append([]ScoredAgent(nil), scored...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// shortlist keeps ranked entries scoring at least ratio*top, capped at max
func shortlist(ranked []ScoredAgent, ratio float64, max int) ([]ScoredAgent, float64) {
	if len(ranked) == 0 {
		return nil, 0
	}
	threshold := ratio * float64(ranked[0].Score)
	out := make([]ScoredAgent, 0, max)
	for _, s := range ranked {
		if len(out) == max || float64(s.Score) < threshold {
			break
		}
		out = append(out, s)
	}
	return out, threshold
}
