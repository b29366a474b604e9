package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/metrics"
	"github.com/Kocoro-lab/taskrouter/internal/models"
)

// Input is the document a policy sees as `input`
type Input struct {
	Environment string     `json:"environment"`
	Task        TaskInput  `json:"task"`
	Agent       AgentInput `json:"agent"`
	Model       ModelInput `json:"model"`
}

type TaskInput struct {
	Type                 string   `json:"type"`
	Complexity           string   `json:"complexity"`
	Priority             string   `json:"priority"`
	RequiredCapabilities []string `json:"required_capabilities"`
	EstimatedTokens      int      `json:"estimated_tokens"`
}

type AgentInput struct {
	ID       string   `json:"id"`
	Role     string   `json:"role"`
	ModelID  string   `json:"model_id"`
	Tools    []string `json:"tools"`
	Priority int      `json:"priority"`
}

type ModelInput struct {
	ID                     string   `json:"id"`
	Provider               string   `json:"provider"`
	Capabilities           []string `json:"capabilities"`
	LatencyMs              int      `json:"latency_ms"`
	InputPerMillionTokens  float64  `json:"input_per_million"`
	OutputPerMillionTokens float64  `json:"output_per_million"`
}

// OPAEngine admits routing candidates using OPA rego policies
type OPAEngine struct {
	config   Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *decisionCache
}

// NewOPAEngine creates an engine and loads policies from config.Path.
// In fail-open mode a load failure disables the engine instead of failing.
func NewOPAEngine(config Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
	}
	if config.CacheSize > 0 {
		engine.cache = newDecisionCache(config.CacheSize, 5*time.Minute)
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}
	return engine, nil
}

// LoadPolicies loads and compiles all .rego files under the configured path
func (e *OPAEngine) LoadPolicies() error {
	modules := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.config.Path, path)
		modules[strings.TrimSuffix(relPath, ".rego")] = string(content)
		e.logger.Debug("Loaded policy file", zap.String("path", path))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no policy files found in %s", e.config.Path)
	}
	return e.compile(modules)
}

// LoadModules compiles in-memory rego modules keyed by module name
func (e *OPAEngine) LoadModules(modules map[string]string) error {
	if len(modules) == 0 {
		return fmt.Errorf("no policy modules supplied")
	}
	return e.compile(modules)
}

func (e *OPAEngine) compile(modules map[string]string) error {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(Query)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.compiled = &compiled
	e.enabled = e.config.Enabled && e.config.Mode != ModeOff
	e.cache.Clear()
	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(modules)),
		zap.String("decision_query", Query),
	)
	return nil
}

// IsEnabled returns whether the engine is enabled and has compiled policies
func (e *OPAEngine) IsEnabled() bool {
	return e.enabled && e.compiled != nil
}

// Admit evaluates the policy for one candidate. Evaluation failures admit
// the candidate and return the error for logging, unless FailClosed is set,
// in which case the candidate is rejected. Dry-run mode always admits.
func (e *OPAEngine) Admit(ctx context.Context, a analysis.TaskAnalysis, agent agents.AgentConfig, model models.ModelConfig) (bool, error) {
	if !e.IsEnabled() {
		metrics.PolicyEvaluations.WithLabelValues("skipped").Inc()
		return true, nil
	}

	input := e.buildInput(a, agent, model)
	if allow, ok := e.cache.Get(input); ok {
		return e.applyMode(allow, agent), nil
	}

	allow, err := e.evaluate(ctx, input)
	if err != nil {
		metrics.PolicyEvaluations.WithLabelValues("error").Inc()
		if e.config.FailClosed {
			e.logger.Warn("Policy evaluation failed, rejecting candidate",
				zap.String("agent_id", agent.ID),
				zap.Error(err),
			)
			return false, nil
		}
		return true, err
	}
	e.cache.Set(input, allow)
	return e.applyMode(allow, agent), nil
}

func (e *OPAEngine) applyMode(allow bool, agent agents.AgentConfig) bool {
	switch {
	case allow:
		metrics.PolicyEvaluations.WithLabelValues("allow").Inc()
		return true
	case e.config.Mode == ModeDryRun:
		metrics.PolicyEvaluations.WithLabelValues("dry_run_deny").Inc()
		e.logger.Info("Policy would reject candidate (dry-run)", zap.String("agent_id", agent.ID))
		return true
	}
	metrics.PolicyEvaluations.WithLabelValues("deny").Inc()
	e.logger.Debug("Policy rejected candidate", zap.String("agent_id", agent.ID))
	return false
}

func (e *OPAEngine) evaluate(ctx context.Context, input Input) (bool, error) {
	inputMap, err := toMap(input)
	if err != nil {
		return false, fmt.Errorf("failed to convert policy input: %w", err)
	}
	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}
	// An undefined rule is a deny
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T, want bool", Query, results[0].Expressions[0].Value)
	}
	return allow, nil
}

func (e *OPAEngine) buildInput(a analysis.TaskAnalysis, agent agents.AgentConfig, model models.ModelConfig) Input {
	return Input{
		Environment: e.config.Environment,
		Task: TaskInput{
			Type:                 string(a.Type),
			Complexity:           string(a.Complexity),
			Priority:             string(a.Priority),
			RequiredCapabilities: capStrings(a.RequiredCapabilities),
			EstimatedTokens:      a.EstimatedTokens,
		},
		Agent: AgentInput{
			ID:       agent.ID,
			Role:     string(agent.Role),
			ModelID:  agent.ModelID,
			Tools:    append([]string{}, agent.Tools...),
			Priority: agent.Priority,
		},
		Model: ModelInput{
			ID:                     model.ID,
			Provider:               model.Provider,
			Capabilities:           capStrings(model.Capabilities),
			LatencyMs:              model.LatencyMs,
			InputPerMillionTokens:  model.Pricing.InputPerMillionTokens,
			OutputPerMillionTokens: model.Pricing.OutputPerMillionTokens,
		},
	}
}

func capStrings(caps []analysis.Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, string(c))
	}
	return out
}

// toMap converts Input to the generic form rego expects
func toMap(input Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	allow     bool
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

// makeKey covers every input field a policy can see
func (c *decisionCache) makeKey(input Input) string {
	data, _ := json.Marshal(input)
	return string(data)
}

func (c *decisionCache) Get(input Input) (bool, bool) {
	if c == nil {
		return false, false
	}
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.allow, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return false, false
}

func (c *decisionCache) Set(input Input, allow bool) {
	if c == nil {
		return
	}
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), allow: allow}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), allow: allow})
	c.m[key] = el
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

func (c *decisionCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
