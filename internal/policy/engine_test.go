package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/models"
)

const routingPolicy = `
package taskrouter.routing

import rego.v1

default allow := false

allow if {
	input.agent.role != "writer"
	input.model.latency_ms <= 2000
}

allow if {
	input.environment == "dev"
}
`

var (
	codeTask = analysis.Analyze("fix this bug in my typescript function")
	fastLLM  = models.ModelConfig{ID: "claude-haiku", Provider: "anthropic", LatencyMs: 400}
	slowLLM  = models.ModelConfig{ID: "o-reasoner", LatencyMs: 9000}
	coder    = agents.AgentConfig{ID: "coder", Role: agents.RoleCoder, ModelID: "claude-haiku"}
	writer   = agents.AgentConfig{ID: "writer", Role: agents.RoleWriter, ModelID: "claude-haiku"}
)

func writePolicyDir(t *testing.T, content string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "routing.rego"), []byte(content), 0o644))
	return dir
}

func TestAdmitEnforce(t *testing.T) {
	e, err := NewOPAEngine(Config{
		Enabled:     true,
		Mode:        ModeEnforce,
		Path:        writePolicyDir(t, routingPolicy),
		Environment: "prod",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, e.IsEnabled())

	tests := []struct {
		name  string
		agent agents.AgentConfig
		model models.ModelConfig
		want  bool
	}{
		{"coder on fast model", coder, fastLLM, true},
		{"writer rejected", writer, fastLLM, false},
		{"slow model rejected", coder, slowLLM, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Admit(context.Background(), codeTask, tt.agent, tt.model)
			require.NoError(t, err)
			if got != tt.want {
				t.Errorf("Admit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdmitUsesEnvironment(t *testing.T) {
	e, err := NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, Environment: "dev"}, zaptest.NewLogger(t))
	require.NoError(t, err, "fail-open tolerates a missing path")
	require.NoError(t, e.LoadModules(map[string]string{"routing": routingPolicy}))

	ok, err := e.Admit(context.Background(), codeTask, writer, slowLLM)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitDryRunNeverRejects(t *testing.T) {
	e, err := NewOPAEngine(Config{Enabled: true, Mode: ModeDryRun, Path: writePolicyDir(t, routingPolicy)}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ok, err := e.Admit(context.Background(), codeTask, writer, slowLLM)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDisabledEngineAdmits(t *testing.T) {
	for _, cfg := range []Config{
		{Enabled: false, Mode: ModeEnforce},
		{Enabled: true, Mode: ModeOff},
	} {
		e, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.False(t, e.IsEnabled())
		ok, err := e.Admit(context.Background(), codeTask, writer, slowLLM)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLoadFailureModes(t *testing.T) {
	empty := t.TempDir()

	e, err := NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, Path: empty}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, e.IsEnabled(), "fail-open disables the engine")

	_, err = NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, Path: empty, FailClosed: true}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, Path: writePolicyDir(t, "package broken\nallow if {"), FailClosed: true}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestEvaluationErrors(t *testing.T) {
	const nonBool = `
package taskrouter.routing

allow := "yes"
`
	e, err := NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, Path: writePolicyDir(t, nonBool)}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ok, err := e.Admit(context.Background(), codeTask, coder, fastLLM)
	assert.Error(t, err)
	assert.True(t, ok, "fail-open admits on evaluation errors")

	closed, err := NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, FailClosed: true, Path: writePolicyDir(t, nonBool)}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ok, err = closed.Admit(context.Background(), codeTask, coder, fastLLM)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDecisionsUncachedByDefault(t *testing.T) {
	e, err := NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, Path: writePolicyDir(t, routingPolicy), Environment: "prod"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, e.cache)

	ok, err := e.Admit(context.Background(), codeTask, writer, fastLLM)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.Admit(context.Background(), codeTask, writer, fastLLM)
	require.NoError(t, err)
	assert.False(t, ok)

	hits, misses := e.cache.Stats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)
}

func TestDecisionCache(t *testing.T) {
	e, err := NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, Path: writePolicyDir(t, routingPolicy), CacheSize: 16}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Admit(context.Background(), codeTask, coder, fastLLM)
		require.NoError(t, err)
	}
	hits, misses := e.cache.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)

	c := newDecisionCache(1, 0)
	c.Set(Input{Agent: AgentInput{ID: "a"}}, true)
	c.Set(Input{Agent: AgentInput{ID: "b"}}, false)
	_, ok := c.Get(Input{Agent: AgentInput{ID: "a"}})
	assert.False(t, ok, "least recently used entry is evicted")
	allow, ok := c.Get(Input{Agent: AgentInput{ID: "b"}})
	assert.True(t, ok)
	assert.False(t, allow)
}
