package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/pricing"
	"github.com/Kocoro-lab/taskrouter/internal/routing"
	"github.com/Kocoro-lab/taskrouter/internal/state"
	"github.com/Kocoro-lab/taskrouter/internal/streaming"
)

const (
	agentsFixture = "../../config/agents.yaml"
	modelsFixture = "../../config/models.yaml"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	runDryRun = false
	runShowEvents = false

	cfgPath := filepath.Join(t.TempDir(), "taskrouter.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: error\n"), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAnalyzeCommand(t *testing.T) {
	out, err := execute(t, "analyze", "write", "a", "python", "function", "to", "parse", "csv")
	require.NoError(t, err)

	var a analysis.TaskAnalysis
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, analysis.TypeCode, a.Type)
	assert.Contains(t, a.RequiredCapabilities, analysis.CapCode)
}

func TestDecideCommand(t *testing.T) {
	out, err := execute(t, "decide", "--agents", agentsFixture, "--models", modelsFixture,
		"--max-cost", "1", "implement a binary search function in go")
	require.NoError(t, err)

	var d routing.RoutingDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	require.NotEmpty(t, d.SelectedAgents)
	assert.Equal(t, "coder", d.SelectedAgents[0].ID)
	assert.True(t, d.Mode.Valid())
	assert.NotEmpty(t, d.Reasoning)
}

func TestDecideRejectsUnknownMode(t *testing.T) {
	_, err := execute(t, "decide", "--agents", agentsFixture, "--models", modelsFixture, "--mode", "swarm", "hello")
	assert.ErrorContains(t, err, `unknown mode "swarm"`)
	decideFlags.mode = ""
}

func TestRunRequiresDryRun(t *testing.T) {
	_, err := execute(t, "run", "--agents", agentsFixture, "--models", modelsFixture, "hello")
	assert.ErrorContains(t, err, "--dry-run")
}

func TestRunDryRunConsensus(t *testing.T) {
	out, err := execute(t, "run", "--dry-run", "--events", "--mode", "consensus",
		"--agents", agentsFixture, "--models", modelsFixture,
		"analyze the quarterly revenue data and explain the trend")
	require.NoError(t, err)

	var got struct {
		State  state.AgentState  `json:"state"`
		Error  string            `json:"error"`
		Events []streaming.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Empty(t, got.Error)
	assert.Equal(t, state.StatusCompleted, got.State.Status)
	assert.Equal(t, state.ModeConsensus, got.State.Mode)
	assert.Equal(t, 2, got.State.Round)
	assert.Len(t, got.State.Messages, len(got.State.ActiveAgents)+1)
	require.NotEmpty(t, got.Events)
	assert.Equal(t, streaming.EventRunStarted, got.Events[0].Type)
	assert.Equal(t, streaming.EventRunCompleted, got.Events[len(got.Events)-1].Type)
}

func TestRegistryCostCommand(t *testing.T) {
	out, err := execute(t, "registry", "cost", "--models", modelsFixture,
		"--input-tokens", "1000000", "--output-tokens", "0",
		"claude-opus-4-1", "no-such-model", "gpt-4o-mini", "gemini-2.5-flash")
	require.NoError(t, err)

	var got struct {
		Estimates []pricing.CostEstimate `json:"estimates"`
		Missing   []string               `json:"missing"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Estimates, 3)
	assert.Equal(t, "gpt-4o-mini", got.Estimates[0].ModelID)
	assert.InDelta(t, 0.15, got.Estimates[0].TotalEstimate, 1e-9)
	assert.Equal(t, "claude-opus-4-1", got.Estimates[2].ModelID)
	assert.Equal(t, []string{"no-such-model"}, got.Missing)
}
