package agents

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePool(t *testing.T) {
	doc := []byte(`
agents:
  - id: coder-1
    name: Coder
    role: coder
    model_id: gpt-4o
    tools: [code_interpreter]
    priority: 80
  - id: helper
    model_id: claude-3-haiku
`)
	pool, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, pool, 2)

	assert.Equal(t, RoleCoder, pool[0].Role)
	assert.True(t, pool[0].HasTool("code_interpreter"))
	assert.False(t, pool[0].HasTool("web_search"))
	assert.Equal(t, 80, pool[0].Priority)
	assert.Equal(t, RoleAssistant, pool[1].Role, "empty role defaults to assistant")
}

func TestValidatePool(t *testing.T) {
	tests := []struct {
		name string
		pool []AgentConfig
		want error
	}{
		{"ok", []AgentConfig{{ID: "a", Role: RoleCoder}, {ID: "b", Role: RoleWriter, Priority: 100}}, nil},
		{"missing id", []AgentConfig{{Role: RoleCoder}}, ErrMissingID},
		{"bad role", []AgentConfig{{ID: "a", Role: "pilot"}}, ErrInvalidRole},
		{"priority high", []AgentConfig{{ID: "a", Role: RoleCoder, Priority: 101}}, ErrPriorityOutOfRange},
		{"priority low", []AgentConfig{{ID: "a", Role: RoleCoder, Priority: -1}}, ErrPriorityOutOfRange},
		{"duplicate", []AgentConfig{{ID: "a", Role: RoleCoder}, {ID: "a", Role: RoleWriter}}, ErrDuplicateID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePool(tt.pool)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Coder", DisplayName(AgentConfig{ID: "x", Name: "Coder"}))

	n1 := DisplayName(AgentConfig{ID: "agent-42"})
	n2 := DisplayName(AgentConfig{ID: "agent-42"})
	assert.NotEmpty(t, n1)
	assert.Equal(t, n1, n2, "station names must be stable per id")
	assert.Contains(t, stationNames, n1)
}
