package orchestration

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/state"
)

// Phase tells an agent what its call is for
type Phase string

const (
	PhaseRespond    Phase = "respond"
	PhaseCoordinate Phase = "coordinate"
	PhaseSpecialist Phase = "specialist"
	PhaseSynthesize Phase = "synthesize"
)

// CallRequest is one agent invocation. History holds the prior messages
// visible to the agent. Provider and Tier feed rate limiting and may be empty.
type CallRequest struct {
	RunID    string
	Agent    agents.AgentConfig
	ModelID  string
	Provider string
	Tier     string
	Task     string
	History  []state.AgentMessage
	Round    int
	Mode     state.Mode
	Phase    Phase
}

// CallResult is an agent's reply
type CallResult struct {
	Content      string
	ModelID      string
	InputTokens  int
	OutputTokens int
}

// AgentCaller invokes a model on behalf of an agent. Implementations must
// honor ctx cancellation and be safe for concurrent use.
type AgentCaller interface {
	Call(ctx context.Context, req CallRequest) (CallResult, error)
}

// CallerFunc adapts a function to AgentCaller
type CallerFunc func(ctx context.Context, req CallRequest) (CallResult, error)

func (f CallerFunc) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	return f(ctx, req)
}

// EchoCaller answers without contacting any provider; used for dry runs
type EchoCaller struct{}

func (EchoCaller) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	if err := ctx.Err(); err != nil {
		return CallResult{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s as %s via %s, round %d] ", agents.DisplayName(req.Agent), req.Agent.Role, req.ModelID, req.Round)
	switch req.Phase {
	case PhaseSynthesize:
		fmt.Fprintf(&b, "synthesis of %d response(s) to: %s", len(req.History), req.Task)
	case PhaseSpecialist:
		fmt.Fprintf(&b, "following the coordinator plan for: %s", req.Task)
	case PhaseCoordinate:
		fmt.Fprintf(&b, "plan for: %s", req.Task)
	default:
		if len(req.History) > 0 {
			fmt.Fprintf(&b, "building on %d prior message(s): %s", len(req.History), req.Task)
		} else {
			b.WriteString(req.Task)
		}
	}

	inputWords := len(strings.Fields(req.Task))
	for _, m := range req.History {
		inputWords += len(strings.Fields(m.Content))
	}
	content := b.String()
	return CallResult{
		Content:      content,
		ModelID:      req.ModelID,
		InputTokens:  analysis.EstimateTokens(inputWords),
		OutputTokens: analysis.EstimateTokens(len(strings.Fields(content))),
	}, nil
}
