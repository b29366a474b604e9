package orchestration

import (
	"errors"
	"fmt"

	"github.com/Kocoro-lab/taskrouter/internal/state"
)

var (
	// ErrOrchestrationTimeout is the timeout class: every *TimeoutError matches it
	ErrOrchestrationTimeout = errors.New("orchestration timeout")
	ErrAllAgentsFailed      = errors.New("all agents failed")
	ErrNoAgents             = errors.New("plan has no agents")
	ErrUnknownMode          = errors.New("unknown orchestration mode")
	ErrInvalidTransition    = state.ErrInvalidTransition
)

// TimeoutReason says which limit ended a run
type TimeoutReason string

const (
	ReasonDeadline  TimeoutReason = "deadline"
	ReasonMaxRounds TimeoutReason = "max_rounds"
)

// TimeoutError reports a run that hit its wall-clock deadline or round ceiling
type TimeoutError struct {
	Reason TimeoutReason
	Err    error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("orchestration timeout (%s)", e.Reason)
	}
	return fmt.Sprintf("orchestration timeout (%s): %v", e.Reason, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrOrchestrationTimeout) hold for any TimeoutError
func (e *TimeoutError) Is(target error) bool { return target == ErrOrchestrationTimeout }

// AgentCallError is one failed agent invocation
type AgentCallError struct {
	AgentID string
	Round   int
	Err     error
}

func (e *AgentCallError) Error() string {
	return fmt.Sprintf("agent %s failed in round %d: %v", e.AgentID, e.Round, e.Err)
}

func (e *AgentCallError) Unwrap() error { return e.Err }
