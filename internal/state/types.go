package state

import (
	"errors"
	"fmt"
	"time"
)

// Mode is the orchestration topology of a run
type Mode string

const (
	ModeSingle       Mode = "single"
	ModeSequential   Mode = "sequential"
	ModeParallel     Mode = "parallel"
	ModeHierarchical Mode = "hierarchical"
	ModeConsensus    Mode = "consensus"
)

// Modes lists every orchestration mode
var Modes = []Mode{ModeSingle, ModeSequential, ModeParallel, ModeHierarchical, ModeConsensus}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeSingle, ModeSequential, ModeParallel, ModeHierarchical, ModeConsensus:
		return true
	}
	return false
}

// Concurrent reports whether the mode fans out calls in waves
func (m Mode) Concurrent() bool {
	return m == ModeParallel || m == ModeHierarchical || m == ModeConsensus
}

// Status of a run: idle -> running -> {completed, failed}
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MessageRole is the chat role of an AgentMessage
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

var (
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrRoundLimit        = errors.New("round limit reached")
	ErrNotRunning        = errors.New("run is not running")
)

// AgentMessage is one entry of the append-only run log
type AgentMessage struct {
	ID           string      `json:"id"`
	AgentID      string      `json:"agent_id"`
	AgentName    string      `json:"agent_name"`
	Role         MessageRole `json:"role"`
	Content      string      `json:"content"`
	Timestamp    time.Time   `json:"timestamp"`
	Round        int         `json:"round"`
	ModelID      string      `json:"model_id,omitempty"`
	InputTokens  int         `json:"input_tokens,omitempty"`
	OutputTokens int         `json:"output_tokens,omitempty"`
}

// Debug carries the routing trace and executor decisions for a debug panel
type Debug struct {
	Reasoning []string `json:"reasoning"`
	Decisions []string `json:"decisions"`
}

// AgentState is the mutable state of one orchestration run. It is owned by
// exactly one executor run; readers get copies via Snapshot.
type AgentState struct {
	RunID             string            `json:"run_id"`
	Task              string            `json:"task"`
	Mode              Mode              `json:"mode"`
	Status            Status            `json:"status"`
	Messages          []AgentMessage    `json:"messages"`
	ActiveAgents      []string          `json:"active_agents"`
	CurrentAgentIndex int               `json:"current_agent_index"`
	Round             int               `json:"round"`
	MaxRounds         int               `json:"max_rounds"`
	IsComplete        bool              `json:"is_complete"`
	Error             string            `json:"error,omitempty"`
	AgentErrors       map[string]string `json:"agent_errors,omitempty"`
	Debug             *Debug            `json:"debug,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}

// New creates an idle run state. maxRounds <= 0 means unbounded.
func New(runID, task string, mode Mode, maxRounds int) *AgentState {
	return &AgentState{
		RunID:     runID,
		Task:      task,
		Mode:      mode,
		Status:    StatusIdle,
		MaxRounds: maxRounds,
		Messages:  []AgentMessage{},
	}
}

// Start moves idle -> running
func (s *AgentState) Start(now time.Time) error {
	if s.Status != StatusIdle {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusRunning)
	}
	s.Status = StatusRunning
	s.StartedAt = now
	return nil
}

// Complete moves running -> completed
func (s *AgentState) Complete(now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusCompleted)
	}
	s.Status = StatusCompleted
	s.IsComplete = true
	s.FinishedAt = now
	return nil
}

// Fail moves running -> failed. Messages already appended are kept.
func (s *AgentState) Fail(cause error, now time.Time) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusFailed)
	}
	s.Status = StatusFailed
	s.IsComplete = false
	if cause != nil {
		s.Error = cause.Error()
	}
	s.FinishedAt = now
	return nil
}

// Terminal reports whether the run has finished, successfully or not
func (s *AgentState) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// BeginRound increments the round counter, refusing to pass MaxRounds
func (s *AgentState) BeginRound() (int, error) {
	if s.Status != StatusRunning {
		return s.Round, ErrNotRunning
	}
	if s.MaxRounds > 0 && s.Round >= s.MaxRounds {
		return s.Round, fmt.Errorf("%w: %d", ErrRoundLimit, s.MaxRounds)
	}
	s.Round++
	return s.Round, nil
}

// Append adds a message to the log
func (s *AgentState) Append(msg AgentMessage) error {
	if s.Status != StatusRunning {
		return ErrNotRunning
	}
	s.Messages = append(s.Messages, msg)
	return nil
}

// AnnotateAgentError records a per-agent failure that did not fail the run
func (s *AgentState) AnnotateAgentError(agentID string, err error) {
	if s.AgentErrors == nil {
		s.AgentErrors = make(map[string]string)
	}
	s.AgentErrors[agentID] = err.Error()
}

// RecordDecision appends an executor decision to the debug trace
func (s *AgentState) RecordDecision(format string, args ...interface{}) {
	if s.Debug == nil {
		s.Debug = &Debug{}
	}
	s.Debug.Decisions = append(s.Debug.Decisions, fmt.Sprintf(format, args...))
}

// TotalTokens sums the token counts reported on messages
func (s *AgentState) TotalTokens() (input, output int) {
	for _, m := range s.Messages {
		input += m.InputTokens
		output += m.OutputTokens
	}
	return input, output
}

// Duration returns the wall-clock duration of the run so far
func (s *AgentState) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// Snapshot returns a deep copy safe to hand to other goroutines
func (s *AgentState) Snapshot() AgentState {
	cp := *s
	cp.Messages = append([]AgentMessage(nil), s.Messages...)
	cp.ActiveAgents = append([]string(nil), s.ActiveAgents...)
	if s.AgentErrors != nil {
		cp.AgentErrors = make(map[string]string, len(s.AgentErrors))
		for k, v := range s.AgentErrors {
			cp.AgentErrors[k] = v
		}
	}
	if s.Debug != nil {
		cp.Debug = &Debug{
			Reasoning: append([]string(nil), s.Debug.Reasoning...),
			Decisions: append([]string(nil), s.Debug.Decisions...),
		}
	}
	return cp
}

// Validate checks internal consistency
func (s *AgentState) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", s.Mode)
	}
	if s.MaxRounds > 0 && s.Round > s.MaxRounds {
		return fmt.Errorf("round (%d) cannot exceed max rounds (%d)", s.Round, s.MaxRounds)
	}
	if s.IsComplete != (s.Status == StatusCompleted) {
		return fmt.Errorf("is_complete=%t inconsistent with status %s", s.IsComplete, s.Status)
	}
	if s.Status == StatusFailed && s.Error == "" {
		return fmt.Errorf("failed run must carry an error")
	}
	for i := 1; i < len(s.Messages); i++ {
		if s.Messages[i].Round < s.Messages[i-1].Round {
			return fmt.Errorf("message %d is from round %d after round %d", i, s.Messages[i].Round, s.Messages[i-1].Round)
		}
	}
	return nil
}
