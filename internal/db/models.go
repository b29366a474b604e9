package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/Kocoro-lab/taskrouter/internal/state"
)

// RunRecord is one orchestration_runs row
type RunRecord struct {
	RunID             string     `db:"run_id"`
	Task              string     `db:"task"`
	Mode              string     `db:"mode"`
	Status            string     `db:"status"`
	Round             int        `db:"round"`
	MaxRounds         int        `db:"max_rounds"`
	CurrentAgentIndex int        `db:"current_agent_index"`
	IsComplete        bool       `db:"is_complete"`
	Error             *string    `db:"error"`
	StartedAt         time.Time  `db:"started_at"`
	FinishedAt        *time.Time `db:"finished_at"`

	// Token totals over all messages
	InputTokens  int `db:"input_tokens"`
	OutputTokens int `db:"output_tokens"`

	// JSON documents
	Agents      types.JSONText `db:"agents"`
	Messages    types.JSONText `db:"messages"`
	AgentErrors types.JSONText `db:"agent_errors"`
	Debug       types.JSONText `db:"debug"`

	UpdatedAt time.Time `db:"updated_at"`
}

func marshalText(v interface{}) (types.JSONText, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return types.JSONText(b), nil
}

// recordFromState flattens a run state into a row
func recordFromState(st *state.AgentState, now time.Time) (*RunRecord, error) {
	in, out := st.TotalTokens()
	rec := &RunRecord{
		RunID:             st.RunID,
		Task:              st.Task,
		Mode:              string(st.Mode),
		Status:            string(st.Status),
		Round:             st.Round,
		MaxRounds:         st.MaxRounds,
		CurrentAgentIndex: st.CurrentAgentIndex,
		IsComplete:        st.IsComplete,
		StartedAt:         st.StartedAt,
		InputTokens:       in,
		OutputTokens:      out,
		UpdatedAt:         now,
	}
	if st.Error != "" {
		e := st.Error
		rec.Error = &e
	}
	if !st.FinishedAt.IsZero() {
		f := st.FinishedAt
		rec.FinishedAt = &f
	}

	var err error
	agents := st.ActiveAgents
	if agents == nil {
		agents = []string{}
	}
	if rec.Agents, err = marshalText(agents); err != nil {
		return nil, fmt.Errorf("marshal agents: %w", err)
	}
	messages := st.Messages
	if messages == nil {
		messages = []state.AgentMessage{}
	}
	if rec.Messages, err = marshalText(messages); err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	agentErrors := st.AgentErrors
	if agentErrors == nil {
		agentErrors = map[string]string{}
	}
	if rec.AgentErrors, err = marshalText(agentErrors); err != nil {
		return nil, fmt.Errorf("marshal agent errors: %w", err)
	}
	if rec.Debug, err = marshalText(st.Debug); err != nil {
		return nil, fmt.Errorf("marshal debug: %w", err)
	}
	return rec, nil
}

// State rebuilds the run state stored in the row
func (r *RunRecord) State() (*state.AgentState, error) {
	st := &state.AgentState{
		RunID:             r.RunID,
		Task:              r.Task,
		Mode:              state.Mode(r.Mode),
		Status:            state.Status(r.Status),
		Round:             r.Round,
		MaxRounds:         r.MaxRounds,
		CurrentAgentIndex: r.CurrentAgentIndex,
		IsComplete:        r.IsComplete,
		StartedAt:         r.StartedAt,
	}
	if r.Error != nil {
		st.Error = *r.Error
	}
	if r.FinishedAt != nil {
		st.FinishedAt = *r.FinishedAt
	}

	docs := []struct {
		name string
		text types.JSONText
		dst  interface{}
	}{
		{"agents", r.Agents, &st.ActiveAgents},
		{"messages", r.Messages, &st.Messages},
		{"agent_errors", r.AgentErrors, &st.AgentErrors},
		{"debug", r.Debug, &st.Debug},
	}
	for _, d := range docs {
		if len(d.text) == 0 {
			continue
		}
		if err := d.text.Unmarshal(d.dst); err != nil {
			return nil, fmt.Errorf("decode %s for run %s: %w", d.name, r.RunID, err)
		}
	}
	if st.Messages == nil {
		st.Messages = []state.AgentMessage{}
	}
	if len(st.AgentErrors) == 0 {
		st.AgentErrors = nil
	}
	return st, nil
}
