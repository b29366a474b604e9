package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Run lifecycle event types
const (
	EventRunStarted     = "run_started"
	EventAgentStarted   = "agent_started"
	EventAgentCompleted = "agent_completed"
	EventAgentFailed    = "agent_failed"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
)

// Event is one orchestration run event for live rendering and usage logging
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	AgentName string                 `json:"agent_name,omitempty"`
	Round     int                    `json:"round,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Publisher delivers run events. Implementations assign Seq.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Fanout publishes to every publisher, returning the joined errors
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
