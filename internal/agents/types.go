package agents

import (
	"errors"
	"fmt"
)

// Role is the function an agent plays in a conversation
type Role string

const (
	RoleAssistant   Role = "assistant"
	RoleCoder       Role = "coder"
	RoleAnalyst     Role = "analyst"
	RoleWriter      Role = "writer"
	RoleResearcher  Role = "researcher"
	RoleCoordinator Role = "coordinator"
	RoleReviewer    Role = "reviewer"
	RoleCustom      Role = "custom"
)

// Roles lists every known role
var Roles = []Role{
	RoleAssistant, RoleCoder, RoleAnalyst, RoleWriter,
	RoleResearcher, RoleCoordinator, RoleReviewer, RoleCustom,
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Priority bounds
const (
	MinPriority = 0
	MaxPriority = 100
)

var (
	ErrMissingID          = errors.New("agent id is required")
	ErrDuplicateID        = errors.New("duplicate agent id")
	ErrInvalidRole        = errors.New("invalid agent role")
	ErrPriorityOutOfRange = errors.New("agent priority out of range")
)

// AgentConfig binds a role, a model and a tool set into one participant.
// The engine treats it as read-only input owned by the agent store.
type AgentConfig struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Role         Role     `yaml:"role" json:"role"`
	ModelID      string   `yaml:"model_id" json:"model_id"`
	Tools        []string `yaml:"tools" json:"tools,omitempty"`
	Temperature  float64  `yaml:"temperature" json:"temperature"`
	Priority     int      `yaml:"priority" json:"priority"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt,omitempty"`
}

// HasTool reports whether the agent has the named tool
func (a AgentConfig) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Validate checks a single agent configuration
func (a AgentConfig) Validate() error {
	if a.ID == "" {
		return ErrMissingID
	}
	if !a.Role.Valid() {
		return fmt.Errorf("%w: %q (agent %s)", ErrInvalidRole, a.Role, a.ID)
	}
	if a.Priority < MinPriority || a.Priority > MaxPriority {
		return fmt.Errorf("%w: %d (agent %s)", ErrPriorityOutOfRange, a.Priority, a.ID)
	}
	return nil
}

// ValidatePool validates every agent and rejects duplicate IDs
func ValidatePool(pool []AgentConfig) error {
	seen := make(map[string]struct{}, len(pool))
	for _, a := range pool {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, ok := seen[a.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}
