package analysis

// TaskType is the coarse classification of a user request
type TaskType string

const (
	TypeCode         TaskType = "code"
	TypeAnalysis     TaskType = "analysis"
	TypeCreative     TaskType = "creative"
	TypeResearch     TaskType = "research"
	TypeConversation TaskType = "conversation"
	TypeImage        TaskType = "image"
	TypeMath         TaskType = "math"
	TypeUnknown      TaskType = "unknown"
)

// Complexity buckets
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Priority of a task. Analyze only ever yields PriorityNormal or PriorityHigh;
// PriorityLow exists for callers that set it explicitly.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Capability tags shared by tasks and models
type Capability string

const (
	CapText      Capability = "text"
	CapCode      Capability = "code"
	CapVision    Capability = "vision"
	CapReasoning Capability = "reasoning"
)

// TaskAnalysis is the immutable result of analyzing one input text
type TaskAnalysis struct {
	Type                 TaskType     `json:"type"`
	Complexity           Complexity   `json:"complexity"`
	RequiredCapabilities []Capability `json:"required_capabilities"`
	EstimatedTokens      int          `json:"estimated_tokens"`
	Priority             Priority     `json:"priority"`
	WordCount            int          `json:"word_count"`
}

// Requires reports whether the capability is in the required set
func (a TaskAnalysis) Requires(c Capability) bool {
	for _, rc := range a.RequiredCapabilities {
		if rc == c {
			return true
		}
	}
	return false
}
