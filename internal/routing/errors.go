package routing

import "errors"

var (
	// ErrEmptyAgentPool is returned by Decide when no agents are supplied
	ErrEmptyAgentPool = errors.New("agent pool is empty")

	// ErrNoCandidateAgents marks a narrowing step that removed every candidate.
	// Decide recovers from it locally and never returns it.
	ErrNoCandidateAgents = errors.New("no candidate agents after filtering")

	// ErrUnresolvedModel marks an agent whose model id has no registry entry
	ErrUnresolvedModel = errors.New("model id not found in registry")

	// ErrUnreachableTier is returned when the tier decision table does not
	// match an analysis
	ErrUnreachableTier = errors.New("no quality tier matches analysis")

	ErrUnknownTier = errors.New("unknown quality tier")
)
