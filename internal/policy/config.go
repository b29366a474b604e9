package policy

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Query is the rego rule that admits a candidate agent
const Query = "data.taskrouter.routing.allow"

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool `mapstructure:"enabled"`

	// Mode controls policy enforcement behavior
	Mode Mode `mapstructure:"mode"`

	// Path to the directory containing .rego policy files
	Path string `mapstructure:"path"`

	// FailClosed determines behavior when policies can't be loaded or evaluated
	// true: reject candidates
	// false: admit candidates (fail-open)
	FailClosed bool `mapstructure:"fail_closed"`

	// Environment is passed to policies as input.environment
	Environment string `mapstructure:"environment"`

	// CacheSize > 0 memoizes decisions per engine for five minutes. Zero
	// evaluates every admission.
	CacheSize int `mapstructure:"cache_size"`
}
