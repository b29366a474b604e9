package ratecontrol

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a requests-per-minute and tokens-per-minute budget.
// Zero means unlimited.
type RateLimit struct {
	RPM int `mapstructure:"rpm"`
	TPM int `mapstructure:"tpm"`
}

// Config holds provider and quality-tier limits
type Config struct {
	DefaultRPM        int                  `mapstructure:"default_rpm"`
	DefaultTPM        int                  `mapstructure:"default_tpm"`
	TierOverrides     map[string]RateLimit `mapstructure:"tier_overrides"`
	ProviderOverrides map[string]RateLimit `mapstructure:"provider_overrides"`
	// DisableBuiltins ignores the built-in provider table
	DisableBuiltins bool `mapstructure:"disable_builtins"`
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":    {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"google":    {RPM: 40, TPM: 80000},
	"meta":      {RPM: 60, TPM: 120000},
	"mistral":   {RPM: 50, TPM: 100000},
	"cohere":    {RPM: 45, TPM: 90000},
	"unknown":   {RPM: 45, TPM: 90000},
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// LimitForTier returns the tier override or the configured default
func (c Config) LimitForTier(tier string) RateLimit {
	if override, ok := c.TierOverrides[normalize(tier)]; ok {
		return override
	}
	return RateLimit{RPM: c.DefaultRPM, TPM: c.DefaultTPM}
}

// LimitForProvider returns the provider override, then the built-in limit
func (c Config) LimitForProvider(provider string) RateLimit {
	if override, ok := c.ProviderOverrides[normalize(provider)]; ok {
		return override
	}
	if c.DisableBuiltins {
		return RateLimit{}
	}
	return builtInProviderLimits[normalize(provider)]
}

// LimitFor combines the tier and provider limits
func (c Config) LimitFor(provider, tier string) RateLimit {
	return CombineLimits(c.LimitForTier(tier), c.LimitForProvider(provider))
}

// CombineLimits keeps the stricter positive value of each dimension
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.TPM = minPositive(a.TPM, b.TPM)
	return limit
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}

// Limiters hands out token-bucket limiters per provider and tier
type Limiters struct {
	cfg Config
	mu  sync.Mutex
	rpm map[string]*rate.Limiter
	tpm map[string]*rate.Limiter
}

// NewLimiters creates an empty limiter set for cfg
func NewLimiters(cfg Config) *Limiters {
	return &Limiters{
		cfg: cfg,
		rpm: make(map[string]*rate.Limiter),
		tpm: make(map[string]*rate.Limiter),
	}
}

func (l *Limiters) get(provider, tier string) (*rate.Limiter, *rate.Limiter) {
	key := normalize(provider) + "|" + normalize(tier)
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rpm[key]; ok {
		return r, l.tpm[key]
	}

	limit := l.cfg.LimitFor(provider, tier)
	var rpm, tpm *rate.Limiter
	if limit.RPM > 0 {
		// allow a tenth of a minute's budget as burst
		rpm = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), max(1, limit.RPM/10))
	}
	if limit.TPM > 0 {
		tpm = rate.NewLimiter(rate.Limit(float64(limit.TPM)/60.0), limit.TPM)
	}
	l.rpm[key] = rpm
	l.tpm[key] = tpm
	return rpm, tpm
}

// Wait blocks until one request of estimatedTokens may be sent to provider,
// returning how long it waited
func (l *Limiters) Wait(ctx context.Context, provider, tier string, estimatedTokens int) (time.Duration, error) {
	start := time.Now()
	rpm, tpm := l.get(provider, tier)
	if rpm != nil {
		if err := rpm.Wait(ctx); err != nil {
			return time.Since(start), err
		}
	}
	if tpm != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > tpm.Burst() {
			n = tpm.Burst()
		}
		if err := tpm.WaitN(ctx, n); err != nil {
			return time.Since(start), err
		}
	}
	return time.Since(start), nil
}
