package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/metrics"
	"github.com/Kocoro-lab/taskrouter/internal/ratecontrol"
)

// Default circuit breaker settings
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures per-model circuit breakers
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens
	MaxFailures uint32 `mapstructure:"max_failures"`
	// Timeout is how long the circuit stays open before going half-open
	Timeout time.Duration `mapstructure:"timeout"`
	// Interval clears failure counts while closed
	Interval time.Duration `mapstructure:"interval"`
}

// BreakerCaller wraps an AgentCaller with one circuit breaker per model id.
// An open breaker fails the call fast; the executor treats that like any
// other agent call failure.
type BreakerCaller struct {
	next     AgentCaller
	cfg      BreakerConfig
	logger   *zap.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[CallResult]
}

// NewBreakerCaller wraps next. Zero config values use defaults.
func NewBreakerCaller(next AgentCaller, cfg BreakerConfig, logger *zap.Logger) *BreakerCaller {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerCaller{
		next:     next,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[CallResult]),
	}
}

func (b *BreakerCaller) breaker(modelID string) *gobreaker.CircuitBreaker[CallResult] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[modelID]; ok {
		return cb
	}
	maxFailures := b.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[CallResult](gobreaker.Settings{
		Name:        "model:" + modelID,
		MaxRequests: 1, // one probe while half-open
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerStateChanges.WithLabelValues(modelID, to.String()).Inc()
			b.logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Cancellation by the run is not a provider failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	b.breakers[modelID] = cb
	return cb
}

// Call implements AgentCaller
func (b *BreakerCaller) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	res, err := b.breaker(req.ModelID).Execute(func() (CallResult, error) {
		return b.next.Call(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CallResult{}, fmt.Errorf("model %q circuit open: %w", req.ModelID, err)
	}
	return res, err
}

// State returns the breaker state for a model, closed when never used
func (b *BreakerCaller) State(modelID string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[modelID]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// RateLimitedCaller waits on the provider's rate limiter before each call
type RateLimitedCaller struct {
	next     AgentCaller
	limiters *ratecontrol.Limiters
}

// NewRateLimitedCaller wraps next with limiters
func NewRateLimitedCaller(next AgentCaller, limiters *ratecontrol.Limiters) *RateLimitedCaller {
	return &RateLimitedCaller{next: next, limiters: limiters}
}

// Call implements AgentCaller
func (r *RateLimitedCaller) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	tokens := 0
	for _, m := range req.History {
		tokens += m.OutputTokens
	}
	waited, err := r.limiters.Wait(ctx, req.Provider, req.Tier, tokens)
	metrics.RateLimitWaitSeconds.WithLabelValues(req.Provider).Observe(waited.Seconds())
	if err != nil {
		return CallResult{}, fmt.Errorf("rate limit wait for %s: %w", req.Provider, err)
	}
	return r.next.Call(ctx, req)
}
