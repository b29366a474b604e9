package orchestration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/ratecontrol"
	"github.com/Kocoro-lab/taskrouter/internal/state"
)

func TestBreakerOpensPerModel(t *testing.T) {
	var calls int32
	failing := CallerFunc(func(ctx context.Context, req CallRequest) (CallResult, error) {
		atomic.AddInt32(&calls, 1)
		if req.ModelID == "flaky" {
			return CallResult{}, errors.New("503 from provider")
		}
		return CallResult{Content: "ok"}, nil
	})
	b := NewBreakerCaller(failing, BreakerConfig{MaxFailures: 3, Timeout: time.Minute}, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, err := b.Call(context.Background(), CallRequest{ModelID: "flaky"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("flaky"))

	_, err := b.Call(context.Background(), CallRequest{ModelID: "flaky"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Contains(t, err.Error(), `model "flaky" circuit open`)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "open breaker fails fast")

	res, err := b.Call(context.Background(), CallRequest{ModelID: "steady"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, gobreaker.StateClosed, b.State("steady"))
	assert.Equal(t, gobreaker.StateClosed, b.State("never-used"))
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	canceled := CallerFunc(func(ctx context.Context, req CallRequest) (CallResult, error) {
		return CallResult{}, context.Canceled
	})
	b := NewBreakerCaller(canceled, BreakerConfig{MaxFailures: 1}, nil)

	for i := 0; i < 3; i++ {
		_, err := b.Call(context.Background(), CallRequest{ModelID: "m"})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State("m"))
}

func TestBreakerFailureIsolatedInParallelRun(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]error{"b": errors.New("overloaded")}}
	b := NewBreakerCaller(caller, BreakerConfig{MaxFailures: 1, Timeout: time.Minute}, nil)
	e := newTestExecutor(t, b, Config{})

	p := plan(state.ModeParallel, ag("a", agents.RoleCoder, 10), ag("b", agents.RoleWriter, 5))
	st, err := e.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, messageAgents(st))

	// Second run: b's breaker is open and a still answers
	st, err = e.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, st.AgentErrors["b"], "circuit open")
	assert.Equal(t, []string{"a"}, messageAgents(st))
}

func TestRateLimitedCaller(t *testing.T) {
	var got CallRequest
	next := CallerFunc(func(ctx context.Context, req CallRequest) (CallResult, error) {
		got = req
		return CallResult{Content: "ok"}, nil
	})
	limiters := ratecontrol.NewLimiters(ratecontrol.Config{DisableBuiltins: true})
	rl := NewRateLimitedCaller(next, limiters)

	res, err := rl.Call(context.Background(), CallRequest{ModelID: "gpt-4o", Provider: "openai", Tier: "budget"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, "openai", got.Provider)
}

func TestRateLimitedCallerHonorsContext(t *testing.T) {
	var calls int32
	next := CallerFunc(func(ctx context.Context, req CallRequest) (CallResult, error) {
		atomic.AddInt32(&calls, 1)
		return CallResult{}, nil
	})
	limiters := ratecontrol.NewLimiters(ratecontrol.Config{
		DisableBuiltins:   true,
		ProviderOverrides: map[string]ratecontrol.RateLimit{"slowco": {RPM: 1}},
	})
	rl := NewRateLimitedCaller(next, limiters)

	_, err := rl.Call(context.Background(), CallRequest{Provider: "slowco"})
	require.NoError(t, err)

	// The bucket is empty for another minute
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Call(ctx, CallRequest{Provider: "slowco"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait for slowco")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
