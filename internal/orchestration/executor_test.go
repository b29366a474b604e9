package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/models"
	"github.com/Kocoro-lab/taskrouter/internal/routing"
	"github.com/Kocoro-lab/taskrouter/internal/state"
	"github.com/Kocoro-lab/taskrouter/internal/streaming"
)

// scriptedCaller answers "<agent>:<phase>" and records every request
type scriptedCaller struct {
	mu    sync.Mutex
	calls []CallRequest
	fail  map[string]error
	delay map[string]time.Duration
	// block makes the agent wait for ctx cancellation
	block map[string]bool
}

func (s *scriptedCaller) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	id := req.Agent.ID
	if s.block[id] {
		<-ctx.Done()
		return CallResult{}, ctx.Err()
	}
	if d := s.delay[id]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return CallResult{}, ctx.Err()
		}
	}
	if err := s.fail[id]; err != nil {
		return CallResult{}, err
	}
	return CallResult{Content: fmt.Sprintf("%s:%s", id, req.Phase), InputTokens: 10, OutputTokens: 5}, nil
}

func (s *scriptedCaller) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Agent.ID)
	}
	return out
}

func (s *scriptedCaller) request(agentID string) (CallRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.Agent.ID == agentID {
			return c, true
		}
	}
	return CallRequest{}, false
}

func ag(id string, role agents.Role, priority int) agents.AgentConfig {
	return agents.AgentConfig{ID: id, Name: id, Role: role, ModelID: "model-" + id, Priority: priority}
}

func plan(mode state.Mode, list ...agents.AgentConfig) Plan {
	return Plan{RunID: "run-" + string(mode), Task: "review this pull request", Mode: mode, Agents: list}
}

func messageAgents(st *state.AgentState) []string {
	out := make([]string, 0, len(st.Messages))
	for _, m := range st.Messages {
		out = append(out, m.AgentID)
	}
	return out
}

func newTestExecutor(t *testing.T, caller AgentCaller, cfg Config, opts ...Option) *Executor {
	return NewExecutor(caller, cfg, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func TestSingleMode(t *testing.T) {
	caller := &scriptedCaller{}
	mgr := streaming.NewManager(32)
	e := newTestExecutor(t, caller, Config{}, WithPublisher(mgr))

	st, err := e.Run(context.Background(), plan(state.ModeSingle, ag("solo", agents.RoleAssistant, 0)))
	require.NoError(t, err)

	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.True(t, st.IsComplete)
	assert.Equal(t, 1, st.Round)
	require.Len(t, st.Messages, 1)
	msg := st.Messages[0]
	assert.Equal(t, "solo:respond", msg.Content)
	assert.Equal(t, state.RoleAssistant, msg.Role)
	assert.Equal(t, "model-solo", msg.ModelID)
	assert.Equal(t, 10, msg.InputTokens)
	assert.NotEmpty(t, msg.ID)
	assert.NoError(t, st.Validate())

	var types []string
	for _, ev := range mgr.ReplaySince(st.RunID, 0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		streaming.EventRunStarted, streaming.EventAgentStarted,
		streaming.EventAgentCompleted, streaming.EventRunCompleted,
	}, types)
}

func TestSequentialOrderAndContext(t *testing.T) {
	caller := &scriptedCaller{}
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeSequential,
		ag("low", agents.RoleWriter, 10),
		ag("first-high", agents.RoleCoder, 50),
		ag("second-high", agents.RoleReviewer, 50),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"first-high", "second-high", "low"}, caller.called())
	assert.Equal(t, []string{"first-high", "second-high", "low"}, messageAgents(st))
	assert.Equal(t, 3, st.Round)
	assert.Equal(t, 3, st.CurrentAgentIndex)

	for i, id := range []string{"first-high", "second-high", "low"} {
		req, ok := caller.request(id)
		require.True(t, ok)
		assert.Len(t, req.History, i, "agent %s sees all prior messages", id)
		assert.Equal(t, i+1, req.Round)
	}
	assert.NoError(t, st.Validate())
}

func TestSequentialFailurePreservesPriorMessages(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]error{"two": errors.New("provider 500")}}
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeSequential,
		ag("one", agents.RoleCoder, 90),
		ag("two", agents.RoleReviewer, 50),
		ag("three", agents.RoleWriter, 10),
	))
	require.Error(t, err)

	assert.False(t, st.IsComplete)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.NotEmpty(t, st.Error)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "one", st.Messages[0].AgentID)
	assert.Equal(t, 1, st.CurrentAgentIndex)
	assert.NotContains(t, caller.called(), "three")

	var callErr *AgentCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "two", callErr.AgentID)
	assert.Equal(t, 2, callErr.Round)
	assert.Contains(t, st.AgentErrors, "two")
	assert.NoError(t, st.Validate())
}

func TestParallelRunsConcurrentlyAndOrdersByPriority(t *testing.T) {
	var started int32
	all := make(chan struct{})
	caller := CallerFunc(func(ctx context.Context, req CallRequest) (CallResult, error) {
		if atomic.AddInt32(&started, 1) == 3 {
			close(all)
		}
		// Every call waits until all three are in flight
		select {
		case <-all:
		case <-ctx.Done():
			return CallResult{}, ctx.Err()
		}
		// Lower priority finishes first
		time.Sleep(time.Duration(req.Agent.Priority) * time.Millisecond)
		return CallResult{Content: req.Agent.ID}, nil
	})
	e := newTestExecutor(t, caller, Config{TimeoutMs: 5000})

	st, err := e.Run(context.Background(), plan(state.ModeParallel,
		ag("mid", agents.RoleAnalyst, 20),
		ag("high", agents.RoleCoder, 30),
		ag("low", agents.RoleWriter, 10),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, messageAgents(st))
	assert.Equal(t, 1, st.Round)
	for _, m := range st.Messages {
		assert.Equal(t, 1, m.Round)
	}
}

func TestParallelIsolatesFailures(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]error{"b": errors.New("rate limited")}}
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeParallel,
		ag("a", agents.RoleCoder, 30), ag("b", agents.RoleAnalyst, 20), ag("c", agents.RoleWriter, 10),
	))
	require.NoError(t, err)
	assert.True(t, st.IsComplete)
	assert.Equal(t, []string{"a", "c"}, messageAgents(st))
	require.Contains(t, st.AgentErrors, "b")
	assert.Contains(t, st.AgentErrors["b"], "rate limited")
	assert.Empty(t, st.Error)
}

func TestParallelAllFail(t *testing.T) {
	boom := errors.New("down")
	caller := &scriptedCaller{fail: map[string]error{"a": boom, "b": boom}}
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeParallel, ag("a", agents.RoleCoder, 0), ag("b", agents.RoleCoder, 0)))
	assert.ErrorIs(t, err, ErrAllAgentsFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Empty(t, st.Messages)
	assert.Len(t, st.AgentErrors, 2)
}

func TestHierarchical(t *testing.T) {
	caller := &scriptedCaller{}
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeHierarchical,
		ag("coder", agents.RoleCoder, 90),
		ag("lead", agents.RoleCoordinator, 10),
		ag("writer", agents.RoleWriter, 50),
	))
	require.NoError(t, err)

	called := caller.called()
	require.Len(t, called, 3)
	assert.Equal(t, "lead", called[0])

	lead, _ := caller.request("lead")
	assert.Empty(t, lead.History)
	assert.Equal(t, PhaseCoordinate, lead.Phase)
	for _, id := range []string{"coder", "writer"} {
		req, _ := caller.request(id)
		require.Len(t, req.History, 1)
		assert.Equal(t, "lead:coordinate", req.History[0].Content)
		assert.Equal(t, PhaseSpecialist, req.Phase)
		assert.Equal(t, 2, req.Round)
	}
	assert.Equal(t, []string{"lead", "coder", "writer"}, messageAgents(st))
	assert.Equal(t, 2, st.Round)
}

func TestHierarchicalWithoutCoordinatorUsesFirstAgent(t *testing.T) {
	caller := &scriptedCaller{}
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeHierarchical,
		ag("first", agents.RoleAnalyst, 0), ag("second", agents.RoleWriter, 100),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, caller.called())
	assert.Equal(t, 2, st.Round)
}

func TestHierarchicalCoordinatorFailureFailsRun(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]error{"lead": errors.New("no plan")}}
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeHierarchical,
		ag("lead", agents.RoleCoordinator, 0), ag("coder", agents.RoleCoder, 0),
	))
	require.Error(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Equal(t, []string{"lead"}, caller.called())
}

func TestConsensusAlwaysTwoRounds(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("%d agents", n), func(t *testing.T) {
			caller := &scriptedCaller{}
			e := newTestExecutor(t, caller, Config{})

			var list []agents.AgentConfig
			for i := 0; i < n; i++ {
				list = append(list, ag(fmt.Sprintf("a%d", i), agents.RoleAssistant, i*10))
			}
			st, err := e.Run(context.Background(), plan(state.ModeConsensus, list...))
			require.NoError(t, err)

			assert.Equal(t, 2, st.Round)
			require.Len(t, st.Messages, n+1)
			last := st.Messages[n]
			assert.Equal(t, fmt.Sprintf("a%d", n-1), last.AgentID, "highest priority synthesizes")
			assert.Equal(t, fmt.Sprintf("a%d:synthesize", n-1), last.Content)
			assert.Equal(t, 2, last.Round)

			calls := caller.called()
			assert.Len(t, calls, n+1)
		})
	}
}

func TestConsensusSynthesizerSelection(t *testing.T) {
	list := []agents.AgentConfig{ag("a", agents.RoleAnalyst, 10), ag("b", agents.RoleWriter, 90)}

	caller := &scriptedCaller{}
	st, err := newTestExecutor(t, caller, Config{SynthesizerID: "a"}).Run(context.Background(), plan(state.ModeConsensus, list...))
	require.NoError(t, err)
	assert.Equal(t, "a", st.Messages[len(st.Messages)-1].AgentID)

	judge := ag("judge", agents.RoleReviewer, 0)
	p := plan(state.ModeConsensus, list...)
	p.Synthesizer = &judge
	caller = &scriptedCaller{}
	st, err = newTestExecutor(t, caller, Config{}).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "judge", st.Messages[len(st.Messages)-1].AgentID)
	req, _ := caller.request("judge")
	assert.Len(t, req.History, 2)
}

func TestMaxRoundsIsHardCeiling(t *testing.T) {
	caller := &scriptedCaller{}
	e := newTestExecutor(t, caller, Config{MaxRounds: 2})

	st, err := e.Run(context.Background(), plan(state.ModeSequential,
		ag("a", agents.RoleCoder, 30), ag("b", agents.RoleCoder, 20), ag("c", agents.RoleCoder, 10),
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrchestrationTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ReasonMaxRounds, te.Reason)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.Len(t, st.Messages, 2)
	assert.Equal(t, 2, st.Round)

	st, err = newTestExecutor(t, &scriptedCaller{}, Config{MaxRounds: 1}).Run(context.Background(),
		plan(state.ModeConsensus, ag("a", agents.RoleCoder, 0), ag("b", agents.RoleCoder, 0)))
	assert.ErrorIs(t, err, ErrOrchestrationTimeout)
	assert.Len(t, st.Messages, 2, "fan-out messages survive the missing synthesis round")
}

func TestDeadlineKeepsCompletedMessages(t *testing.T) {
	tests := []struct {
		name string
		mode state.Mode
	}{
		{"parallel", state.ModeParallel},
		{"sequential", state.ModeSequential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &scriptedCaller{block: map[string]bool{"slow": true}}
			e := newTestExecutor(t, caller, Config{TimeoutMs: 50})

			start := time.Now()
			st, err := e.Run(context.Background(), plan(tt.mode, ag("fast", agents.RoleCoder, 90), ag("slow", agents.RoleCoder, 10)))
			assert.Less(t, time.Since(start), 5*time.Second)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOrchestrationTimeout)
			var te *TimeoutError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, ReasonDeadline, te.Reason)
			assert.Equal(t, state.StatusFailed, st.Status)
			assert.Equal(t, []string{"fast"}, messageAgents(st))
		})
	}
}

// stubbornCaller sleeps without looking at ctx and records who was called
type stubbornCaller struct {
	mu    sync.Mutex
	sleep time.Duration
	ids   []string
}

func (c *stubbornCaller) Call(_ context.Context, req CallRequest) (CallResult, error) {
	c.mu.Lock()
	c.ids = append(c.ids, req.Agent.ID)
	c.mu.Unlock()
	time.Sleep(c.sleep)
	return CallResult{Content: req.Agent.ID}, nil
}

func (c *stubbornCaller) called() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestDeadlineBoundsCallersThatIgnoreContext(t *testing.T) {
	for _, mode := range []state.Mode{state.ModeSingle, state.ModeSequential, state.ModeParallel, state.ModeHierarchical, state.ModeConsensus} {
		t.Run(string(mode), func(t *testing.T) {
			caller := &stubbornCaller{sleep: time.Second}
			e := newTestExecutor(t, caller, Config{TimeoutMs: 40})

			start := time.Now()
			st, err := e.Run(context.Background(), plan(mode,
				ag("a", agents.RoleCoordinator, 30), ag("b", agents.RoleCoder, 20), ag("c", agents.RoleCoder, 10),
			))
			assert.Less(t, time.Since(start), 500*time.Millisecond, "run must not outlive its deadline")

			var te *TimeoutError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, ReasonDeadline, te.Reason)
			assert.Equal(t, state.StatusFailed, st.Status)
			assert.False(t, st.IsComplete)
			assert.Empty(t, st.Messages, "late replies are discarded")
		})
	}
}

func TestSequentialStopsAtDeadlineBetweenSteps(t *testing.T) {
	caller := &stubbornCaller{sleep: 100 * time.Millisecond}
	e := newTestExecutor(t, caller, Config{TimeoutMs: 40})

	st, err := e.Run(context.Background(), plan(state.ModeSequential,
		ag("a", agents.RoleCoder, 30), ag("b", agents.RoleCoder, 20), ag("c", agents.RoleCoder, 10),
	))
	assert.ErrorIs(t, err, ErrOrchestrationTimeout)
	assert.Equal(t, state.StatusFailed, st.Status)

	// Let the abandoned call return, then make sure nothing else started
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"a"}, caller.called())
	assert.Equal(t, 1, st.Round)
}

func TestConsensusSynthesisFailureKeepsFanOut(t *testing.T) {
	caller := CallerFunc(func(ctx context.Context, req CallRequest) (CallResult, error) {
		if req.Phase == PhaseSynthesize {
			return CallResult{}, errors.New("context window exceeded")
		}
		return CallResult{Content: req.Agent.ID}, nil
	})
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeConsensus, ag("a", agents.RoleAnalyst, 90), ag("b", agents.RoleWriter, 10)))
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.True(t, st.IsComplete)
	assert.Equal(t, 2, st.Round)
	assert.Equal(t, []string{"a", "b"}, messageAgents(st))
	assert.Contains(t, st.AgentErrors["a"], "context window exceeded")
}

func TestConsensusSynthesizerMustHaveAnswered(t *testing.T) {
	caller := &scriptedCaller{fail: map[string]error{"a": errors.New("boom")}}
	e := newTestExecutor(t, caller, Config{})

	st, err := e.Run(context.Background(), plan(state.ModeConsensus, ag("a", agents.RoleAnalyst, 90), ag("b", agents.RoleWriter, 10)))
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, st.Status)
	assert.Equal(t, []string{"b", "b"}, messageAgents(st))
	assert.Equal(t, "b:synthesize", st.Messages[1].Content)
	assert.Contains(t, st.AgentErrors, "a")

	// A configured synthesizer that failed the fan-out is skipped too
	caller = &scriptedCaller{fail: map[string]error{"b": errors.New("boom")}}
	st, err = newTestExecutor(t, caller, Config{SynthesizerID: "b"}).Run(context.Background(),
		plan(state.ModeConsensus, ag("a", agents.RoleAnalyst, 10), ag("b", agents.RoleWriter, 90), ag("c", agents.RoleCoder, 50)))
	require.NoError(t, err)
	assert.Equal(t, "c:synthesize", st.Messages[len(st.Messages)-1].Content)
}

func TestMaxConcurrencyLimitsFanOut(t *testing.T) {
	var inFlight, peak int32
	caller := CallerFunc(func(ctx context.Context, req CallRequest) (CallResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return CallResult{Content: "ok"}, nil
	})
	e := newTestExecutor(t, caller, Config{MaxConcurrency: 2})

	var list []agents.AgentConfig
	for i := 0; i < 6; i++ {
		list = append(list, ag(fmt.Sprintf("a%d", i), agents.RoleAssistant, 0))
	}
	st, err := e.Run(context.Background(), plan(state.ModeParallel, list...))
	require.NoError(t, err)
	assert.Len(t, st.Messages, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestInvalidPlans(t *testing.T) {
	e := newTestExecutor(t, &scriptedCaller{}, Config{})

	_, err := e.Run(context.Background(), plan(state.ModeSingle))
	assert.ErrorIs(t, err, ErrNoAgents)

	_, err = e.Run(context.Background(), plan(state.Mode("swarm"), ag("a", agents.RoleCoder, 0)))
	assert.ErrorIs(t, err, ErrUnknownMode)
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []state.AgentState
	err   error
}

func (f *fakeArchive) SaveRun(_ context.Context, st *state.AgentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, st.Snapshot())
	return f.err
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, streaming.Event) error { return errors.New("redis down") }

func TestArchiveAndPublisherFailuresDoNotFailRun(t *testing.T) {
	archive := &fakeArchive{err: errors.New("db down")}
	e := newTestExecutor(t, &scriptedCaller{}, Config{}, WithArchive(archive), WithPublisher(brokenPublisher{}))

	st, err := e.Run(context.Background(), plan(state.ModeSingle, ag("a", agents.RoleCoder, 0)))
	require.NoError(t, err)
	assert.True(t, st.IsComplete)
	require.Len(t, archive.saved, 1)
	assert.Equal(t, state.StatusCompleted, archive.saved[0].Status)
}

func TestRunGeneratesRunIDAndCarriesReasoning(t *testing.T) {
	e := newTestExecutor(t, &scriptedCaller{}, Config{})
	p := plan(state.ModeParallel, ag("a", agents.RoleCoder, 0), ag("b", agents.RoleCoder, 0))
	p.RunID = ""
	p.Reasoning = []string{"Analyzed task"}

	st, err := e.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Len(t, st.RunID, 36)
	require.NotNil(t, st.Debug)
	assert.Equal(t, []string{"Analyzed task"}, st.Debug.Reasoning)
	assert.NotEmpty(t, st.Debug.Decisions)
	assert.Equal(t, []string{"a", "b"}, st.ActiveAgents)
}

func TestPlanFromDecision(t *testing.T) {
	reg := models.MustRegistry(
		models.ModelConfig{ID: "gpt-4o", Capabilities: []analysis.Capability{analysis.CapText}},
		models.ModelConfig{ID: "house-model", Provider: "Together", Capabilities: []analysis.Capability{analysis.CapText}},
	)
	d := &routing.RoutingDecision{
		SelectedAgents: []agents.AgentConfig{{ID: "a"}, {ID: "b"}},
		Mode:           state.ModeParallel,
		Reasoning:      []string{"step"},
		Tier:           routing.TierPremium,
		BoundModels:    map[string]string{"a": "gpt-4o", "b": "house-model"},
	}
	p := PlanFromDecision("task", d, reg)
	assert.Equal(t, state.ModeParallel, p.Mode)
	assert.Equal(t, "premium", p.Tier)
	assert.Equal(t, "gpt-4o", p.modelFor(agents.AgentConfig{ID: "a", ModelID: "ignored"}))
	assert.Equal(t, "openai", p.Providers["gpt-4o"])
	assert.Equal(t, "together", p.Providers["house-model"])

	d.SelectedAgents[0].ID = "mutated"
	assert.Equal(t, "a", p.Agents[0].ID, "plan copies the decision")
}

func TestEchoCaller(t *testing.T) {
	res, err := EchoCaller{}.Call(context.Background(), CallRequest{
		Agent:   agents.AgentConfig{ID: "a", Name: "Ada", Role: agents.RoleCoder},
		ModelID: "gpt-4o",
		Task:    "fix the bug",
		Round:   1,
		Phase:   PhaseRespond,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Ada as coder via gpt-4o")
	assert.Equal(t, "gpt-4o", res.ModelID)
	assert.Equal(t, analysis.EstimateTokens(3), res.InputTokens)
	assert.Greater(t, res.OutputTokens, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = EchoCaller{}.Call(ctx, CallRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}
