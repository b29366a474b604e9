package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/metrics"
	"github.com/Kocoro-lab/taskrouter/internal/models"
	"github.com/Kocoro-lab/taskrouter/internal/routing"
	"github.com/Kocoro-lab/taskrouter/internal/state"
	"github.com/Kocoro-lab/taskrouter/internal/streaming"
	"github.com/Kocoro-lab/taskrouter/internal/tracing"
)

const (
	DefaultMaxRounds      = 10
	DefaultTimeoutMs      = 120000
	DefaultMaxConcurrency = 8
)

// Config bounds every run of an Executor
type Config struct {
	MaxRounds      int    `mapstructure:"max_rounds"`
	TimeoutMs      int    `mapstructure:"timeout_ms"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	SynthesizerID  string `mapstructure:"synthesizer_id"`
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	return c
}

// Plan is what the executor drives: a task, its agents and a topology
type Plan struct {
	RunID  string
	Task   string
	Mode   state.Mode
	Agents []agents.AgentConfig
	// BoundModels overrides AgentConfig.ModelID per agent id
	BoundModels map[string]string
	// Providers maps model ids to provider names for rate limiting
	Providers map[string]string
	Tier      string
	Reasoning []string
	// Synthesizer is a dedicated consensus synthesis agent; when nil the
	// configured synthesizer id or the highest-priority agent is used
	Synthesizer *agents.AgentConfig
}

// PlanFromDecision builds a plan from a routing decision
func PlanFromDecision(task string, d *routing.RoutingDecision, reg *models.Registry) Plan {
	p := Plan{
		Task:        task,
		Mode:        d.Mode,
		Agents:      append([]agents.AgentConfig(nil), d.SelectedAgents...),
		BoundModels: make(map[string]string, len(d.BoundModels)),
		Providers:   make(map[string]string),
		Tier:        string(d.Tier),
		Reasoning:   append([]string(nil), d.Reasoning...),
	}
	for id, model := range d.BoundModels {
		p.BoundModels[id] = model
		p.Providers[model] = models.DetectProvider(reg, model)
	}
	return p
}

func (p Plan) modelFor(a agents.AgentConfig) string {
	if m := p.BoundModels[a.ID]; m != "" {
		return m
	}
	return a.ModelID
}

// Archiver persists terminal run states
type Archiver interface {
	SaveRun(ctx context.Context, st *state.AgentState) error
}

// Executor drives plans to a terminal AgentState. One Executor may run many
// plans concurrently; each run owns its own state.
type Executor struct {
	caller    AgentCaller
	cfg       Config
	logger    *zap.Logger
	publisher streaming.Publisher
	archive   Archiver
	now       func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithPublisher streams run events
func WithPublisher(p streaming.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithArchive saves every terminal state
func WithArchive(a Archiver) Option {
	return func(e *Executor) { e.archive = a }
}

// WithClock replaces time.Now for message timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor calling agents through caller
func NewExecutor(caller AgentCaller, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		caller: caller,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the run bounds with defaults applied
func (e *Executor) Limits() Config {
	return e.cfg
}

// run is the per-run context handed to mode handlers
type run struct {
	plan Plan
	st   *state.AgentState
}

type modeHandler func(ctx context.Context, r *run) error

// handlerFor maps each mode to exactly one handler
func (e *Executor) handlerFor(m state.Mode) (modeHandler, error) {
	switch m {
	case state.ModeSingle:
		return e.runSingle, nil
	case state.ModeSequential:
		return e.runSequential, nil
	case state.ModeParallel:
		return e.runParallel, nil
	case state.ModeHierarchical:
		return e.runHierarchical, nil
	case state.ModeConsensus:
		return e.runConsensus, nil
	}
	return nil, ErrUnknownMode
}

// Run drives plan to completion. The returned state is always non-nil for a
// valid plan, including failed runs; the error repeats the failure cause.
func (e *Executor) Run(ctx context.Context, plan Plan) (*state.AgentState, error) {
	if len(plan.Agents) == 0 {
		return nil, ErrNoAgents
	}
	handler, err := e.handlerFor(plan.Mode)
	if err != nil {
		return nil, err
	}
	if plan.RunID == "" {
		plan.RunID = uuid.NewString()
	}

	st := state.New(plan.RunID, plan.Task, plan.Mode, e.cfg.MaxRounds)
	for _, a := range plan.Agents {
		st.ActiveAgents = append(st.ActiveAgents, a.ID)
	}
	st.Debug = &state.Debug{Reasoning: append([]string(nil), plan.Reasoning...)}
	r := &run{plan: plan, st: st}

	ctx, span := tracing.StartSpan(ctx, "orchestration.run",
		attribute.String("run_id", plan.RunID),
		attribute.String("mode", string(plan.Mode)),
		attribute.Int("agents", len(plan.Agents)),
	)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	if err := st.Start(e.now()); err != nil {
		return st, err
	}
	metrics.RunsStarted.WithLabelValues(string(plan.Mode)).Inc()
	e.publish(ctx, streaming.Event{RunID: plan.RunID, Type: streaming.EventRunStarted, Message: plan.Task,
		Data: map[string]interface{}{"mode": string(plan.Mode), "agents": st.ActiveAgents}})
	e.logger.Info("Orchestration run started",
		zap.String("run_id", plan.RunID),
		zap.String("mode", string(plan.Mode)),
		zap.Strings("agents", st.ActiveAgents),
	)

	runErr := classify(runCtx, handler(runCtx, r))

	status := "completed"
	if runErr != nil {
		status = "failed"
		_ = st.Fail(runErr, e.now())
		tracing.RecordError(span, runErr)
		e.publish(ctx, streaming.Event{RunID: plan.RunID, Type: streaming.EventRunFailed, Round: st.Round, Message: runErr.Error()})
		e.logger.Warn("Orchestration run failed",
			zap.String("run_id", plan.RunID),
			zap.String("mode", string(plan.Mode)),
			zap.Int("round", st.Round),
			zap.Int("messages", len(st.Messages)),
			zap.Error(runErr),
		)
	} else {
		_ = st.Complete(e.now())
		e.publish(ctx, streaming.Event{RunID: plan.RunID, Type: streaming.EventRunCompleted, Round: st.Round})
		e.logger.Info("Orchestration run completed",
			zap.String("run_id", plan.RunID),
			zap.String("mode", string(plan.Mode)),
			zap.Int("rounds", st.Round),
			zap.Int("messages", len(st.Messages)),
			zap.Int("agent_errors", len(st.AgentErrors)),
		)
	}

	metrics.RunsFinished.WithLabelValues(string(plan.Mode), status).Inc()
	metrics.RunDuration.WithLabelValues(string(plan.Mode)).Observe(st.Duration().Seconds())
	metrics.RunRounds.WithLabelValues(string(plan.Mode)).Observe(float64(st.Round))
	span.SetAttributes(attribute.String("status", status), attribute.Int("rounds", st.Round))

	if e.archive != nil {
		if err := e.archive.SaveRun(context.WithoutCancel(ctx), st); err != nil {
			e.logger.Error("Failed to archive run", zap.String("run_id", plan.RunID), zap.Error(err))
		}
	}
	return st, runErr
}

// classify turns failures caused by the run deadline into timeout errors
func classify(runCtx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrOrchestrationTimeout) {
		return err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Reason: ReasonDeadline, Err: err}
	}
	return err
}

func (e *Executor) publish(ctx context.Context, evt streaming.Event) {
	if e.publisher == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Warn("Failed to publish run event",
			zap.String("run_id", evt.RunID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
	}
}
