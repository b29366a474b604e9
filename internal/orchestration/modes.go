package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/metrics"
	"github.com/Kocoro-lab/taskrouter/internal/routing"
	"github.com/Kocoro-lab/taskrouter/internal/state"
	"github.com/Kocoro-lab/taskrouter/internal/streaming"
)

// outcome is the settled result of one agent call
type outcome struct {
	agent agents.AgentConfig
	msg   state.AgentMessage
	err   error
}

// byPriority orders agents by priority descending, keeping config order for ties
func byPriority(list []agents.AgentConfig) []agents.AgentConfig {
	out := append([]agents.AgentConfig(nil), list...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// beginRound refuses to start a round once the run context is done
func (r *run) beginRound(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return r.st.Round, err
	}
	round, err := r.st.BeginRound()
	if errors.Is(err, state.ErrRoundLimit) {
		return round, &TimeoutError{Reason: ReasonMaxRounds, Err: err}
	}
	return round, err
}

func (r *run) history() []state.AgentMessage {
	return append([]state.AgentMessage(nil), r.st.Messages...)
}

func (e *Executor) runSingle(ctx context.Context, r *run) error {
	agent := r.plan.Agents[0]
	round, err := r.beginRound(ctx)
	if err != nil {
		return err
	}
	o := e.call(ctx, r, agent, round, nil, PhaseRespond)
	if o.err != nil {
		r.st.AnnotateAgentError(agent.ID, o.err)
		return o.err
	}
	r.st.CurrentAgentIndex = 1
	return r.st.Append(o.msg)
}

// runSequential gives each agent every prior message. A failure stops the
// run and keeps the messages produced so far.
func (e *Executor) runSequential(ctx context.Context, r *run) error {
	order := byPriority(r.plan.Agents)
	for i, agent := range order {
		r.st.CurrentAgentIndex = i
		round, err := r.beginRound(ctx)
		if err != nil {
			return err
		}
		r.st.RecordDecision("round %d: sequential step %d/%d agent %s", round, i+1, len(order), agent.ID)

		o := e.call(ctx, r, agent, round, r.history(), PhaseRespond)
		if o.err != nil {
			r.st.AnnotateAgentError(agent.ID, o.err)
			return o.err
		}
		if err := r.st.Append(o.msg); err != nil {
			return err
		}
		r.st.CurrentAgentIndex = i + 1
	}
	return nil
}

func (e *Executor) runParallel(ctx context.Context, r *run) error {
	outcomes, err := e.wave(ctx, r, byPriority(r.plan.Agents), nil, PhaseRespond)
	if err != nil {
		return err
	}
	_, err = e.collect(ctx, r, outcomes)
	return err
}

// runHierarchical calls the coordinator once, then fans its output out to
// the remaining agents
func (e *Executor) runHierarchical(ctx context.Context, r *run) error {
	coord, rest := splitCoordinator(r.plan.Agents)

	round, err := r.beginRound(ctx)
	if err != nil {
		return err
	}
	r.st.RecordDecision("round %d: coordinator %s plans the task", round, coord.ID)
	o := e.call(ctx, r, coord, round, nil, PhaseCoordinate)
	if o.err != nil {
		r.st.AnnotateAgentError(coord.ID, o.err)
		return o.err
	}
	if err := r.st.Append(o.msg); err != nil {
		return err
	}
	r.st.CurrentAgentIndex = 1
	if len(rest) == 0 {
		return nil
	}

	outcomes, err := e.wave(ctx, r, byPriority(rest), r.history(), PhaseSpecialist)
	if err != nil {
		return err
	}
	_, err = e.collect(ctx, r, outcomes)
	return err
}

// splitCoordinator returns the first coordinator (or the first agent) and
// everyone else in config order
func splitCoordinator(list []agents.AgentConfig) (agents.AgentConfig, []agents.AgentConfig) {
	idx := 0
	for i, a := range list {
		if a.Role == agents.RoleCoordinator {
			idx = i
			break
		}
	}
	rest := make([]agents.AgentConfig, 0, len(list)-1)
	rest = append(rest, list[:idx]...)
	rest = append(rest, list[idx+1:]...)
	return list[idx], rest
}

// runConsensus fans out to every agent, then makes exactly one synthesis
// call. A failed synthesis is annotated and the fan-out responses stand.
func (e *Executor) runConsensus(ctx context.Context, r *run) error {
	outcomes, err := e.wave(ctx, r, byPriority(r.plan.Agents), nil, PhaseRespond)
	if err != nil {
		return err
	}
	if _, err := e.collect(ctx, r, outcomes); err != nil {
		return err
	}

	synth := e.synthesizer(r, outcomes)
	round, err := r.beginRound(ctx)
	if err != nil {
		return err
	}
	responses := len(r.st.Messages)
	r.st.RecordDecision("round %d: %s synthesizes %d response(s)", round, synth.ID, responses)
	o := e.call(ctx, r, synth, round, r.history(), PhaseSynthesize)
	if o.err != nil {
		r.st.AnnotateAgentError(synth.ID, o.err)
		if ctx.Err() != nil {
			return o.err
		}
		r.st.RecordDecision("round %d: synthesis by %s failed, keeping %d response(s)", round, synth.ID, responses)
		return nil
	}
	return r.st.Append(o.msg)
}

// synthesizer picks the plan's dedicated synthesizer, else the configured
// or highest-priority agent among those that answered the fan-out
func (e *Executor) synthesizer(r *run, outcomes []outcome) agents.AgentConfig {
	if r.plan.Synthesizer != nil {
		return *r.plan.Synthesizer
	}
	answered := make([]agents.AgentConfig, 0, len(outcomes))
	for _, o := range outcomes {
		if o.err == nil {
			answered = append(answered, o.agent)
		}
	}
	return routing.Synthesizer(answered, e.cfg.SynthesizerID)
}

// wave starts one round and calls every agent concurrently against the same
// history, waiting for all of them to settle. Outcomes keep list order.
func (e *Executor) wave(ctx context.Context, r *run, list []agents.AgentConfig, history []state.AgentMessage, phase Phase) ([]outcome, error) {
	round, err := r.beginRound(ctx)
	if err != nil {
		return nil, err
	}
	r.st.RecordDecision("round %d: %s fan-out to %d agent(s)", round, phase, len(list))

	outcomes := make([]outcome, len(list))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, agent := range list {
		g.Go(func() error {
			// Failures are isolated per agent and never cancel siblings
			outcomes[i] = e.call(ctx, r, agent, round, history, phase)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// collect appends successful outcomes in order and annotates failures. A
// wave fails when every call failed, or when the run context is done.
func (e *Executor) collect(ctx context.Context, r *run, outcomes []outcome) (int, error) {
	succeeded := 0
	var failures []error
	for _, o := range outcomes {
		if o.err != nil {
			r.st.AnnotateAgentError(o.agent.ID, o.err)
			failures = append(failures, o.err)
			continue
		}
		if err := r.st.Append(o.msg); err != nil {
			return succeeded, err
		}
		succeeded++
	}
	r.st.CurrentAgentIndex += len(outcomes)

	if err := ctx.Err(); err != nil {
		return succeeded, err
	}
	if succeeded == 0 {
		return 0, fmt.Errorf("%w: %w", ErrAllAgentsFailed, errors.Join(failures...))
	}
	return succeeded, nil
}

// call invokes one agent and converts the reply into a message
func (e *Executor) call(ctx context.Context, r *run, agent agents.AgentConfig, round int, history []state.AgentMessage, phase Phase) outcome {
	modelID := r.plan.modelFor(agent)
	name := agents.DisplayName(agent)
	mode := string(r.plan.Mode)

	e.publish(ctx, streaming.Event{RunID: r.plan.RunID, Type: streaming.EventAgentStarted,
		AgentID: agent.ID, AgentName: name, Round: round})

	start := time.Now()
	res, err := e.invoke(ctx, CallRequest{
		RunID:    r.plan.RunID,
		Agent:    agent,
		ModelID:  modelID,
		Provider: r.plan.Providers[modelID],
		Tier:     r.plan.Tier,
		Task:     r.plan.Task,
		History:  history,
		Round:    round,
		Mode:     r.plan.Mode,
		Phase:    phase,
	})
	metrics.AgentCallDuration.WithLabelValues(mode).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		metrics.AgentCalls.WithLabelValues(mode, "error").Inc()
		callErr := &AgentCallError{AgentID: agent.ID, Round: round, Err: err}
		e.publish(ctx, streaming.Event{RunID: r.plan.RunID, Type: streaming.EventAgentFailed,
			AgentID: agent.ID, AgentName: name, Round: round, Message: err.Error()})
		e.logger.Warn("Agent call failed",
			zap.String("run_id", r.plan.RunID),
			zap.String("agent_id", agent.ID),
			zap.String("model_id", modelID),
			zap.Int("round", round),
			zap.Error(err),
		)
		return outcome{agent: agent, err: callErr}
	}

	if res.ModelID != "" {
		modelID = res.ModelID
	}
	metrics.AgentCalls.WithLabelValues(mode, "success").Inc()
	metrics.AgentTokens.WithLabelValues(modelID, "input").Add(float64(res.InputTokens))
	metrics.AgentTokens.WithLabelValues(modelID, "output").Add(float64(res.OutputTokens))

	msg := state.AgentMessage{
		ID:           ulid.Make().String(),
		AgentID:      agent.ID,
		AgentName:    name,
		Role:         state.RoleAssistant,
		Content:      res.Content,
		Timestamp:    e.now(),
		Round:        round,
		ModelID:      modelID,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}
	e.publish(ctx, streaming.Event{RunID: r.plan.RunID, Type: streaming.EventAgentCompleted,
		AgentID: agent.ID, AgentName: name, Round: round, Message: res.Content,
		Data: map[string]interface{}{
			"model_id":      modelID,
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
		}})
	return outcome{agent: agent, msg: msg}
}

type callReply struct {
	res CallResult
	err error
}

// invoke bounds a caller by ctx. A caller that ignores cancellation is left
// to finish on its own; its late reply is discarded.
func (e *Executor) invoke(ctx context.Context, req CallRequest) (CallResult, error) {
	if err := ctx.Err(); err != nil {
		return CallResult{}, err
	}
	done := make(chan callReply, 1)
	go func() {
		res, err := e.caller.Call(ctx, req)
		done <- callReply{res: res, err: err}
	}()
	select {
	case <-ctx.Done():
		return CallResult{}, ctx.Err()
	case reply := <-done:
		if reply.err == nil && ctx.Err() != nil {
			return CallResult{}, ctx.Err()
		}
		return reply.res, reply.err
	}
}
