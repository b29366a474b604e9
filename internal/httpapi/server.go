package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/analysis"
	"github.com/Kocoro-lab/taskrouter/internal/db"
	"github.com/Kocoro-lab/taskrouter/internal/models"
	"github.com/Kocoro-lab/taskrouter/internal/orchestration"
	"github.com/Kocoro-lab/taskrouter/internal/routing"
	"github.com/Kocoro-lab/taskrouter/internal/state"
	"github.com/Kocoro-lab/taskrouter/internal/streaming"
)

// maxStoredRuns bounds the in-memory table of finished runs
const maxStoredRuns = 256

// RunStore loads archived runs
type RunStore interface {
	LoadRun(ctx context.Context, runID string) (*state.AgentState, error)
}

// Server exposes routing and orchestration over HTTP. The executor must
// publish to events so that run streams can be served.
type Server struct {
	engine   *routing.Engine
	executor *orchestration.Executor
	pool     []agents.AgentConfig
	registry func() *models.Registry
	events   *streaming.Manager
	store    RunStore
	logger   *zap.Logger
	baseCtx  context.Context

	mu    sync.Mutex
	runs  map[string]*state.AgentState
	order []string
	wg    sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunStore serves runs that are no longer held in memory
func WithRunStore(store RunStore) Option {
	return func(s *Server) { s.store = store }
}

// WithBaseContext parents background runs; cancel it to abort them
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// NewServer wires the handlers. registry is called per request so that a
// hot-reloaded snapshot is picked up.
func NewServer(engine *routing.Engine, executor *orchestration.Executor, pool []agents.AgentConfig, registry func() *models.Registry, events *streaming.Manager, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		executor: executor,
		pool:     pool,
		registry: registry,
		events:   events,
		logger:   zap.NewNop(),
		baseCtx:  context.Background(),
		runs:     make(map[string]*state.AgentState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers the API, stream and metrics routes
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /v1/decide", s.handleDecide)
	mux.HandleFunc("POST /v1/runs", s.handleStartRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /v1/runs/{id}/ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Wait blocks until background runs have finished
func (s *Server) Wait() {
	s.wg.Wait()
}

type routeRequest struct {
	Input       string              `json:"input"`
	Preferences routing.Preferences `json:"preferences"`
	// Wait makes POST /v1/runs block until the run is terminal
	Wait bool `json:"wait,omitempty"`
}

type runResponse struct {
	RunID    string                   `json:"run_id"`
	Decision *routing.RoutingDecision `json:"decision,omitempty"`
	State    *state.AgentState        `json:"state,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRoute(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, analysis.Analyze(req.Input))
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRoute(w, r)
	if !ok {
		return
	}
	d, err := s.engine.Decide(r.Context(), req.Input, s.pool, s.registry(), req.Preferences)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRoute(w, r)
	if !ok {
		return
	}
	reg := s.registry()
	d, err := s.engine.Decide(r.Context(), req.Input, s.pool, reg, req.Preferences)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	plan := orchestration.PlanFromDecision(req.Input, d, reg)
	plan.RunID = uuid.NewString()
	s.remember(s.placeholder(plan))

	if req.Wait {
		st, runErr := s.execute(r.Context(), plan)
		if st == nil {
			s.writeError(w, http.StatusUnprocessableEntity, runErr)
			return
		}
		resp := runResponse{RunID: plan.RunID, Decision: d, State: st}
		if runErr != nil {
			resp.Error = runErr.Error()
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.execute(s.baseCtx, plan)
	}()
	s.writeJSON(w, http.StatusAccepted, runResponse{RunID: plan.RunID, Decision: d})
}

// execute replaces the running placeholder with the state the executor
// returns
func (s *Server) execute(ctx context.Context, plan orchestration.Plan) (*state.AgentState, error) {
	st, err := s.executor.Run(ctx, plan)
	if st != nil {
		s.remember(st)
	} else {
		failed := s.placeholder(plan)
		_ = failed.Fail(err, time.Now())
		s.remember(failed)
	}
	if err != nil {
		s.logger.Warn("Run finished with error", zap.String("run_id", plan.RunID), zap.Error(err))
	}
	return st, err
}

// placeholder is the state served while plan is still executing
func (s *Server) placeholder(plan orchestration.Plan) *state.AgentState {
	st := state.New(plan.RunID, plan.Task, plan.Mode, s.executor.Limits().MaxRounds)
	for _, a := range plan.Agents {
		st.ActiveAgents = append(st.ActiveAgents, a.ID)
	}
	_ = st.Start(time.Now())
	return st
}

// remember stores st, replacing any earlier state of the same run. Stored
// states are never mutated. Only finished runs are evicted.
func (s *Server) remember(st *state.AgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[st.RunID]; !ok {
		s.order = append(s.order, st.RunID)
	}
	s.runs[st.RunID] = st
	for len(s.order) > maxStoredRuns {
		idx := slices.IndexFunc(s.order, func(id string) bool { return s.runs[id].Terminal() })
		if idx < 0 {
			break
		}
		oldest := s.order[idx]
		s.order = slices.Delete(s.order, idx, idx+1)
		delete(s.runs, oldest)
		s.events.Forget(oldest)
	}
}

// finished reports whether a remembered run has reached a terminal state
func (s *Server) finished(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[runID]
	return ok && st.Terminal()
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	st, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		s.writeJSON(w, http.StatusOK, st)
		return
	}
	if s.store != nil {
		st, err := s.store.LoadRun(r.Context(), id)
		if err == nil {
			s.writeJSON(w, http.StatusOK, st)
			return
		}
		if !errors.Is(err, db.ErrRunNotFound) {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, errors.New("run not found"))
}

func (s *Server) decodeRoute(w http.ResponseWriter, r *http.Request) (routeRequest, bool) {
	var req routeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid body"))
		return req, false
	}
	if strings.TrimSpace(req.Input) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("input required"))
		return req, false
	}
	if req.Preferences.Mode != nil && !req.Preferences.Mode.Valid() {
		s.writeError(w, http.StatusBadRequest, errors.New("unknown mode"))
		return req, false
	}
	if req.Preferences.Tier != nil && !req.Preferences.Tier.Valid() {
		s.writeError(w, http.StatusBadRequest, errors.New("unknown tier"))
		return req, false
	}
	return req, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
