package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/config"
	"github.com/Kocoro-lab/taskrouter/internal/db"
	"github.com/Kocoro-lab/taskrouter/internal/orchestration"
	"github.com/Kocoro-lab/taskrouter/internal/ratecontrol"
	"github.com/Kocoro-lab/taskrouter/internal/state"
	"github.com/Kocoro-lab/taskrouter/internal/streaming"
	"github.com/Kocoro-lab/taskrouter/internal/tracing"
)

var (
	runFlags      routeFlags
	runDryRun     bool
	runShowEvents bool
)

var runCmd = &cobra.Command{
	Use:   "run <task text>",
	Short: "Route a task and drive the orchestration run",
	Long: `Routes the task like 'decide', then runs the selected agents in the chosen
mode and prints the terminal run state. With --dry-run agents answer through
the echo caller; no provider is contacted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Answer with the echo caller instead of live providers")
	runCmd.Flags().BoolVar(&runShowEvents, "events", false, "Print the run's event stream after the state")
}

// runOutput is what run prints
type runOutput struct {
	State  *state.AgentState `json:"state"`
	Error  string            `json:"error,omitempty"`
	Events []streaming.Event `json:"events,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	if !runDryRun {
		return errors.New("no live provider caller is configured; use --dry-run")
	}
	ctx := cmd.Context()
	task := strings.Join(args, " ")

	shutdown, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	} else {
		defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
	}

	decision, reg, err := decide(ctx, cmd, &runFlags, task)
	if err != nil {
		return err
	}

	mgr := streaming.NewManager(cfg.Streaming.Capacity)
	publisher, _, closePublisher := newPublisher(mgr)
	defer closePublisher()

	opts := []orchestration.Option{
		orchestration.WithLogger(logger),
		orchestration.WithPublisher(publisher),
	}
	if cfg.Archive.Enabled {
		archive, err := db.Open(ctx, cfg.Archive.Config, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
		opts = append(opts, orchestration.WithArchive(archive))
	}

	ocfg := cfg.Orchestration
	if ocfg.SynthesizerID == "" {
		ocfg.SynthesizerID = cfg.Routing.SynthesizerID
	}
	executor := orchestration.NewExecutor(newCaller(orchestration.EchoCaller{}), ocfg, opts...)

	plan := orchestration.PlanFromDecision(task, decision, reg)
	st, runErr := executor.Run(ctx, plan)
	if st == nil {
		return runErr
	}

	out := runOutput{State: st}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if runShowEvents {
		out.Events = mgr.ReplaySince(st.RunID, 0)
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", st.RunID, runErr)
	}
	return nil
}

// newCaller wraps the base caller with per-model breakers and provider rate limits
func newCaller(base orchestration.AgentCaller) orchestration.AgentCaller {
	limited := orchestration.NewRateLimitedCaller(base, ratecontrol.NewLimiters(cfg.Resilience.RateLimits))
	return orchestration.NewBreakerCaller(limited, cfg.Resilience.Breaker, logger)
}

// newPublisher always feeds mgr; the redis backend adds a Redis stream and
// returns its client
func newPublisher(mgr *streaming.Manager) (streaming.Publisher, redis.UniversalClient, func()) {
	if cfg.Streaming.Backend != config.BackendRedis {
		return mgr, nil, func() {}
	}
	rc := cfg.Streaming.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	rp := streaming.NewRedisPublisher(client, rc, logger)
	return streaming.Fanout{mgr, rp}, client, func() { _ = client.Close() }
}
