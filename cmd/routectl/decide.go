package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/agents"
	"github.com/Kocoro-lab/taskrouter/internal/models"
	"github.com/Kocoro-lab/taskrouter/internal/policy"
	"github.com/Kocoro-lab/taskrouter/internal/routing"
	"github.com/Kocoro-lab/taskrouter/internal/state"
)

// routeFlags are shared by decide and run
type routeFlags struct {
	agentsPath   string
	modelsPath   string
	maxCost      float64
	maxLatencyMs int
	outputTokens int
	mode         string
	tier         string
}

var decideFlags routeFlags

var decideCmd = &cobra.Command{
	Use:   "decide <task text>",
	Short: "Print the routing decision for a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		input := strings.Join(args, " ")
		decision, _, err := decide(ctx, cmd, &decideFlags, input)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), decision)
	},
}

func init() {
	decideFlags.register(decideCmd)
}

func (f *routeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.agentsPath, "agents", "", "Agent pool YAML (default registry.agents_path)")
	cmd.Flags().StringVar(&f.modelsPath, "models", "", "Model registry YAML (default registry.path)")
	cmd.Flags().Float64Var(&f.maxCost, "max-cost", 0, "Maximum estimated cost per agent in USD")
	cmd.Flags().IntVar(&f.maxLatencyMs, "max-latency", 0, "Maximum model latency in milliseconds")
	cmd.Flags().IntVar(&f.outputTokens, "output-tokens", 0, "Expected output tokens for cost estimation")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Force an orchestration mode (single, sequential, parallel, hierarchical, consensus)")
	cmd.Flags().StringVar(&f.tier, "tier", "", "Force a quality tier (budget, balanced, premium, frontier)")
}

// preferences converts the flags that were actually set
func (f *routeFlags) preferences(cmd *cobra.Command) (routing.Preferences, error) {
	var p routing.Preferences
	flags := cmd.Flags()
	if flags.Changed("max-cost") {
		p.MaxCost = routing.Float64(f.maxCost)
	}
	if flags.Changed("max-latency") {
		p.MaxLatencyMs = routing.Int(f.maxLatencyMs)
	}
	if flags.Changed("output-tokens") {
		p.ExpectedOutputTokens = routing.Int(f.outputTokens)
	}
	if f.mode != "" {
		m := state.Mode(f.mode)
		if !m.Valid() {
			return p, fmt.Errorf("unknown mode %q", f.mode)
		}
		p.Mode = &m
	}
	if f.tier != "" {
		t := routing.QualityTier(f.tier)
		if !t.Valid() {
			return p, fmt.Errorf("unknown tier %q", f.tier)
		}
		p.Tier = &t
	}
	return p, nil
}

func (f *routeFlags) load() ([]agents.AgentConfig, *models.Registry, error) {
	agentsPath := f.agentsPath
	if agentsPath == "" {
		agentsPath = cfg.Registry.AgentsPath
	}
	modelsPath := f.modelsPath
	if modelsPath == "" {
		modelsPath = cfg.Registry.Path
	}
	pool, err := agents.LoadFile(agentsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load agents: %w", err)
	}
	reg, err := models.LoadFile(modelsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load models: %w", err)
	}
	return pool, reg, nil
}

func newEngine() (*routing.Engine, error) {
	opts := []routing.Option{routing.WithLogger(logger)}
	if cfg.Policy.Enabled {
		pe, err := policy.NewOPAEngine(cfg.Policy, logger)
		if err != nil {
			return nil, err
		}
		if pe.IsEnabled() {
			opts = append(opts, routing.WithFilter(pe))
		}
	}
	return routing.NewEngine(cfg.Routing, opts...), nil
}

func decide(ctx context.Context, cmd *cobra.Command, f *routeFlags, input string) (*routing.RoutingDecision, *models.Registry, error) {
	prefs, err := f.preferences(cmd)
	if err != nil {
		return nil, nil, err
	}
	pool, reg, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	engine, err := newEngine()
	if err != nil {
		return nil, nil, err
	}
	decision, err := engine.Decide(ctx, input, pool, reg, prefs)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("Routing decision",
		zap.String("mode", string(decision.Mode)),
		zap.Int("selected", len(decision.SelectedAgents)),
		zap.Bool("fallback", decision.Fallback),
	)
	return decision, reg, nil
}
