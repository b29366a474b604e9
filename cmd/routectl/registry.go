package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/models"
	"github.com/Kocoro-lab/taskrouter/internal/pricing"
	"github.com/Kocoro-lab/taskrouter/internal/routing"
)

var (
	registryPath     string
	costInputTokens  int
	costOutputTokens int
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the model registry",
}

var registryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the registry with detected providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := models.LoadFile(resolveRegistryPath())
		if err != nil {
			return err
		}
		out := reg.Models()
		for i := range out {
			out[i].Provider = models.DetectProvider(reg, out[i].ID)
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var registryWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Log every registry reload until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w, err := models.NewWatcher(resolveRegistryPath(), logger)
		if err != nil {
			return err
		}
		w.OnReload(func(r *models.Registry) {
			ids := make([]string, 0, r.Len())
			for _, m := range r.Models() {
				ids = append(ids, m.ID)
			}
			logger.Info("Registry snapshot", zap.Strings("models", ids))
		})
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Close()

		<-ctx.Done()
		return nil
	},
}

// costOutput is what registry cost prints
type costOutput struct {
	Estimates []pricing.CostEstimate `json:"estimates"`
	Missing   []string               `json:"missing,omitempty"`
}

var registryCostCmd = &cobra.Command{
	Use:   "cost [model id...]",
	Short: "Print per-call cost estimates, cheapest first",
	Long: `Estimates the cost of one call with the given token counts against the
named models, or every registry model when none is named. Unknown ids are
listed under "missing".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := models.LoadFile(resolveRegistryPath())
		if err != nil {
			return err
		}
		ids := args
		if len(ids) == 0 {
			for _, m := range reg.Models() {
				ids = append(ids, m.ID)
			}
		}
		estimates, missing := pricing.EstimateByID(reg, ids, costInputTokens, costOutputTokens)
		return printJSON(cmd.OutOrStdout(), costOutput{Estimates: pricing.Cheapest(estimates), Missing: missing})
	},
}

func init() {
	registryCostCmd.Flags().IntVar(&costInputTokens, "input-tokens", 1000, "Prompt tokens per call")
	registryCostCmd.Flags().IntVar(&costOutputTokens, "output-tokens", routing.DefaultExpectedOutputTokens, "Expected output tokens per call")

	registryCmd.PersistentFlags().StringVar(&registryPath, "models", "", "Model registry YAML (default registry.path)")
	registryCmd.AddCommand(registryShowCmd)
	registryCmd.AddCommand(registryWatchCmd)
	registryCmd.AddCommand(registryCostCmd)
}

func resolveRegistryPath() string {
	if registryPath != "" {
		return registryPath
	}
	return cfg.Registry.Path
}
