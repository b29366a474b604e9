package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/taskrouter/internal/analysis"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <task text>",
	Short: "Classify a task and print its analysis",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), analysis.Analyze(strings.Join(args, " ")))
	},
}
