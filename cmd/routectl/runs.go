package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/taskrouter/internal/db"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect archived orchestration runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent archived runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := openArchive(cmd)
		if err != nil {
			return err
		}
		defer archive.Close()

		recs, err := archive.RecentRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		type row struct {
			RunID        string     `json:"run_id"`
			Mode         string     `json:"mode"`
			Status       string     `json:"status"`
			Rounds       int        `json:"rounds"`
			InputTokens  int        `json:"input_tokens"`
			OutputTokens int        `json:"output_tokens"`
			StartedAt    time.Time  `json:"started_at"`
			FinishedAt   *time.Time `json:"finished_at,omitempty"`
			Error        *string    `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, row{
				RunID:        r.RunID,
				Mode:         r.Mode,
				Status:       r.Status,
				Rounds:       r.Round,
				InputTokens:  r.InputTokens,
				OutputTokens: r.OutputTokens,
				StartedAt:    r.StartedAt,
				FinishedAt:   r.FinishedAt,
				Error:        r.Error,
			})
		}
		return printJSON(cmd.OutOrStdout(), rows)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run id>",
	Short: "Print the archived state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := openArchive(cmd)
		if err != nil {
			return err
		}
		defer archive.Close()

		st, err := archive.LoadRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func openArchive(cmd *cobra.Command) (*db.Archive, error) {
	if !cfg.Archive.Enabled {
		return nil, errors.New("archive is disabled; set archive.enabled in the config")
	}
	return db.Open(cmd.Context(), cfg.Archive.Config, logger)
}
