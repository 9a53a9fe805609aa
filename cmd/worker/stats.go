package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"audio-analyzer/internal/models"
	"audio-analyzer/internal/queue"
	"audio-analyzer/internal/store"
)

var statusOrder = []models.Status{
	models.StatusPending,
	models.StatusInProgress,
	models.StatusCompleted,
	models.StatusFailed,
	models.StatusSkipped,
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show track status counts and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			st, err := store.New(cmd.Context(), cfg.DatabaseURL, store.Options{MaxRetries: cfg.MaxRetries})
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer st.Close()

			counts, err := st.StatusCounts(cmd.Context(), cfg.MaxRetries)
			if err != nil {
				return err
			}

			depth := "unavailable"
			if q, err := queue.NewRedisQueue(cfg); err == nil {
				if n, err := q.Depth(cmd.Context()); err == nil {
					depth = strconv.FormatInt(n, 10)
				}
				_ = q.Close()
			}

			fmt.Fprintln(cmd.OutOrStdout(), formatStats(counts, depth))
			return nil
		},
	}
}

func formatStats(counts models.StatusCounts, queueDepth string) string {
	rows := make([][]string, 0, len(statusOrder)+2)
	for _, s := range statusOrder {
		rows = append(rows, []string{string(s), strconv.FormatInt(counts.ByStatus[s], 10)})
	}
	rows = append(rows,
		[]string{"failed (retries exhausted)", strconv.FormatInt(counts.Exhausted, 10)},
		[]string{"queue depth", queueDepth},
	)
	return renderTable([]string{"Status", "Count"}, rows, map[int]bool{1: true})
}
