package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"audio-analyzer/internal/models"
	"audio-analyzer/internal/queue"
	"audio-analyzer/internal/store"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <track-id> [file-path]",
		Short: "Mark a track pending and push it onto the analysis queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			st, err := store.New(cmd.Context(), cfg.DatabaseURL, store.Options{MaxRetries: cfg.MaxRetries})
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer st.Close()

			q, err := queue.NewRedisQueue(cfg)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer q.Close()

			id := args[0]
			var filePath string
			if len(args) == 2 {
				filePath = args[1]
			}
			created, err := st.EnsurePending(cmd.Context(), id, filePath)
			if err != nil {
				return err
			}
			if !created {
				track, err := st.GetTrack(cmd.Context(), id)
				if err != nil {
					return err
				}
				if track.Status != models.StatusPending {
					return fmt.Errorf("track %s is %s, not pending", id, track.Status)
				}
				filePath = track.FilePath
			}
			if err := q.Push(cmd.Context(), models.JobDescriptor{TrackID: id, FilePath: filePath}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (created=%t)\n", id, created)
			return nil
		},
	}
}
