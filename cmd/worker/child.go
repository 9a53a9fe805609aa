package main

import (
	"os"

	"github.com/spf13/cobra"

	"audio-analyzer/internal/analysis"
	"audio-analyzer/internal/pool"
)

// newChildCommand is the entry point for process-isolated pool slots. It
// speaks newline-delimited JSON on stdin and stdout; logs go to stderr.
func newChildCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:    "child",
		Short:  "Serve analysis requests for a parent worker",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool.IgnoreTerminationSignals()
			logger := ctx.logger.Named("child")
			analyzer, err := analysis.NewProbeAnalyzer(cmd.Context(), ctx.config, logger)
			if err != nil {
				return err
			}
			return pool.ServeChild(cmd.Context(), analyzer, os.Stdin, os.Stdout)
		},
	}
}
