package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"audio-analyzer/internal/analysis"
)

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <path>",
		Short: "Analyze a single file and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analyzer, err := analysis.NewProbeAnalyzer(cmd.Context(), ctx.config, ctx.logger)
			if err != nil {
				return err
			}
			res := analyzer.Analyze(cmd.Context(), args[0]).Normalize()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("analysis failed: %s", res.Failure)
			}
			return nil
		},
	}
}
