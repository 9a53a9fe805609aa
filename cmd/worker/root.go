package main

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"audio-analyzer/internal/config"
	"audio-analyzer/internal/logging"
)

type commandContext struct {
	configFlag *string
	logLevel   *string

	once   sync.Once
	config config.Config
	logger *zap.Logger
	err    error
}

func newRootCommand() *cobra.Command {
	var configFlag, logLevel string
	ctx := &commandContext{configFlag: &configFlag, logLevel: &logLevel}

	rootCmd := &cobra.Command{
		Use:           "audio-worker",
		Short:         "Durable audio analysis worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.ensure()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newAnalyzeCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newChildCommand(ctx))
	return rootCmd
}

// ensure loads configuration and the logger once per invocation.
func (c *commandContext) ensure() error {
	c.once.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.err = err
			return
		}
		if lvl := strings.TrimSpace(*c.logLevel); lvl != "" {
			cfg.LogLevel = lvl
		}
		logger, err := logging.New(logging.Options{
			Level:       cfg.LogLevel,
			Format:      cfg.LogFormat,
			OutputPaths: []string{"stderr"},
			Fields:      map[string]any{"component": "worker", "env": cfg.Env, "pid": os.Getpid()},
		})
		if err != nil {
			c.err = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.err
}
