package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"audio-analyzer/internal/analysis"
	"audio-analyzer/internal/config"
	"audio-analyzer/internal/pool"
	"audio-analyzer/internal/queue"
	"audio-analyzer/internal/staging"
	"audio-analyzer/internal/store"
	"audio-analyzer/internal/telemetry"
	"audio-analyzer/internal/worker"
)

const poolShutdownTimeout = 30 * time.Second

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the analysis worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				// A second signal falls through to the default handler and exits.
				<-sigCtx.Done()
				stop()
			}()
			return runWorker(sigCtx, ctx.config, *ctx.configFlag, ctx.logger)
		},
	}
}

func runWorker(ctx context.Context, cfg config.Config, configPath string, logger *zap.Logger) error {
	defer func() { _ = logger.Sync() }()

	metricsSrv := serveMetrics(cfg.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	if cfg.AnalysisDisabled {
		logger.Warn("analysis disabled, idling until signalled")
		<-ctx.Done()
		return nil
	}

	st, err := store.New(ctx, cfg.DatabaseURL, store.Options{MaxRetries: cfg.MaxRetries})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q, err := queue.NewRedisQueue(cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer q.Close()

	var journal worker.Journal
	if cfg.StagingDir != "" {
		j, err := staging.Open(cfg.StagingDir)
		if err != nil {
			return fmt.Errorf("open staging journal: %w", err)
		}
		defer j.Close()
		journal = j
	}

	p := pool.New(cfg.NumWorkers, buildFactory(cfg, configPath, logger), logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			logger.Warn("worker pool did not drain", zap.Error(err))
		}
	}()

	logger.Info("worker starting",
		zap.String("isolation", cfg.Isolation),
		zap.String("queue", cfg.QueueKey),
		zap.String("staging_dir", cfg.StagingDir),
	)
	return worker.NewProcessor(cfg, st, q, p, journal, logger).Run(ctx)
}

func buildFactory(cfg config.Config, configPath string, logger *zap.Logger) pool.Factory {
	if cfg.Isolation == config.IsolationInProc {
		return pool.InProc(func(ctx context.Context) (analysis.Analyzer, error) {
			return analysis.NewProbeAnalyzer(ctx, cfg, logger)
		})
	}
	var env []string
	if configPath != "" {
		env = append(env, "ANALYZER_CONFIG="+configPath)
	}
	return pool.Subprocess(pool.SubprocessOptions{
		Args:   []string{"child", "--log-level", cfg.LogLevel},
		Env:    env,
		Stderr: os.Stderr,
	})
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	r := chi.NewRouter()
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
