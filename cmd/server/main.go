package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/broadcast"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/config"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/coordinator"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/logging"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/metrics"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/mock"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/monitor"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/orchestrator"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/resilience"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/session"
	"github.com/keyurgolani/ThoughtMcp-sub011/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	configPath string
	host       string
	port       int
	logLevel   string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "thoughtcore",
		Short:        "Serve parallel reasoning sessions over HTTP, SSE and WebSocket",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "config.yaml", "Path to config file (defaults apply when missing)")
	cmd.Flags().StringVar(&f.host, "host", "", "Override server host")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Override server port")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, f flags) error {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port > 0 {
		cfg.Server.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, level, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := session.NewRegistry()
	bc := broadcast.NewBroadcaster(
		broadcast.WithBuffer(cfg.Broadcast.ClientBuffer),
		broadcast.WithLogger(logger),
		broadcast.WithMetrics(m),
	)
	handler := resilience.NewHandler(
		resilience.WithThreshold(cfg.Resilience.FailureThreshold),
		resilience.WithBackoff(cfg.Resilience.BackoffBase, cfg.Resilience.BackoffCap),
		resilience.WithDegradeOnCircuitOpen(cfg.Resilience.DegradeOnCircuitOpen),
		resilience.WithLogger(logger),
		resilience.WithMetrics(m),
	)
	orch := orchestrator.New(registry, bc, handler, mock.NewGenerator(),
		orchestrator.WithConfig(orchestratorConfig(cfg)),
		orchestrator.WithAssessor(coordinator.AssessorFunc(mock.Assess)),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
	)

	var wd *monitor.Watchdog
	if cfg.Watchdog.Enabled {
		sampler, err := monitor.NewSystemSampler()
		if err != nil {
			logger.Warn("resource watchdog disabled", "error", err)
		} else {
			wd = monitor.NewWatchdog(sampler, handler,
				monitor.WithInterval(cfg.Watchdog.Interval),
				monitor.WithThresholds(cfg.Watchdog.MemoryHighPercent, cfg.Watchdog.MemoryLowPercent),
				monitor.WithLogger(logger),
			)
		}
	}

	srv := ws.NewServer(orch,
		ws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		ws.WithRateLimit(cfg.Limits.CreateRate, cfg.Limits.CreateBurst),
		ws.WithGatherer(reg),
		ws.WithWatchdog(wd),
		ws.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	apply := func(next *config.Config, _ []string) {
		orch.SetConfig(orchestratorConfig(next))
		handler.SetThreshold(next.Resilience.FailureThreshold)
		handler.SetBackoff(next.Resilience.BackoffBase, next.Resilience.BackoffCap)
		handler.SetDegradeOnCircuitOpen(next.Resilience.DegradeOnCircuitOpen)
		srv.SetRateLimit(next.Limits.CreateRate, next.Limits.CreateBurst)
		if wd != nil {
			wd.SetThresholds(next.Watchdog.MemoryHighPercent, next.Watchdog.MemoryLowPercent)
		}
		if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
			level.Set(lvl)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bc.RunHeartbeat(gctx, cfg.Broadcast.HeartbeatInterval)
		return nil
	})
	g.Go(func() error {
		orch.RunSweeper(gctx)
		return nil
	})
	if wd != nil {
		g.Go(func() error {
			wd.Run(gctx)
			return nil
		})
	}
	if _, err := os.Stat(f.configPath); err == nil {
		g.Go(func() error {
			if err := config.Watch(gctx, f.configPath, cfg, logger, apply); err != nil {
				logger.Warn("config hot reload disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Ending the runs closes the SSE responses that would hold up the
		// HTTP shutdown.
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sessions did not stop in time", "error", err)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		CheckpointTimeout: cfg.Coordinator.CheckpointTimeout,
		LaggardPolicy:     coordinator.LaggardPolicy(cfg.Coordinator.LaggardPolicy),
		DefaultStreams:    cfg.Coordinator.DefaultStreams,
		MaxAge:            cfg.Sessions.MaxAge,
		SweepInterval:     cfg.Sessions.SweepInterval,
		AssessAttempts:    cfg.Resilience.AssessAttempts,
	}
}
