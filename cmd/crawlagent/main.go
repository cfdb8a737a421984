// Package main wires together the crawl agent binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-agent/internal/agent"
	"github.com/JakeFAU/crawl-agent/internal/artifact"
	"github.com/JakeFAU/crawl-agent/internal/bus/pubsub"
	"github.com/JakeFAU/crawl-agent/internal/clock/system"
	"github.com/JakeFAU/crawl-agent/internal/config"
	"github.com/JakeFAU/crawl-agent/internal/dispatch"
	"github.com/JakeFAU/crawl-agent/internal/errorlog"
	"github.com/JakeFAU/crawl-agent/internal/logging"
	"github.com/JakeFAU/crawl-agent/internal/metrics"
	"github.com/JakeFAU/crawl-agent/internal/ops"
	"github.com/JakeFAU/crawl-agent/internal/retry"
	"github.com/JakeFAU/crawl-agent/internal/stage"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	if cfg.CredentialsPath != "" && os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		if err := os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", cfg.CredentialsPath); err != nil {
			logger.Warn("set credentials path failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	registry, err := logging.NewRegistry(logger, cfg.Logging.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log registry init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := registry.Close(); closeErr != nil {
			logger.Error("log registry close failed", zap.Error(closeErr))
		}
	}()

	psBus, err := pubsub.New(ctx, cfg.ProjectID, logger.Named("bus"))
	if err != nil {
		logger.Error("pubsub init failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := psBus.Close(); closeErr != nil {
			logger.Error("pubsub close failed", zap.Error(closeErr))
		}
	}()

	var sink errorlog.Recorder = errorlog.NoOpRecorder{}
	if cfg.Database.DSN != "" {
		if cfg.Database.Migrate {
			if err := errorlog.Migrate(cfg.Database.DSN); err != nil {
				logger.Error("error sink migration failed", zap.Error(err))
				os.Exit(1)
			}
		}
		pgSink, err := errorlog.NewStore(ctx, errorlog.Config{
			DSN:      cfg.Database.DSN,
			Table:    cfg.Database.Table,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			logger.Warn("error sink disabled", zap.Error(err))
		} else {
			sink = pgSink
			defer pgSink.Close()
		}
	}

	var uploader artifact.Uploader
	if cfg.Artifacts.Bucket != "" {
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Warn("failure artifacts disabled", zap.Error(err))
		} else {
			defer func() {
				if closeErr := gcsClient.Close(); closeErr != nil {
					logger.Error("storage client close failed", zap.Error(closeErr))
				}
			}()
			uploader, err = artifact.NewGCS(gcsClient, cfg.Artifacts.Bucket, cfg.Artifacts.Prefix)
			if err != nil {
				logger.Warn("failure artifacts disabled", zap.Error(err))
				uploader = nil
			}
		}
	}

	clk := system.New()
	workers := cfg.Workers()
	supervisors := make([]*agent.Supervisor, 0, len(workers))
	backlogs := make([]ops.Backlog, 0, len(workers))
	for _, w := range workers {
		wlog, err := registry.For(w.Subscription)
		if err != nil {
			logger.Warn("worker log file disabled",
				zap.String("subscription", w.Subscription), zap.Error(err))
			wlog = logger.Named(w.Subscription)
		}

		store, err := stage.NewStore(w.StagingDir, w.Subscription, clk, wlog)
		if err != nil {
			logger.Error("staging dir init failed",
				zap.String("subscription", w.Subscription), zap.Error(err))
			os.Exit(1)
		}
		runner := dispatch.NewRunner(dispatch.Config{
			Executable: w.Executable,
			BaseArgs:   w.BaseArgs,
			ExtraArgs:  w.ExtraArgs,
			WorkingDir: w.WorkingDir,
		}, store, clk, wlog)

		var resubmitter agent.Resubmitter
		if w.RetryTopic != "" {
			resubmitter = retry.NewResubmitter(psBus, store, w.RetryTopic, w.Subscription, wlog)
		} else {
			logger.Warn("no retry topic configured, failed jobs will be dropped",
				zap.String("subscription", w.Subscription))
		}

		supervisors = append(supervisors, agent.New(
			store,
			psBus.Subscriber(w.Subscription),
			runner,
			retry.NewPolicy(w.MaxRetries),
			resubmitter,
			sink,
			uploader,
			clk,
			agent.Config{PendingBuffer: w.PendingBuffer},
			wlog,
		))
		backlogs = append(backlogs, store)
	}

	opsServer := ops.NewServer(backlogs, logger.Named("ops"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Ops.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	var wg sync.WaitGroup
	for _, sup := range supervisors {
		wg.Add(1)
		go func(s *agent.Supervisor) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				logger.Error("worker stopped", zap.Error(err))
				stop()
			}
		}(sup)
	}
	logger.Info("crawl agent started", zap.Int("workers", len(supervisors)))

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")
}
