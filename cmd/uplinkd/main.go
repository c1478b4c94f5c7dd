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

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"uplinkd/internal/api"
	"uplinkd/internal/config"
	"uplinkd/internal/engine"
	"uplinkd/internal/events"
	"uplinkd/internal/ingest"
	"uplinkd/internal/logging"
	"uplinkd/internal/queue"
	"uplinkd/internal/retry"
	"uplinkd/internal/store"
	"uplinkd/internal/transport"
	"uplinkd/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "uplinkd: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uplinkd: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("uplinkd stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tr := transport.New(transport.Config{
		BaseURL:   cfg.Upload.BaseURL,
		PostPath:  cfg.Upload.PostPath,
		PutPath:   cfg.Upload.PutPath,
		APIKey:    cfg.Upload.APIKey,
		ChunkSize: cfg.Upload.ChunkSize,
		RetryMax:  cfg.Upload.HTTPRetryMax,
		Timeout:   cfg.Upload.RequestTimeout,
	}, logger.Named("transport"))
	defer tr.CloseIdleConnections()

	sinks := events.Multi{events.LogSink{Logger: logger.Named("events")}}
	if cfg.Kafka.Enabled() {
		ks := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	if cfg.Redis.Enabled() {
		rs := events.NewRedisSink(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.Channel, logger)
		defer rs.Close()
		sinks = append(sinks, rs)
	}
	if cfg.Spool.Dir != "" && cfg.Spool.DeleteAfterUpload {
		sinks = append(sinks, events.CleanupSink{Dir: cfg.Spool.StagingDir, Logger: logger})
	}

	eng := engine.New(ctx, st, tr, logger.Named("engine"), engine.Options{
		Policy: retry.Policy{Threshold: cfg.Upload.ErrorThreshold, Delay: cfg.Upload.RetryDelay},
		Sink:   sinks,
	})
	q := queue.New(st, eng, logger.Named("queue"), cfg.Store.ListLimit)

	var scanner worker.Scanner
	if cfg.Spool.Dir != "" {
		scanner = &ingest.Spool{
			Dir:        cfg.Spool.Dir,
			StagingDir: cfg.Spool.StagingDir,
			Queue:      q,
			Logger:     logger.Named("ingest"),
		}
	}

	var srv *http.Server
	if cfg.Server.Addr != "" {
		gin.SetMode(cfg.Server.Mode)
		srv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.NewRouter(api.NewHandler(q, eng, logger), logger.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin api", zap.Error(err))
				cancel()
			}
		}()
	}

	logger.Info("uplinkd starting",
		zap.String("endpoint", cfg.Upload.BaseURL),
		zap.String("store", cfg.Store.Driver),
		zap.String("api", cfg.Server.Addr),
		zap.String("spool", cfg.Spool.Dir),
		zap.Duration("poll", cfg.Scheduler.PollInterval),
	)

	worker.Run(ctx, logger.Named("scheduler"), eng, scanner, cfg.Scheduler.PollInterval)

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin api: %w", err)
		}
	}
	logger.Info("uplinkd stopped")
	return nil
}
