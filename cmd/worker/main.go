// Package main はチャンク処理ワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-relay/internal/config"
	"github.com/yourusername/paper-relay/internal/logging"
	"github.com/yourusername/paper-relay/internal/metrics"
	"github.com/yourusername/paper-relay/internal/processor"
	"github.com/yourusername/paper-relay/internal/queue"
	"github.com/yourusername/paper-relay/internal/results"
	"github.com/yourusername/paper-relay/internal/storage"
	"github.com/yourusername/paper-relay/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.WithField("worker_id", cfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources, err := storage.Open(ctx, cfg.DataStore)
	if err != nil {
		log.Fatalf("Failed to open data store: %v", err)
	}
	defer sources.Close()

	outputs, err := storage.Open(ctx, cfg.OutputStore)
	if err != nil {
		log.Fatalf("Failed to open output store: %v", err)
	}
	defer outputs.Close()

	broker, err := queue.Dial(ctx, queue.Options{
		RedisURL:          cfg.QueueRedisURL,
		Queue:             cfg.WorkQueue,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer broker.Close()

	proc, err := newProcessor(cfg.ProcessorCommand)
	if err != nil {
		log.Fatalf("Failed to configure processor: %v", err)
	}

	m := metrics.New(nil, "")
	metricsSrv := serveMetrics(cfg.MetricsAddr, log)

	pool := worker.New(
		func(ctx context.Context) (worker.Session, error) {
			return broker.Open(ctx, cfg.WorkerID)
		},
		sources,
		results.NewRecorder(outputs),
		proc,
		worker.Options{
			Concurrency:       cfg.WorkerConcurrency,
			TaskQueueSize:     cfg.TaskQueueSize,
			ResultQueueSize:   cfg.ResultQueueSize,
			PollInterval:      cfg.PollInterval,
			ReceiveWait:       cfg.ReceiveWait,
			HeartbeatInterval: cfg.HeartbeatInterval,
			RestartDelay:      cfg.ReconnectDelay,
			RestartMaxDelay:   cfg.ReconnectMaxDelay,
		},
		logger,
		m,
	)

	log.Infof("Starting worker on queue %s (concurrency: %d)", cfg.WorkQueue, cfg.WorkerConcurrency)
	runErr := pool.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("Worker stopped: %v", runErr)
	}
	log.Info("Worker stopped")
}

// newProcessor は外部コマンドが設定されていればそれを、なければ内蔵のアウトライン処理を返します。
func newProcessor(commandLine string) (processor.Processor, error) {
	if commandLine == "" {
		return processor.NewOutline(), nil
	}
	cmd, err := processor.NewCommand(commandLine)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func serveMetrics(addr string, log logrus.FieldLogger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}
