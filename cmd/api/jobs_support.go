package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-relay/internal/config"
	"github.com/yourusername/paper-relay/internal/dispatch"
	"github.com/yourusername/paper-relay/internal/jobs"
	"github.com/yourusername/paper-relay/internal/metrics"
	"github.com/yourusername/paper-relay/internal/queue"
	"github.com/yourusername/paper-relay/internal/results"
	"github.com/yourusername/paper-relay/internal/storage"
)

// jobDeps は API プロセスが所有する接続とサービスです。
type jobDeps struct {
	broker  *queue.Broker
	rdb     *redis.Client
	uploads *storage.Bucket
	outputs *storage.Bucket
	expirer *jobs.Expirer
	service *jobs.Service
}

func setupJobs(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, m *metrics.Metrics) (_ *jobDeps, err error) {
	deps := &jobDeps{}
	defer func() {
		if err != nil {
			deps.Close()
		}
	}()

	deps.uploads, err = storage.Open(ctx, cfg.DataStore)
	if err != nil {
		return nil, err
	}
	deps.outputs, err = storage.Open(ctx, cfg.OutputStore)
	if err != nil {
		return nil, err
	}

	deps.broker, err = queue.Dial(ctx, queue.Options{
		RedisURL:          cfg.QueueRedisURL,
		Queue:             cfg.WorkQueue,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
	}, logger)
	if err != nil {
		return nil, err
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	deps.rdb = redis.NewClient(opt)
	store := jobs.NewStore(deps.rdb, cfg.JobTTL())

	deps.expirer, err = jobs.NewExpirer(cfg.QueueRedisURL, nil, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(deps.broker, dispatch.Options{
		Attempts: cfg.ReconnectAttempts,
		Delay:    cfg.ReconnectDelay,
		MaxDelay: cfg.ReconnectMaxDelay,
	}, logger, m)

	deps.service = jobs.NewService(
		deps.uploads,
		deps.outputs,
		store,
		dispatcher,
		deps.expirer,
		results.NewEngine(deps.outputs, logger, m),
		jobs.Options{
			MaxFileSize: cfg.MaxFileSize,
			MaxPages:    cfg.MaxPages,
			ChunkSize:   cfg.ChunkSize,
			JobTTL:      cfg.JobTTL(),
		},
		logger,
	)
	deps.expirer.SetClearer(deps.service)
	return deps, nil
}

// Close は所有する接続をすべて閉じます。
func (d *jobDeps) Close() {
	if d.expirer != nil {
		_ = d.expirer.Shutdown()
	}
	if d.broker != nil {
		_ = d.broker.Close()
	}
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
	if d.uploads != nil {
		_ = d.uploads.Close()
	}
	if d.outputs != nil {
		_ = d.outputs.Close()
	}
}

// statusHandler はキューと設定の概要を返します。
func statusHandler(cfg *config.Config, deps *jobDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		payload := gin.H{
			"status":       "running",
			"queue":        cfg.WorkQueue,
			"broker_alive": deps.broker.Alive(ctx),
			"chunk_size":   cfg.ChunkSize,
			"data_store":   deps.uploads.URI(),
			"output_store": deps.outputs.URI(),
		}
		if depth, err := deps.broker.Depth(ctx); err == nil {
			payload["queue_depth"] = depth
		}
		c.JSON(http.StatusOK, payload)
	}
}
