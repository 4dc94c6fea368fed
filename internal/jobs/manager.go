package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-relay/internal/logging"
)

const (
	taskTypeExpire = "job:expire"
	expireQueue    = "expiry"
)

// Clearer はジョブの成果物と台帳を削除します。Service が実装します。
type Clearer interface {
	Clear(ctx context.Context, jobID string) error
}

// Expirer は期限切れジョブの削除を asynq の遅延タスクとして管理します。
type Expirer struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	clearer Clearer
	logger  logrus.FieldLogger
}

type expirePayload struct {
	JobID string `json:"jobId"`
}

// NewExpirer は Expirer を初期化します。clearer は Start 前に SetClearer で設定できます。
func NewExpirer(redisURL string, clearer Clearer, logger logrus.FieldLogger) (*Expirer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				expireQueue: 1,
			},
			Logger: logging.Component(logger, "asynq"),
		},
	)

	e := &Expirer{
		client:  asynq.NewClient(opt),
		server:  server,
		mux:     asynq.NewServeMux(),
		clearer: clearer,
		logger:  logging.Component(logger, "expirer"),
	}
	e.mux.HandleFunc(taskTypeExpire, e.handleExpire)
	return e, nil
}

// SetClearer は削除処理の実体を設定します。
func (e *Expirer) SetClearer(clearer Clearer) {
	e.clearer = clearer
}

// Start は asynq サーバーをバックグラウンドで起動します。
func (e *Expirer) Start() error {
	if e.clearer == nil {
		return errors.New("clearer is nil")
	}
	return e.server.Start(e.mux)
}

// Shutdown はサーバーとクライアントを閉じます。
func (e *Expirer) Shutdown() error {
	e.server.Shutdown()
	return e.client.Close()
}

// ScheduleExpiry は after 経過後にジョブを削除するタスクを登録します。
func (e *Expirer) ScheduleExpiry(ctx context.Context, jobID string, after time.Duration) error {
	body, err := json.Marshal(expirePayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeExpire, body)
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(expireQueue),
		asynq.ProcessIn(after),
		asynq.TaskID("expire:"+jobID),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func (e *Expirer) handleExpire(ctx context.Context, task *asynq.Task) error {
	var payload expirePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	if err := e.clearer.Clear(ctx, payload.JobID); err != nil {
		return err
	}
	e.logger.WithField("job_id", payload.JobID).Info("expired job cleared")
	return nil
}
