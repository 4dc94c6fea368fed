// Package dispatch はチャンクをキューメッセージとして作業キューへ投入します。
package dispatch

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-relay/internal/chunking"
	"github.com/yourusername/paper-relay/internal/logging"
	"github.com/yourusername/paper-relay/internal/metrics"
)

// Publisher はメッセージを永続キューへ送る接続です。queue.Broker が実装します。
type Publisher interface {
	Alive(ctx context.Context) bool
	Redial(ctx context.Context) error
	Publish(ctx context.Context, body []byte) error
}

// Error はチャンクの投入が再試行上限に達した場合のエラーです。
// それまでに投入済みのチャンクは取り消されません。
type Error struct {
	JobID      string
	ChunkIndex int
	Published  int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch job %s: chunk %d failed after %d published: %v", e.JobID, e.ChunkIndex, e.Published, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options は投入の再試行設定です。
type Options struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Dispatcher はジョブのチャンクを順に投入します。
type Dispatcher struct {
	pub     Publisher
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// New は Dispatcher を生成します。
func New(pub Publisher, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Dispatcher {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Dispatcher{
		pub:     pub,
		opts:    opts,
		logger:  logging.Component(logger, "dispatcher"),
		metrics: m,
	}
}

// Dispatch は descriptors を1チャンク1メッセージで投入し、ジョブ ID を返します。
// 投入前に接続を確認し、切れていれば1回だけ張り直します。再接続と投入を合わせて
// 1チャンクあたり最大 Attempts 回まで試行します。
func (d *Dispatcher) Dispatch(ctx context.Context, job chunking.Job, descriptors []chunking.Descriptor) (string, error) {
	log := d.logger.WithField("job_id", job.ID)

	for i, desc := range descriptors {
		body, err := desc.Message().Encode()
		if err != nil {
			d.metrics.ObserveDispatchFailed()
			return "", &Error{JobID: job.ID, ChunkIndex: desc.Index, Published: i, Err: err}
		}

		err = retry.Do(
			func() error {
				if !d.pub.Alive(ctx) {
					if err := d.pub.Redial(ctx); err != nil {
						return err
					}
				}
				return d.pub.Publish(ctx, body)
			},
			retry.Context(ctx),
			retry.Attempts(uint(d.opts.Attempts)),
			retry.Delay(d.opts.Delay),
			retry.MaxDelay(d.opts.MaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				log.WithError(err).WithField("chunk", desc.Index).Warnf("publish failed (attempt %d/%d)", n+1, d.opts.Attempts)
			}),
		)
		if err != nil {
			d.metrics.ObserveDispatchFailed()
			log.WithError(err).WithField("chunk", desc.Index).Errorf("dispatch aborted after %d of %d chunks", i, len(descriptors))
			return "", &Error{JobID: job.ID, ChunkIndex: desc.Index, Published: i, Err: err}
		}
		d.metrics.ObservePublished()
	}

	log.Infof("dispatched %d chunks", len(descriptors))
	return job.ID, nil
}
