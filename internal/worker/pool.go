// Package worker はキューからチャンクを受け取り、外部処理に渡して結果を出力ストアへ書き込みます。
//
// ブローカーとのやり取り（受信・Ack・Nack・ハートビート）はすべてプロトコルゴルーチンが行い、
// 処理ゴルーチンとは容量制限付きの2本のチャネル（タスク・結果）だけでつながります。
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/paper-relay/internal/logging"
	"github.com/yourusername/paper-relay/internal/metrics"
	"github.com/yourusername/paper-relay/internal/processor"
	"github.com/yourusername/paper-relay/internal/queue"
	"github.com/yourusername/paper-relay/internal/results"
)

// ErrQueueSaturated はタスクキューが満杯でメッセージを受け取れなかったことを表します。
// メッセージはキューへ戻され、後で再配送されます。
var ErrQueueSaturated = errors.New("task queue saturated")

// DecodeError はメッセージ本文を解釈できなかったことを表します。
// メッセージは Ack され、成果物もエラーマーカーも書かれません。
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Session はブローカー上の1つのコンシューマセッションです。queue.Consumer が実装します。
// プロトコルゴルーチンからのみ呼び出されます。
type Session interface {
	Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, tag uint64) error
	Nack(ctx context.Context, tag uint64, requeue bool) error
	Heartbeat(ctx context.Context) error
}

// OpenFunc はセッションを開きます。
type OpenFunc func(ctx context.Context) (Session, error)

// SourceStore は投入された PDF を取得するストアです。storage.Bucket が実装します。
type SourceStore interface {
	Download(ctx context.Context, key, dst string) error
}

// Options はワーカープールの設定です。
type Options struct {
	Concurrency       int
	TaskQueueSize     int
	ResultQueueSize   int
	PollInterval      time.Duration
	ReceiveWait       time.Duration
	HeartbeatInterval time.Duration
	RestartDelay      time.Duration
	RestartMaxDelay   time.Duration

	// エラーマーカーの書き込みは最大 MarkerAttempts 回試し、それでも失敗したらメッセージを戻す
	MarkerAttempts int
	MarkerDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.TaskQueueSize < 1 {
		o.TaskQueueSize = 50
	}
	if o.ResultQueueSize < 1 {
		o.ResultQueueSize = 50
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ReceiveWait <= 0 {
		o.ReceiveWait = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 2 * time.Second
	}
	if o.RestartMaxDelay < o.RestartDelay {
		o.RestartMaxDelay = o.RestartDelay
	}
	if o.MarkerAttempts < 1 {
		o.MarkerAttempts = 3
	}
	if o.MarkerDelay <= 0 {
		o.MarkerDelay = 500 * time.Millisecond
	}
	return o
}

type task struct {
	tag  uint64
	body []byte
}

type outcome struct {
	tag     uint64
	ok      bool
	requeue bool
}

// Pool はプロトコルゴルーチンと処理ゴルーチンから成るワーカーです。
type Pool struct {
	open      OpenFunc
	sources   SourceStore
	recorder  *results.Recorder
	processor processor.Processor
	opts      Options
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time

	// Ack に失敗した結果。次のセッションで再送する（プロトコルゴルーチン専有）
	unacked []outcome
}

// New は Pool を生成します。
func New(open OpenFunc, sources SourceStore, recorder *results.Recorder, proc processor.Processor, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Pool {
	return &Pool{
		open:      open,
		sources:   sources,
		recorder:  recorder,
		processor: proc,
		opts:      opts.withDefaults(),
		logger:    logging.Component(logger, "worker"),
		metrics:   m,
		now:       time.Now,
	}
}

// Run は ctx がキャンセルされるまでメッセージを処理します。
// 処理中のまま Ack されなかったメッセージは、次回起動時にブローカーが再配送します。
func (p *Pool) Run(ctx context.Context) error {
	tasks := make(chan task, p.opts.TaskQueueSize)
	done := make(chan outcome, p.opts.ResultQueueSize)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.processLoop(gctx, id, tasks, done)
			return nil
		})
	}
	g.Go(func() error {
		defer close(tasks)
		return p.protocolLoop(gctx, tasks, done)
	})

	p.logger.WithField("concurrency", p.opts.Concurrency).Info("worker pool started")
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// protocolLoop はセッションが失敗するたびに、上限付きの指数バックオフで張り直します。
func (p *Pool) protocolLoop(ctx context.Context, tasks chan<- task, done <-chan outcome) error {
	delay := p.opts.RestartDelay
	for {
		opened, err := p.session(ctx, tasks, done)
		if ctx.Err() != nil {
			return nil
		}
		if opened {
			delay = p.opts.RestartDelay
		}
		p.metrics.ObserveSessionRestart()
		p.logger.WithError(err).Warnf("broker session ended, reopening in %s", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.opts.RestartMaxDelay {
			delay = p.opts.RestartMaxDelay
		}
	}
}

// session は1つのセッションでプロトコルを回します。戻り値 opened はセッションを開けたかどうかです。
func (p *Pool) session(ctx context.Context, tasks chan<- task, done <-chan outcome) (bool, error) {
	sess, err := p.open(ctx)
	if err != nil {
		return false, fmt.Errorf("open session: %w", err)
	}
	p.logger.Info("broker session opened")

	heartbeat := time.NewTicker(p.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		if ctx.Err() != nil {
			return true, nil
		}

		d, err := sess.Receive(ctx, p.opts.ReceiveWait)
		if err != nil {
			return true, err
		}
		if d != nil {
			if err := p.enqueue(ctx, sess, tasks, d); err != nil {
				return true, err
			}
		}

		if err := p.drain(ctx, sess, done); err != nil {
			return true, err
		}

		select {
		case <-heartbeat.C:
			if err := sess.Heartbeat(ctx); err != nil {
				return true, fmt.Errorf("heartbeat: %w", err)
			}
		default:
		}

		select {
		case <-ctx.Done():
			return true, nil
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// enqueue はタスクキューへブロックせずに積みます。満杯なら Nack してキューへ戻します。
func (p *Pool) enqueue(ctx context.Context, sess Session, tasks chan<- task, d *queue.Delivery) error {
	p.metrics.ObserveReceived()
	select {
	case tasks <- task{tag: d.Tag, body: d.Body}:
		p.metrics.SetQueueDepth(len(tasks))
		return nil
	default:
	}

	p.metrics.ObserveSaturated()
	p.logger.WithField("tag", d.Tag).WithError(ErrQueueSaturated).Warn("task queue full, requeueing message")
	if err := sess.Nack(ctx, d.Tag, true); err != nil {
		return fmt.Errorf("nack %d: %w", d.Tag, err)
	}
	return nil
}

// drain は処理済みの結果をブロックせずにすべて取り出して Ack します。
// 成功・失敗にかかわらず Ack し、失敗したメッセージは再配送しません。
// エラーマーカーを書けなかった結果だけは Nack でキューへ戻します。
func (p *Pool) drain(ctx context.Context, sess Session, done <-chan outcome) error {
	for len(p.unacked) > 0 {
		if err := p.settle(ctx, sess, p.unacked[0]); err != nil {
			return err
		}
		p.unacked = p.unacked[1:]
	}

	for {
		select {
		case o := <-done:
			if err := p.settle(ctx, sess, o); err != nil {
				p.unacked = append(p.unacked, o)
				return err
			}
		default:
			return nil
		}
	}
}

// settle は結果を Ack します。requeue の結果だけは Nack してキューへ戻します。
func (p *Pool) settle(ctx context.Context, sess Session, o outcome) error {
	var err error
	if o.requeue {
		err = sess.Nack(ctx, o.tag, true)
	} else {
		err = sess.Ack(ctx, o.tag)
	}
	if errors.Is(err, queue.ErrUnknownTag) {
		p.metrics.ObserveAckError()
		p.logger.WithField("tag", o.tag).Warn("dropping ack for unknown delivery tag")
		return nil
	}
	if err != nil {
		p.metrics.ObserveAckError()
		return fmt.Errorf("ack %d: %w", o.tag, err)
	}
	return nil
}
