// Package queue は Redis をブローカーとした永続的な作業キューを提供します。
//
// メッセージは "relay:queue:<name>" リストに積まれ、受信時にコンシューマ専用の
// 処理中リストへアトミックに移動します。Ack で処理中リストから削除し、
// Nack(requeue) でキューへ戻します。プロセスが落ちた場合、処理中リストに残った
// メッセージは次回 Open 時にキューへ戻されます（at-least-once）。
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "relay:queue:"

// Options はブローカー接続の設定です。
type Options struct {
	RedisURL string
	Queue    string

	// 再接続は最大 ReconnectAttempts 回、ReconnectDelay から倍々で ReconnectMaxDelay まで待ちます。
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// Broker は明示的に所有される再接続可能な Redis 接続です。
// Publish / Alive / Reconnect / Redial は複数ゴルーチンから呼び出せます。
type Broker struct {
	opts      Options
	redisOpts *redis.Options
	logger    logrus.FieldLogger

	mu  sync.RWMutex
	rdb *redis.Client

	consumersMu sync.Mutex
	consumers   map[string]*Consumer
}

// Dial はブローカーに接続します。接続できるまで再試行します。
func Dial(ctx context.Context, opts Options, logger logrus.FieldLogger) (*Broker, error) {
	if opts.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &Broker{
		opts:      opts,
		redisOpts: redisOpts,
		logger:    logger.WithField("queue", opts.Queue),
		consumers: make(map[string]*Consumer),
	}
	if err := b.Reconnect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Queue は作業キュー名（ルーティングキー）を返します。
func (b *Broker) Queue() string {
	return b.opts.Queue
}

func (b *Broker) client() *redis.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rdb
}

// Alive は接続が生きているかを PING で確認します。
func (b *Broker) Alive(ctx context.Context) bool {
	rdb := b.client()
	if rdb == nil {
		return false
	}
	return rdb.Ping(ctx).Err() == nil
}

// Reconnect は既存の接続を閉じて張り直します。上限回数まで指数バックオフで再試行します。
func (b *Broker) Reconnect(ctx context.Context) error {
	attempts := b.opts.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	err := retry.Do(
		func() error { return b.dial(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(b.opts.ReconnectDelay),
		retry.MaxDelay(b.opts.ReconnectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.logger.WithError(err).Warnf("failed to connect to broker (attempt %d/%d)", n+1, attempts)
		}),
	)
	if err != nil {
		return fmt.Errorf("broker connection failed after %d attempts: %w", attempts, err)
	}
	b.logger.Info("broker connection established")
	return nil
}

// Redial は再試行せずに1回だけ接続を張り直します。
// 呼び出し側が自前の再試行ループを持つ場合に使います。
func (b *Broker) Redial(ctx context.Context) error {
	if err := b.dial(ctx); err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	b.logger.Info("broker connection re-established")
	return nil
}

func (b *Broker) dial(ctx context.Context) error {
	rdb := redis.NewClient(b.redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return err
	}
	b.mu.Lock()
	old := b.rdb
	b.rdb = rdb
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Publish はメッセージ本文を作業キューに積みます。
func (b *Broker) Publish(ctx context.Context, body []byte) error {
	rdb := b.client()
	if rdb == nil {
		return fmt.Errorf("broker is not connected")
	}
	return rdb.LPush(ctx, b.queueKey(), body).Err()
}

// Depth は作業キューに残っているメッセージ数を返します。
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	rdb := b.client()
	if rdb == nil {
		return 0, fmt.Errorf("broker is not connected")
	}
	return rdb.LLen(ctx, b.queueKey()).Result()
}

// Open はコンシューマ consumerID のセッションを返します。
// 接続が切れていれば張り直します。プロセス内で初回の Open では、前回のプロセスが
// 処理中のまま残したメッセージをキューへ戻します。2回目以降は同じ Consumer を返すため、
// 再接続をまたいでも未応答の配送タグは有効なままです。
func (b *Broker) Open(ctx context.Context, consumerID string) (*Consumer, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("consumer id is required")
	}
	if !b.Alive(ctx) {
		if err := b.Reconnect(ctx); err != nil {
			return nil, err
		}
	}

	b.consumersMu.Lock()
	defer b.consumersMu.Unlock()
	if c, ok := b.consumers[consumerID]; ok {
		return c, nil
	}

	c := &Consumer{
		broker:     b,
		id:         consumerID,
		processing: b.processingKey(consumerID),
		pending:    make(map[uint64]string),
	}
	n, err := c.recoverInFlight(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		b.logger.WithField("consumer", consumerID).Warnf("requeued %d in-flight messages from a previous run", n)
	}
	b.consumers[consumerID] = c
	return c, nil
}

// Close は接続を閉じます。
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rdb == nil {
		return nil
	}
	err := b.rdb.Close()
	b.rdb = nil
	return err
}

func (b *Broker) queueKey() string {
	return keyPrefix + b.opts.Queue
}

func (b *Broker) processingKey(consumerID string) string {
	return keyPrefix + b.opts.Queue + ":processing:" + consumerID
}
