package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnknownTag は Ack / Nack に未知の配送タグが渡された場合に返されます。
var ErrUnknownTag = errors.New("unknown delivery tag")

// Delivery は受信したメッセージです。Tag は Ack / Nack に使います。
type Delivery struct {
	Tag  uint64
	Body []byte
}

// Consumer は1つのコンシューマセッションです。
// 単一のゴルーチン（プロトコルループ）からのみ使用してください。Ack / Nack もそのゴルーチンが発行します。
type Consumer struct {
	broker     *Broker
	id         string
	processing string

	nextTag uint64
	pending map[uint64]string
}

// Receive は最大 wait の間メッセージを待ちます。タイムアウトした場合は nil, nil を返します。
func (c *Consumer) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	rdb := c.broker.client()
	if rdb == nil {
		return nil, fmt.Errorf("broker is not connected")
	}
	body, err := rdb.BRPopLPush(ctx, c.broker.queueKey(), c.processing, wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", c.broker.Queue(), err)
	}
	c.nextTag++
	c.pending[c.nextTag] = body
	return &Delivery{Tag: c.nextTag, Body: []byte(body)}, nil
}

// Ack はメッセージを処理済みとしてキューから取り除きます。
func (c *Consumer) Ack(ctx context.Context, tag uint64) error {
	body, ok := c.pending[tag]
	if !ok {
		return fmt.Errorf("ack %d: %w", tag, ErrUnknownTag)
	}
	rdb := c.broker.client()
	if rdb == nil {
		return fmt.Errorf("broker is not connected")
	}
	if err := rdb.LRem(ctx, c.processing, 1, body).Err(); err != nil {
		return fmt.Errorf("ack %d: %w", tag, err)
	}
	delete(c.pending, tag)
	return nil
}

// Nack はメッセージを否定応答します。requeue が true ならキューの先頭（次に配送される位置）へ戻します。
func (c *Consumer) Nack(ctx context.Context, tag uint64, requeue bool) error {
	body, ok := c.pending[tag]
	if !ok {
		return fmt.Errorf("nack %d: %w", tag, ErrUnknownTag)
	}
	rdb := c.broker.client()
	if rdb == nil {
		return fmt.Errorf("broker is not connected")
	}
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.processing, 1, body)
		if requeue {
			pipe.RPush(ctx, c.broker.queueKey(), body)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("nack %d: %w", tag, err)
	}
	delete(c.pending, tag)
	return nil
}

// Heartbeat は接続の死活を確認します。
func (c *Consumer) Heartbeat(ctx context.Context) error {
	rdb := c.broker.client()
	if rdb == nil {
		return fmt.Errorf("broker is not connected")
	}
	return rdb.Ping(ctx).Err()
}

// InFlight は Ack / Nack 待ちのメッセージ数を返します。
func (c *Consumer) InFlight() int {
	return len(c.pending)
}

func (c *Consumer) recoverInFlight(ctx context.Context) (int, error) {
	rdb := c.broker.client()
	if rdb == nil {
		return 0, fmt.Errorf("broker is not connected")
	}
	n := 0
	for {
		err := rdb.RPopLPush(ctx, c.processing, c.broker.queueKey()).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover in-flight messages: %w", err)
		}
		n++
	}
}
