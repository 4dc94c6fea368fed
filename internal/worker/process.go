package worker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-relay/internal/chunking"
	"github.com/yourusername/paper-relay/internal/processor"
	"github.com/yourusername/paper-relay/internal/results"
)

func (p *Pool) processLoop(ctx context.Context, id int, tasks <-chan task, done chan<- outcome) {
	log := p.logger.WithField("processor", id)
	for {
		var t task
		select {
		case <-ctx.Done():
			return
		case next, ok := <-tasks:
			if !ok {
				return
			}
			t = next
		}
		p.metrics.SetQueueDepth(len(tasks))

		ok, s := p.handle(ctx, log.WithField("tag", t.tag), t)
		if s == settleAbandon {
			// 終了処理中に中断された。Ack せずブローカーの再配送に任せる
			continue
		}
		select {
		case done <- outcome{tag: t.tag, ok: ok, requeue: s == settleRequeue}:
		case <-ctx.Done():
			return
		}
	}
}

type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleAbandon
)

// handle は1メッセージを処理し、メッセージの扱い（Ack・再投入・放置）を返します。
func (p *Pool) handle(ctx context.Context, log logrus.FieldLogger, t task) (bool, settlement) {
	msg, err := chunking.DecodeMessage(t.body)
	if err != nil {
		log.WithError(&DecodeError{Err: err}).Error("discarding undecodable message")
		p.metrics.ObserveChunk(false, 0)
		return false, settleAck
	}

	log = log.WithFields(logrus.Fields{"job_id": msg.ID, "chunk": msg.ChunkIdx, "num_chunks": msg.NumChunks})
	log.Infof("processing %s pages %s", msg.Filename, msg.PageRange())

	start := p.now()
	err = p.processChunk(ctx, msg, start)
	elapsed := p.now().Sub(start).Seconds()

	if err != nil {
		if ctx.Err() != nil {
			log.WithError(err).Warn("processing interrupted by shutdown")
			return false, settleAbandon
		}
		p.metrics.ObserveChunk(false, elapsed)
		log.WithError(err).Error("chunk processing failed")
		if markErr := p.writeErrorMarker(ctx, log, msg.ID, err); markErr != nil {
			if ctx.Err() != nil {
				return false, settleAbandon
			}
			// 失敗を記録できなければジョブが処理中のまま残るため、メッセージを戻して再処理させる
			log.WithError(markErr).Error("failed to write error marker, requeueing message")
			return false, settleRequeue
		}
		return false, settleAck
	}

	p.metrics.ObserveChunk(true, elapsed)
	log.Infof("completed chunk %d of %d in %.2fs", msg.ChunkIdx, msg.NumChunks, elapsed)
	return true, settleAck
}

func (p *Pool) writeErrorMarker(ctx context.Context, log logrus.FieldLogger, jobID string, cause error) error {
	return retry.Do(
		func() error { return p.recorder.WriteErrorMarker(ctx, jobID, cause) },
		retry.Context(ctx),
		retry.Attempts(uint(p.opts.MarkerAttempts)),
		retry.Delay(p.opts.MarkerDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("failed to write error marker (attempt %d/%d)", n+1, p.opts.MarkerAttempts)
		}),
	)
}

// processChunk は元 PDF を取得して変換し、付随ファイルを書いたあと最後に成果物を書きます。
// 成果物がすべて揃った時点で、計測ファイルと画像も揃っていることになります。
func (p *Pool) processChunk(ctx context.Context, msg chunking.Message, start time.Time) error {
	dir, err := os.MkdirTemp("", "relay-chunk-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, path.Base(msg.Filename))
	if err := p.sources.Download(ctx, msg.Filename, src); err != nil {
		return fmt.Errorf("fetch source %s: %w", msg.Filename, err)
	}

	cfg := msg.Config
	if _, ok := cfg[processor.OutputFormatKey]; !ok {
		cfg[processor.OutputFormatKey] = processor.DefaultOutputFormat
	}

	rendered, err := p.processor.Process(ctx, src, cfg)
	if err != nil {
		return err
	}
	end := p.now()

	for name, data := range rendered.Images {
		if err := p.recorder.WriteAsset(ctx, msg.ID, name, data); err != nil {
			return err
		}
	}
	info := results.WorkerInfo{
		StartTime: unixSeconds(start),
		EndTime:   unixSeconds(end),
		TotalTime: end.Sub(start).Seconds(),
		Pages:     msg.UnitCount(),
	}
	if err := p.recorder.WriteWorkerInfo(ctx, msg.ID, msg.ChunkIdx, info); err != nil {
		return err
	}
	if _, err := p.recorder.WriteConfigSnapshotOnce(ctx, msg.ID, cfg); err != nil {
		return err
	}
	return p.recorder.WriteArtifact(ctx, msg.ID, msg.ChunkIdx, msg.NumChunks, rendered.Extension, rendered.Content)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
