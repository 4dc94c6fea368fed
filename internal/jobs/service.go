// Package jobs はジョブの投入・状態確認・削除と、その HTTP API を提供します。
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-relay/internal/chunking"
	"github.com/yourusername/paper-relay/internal/dispatch"
	"github.com/yourusername/paper-relay/internal/logging"
	"github.com/yourusername/paper-relay/internal/processor"
	"github.com/yourusername/paper-relay/internal/results"
)

// UploadStore は投入された PDF の保存先です。
type UploadStore interface {
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// OutputStore はワーカーの出力先です。
type OutputStore interface {
	results.Store
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Dispatcher はチャンクを作業キューへ投入します。
type Dispatcher interface {
	Dispatch(ctx context.Context, job chunking.Job, descriptors []chunking.Descriptor) (string, error)
}

// ExpiryScheduler はジョブの自動削除を予約します。
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, jobID string, after time.Duration) error
}

// Options はジョブ投入の制限値です。
type Options struct {
	MaxFileSize int64
	MaxPages    int
	ChunkSize   int
	JobTTL      time.Duration
}

// Service はジョブの投入・状態確認・削除を行います。
type Service struct {
	uploads    UploadStore
	outputs    OutputStore
	records    *Store
	dispatcher Dispatcher
	expiry     ExpiryScheduler
	inspector  *results.Inspector
	resolver   *results.Resolver
	opts       Options
	logger     logrus.FieldLogger
	newID      func() string
}

// NewService は Service を生成します。expiry は nil でも構いません。
func NewService(uploads UploadStore, outputs OutputStore, records *Store, dispatcher Dispatcher, expiry ExpiryScheduler, engine *results.Engine, opts Options, logger logrus.FieldLogger) *Service {
	inspector := results.NewInspector(outputs)
	return &Service{
		uploads:    uploads,
		outputs:    outputs,
		records:    records,
		dispatcher: dispatcher,
		expiry:     expiry,
		inspector:  inspector,
		resolver:   results.NewResolver(inspector, engine),
		opts:       opts,
		logger:     logging.Component(logger, "jobs"),
		newID:      uuid.NewString,
	}
}

// Submit は PDF を検証・分割して作業キューへ投入し、ジョブ ID を返します。
// 入力の検証とページ範囲の解釈は、ストアやキューへの書き込みより前に行います。
func (s *Service) Submit(ctx context.Context, upload Upload) (string, error) {
	if len(upload.Data) == 0 {
		return "", newError("INVALID_INPUT", "PDFファイルを選択してください。", nil)
	}
	if s.opts.MaxFileSize > 0 && int64(len(upload.Data)) > s.opts.MaxFileSize {
		return "", newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", s.opts.MaxFileSize/(1024*1024)), nil)
	}

	cfg, err := parseConfig(upload.Config)
	if err != nil {
		return "", newError("INVALID_CONFIG", "config は JSON オブジェクトで指定してください。", err)
	}
	format := processor.OutputFormat(cfg)
	if _, err := processor.Extension(format); err != nil {
		return "", newError("INVALID_CONFIG", "output_format には markdown / html / json のいずれかを指定してください。", err)
	}

	if mt := mimetype.Detect(upload.Data); !mt.Is("application/pdf") {
		return "", newError("INVALID_PDF", "PDFファイルではありません。", fmt.Errorf("detected %s", mt.String()))
	}
	pages, err := pdfapi.PageCount(bytes.NewReader(upload.Data), model.NewDefaultConfiguration())
	if err != nil {
		return "", newError("INVALID_PDF", "PDFファイルを読み込めませんでした。", err)
	}
	if s.opts.MaxPages > 0 && pages > s.opts.MaxPages {
		return "", newError("LIMIT_EXCEEDED", fmt.Sprintf("ページ数が上限（%dページ）を超えています。", s.opts.MaxPages), nil)
	}

	id := s.newID()
	rangeSpec, _ := cfg[chunking.PageRangeKey].(string)
	job := chunking.Job{
		ID:         id,
		SourceName: storedName(id),
		TotalUnits: pages,
		RangeSpec:  rangeSpec,
		Config:     cfg,
	}
	chunks, err := chunking.Plan(job, s.opts.ChunkSize)
	if err != nil {
		var rpe *chunking.RangeParseError
		if errors.As(err, &rpe) {
			return "", newError("INVALID_RANGE", fmt.Sprintf("page_range の指定が不正です: %s", rpe.Token), err)
		}
		return "", err
	}

	if err := s.uploads.Write(ctx, job.SourceName, upload.Data); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	record := &Record{
		JobID:        id,
		SourceName:   upload.Filename,
		StoredName:   job.SourceName,
		TotalPages:   pages,
		NumChunks:    len(chunks),
		PageRange:    rangeSpec,
		OutputFormat: format,
	}
	if err := s.records.Save(ctx, record); err != nil {
		_ = s.uploads.Delete(ctx, job.SourceName)
		return "", fmt.Errorf("failed to save job record: %w", err)
	}

	log := s.logger.WithField("job_id", id)
	if _, err := s.dispatcher.Dispatch(ctx, job, chunks); err != nil {
		var derr *dispatch.Error
		published := 0
		if errors.As(err, &derr) {
			published = derr.Published
		}
		if markErr := s.records.MarkFailed(ctx, id, &ErrorInfo{Code: "DISPATCH_FAILED", Message: err.Error()}); markErr != nil {
			log.WithError(markErr).Warn("failed to record dispatch failure")
		}
		_ = s.records.MarkDispatched(ctx, id, published)
		return "", newError("QUEUE_UNAVAILABLE", "ジョブをキューに投入できませんでした。", err)
	}
	if err := s.records.MarkDispatched(ctx, id, len(chunks)); err != nil {
		log.WithError(err).Warn("failed to update dispatched count")
	}

	if s.expiry != nil && s.opts.JobTTL > 0 {
		if err := s.expiry.ScheduleExpiry(ctx, id, s.opts.JobTTL); err != nil {
			log.WithError(err).Warn("failed to schedule job expiry")
		}
	}

	log.Infof("accepted %s (%d pages, %d chunks)", upload.Filename, pages, len(chunks))
	return id, nil
}

// Status はジョブの状態を返します。台帳も出力も無ければ ErrJobNotFound を返します。
func (s *Service) Status(ctx context.Context, jobID string) (*results.Status, *Record, error) {
	record, err := s.records.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		ok, err := s.inspector.HasOutput(ctx, jobID)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, ErrJobNotFound
		}
	}

	if record != nil && record.Error != nil {
		return &results.Status{JobID: jobID, State: results.StateFailed, Error: record.Error.Message}, record, nil
	}

	st, err := s.resolver.Status(ctx, jobID)
	if err != nil {
		return nil, record, err
	}
	return st, record, nil
}

// ReadFile はジョブ出力内のファイル（画像など）を読み込みます。
func (s *Service) ReadFile(ctx context.Context, jobID, name string) ([]byte, error) {
	return s.inspector.ReadFile(ctx, jobID, name)
}

// Clear はジョブの出力・投入ファイル・台帳を削除します。存在しなくてもエラーにしません。
func (s *Service) Clear(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" || strings.ContainsAny(jobID, "/\\") {
		return newError("INVALID_INPUT", "ジョブIDが不正です。", nil)
	}

	record, err := s.records.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if _, err := s.outputs.DeletePrefix(ctx, results.JobPrefix(jobID)); err != nil {
		return err
	}
	if record != nil && record.StoredName != "" {
		if err := s.uploads.Delete(ctx, record.StoredName); err != nil {
			return err
		}
	} else if err := s.uploads.Delete(ctx, storedName(jobID)); err != nil {
		return err
	}
	if err := s.records.Delete(ctx, jobID); err != nil {
		return err
	}
	s.logger.WithField("job_id", jobID).Info("job cleared")
	return nil
}

func parseConfig(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var cfg map[string]any
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("config must be a JSON object")
	}
	if v, ok := cfg[chunking.PageRangeKey]; ok {
		if _, isString := v.(string); !isString {
			return nil, errors.New("page_range must be a string")
		}
	}
	return cfg, nil
}

// storedName は投入ファイルの保存名（"<id>.pdf"）を返します。
func storedName(jobID string) string {
	return jobID + ".pdf"
}
