package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/paper-relay/internal/chunking"
	"github.com/yourusername/paper-relay/internal/dispatch"
	"github.com/yourusername/paper-relay/internal/logging"
	"github.com/yourusername/paper-relay/internal/results"
	"github.com/yourusername/paper-relay/internal/storage"
)

// minimalPDF は pages ページの空白ページからなる PDF を組み立てます。
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

type fakeDispatcher struct {
	mu     sync.Mutex
	chunks []chunking.Descriptor
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job chunking.Job, descriptors []chunking.Descriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.chunks = append(f.chunks, descriptors...)
	return job.ID, nil
}

type fakeExpiry struct {
	scheduled map[string]time.Duration
}

func (f *fakeExpiry) ScheduleExpiry(_ context.Context, jobID string, after time.Duration) error {
	if f.scheduled == nil {
		f.scheduled = make(map[string]time.Duration)
	}
	f.scheduled[jobID] = after
	return nil
}

type serviceFixture struct {
	svc        *Service
	uploads    *storage.Bucket
	outputs    *storage.Bucket
	records    *Store
	dispatcher *fakeDispatcher
	expiry     *fakeExpiry
}

func newServiceFixture(t *testing.T, opts Options) *serviceFixture {
	t.Helper()
	_, records := newTestStore(t)
	f := &serviceFixture{
		uploads:    storage.NewMemory(),
		outputs:    storage.NewMemory(),
		records:    records,
		dispatcher: &fakeDispatcher{},
		expiry:     &fakeExpiry{},
	}
	engine := results.NewEngine(f.outputs, logging.Discard(), nil)
	f.svc = NewService(f.uploads, f.outputs, records, f.dispatcher, f.expiry, engine, opts, logging.Discard())
	f.svc.newID = func() string { return "job-1" }
	return f
}

func defaultOptions() Options {
	return Options{MaxFileSize: 1 << 20, ChunkSize: 1, JobTTL: time.Hour}
}

func requireAPIError(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr), "expected *jobs.Error, got %v", err)
	assert.Equal(t, code, apiErr.Code)
}

func TestSubmitPlansAndDispatches(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, defaultOptions())

	id, err := f.svc.Submit(ctx, Upload{Filename: "paper.pdf", Data: minimalPDF(3), Config: `{"output_format":"json","max_pages":3}`})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	require.Len(t, f.dispatcher.chunks, 3)
	for i, c := range f.dispatcher.chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 3, c.NumChunks)
		assert.Equal(t, "job-1.pdf", c.SourceName)
		assert.Equal(t, fmt.Sprint(i), c.Config["page_range"])
		assert.Equal(t, "json", c.Config["output_format"])
	}

	stored, err := f.uploads.Read(ctx, "job-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, minimalPDF(3), stored)

	record, err := f.records.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 3, record.TotalPages)
	assert.Equal(t, 3, record.NumChunks)
	assert.Equal(t, 3, record.Dispatched)
	assert.Equal(t, "json", record.OutputFormat)
	assert.Equal(t, time.Hour, f.expiry.scheduled["job-1"])
}

func TestSubmitHonoursPageRange(t *testing.T) {
	f := newServiceFixture(t, defaultOptions())

	_, err := f.svc.Submit(context.Background(), Upload{Filename: "paper.pdf", Data: minimalPDF(3), Config: `{"page_range":"2, 0"}`})
	require.NoError(t, err)
	require.Len(t, f.dispatcher.chunks, 2)
	assert.Equal(t, []int{0}, f.dispatcher.chunks[0].Units)
	assert.Equal(t, []int{2}, f.dispatcher.chunks[1].Units)
}

func TestSubmitRejectsBadRangeBeforeSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, defaultOptions())

	_, err := f.svc.Submit(ctx, Upload{Filename: "paper.pdf", Data: minimalPDF(3), Config: `{"page_range":"3-1"}`})
	requireAPIError(t, err, "INVALID_RANGE")

	assert.Empty(t, f.dispatcher.chunks)
	keys, err := f.uploads.List(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
	record, err := f.records.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		upload Upload
		code   string
	}{
		{"empty file", defaultOptions(), Upload{Filename: "a.pdf"}, "INVALID_INPUT"},
		{"not a pdf", defaultOptions(), Upload{Filename: "a.pdf", Data: []byte("hello world")}, "INVALID_PDF"},
		{"bad config", defaultOptions(), Upload{Filename: "a.pdf", Data: minimalPDF(1), Config: "{nope"}, "INVALID_CONFIG"},
		{"config not object", defaultOptions(), Upload{Filename: "a.pdf", Data: minimalPDF(1), Config: "[1]"}, "INVALID_CONFIG"},
		{"bad format", defaultOptions(), Upload{Filename: "a.pdf", Data: minimalPDF(1), Config: `{"output_format":"docx"}`}, "INVALID_CONFIG"},
		{"too large", Options{MaxFileSize: 10, ChunkSize: 1}, Upload{Filename: "a.pdf", Data: minimalPDF(1)}, "LIMIT_EXCEEDED"},
		{"huge range", defaultOptions(), Upload{Filename: "a.pdf", Data: minimalPDF(3), Config: `{"page_range":"0-2000000000"}`}, "INVALID_RANGE"},
		{"range beyond document", defaultOptions(), Upload{Filename: "a.pdf", Data: minimalPDF(3), Config: `{"page_range":"1-3"}`}, "INVALID_RANGE"},
		{"too many pages", Options{MaxPages: 2, ChunkSize: 1}, Upload{Filename: "a.pdf", Data: minimalPDF(3)}, "LIMIT_EXCEEDED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, tt.opts)
			_, err := f.svc.Submit(context.Background(), tt.upload)
			requireAPIError(t, err, tt.code)
			assert.Empty(t, f.dispatcher.chunks)
		})
	}
}

func TestSubmitDispatchFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, defaultOptions())
	f.dispatcher.err = &dispatch.Error{JobID: "job-1", ChunkIndex: 1, Published: 1, Err: errors.New("broker down")}

	_, err := f.svc.Submit(ctx, Upload{Filename: "paper.pdf", Data: minimalPDF(3)})
	requireAPIError(t, err, "QUEUE_UNAVAILABLE")

	st, record, err := f.svc.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, results.StateFailed, st.State)
	assert.Equal(t, 1, record.Dispatched)
}

func TestStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, defaultOptions())

	_, _, err := f.svc.Status(ctx, "job-1")
	assert.True(t, errors.Is(err, ErrJobNotFound))

	_, err = f.svc.Submit(ctx, Upload{Filename: "paper.pdf", Data: minimalPDF(2)})
	require.NoError(t, err)

	st, record, err := f.svc.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, results.StateProcessing, st.State)
	assert.Equal(t, "paper.pdf", record.SourceName)

	rec := results.NewRecorder(f.outputs)
	require.NoError(t, rec.WriteArtifact(ctx, "job-1", 0, 2, ".md", []byte("one")))
	require.NoError(t, rec.WriteArtifact(ctx, "job-1", 1, 2, ".md", []byte("two")))

	st, _, err = f.svc.Status(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, results.StateDone, st.State)
	assert.Equal(t, "one\ntwo", st.Result)
}

func TestStatusWithoutRecordUsesOutputs(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, defaultOptions())
	require.NoError(t, results.NewRecorder(f.outputs).WriteErrorMarker(ctx, "orphan", errors.New("boom")))

	st, record, err := f.svc.Status(ctx, "orphan")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, results.StateFailed, st.State)
	assert.Equal(t, "Processing failed: boom", st.Error)
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, defaultOptions())

	_, err := f.svc.Submit(ctx, Upload{Filename: "paper.pdf", Data: minimalPDF(1)})
	require.NoError(t, err)
	require.NoError(t, results.NewRecorder(f.outputs).WriteArtifact(ctx, "job-1", 0, 1, ".md", []byte("x")))

	require.NoError(t, f.svc.Clear(ctx, "job-1"))

	_, _, err = f.svc.Status(ctx, "job-1")
	assert.True(t, errors.Is(err, ErrJobNotFound))
	ok, err := f.uploads.Exists(ctx, "job-1.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	// 二度目の削除もエラーにしない
	require.NoError(t, f.svc.Clear(ctx, "job-1"))
	requireAPIError(t, f.svc.Clear(ctx, "../etc"), "INVALID_INPUT")
}
