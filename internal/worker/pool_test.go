package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yourusername/paper-relay/internal/chunking"
	"github.com/yourusername/paper-relay/internal/logging"
	"github.com/yourusername/paper-relay/internal/metrics"
	"github.com/yourusername/paper-relay/internal/processor"
	"github.com/yourusername/paper-relay/internal/queue"
	"github.com/yourusername/paper-relay/internal/results"
	"github.com/yourusername/paper-relay/internal/storage"
)

type nackCall struct {
	tag     uint64
	requeue bool
}

// fakeSession はメモリ上のキューです。Nack(requeue) されたメッセージは末尾に戻ります。
type fakeSession struct {
	mu         sync.Mutex
	queue      [][]byte
	nextTag    uint64
	pending    map[uint64][]byte
	acked      [][]byte
	nacks      []nackCall
	failNext   error
	heartbeats int
}

func newFakeSession(bodies ...[]byte) *fakeSession {
	return &fakeSession{queue: bodies, pending: make(map[uint64][]byte)}
}

func (f *fakeSession) Receive(context.Context, time.Duration) (*queue.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	body := f.queue[0]
	f.queue = f.queue[1:]
	f.nextTag++
	f.pending[f.nextTag] = body
	return &queue.Delivery{Tag: f.nextTag, Body: body}, nil
}

func (f *fakeSession) Ack(_ context.Context, tag uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.pending[tag]
	if !ok {
		return queue.ErrUnknownTag
	}
	delete(f.pending, tag)
	f.acked = append(f.acked, body)
	return nil
}

func (f *fakeSession) Nack(_ context.Context, tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.pending[tag]
	if !ok {
		return queue.ErrUnknownTag
	}
	delete(f.pending, tag)
	f.nacks = append(f.nacks, nackCall{tag: tag, requeue: requeue})
	if requeue {
		f.queue = append(f.queue, body)
	}
	return nil
}

func (f *fakeSession) Heartbeat(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeSession) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeSession) nackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nacks)
}

type fakeProcessor struct {
	mu      sync.Mutex
	calls   []map[string]any
	gate    chan struct{}
	process func(cfg map[string]any) (*processor.Rendered, error)
}

func (f *fakeProcessor) Process(ctx context.Context, _ string, cfg map[string]any) (*processor.Rendered, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg)
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.process != nil {
		return f.process(cfg)
	}
	return &processor.Rendered{Extension: ".md", Content: []byte("pages " + cfg["page_range"].(string))}, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fastOptions() Options {
	return Options{
		Concurrency:       1,
		TaskQueueSize:     4,
		ResultQueueSize:   4,
		PollInterval:      time.Millisecond,
		ReceiveWait:       time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		RestartDelay:      time.Millisecond,
		RestartMaxDelay:   5 * time.Millisecond,
		MarkerAttempts:    3,
		MarkerDelay:       time.Millisecond,
	}
}

func encodeChunks(t *testing.T, jobID string, total, chunkSize int, cfg map[string]any) [][]byte {
	t.Helper()
	chunks, err := chunking.Plan(chunking.Job{ID: jobID, SourceName: jobID + ".pdf", TotalUnits: total, Config: cfg}, chunkSize)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	bodies := make([][]byte, len(chunks))
	for i, c := range chunks {
		body, err := c.Message().Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		bodies[i] = body
	}
	return bodies
}

type harness struct {
	sources *storage.Bucket
	outputs *storage.Bucket
	proc    *fakeProcessor
	metrics *metrics.Metrics
	cancel  context.CancelFunc
	errc    chan error
}

func startPool(t *testing.T, opts Options, proc *fakeProcessor, open OpenFunc) *harness {
	t.Helper()
	return startPoolWithStore(t, opts, proc, open, nil)
}

// startPoolWithStore は wrap で包んだ出力ストアに書き込むプールを起動します。
func startPoolWithStore(t *testing.T, opts Options, proc *fakeProcessor, open OpenFunc, wrap func(results.Store) results.Store) *harness {
	t.Helper()
	h := &harness{
		sources: storage.NewMemory(),
		outputs: storage.NewMemory(),
		proc:    proc,
		metrics: metrics.New(prometheus.NewRegistry(), "test"),
		errc:    make(chan error, 1),
	}
	if err := h.sources.Write(context.Background(), "job-1.pdf", []byte("%PDF-1.7")); err != nil {
		t.Fatalf("Write source: %v", err)
	}

	var out results.Store = h.outputs
	if wrap != nil {
		out = wrap(out)
	}
	pool := New(open, h.sources, results.NewRecorder(out), proc, opts, logging.Discard(), h.metrics)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- pool.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errc:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return h
}

func sessionOpener(sess Session) OpenFunc {
	return func(context.Context) (Session, error) { return sess, nil }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolProcessesAndAcksChunks(t *testing.T) {
	bodies := encodeChunks(t, "job-1", 5, 2, map[string]any{"use_llm": true})
	sess := newFakeSession(bodies...)
	proc := &fakeProcessor{}
	h := startPool(t, fastOptions(), proc, sessionOpener(sess))

	waitFor(t, "all chunks acked", func() bool { return sess.ackedCount() == len(bodies) })

	ctx := context.Background()
	for idx, want := range []string{"pages 0,1", "pages 2,3", "pages 4"} {
		key := "job-1/" + results.ArtifactName(idx, 3, ".md")
		data, err := h.outputs.Read(ctx, key)
		if err != nil || string(data) != want {
			t.Fatalf("%s = %q, %v; want %q", key, data, err, want)
		}
	}

	summary, err := results.NewInspector(h.outputs).WorkerSummary(ctx, "job-1")
	if err != nil || summary == nil || summary.Pages != 5 {
		t.Fatalf("WorkerSummary = %+v, %v", summary, err)
	}
	if ok, _ := h.outputs.Exists(ctx, "job-1/config.json"); !ok {
		t.Fatal("config.json was not written")
	}
	if ok, _ := h.outputs.Exists(ctx, "job-1/ERROR"); ok {
		t.Fatal("unexpected error marker")
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	for _, cfg := range proc.calls {
		if cfg["output_format"] != "markdown" || cfg["use_llm"] != true {
			t.Fatalf("processor received config %v", cfg)
		}
	}
	if got := testutil.ToFloat64(h.metrics.ChunksProcessed.WithLabelValues("success")); got != 3 {
		t.Fatalf("success counter = %v", got)
	}
}

func TestPoolAcksFailedChunkAndWritesErrorMarker(t *testing.T) {
	bodies := encodeChunks(t, "job-1", 1, 2, nil)
	sess := newFakeSession(bodies...)
	proc := &fakeProcessor{process: func(map[string]any) (*processor.Rendered, error) {
		return nil, &processor.Error{Processor: "fake", Err: errors.New("out of memory")}
	}}
	h := startPool(t, fastOptions(), proc, sessionOpener(sess))

	waitFor(t, "failed chunk acked", func() bool { return sess.ackedCount() == 1 })

	marker, err := h.outputs.Read(context.Background(), "job-1/ERROR")
	if err != nil {
		t.Fatalf("error marker missing: %v", err)
	}
	if string(marker) != "Processing failed: fake processor: out of memory" {
		t.Fatalf("error marker = %q", marker)
	}
	if sess.nackCount() != 0 {
		t.Fatal("failed chunk must not be requeued")
	}
}

// flakyMarkerStore はエラーマーカーの書き込みだけを failures 回失敗させます（負なら常に失敗）。
type flakyMarkerStore struct {
	results.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyMarkerStore) Write(ctx context.Context, key string, data []byte) error {
	if strings.HasSuffix(key, "/"+results.ErrorMarkerName) {
		f.mu.Lock()
		f.attempts++
		fail := f.failures != 0
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		if fail {
			return errors.New("output store unavailable")
		}
	}
	return f.Store.Write(ctx, key, data)
}

func (f *flakyMarkerStore) markerAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func failingProcessor() *fakeProcessor {
	return &fakeProcessor{process: func(map[string]any) (*processor.Rendered, error) {
		return nil, &processor.Error{Processor: "fake", Err: errors.New("out of memory")}
	}}
}

func TestPoolRetriesErrorMarkerWrite(t *testing.T) {
	bodies := encodeChunks(t, "job-1", 1, 2, nil)
	sess := newFakeSession(bodies...)
	flaky := &flakyMarkerStore{failures: 2}
	h := startPoolWithStore(t, fastOptions(), failingProcessor(), sessionOpener(sess), func(s results.Store) results.Store {
		flaky.Store = s
		return flaky
	})

	waitFor(t, "failed chunk acked", func() bool { return sess.ackedCount() == 1 })

	if ok, _ := h.outputs.Exists(context.Background(), "job-1/ERROR"); !ok {
		t.Fatal("error marker missing after retries")
	}
	if got := flaky.markerAttempts(); got != 3 {
		t.Fatalf("marker attempts = %d, want 3", got)
	}
	if sess.nackCount() != 0 {
		t.Fatal("chunk requeued although the marker was written")
	}
}

func TestPoolRequeuesWhenErrorMarkerCannotBeWritten(t *testing.T) {
	bodies := encodeChunks(t, "job-1", 1, 2, nil)
	sess := newFakeSession(bodies...)
	flaky := &flakyMarkerStore{failures: -1}
	startPoolWithStore(t, fastOptions(), failingProcessor(), sessionOpener(sess), func(s results.Store) results.Store {
		flaky.Store = s
		return flaky
	})

	waitFor(t, "requeue nack", func() bool { return sess.nackCount() > 0 })

	sess.mu.Lock()
	first := sess.nacks[0]
	sess.mu.Unlock()
	if !first.requeue {
		t.Fatal("chunk without a durable failure record must be requeued")
	}
	if sess.ackedCount() != 0 {
		t.Fatal("chunk acked without an error marker")
	}
	if got := flaky.markerAttempts(); got < 3 {
		t.Fatalf("marker attempts = %d, want at least 3", got)
	}
}

func TestPoolAcksUndecodableMessageWithoutProcessing(t *testing.T) {
	sess := newFakeSession([]byte("not json"), []byte(`{"id":"x"}`))
	proc := &fakeProcessor{}
	h := startPool(t, fastOptions(), proc, sessionOpener(sess))

	waitFor(t, "bad messages acked", func() bool { return sess.ackedCount() == 2 })

	if proc.callCount() != 0 {
		t.Fatal("processor invoked for undecodable message")
	}
	keys, err := h.outputs.List(context.Background(), "", "")
	if err != nil || len(keys) != 0 {
		t.Fatalf("output store should be empty, got %v, %v", keys, err)
	}
	if got := testutil.ToFloat64(h.metrics.ChunksProcessed.WithLabelValues("failure")); got != 2 {
		t.Fatalf("failure counter = %v", got)
	}
}

func TestPoolRequeuesWhenTaskQueueIsFull(t *testing.T) {
	bodies := encodeChunks(t, "job-1", 6, 2, nil)
	sess := newFakeSession(bodies...)
	proc := &fakeProcessor{gate: make(chan struct{})}
	opts := fastOptions()
	opts.TaskQueueSize = 1
	h := startPool(t, opts, proc, sessionOpener(sess))

	// 処理中1件 + キュー1件で満杯になり、3件目は戻される
	waitFor(t, "saturation nack", func() bool { return sess.nackCount() > 0 })
	sess.mu.Lock()
	nacks := append([]nackCall(nil), sess.nacks...)
	sess.mu.Unlock()
	for _, n := range nacks {
		if !n.requeue {
			t.Fatal("saturated message nacked without requeue")
		}
	}
	if got := testutil.ToFloat64(h.metrics.MessagesSaturated); got < 1 {
		t.Fatalf("saturation counter = %v", got)
	}

	close(proc.gate)
	waitFor(t, "all chunks acked", func() bool { return sess.ackedCount() == len(bodies) })

	for idx := 0; idx < 3; idx++ {
		if ok, _ := h.outputs.Exists(context.Background(), "job-1/"+results.ArtifactName(idx, 3, ".md")); !ok {
			t.Fatalf("artifact %d missing", idx)
		}
	}
}

func TestPoolReopensSessionAfterProtocolError(t *testing.T) {
	bodies := encodeChunks(t, "job-1", 1, 2, nil)
	sess := newFakeSession(bodies...)
	sess.failNext = errors.New("connection reset")

	var mu sync.Mutex
	opens := 0
	open := func(context.Context) (Session, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 2 {
			return nil, errors.New("broker unavailable")
		}
		return sess, nil
	}
	h := startPool(t, fastOptions(), &fakeProcessor{}, open)

	waitFor(t, "chunk acked after reconnect", func() bool { return sess.ackedCount() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if opens < 3 {
		t.Fatalf("opens = %d, want at least 3", opens)
	}
	if got := testutil.ToFloat64(h.metrics.SessionRestarts); got < 2 {
		t.Fatalf("restart counter = %v", got)
	}
}

func TestPoolStopsOnCancel(t *testing.T) {
	sess := newFakeSession()
	h := startPool(t, fastOptions(), &fakeProcessor{}, sessionOpener(sess))
	waitFor(t, "heartbeat", func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.heartbeats > 0
	})

	h.cancel()
	select {
	case err := <-h.errc:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		h.errc <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
