package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/vad"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

var testCall = CallRef{Key: "CA1", SessionID: "42", CallID: 42, CallSID: "CA1", TenantID: "7"}

func testSegment(t *testing.T, index int) SegmentJob {
	t.Helper()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job, err := NewSegmentJob(testCall, RoleUser, index, vad.Segment{
		PCM:        make([]byte, 640),
		SampleRate: 16000,
		Started:    start,
		Ended:      start.Add(20 * time.Millisecond),
		Reason:     vad.ReasonSilence,
	}, "MZ1")
	if err != nil {
		t.Fatalf("NewSegmentJob: %v", err)
	}
	return job
}

func newUploader(t *testing.T, h http.Handler) *SegmentUploader {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	m := testMetrics(t)
	c := backend.New(srv.URL, "tok", backend.WithMetrics(m))
	return NewSegmentUploader(c, WithUploaderMetrics(m), WithRetry(3, time.Millisecond))
}

func TestSegmentQueue_BackendSeesEnqueueOrder(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []int
	)
	u := newUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body backend.SegmentUpload
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.SegmentIndex == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, body.SegmentIndex)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))

	q := NewQueue(ConcernSegments, u.Handle, nil)
	for i := 1; i <= 3; i++ {
		_ = q.Enqueue(testSegment(t, i))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Errorf("backend saw %v, want [1 2 3]", seen)
	}
}

func TestSegmentUploader_Attempts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []int
		want     int32
	}{
		{"success", []int{201}, 1},
		{"duplicate is not retried", []int{409}, 1},
		{"permanent error is not retried", []int{422}, 1},
		{"transient then success", []int{503, 502, 201}, 3},
		{"transient exhausts attempts", []int{500, 500, 500, 500}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			u := newUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[min(int(n), len(tt.statuses))-1])
			}))
			u.Handle(context.Background(), testSegment(t, 1))
			if got := calls.Load(); got != tt.want {
				t.Errorf("backend calls = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSegmentUploader_ResubmitIsSkipped(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		stored = map[int]bool{}
		calls  int
	)
	u := newUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body backend.SegmentUpload
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		defer mu.Unlock()
		calls++
		if stored[body.SegmentIndex] {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Duplicate entry '42-user-1' for key 'unique_segment'"}`))
			return
		}
		stored[body.SegmentIndex] = true
		w.WriteHeader(http.StatusCreated)
	}))

	job := testSegment(t, 1)
	u.Handle(context.Background(), job)
	u.Handle(context.Background(), job)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("backend calls = %d, want 2 (no retry on duplicate)", calls)
	}
	if len(stored) != 1 {
		t.Errorf("stored records = %d, want 1", len(stored))
	}
}

type recordingArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchive) PutSegment(_ context.Context, callKey, role string, index int, _ []byte, _ int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, callKey+"/"+role)
	return nil
}

func TestSegmentUploader_MirrorsToArchive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)
	arch := &recordingArchive{}
	m := testMetrics(t)
	u := NewSegmentUploader(backend.New(srv.URL, "", backend.WithMetrics(m)), WithArchive(arch), WithUploaderMetrics(m))

	u.Handle(context.Background(), testSegment(t, 1))

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.keys) != 1 || arch.keys[0] != "CA1/user" {
		t.Errorf("archive keys = %v, want [CA1/user]", arch.keys)
	}
}

func TestNewSegmentJob_Validation(t *testing.T) {
	t.Parallel()

	start := time.Now()
	good := vad.Segment{PCM: make([]byte, 4), SampleRate: 16000, Started: start, Ended: start, Reason: vad.ReasonCallEnd}
	tests := []struct {
		name  string
		call  CallRef
		role  Role
		index int
		seg   vad.Segment
		ok    bool
	}{
		{"valid", testCall, RoleAssistant, 1, good, true},
		{"missing session", CallRef{Key: "x"}, RoleUser, 1, good, false},
		{"bad role", testCall, Role("agent"), 1, good, false},
		{"zero index", testCall, RoleUser, 0, good, false},
		{"odd pcm", testCall, RoleUser, 1, vad.Segment{PCM: []byte{1}, SampleRate: 16000, Reason: vad.ReasonSilence}, false},
		{"bad reason", testCall, RoleUser, 1, vad.Segment{PCM: []byte{1, 2}, SampleRate: 16000, Reason: "later"}, false},
		{"reversed times", testCall, RoleUser, 1, vad.Segment{PCM: []byte{1, 2}, SampleRate: 16000, Started: start, Ended: start.Add(-time.Second), Reason: vad.ReasonSilence}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job, err := NewSegmentJob(tt.call, tt.role, tt.index, tt.seg, "MZ1")
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if tt.ok && (job.Format != FormatPCM16 || job.CorrelationID == "") {
				t.Errorf("job = %+v", job)
			}
		})
	}
}

type fakeTurnBackend struct {
	mu    sync.Mutex
	plays []string
	url   string
}

func (f *fakeTurnBackend) IngestTurn(context.Context, backend.TurnIngest) (*backend.TurnIngestResult, error) {
	return &backend.TurnIngestResult{OK: true, AudioURL: f.url}, nil
}

func (f *fakeTurnBackend) Play(_ context.Context, req backend.PlayRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, req.AudioURL)
	return nil
}

type windowGate struct {
	window   time.Duration
	lastPlay time.Time
}

func (g *windowGate) Playing(now time.Time) bool {
	return !g.lastPlay.IsZero() && now.Sub(g.lastPlay) < g.window
}

func (g *windowGate) MarkPlay(now time.Time) { g.lastPlay = now }

func TestTurnIngester_DebouncesPlay(t *testing.T) {
	t.Parallel()

	fb := &fakeTurnBackend{url: "https://cdn/reply.mp3"}
	ti := NewTurnIngester(fb, 8000, testMetrics(t))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ti.now = func() time.Time { return now }

	gate := &windowGate{window: 2600 * time.Millisecond}
	job, err := NewTurnJob(testCall, 1, make([]byte, 320), 8000, "MZ1", gate)
	if err != nil {
		t.Fatalf("NewTurnJob: %v", err)
	}

	ti.Handle(context.Background(), job)
	now = now.Add(time.Second)
	ti.Handle(context.Background(), job)
	now = now.Add(2 * time.Second)
	ti.Handle(context.Background(), job)

	if len(fb.plays) != 2 {
		t.Errorf("play requests = %d, want 2", len(fb.plays))
	}
	if string(job.WAV[:4]) != "RIFF" {
		t.Errorf("turn audio is not WAV framed")
	}
}
