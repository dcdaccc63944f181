package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// serve registers h on a fresh mux and performs GET path.
func serve(t *testing.T, h *Handler, ctx context.Context, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx))
	return rec
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{"media_streams", pass}, {"archive", pass}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"media_streams": "ok", "archive": "ok"},
		},
		{
			name:       "archive down",
			checkers:   []Checker{{"media_streams", pass}, {"archive", failWith("bucket not found")}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"media_streams": "ok", "archive": "fail: bucket not found"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{{"media_streams", failWith("shutting down")}, {"archive", failWith("timeout")}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"media_streams": "fail: shutting down", "archive": "fail: timeout"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, New(tt.checkers...), context.Background(), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body probeResult
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if body.Checks[k] != want {
					t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	wait := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{"a", wait}, Checker{"b", wait})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- serve(t, h, context.Background(), "/readyz") }()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checks did not start together")
		}
	}
	close(release)
	if rec := <-done; rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()

	h := New(Checker{"slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if rec := serve(t, h, ctx, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, New(Checker{"archive", failWith("down")}), context.Background(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200 regardless of checkers", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestWSStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   StatusFunc
		want Status
	}{
		{name: "no status func"},
		{
			name: "serving",
			fn: func() Status {
				return Status{WSServerRunning: true, WSActiveCalls: 3, Backend: "https://app.example.com/api"}
			},
			want: Status{WSServerRunning: true, WSActiveCalls: 3, Backend: "https://app.example.com/api"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, New().WithStatus(tt.fn), context.Background(), "/ws-status")
			if rec.Code != http.StatusOK {
				t.Fatalf("code = %d", rec.Code)
			}
			var got Status
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("status = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWSStatus_FieldNames(t *testing.T) {
	t.Parallel()

	rec := serve(t, New().WithStatus(func() Status { return Status{WSActiveCalls: 1} }), context.Background(), "/ws-status")
	for _, key := range []string{`"ws_server_running"`, `"ws_active_calls":1`, `"backend"`} {
		if !strings.Contains(rec.Body.String(), key) {
			t.Errorf("body %s lacks %s", rec.Body.String(), key)
		}
	}
}

func TestRoot(t *testing.T) {
	t.Parallel()

	h := New()
	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/", http.StatusOK, "callrelay: media stream up\n"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := serve(t, h, context.Background(), tt.path)
		if rec.Code != tt.wantCode {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantCode)
		}
		if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
			t.Errorf("GET %s body = %q", tt.path, rec.Body.String())
		}
	}
}
