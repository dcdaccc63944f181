package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type putRecord struct {
	method, path, contentType string
	body                      []byte
}

func fakeS3(t *testing.T, status int) (*httptest.Server, <-chan putRecord) {
	t.Helper()
	reqs := make(chan putRecord, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- putRecord{method: r.Method, path: r.URL.Path, contentType: r.Header.Get("Content-Type"), body: body}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func newSink(t *testing.T, endpoint string) *Sink {
	t.Helper()
	s, err := New(Config{
		Endpoint:        endpoint,
		Bucket:          "calls",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Prefix:          "/relay/",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_RequiresBucket(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestKey_Layout(t *testing.T) {
	t.Parallel()

	s := newSink(t, "http://localhost:9000")
	tests := []struct {
		callKey, role string
		index         int
		want          string
	}{
		{"CA123", "user", 3, "relay/calls/CA123/segments/user/0003.wav"},
		{"call-42", "assistant", 12, "relay/calls/call-42/segments/assistant/0012.wav"},
		{"../evil/key", "user", 1, "relay/calls/.._evil_key/segments/user/0001.wav"},
		{"", "user", 1, "relay/calls/unknown/segments/user/0001.wav"},
	}
	for _, tt := range tests {
		if got := s.Key(tt.callKey, tt.role, tt.index); got != tt.want {
			t.Errorf("Key(%q, %q, %d) = %q, want %q", tt.callKey, tt.role, tt.index, got, tt.want)
		}
	}
}

func TestPutSegment_WritesWAVObject(t *testing.T) {
	t.Parallel()

	srv, reqs := fakeS3(t, http.StatusOK)
	s := newSink(t, srv.URL)

	pcm := make([]byte, 320)
	if err := s.PutSegment(context.Background(), "CA1", "user", 1, pcm, 16000); err != nil {
		t.Fatalf("PutSegment: %v", err)
	}

	got := <-reqs
	if got.method != http.MethodPut {
		t.Errorf("method = %s, want PUT", got.method)
	}
	if got.path != "/calls/relay/calls/CA1/segments/user/0001.wav" {
		t.Errorf("path = %q", got.path)
	}
	if got.contentType != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", got.contentType)
	}
	if len(got.body) != 44+len(pcm) || !strings.HasPrefix(string(got.body), "RIFF") {
		t.Errorf("body is %d bytes, want a %d-byte WAV", len(got.body), 44+len(pcm))
	}
}

func TestPutSegment_ReportsErrors(t *testing.T) {
	t.Parallel()

	srv, _ := fakeS3(t, http.StatusForbidden)
	s := newSink(t, srv.URL)

	err := s.PutSegment(context.Background(), "CA1", "user", 1, make([]byte, 4), 16000)
	if err == nil || !strings.Contains(err.Error(), "relay/calls/CA1/segments/user/0001.wav") {
		t.Errorf("err = %v, want error naming the key", err)
	}
}
