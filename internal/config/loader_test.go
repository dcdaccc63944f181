package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/callrelay/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing backend url",
			yaml: "server:\n  log_level: info\n",
			want: []string{"backend.base_url is required"},
		},
		{
			name: "bad backend url",
			yaml: "backend:\n  base_url: not a url\n",
			want: []string{"backend.base_url must be a valid URL"},
		},
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: bananas\nbackend:\n  base_url: http://x\n",
			want: []string{"server.log_level", "bananas"},
		},
		{
			name: "invalid turn ingest",
			yaml: "backend:\n  base_url: http://x\nsegments:\n  turn_ingest: sometimes\n",
			want: []string{"segments.turn_ingest", "sometimes"},
		},
		{
			name: "silence above speech threshold",
			yaml: "backend:\n  base_url: http://x\nvad:\n  speech_threshold: 0.01\n  silence_threshold: 0.02\n",
			want: []string{"vad.silence_threshold must be less than SpeechThreshold"},
		},
		{
			name: "zero upload attempts",
			yaml: "backend:\n  base_url: http://x\n  upload_attempts: 0\n",
			want: []string{"backend.upload_attempts must be greater than or equal to 1"},
		},
		{
			name: "user silence above max",
			yaml: "backend:\n  base_url: http://x\nsegments:\n  user_silence: 15s\n",
			want: []string{"segments.user_silence 15s must be below segments.user_max"},
		},
		{
			name: "half archive credentials",
			yaml: "backend:\n  base_url: http://x\narchive:\n  bucket: b\n  access_key_id: k\n",
			want: []string{"archive.secret_access_key is required when AccessKeyID is set"},
		},
		{
			name: "archive endpoint without bucket",
			yaml: "backend:\n  base_url: http://x\narchive:\n  endpoint: http://minio:9000\n",
			want: []string{"archive.bucket is empty"},
		},
		{
			name: "absolute archive prefix",
			yaml: "backend:\n  base_url: http://x\narchive:\n  bucket: b\n  prefix: /calls\n",
			want: []string{"archive.prefix"},
		},
		{
			name: "tls without key",
			yaml: "backend:\n  base_url: http://x\nserver:\n  tls:\n    cert_file: cert.pem\n",
			want: []string{"server.tls.key_file is required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should contain %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
vad:
  speech_frames: 0
segments:
  assistant_idle: 30s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"backend.base_url", "server.log_level", "vad.speech_frames", "segments.assistant_idle"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}
