package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, config.Default())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.TuningChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected changes: %+v", d)
	}
}

func TestDiff_Tuning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"vad", func(c *config.Config) { c.VAD.SpeechFrames = 6 }},
		{"segments", func(c *config.Config) { c.Segments.AssistantIdle = 2 * time.Second }},
		{"turn ingest", func(c *config.Config) { c.Segments.TurnIngest = config.TurnIngestNever }},
		{"frame logs", func(c *config.Config) { c.Server.LogFrameEvery = 10 }},
		{"setup timeout", func(c *config.Config) { c.Realtime.SetupTimeout = time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := config.Default()
			tt.mutate(new)
			d := config.Diff(config.Default(), new)
			if !d.TuningChanged {
				t.Error("expected TuningChanged=true")
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("tuning change should not need a restart: %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_Defaults(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Defaults.Rules = []string{"Be polite."}

	if d := config.Diff(old, new); !d.DefaultsChanged {
		t.Error("expected DefaultsChanged=true for new rules")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9999"
	new.Backend.Token = "rotated"
	new.Realtime.APIKey = "sk-new"
	new.Archive.Bucket = "calls"

	d := config.Diff(old, new)
	want := []string{"server", "backend", "realtime", "archive"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_TLS(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}

	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "server") {
		t.Errorf("enabling TLS should need a restart, got %v", d.RestartRequired)
	}
}
