package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged is true when the VAD, segment or frame-log tuning
	// changed. New calls pick it up; running calls keep theirs.
	TuningChanged bool

	// DefaultsChanged is true when the bootstrap fallback changed.
	DefaultsChanged bool

	// RestartRequired lists the changed keys that only take effect after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD ||
		old.Segments != new.Segments ||
		old.Server.LogFrameEvery != new.Server.LogFrameEvery ||
		old.Realtime.SetupTimeout != new.Realtime.SetupTimeout {
		d.TuningChanged = true
	}

	if !equalDefaults(old.Defaults, new.Defaults) {
		d.DefaultsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Realtime.APIKey != new.Realtime.APIKey ||
		old.Realtime.BaseURL != new.Realtime.BaseURL ||
		old.Realtime.Model != new.Realtime.Model ||
		old.Realtime.KeepAlive != new.Realtime.KeepAlive {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	return d
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TuningChanged && !d.DefaultsChanged && len(d.RestartRequired) == 0
}

func equalDefaults(a, b DefaultsConfig) bool {
	return a.Model == b.Model &&
		a.Prompt == b.Prompt &&
		a.Voice == b.Voice &&
		a.Language == b.Language &&
		a.RealtimeEnabled == b.RealtimeEnabled &&
		a.RealtimeModel == b.RealtimeModel &&
		slices.Equal(a.Rules, b.Rules)
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
