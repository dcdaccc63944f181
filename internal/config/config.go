// Package config provides the configuration schema, loader and hot-reload
// watcher for the call relay.
package config

import (
	"time"

	"github.com/MrWong99/callrelay/pkg/vad"
)

// LogLevel controls log verbosity for the relay.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TurnIngest selects when strict-mode turns are posted to the backend's
// legacy ingest endpoint.
type TurnIngest string

const (
	// TurnIngestAuto ingests turns only for calls without a realtime leg.
	TurnIngestAuto TurnIngest = "auto"

	// TurnIngestAlways ingests every turn.
	TurnIngestAlways TurnIngest = "always"

	// TurnIngestNever disables turn ingest.
	TurnIngestNever TurnIngest = "never"
)

// IsValid reports whether t is a recognised mode.
func (t TurnIngest) IsValid() bool {
	switch t {
	case TurnIngestAuto, TurnIngestAlways, TurnIngestNever:
		return true
	}
	return false
}

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Defaults DefaultsConfig `yaml:"defaults"`
	VAD      VADConfig      `yaml:"vad"`
	Segments SegmentsConfig `yaml:"segments"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFrameEvery logs every n-th media frame at debug level. 0 disables.
	LogFrameEvery int `yaml:"log_frame_every" validate:"gte=0"`

	// ShutdownTimeout bounds the graceful shutdown, including the flush of
	// pending uploads.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" validate:"required"`
	KeyFile  string `yaml:"key_file" validate:"required"`
}

// BackendConfig points the relay at the application backend.
type BackendConfig struct {
	// BaseURL is the API root, e.g. "https://app.example.com/api".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Token is sent as a bearer token. Usually "${BACKEND_TOKEN}".
	Token string `yaml:"token"`

	// Timeout bounds one backend request.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// IngestTimeout bounds one turn-ingest request.
	IngestTimeout time.Duration `yaml:"ingest_timeout" validate:"gt=0"`

	// UploadAttempts is the number of tries per segment upload.
	UploadAttempts int `yaml:"upload_attempts" validate:"gte=1,lte=10"`

	// UploadBackoff is the linear backoff step between upload attempts.
	UploadBackoff time.Duration `yaml:"upload_backoff" validate:"gte=0"`
}

// RealtimeConfig configures the realtime AI leg. An empty APIKey disables it.
type RealtimeConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url" validate:"omitempty,url"`
	Model     string        `yaml:"model" validate:"required"`
	KeepAlive time.Duration `yaml:"keepalive" validate:"gte=0"`

	// SetupTimeout bounds bootstrap plus dial for one call.
	SetupTimeout time.Duration `yaml:"setup_timeout" validate:"gt=0"`
}

// DefaultsConfig is the tenant configuration used when the backend cannot
// be asked or fails.
type DefaultsConfig struct {
	Model           string   `yaml:"model"`
	Prompt          string   `yaml:"prompt"`
	Voice           string   `yaml:"voice"`
	Language        string   `yaml:"language"`
	Rules           []string `yaml:"rules"`
	RealtimeEnabled bool     `yaml:"realtime_enabled"`
	RealtimeModel   string   `yaml:"realtime_model"`
}

// VADConfig tunes the strict-mode turn detector on 8 kHz audio.
type VADConfig struct {
	SpeechThreshold  float64       `yaml:"speech_threshold" validate:"gt=0,lte=1"`
	SilenceThreshold float64       `yaml:"silence_threshold" validate:"gte=0,ltfield=SpeechThreshold"`
	SpeechFrames     int           `yaml:"speech_frames" validate:"gte=1"`
	SilenceFrames    int           `yaml:"silence_frames" validate:"gte=1"`
	MinSpeech        time.Duration `yaml:"min_speech" validate:"gte=0"`
	MinSilence       time.Duration `yaml:"min_silence" validate:"gte=0"`
	TurnCooldown     time.Duration `yaml:"turn_cooldown" validate:"gte=0"`
	StopCooldown     time.Duration `yaml:"stop_cooldown" validate:"gte=0"`
	PreRollFrames    int           `yaml:"pre_roll_frames" validate:"gte=0"`
}

// Detector returns the detector tuning for 8 kHz telephony audio.
func (c VADConfig) Detector() vad.Config {
	return vad.Config{
		SampleRate:       8000,
		SpeechThreshold:  c.SpeechThreshold,
		SilenceThreshold: c.SilenceThreshold,
		SpeechFrames:     c.SpeechFrames,
		SilenceFrames:    c.SilenceFrames,
		MinSpeech:        c.MinSpeech,
		MinSilence:       c.MinSilence,
		TurnCooldown:     c.TurnCooldown,
		StopCooldown:     c.StopCooldown,
		PreRollFrames:    c.PreRollFrames,
	}
}

// SegmentsConfig tunes segment finalization and delivery.
type SegmentsConfig struct {
	// UserThreshold is the energy that opens a user segment.
	UserThreshold float64 `yaml:"user_threshold" validate:"gt=0,lte=1"`

	// UserSilence closes a user segment after this much trailing silence.
	UserSilence time.Duration `yaml:"user_silence" validate:"gt=0"`

	// UserMax caps one user segment.
	UserMax time.Duration `yaml:"user_max" validate:"gt=0"`

	// AssistantIdle closes an assistant segment when no audio arrived for
	// this long.
	AssistantIdle time.Duration `yaml:"assistant_idle" validate:"gt=0"`

	// AssistantMax caps one assistant segment.
	AssistantMax time.Duration `yaml:"assistant_max" validate:"gt=0"`

	// PlayLock is how long a play request blocks the next one.
	PlayLock time.Duration `yaml:"play_lock" validate:"gt=0"`

	TurnIngest TurnIngest `yaml:"turn_ingest" validate:"oneof=auto always never"`

	// FlushTimeout bounds the flush of pending uploads when a call ends.
	FlushTimeout time.Duration `yaml:"flush_timeout" validate:"gt=0"`
}

// UserBuffer returns the user segment buffer tuning for 16 kHz audio.
func (c SegmentsConfig) UserBuffer() vad.SegmentConfig {
	return vad.SegmentConfig{
		SampleRate:  16000,
		Threshold:   c.UserThreshold,
		Silence:     c.UserSilence,
		MaxDuration: c.UserMax,
	}
}

// ArchiveConfig configures the optional S3 segment archive. An empty
// Bucket disables it.
type ArchiveConfig struct {
	Endpoint        string        `yaml:"endpoint" validate:"omitempty,url"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	AccessKeyID     string        `yaml:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string        `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
	Prefix          string        `yaml:"prefix"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Default returns the configuration used for every field the file leaves
// out.
func Default() *Config {
	det := vad.DefaultConfig()
	seg := vad.DefaultSegmentConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			LogFrameEvery:   50,
			ShutdownTimeout: 15 * time.Second,
		},
		Backend: BackendConfig{
			Timeout:        10 * time.Second,
			IngestTimeout:  30 * time.Second,
			UploadAttempts: 3,
			UploadBackoff:  500 * time.Millisecond,
		},
		Realtime: RealtimeConfig{
			Model:        "gpt-4o-realtime-preview",
			KeepAlive:    10 * time.Second,
			SetupTimeout: 10 * time.Second,
		},
		Defaults: DefaultsConfig{
			Model:           "gpt-4o-mini",
			Prompt:          "You are a friendly phone assistant. Keep answers short.",
			Voice:           "alloy",
			Language:        "en",
			RealtimeEnabled: true,
		},
		VAD: VADConfig{
			SpeechThreshold:  det.SpeechThreshold,
			SilenceThreshold: det.SilenceThreshold,
			SpeechFrames:     det.SpeechFrames,
			SilenceFrames:    det.SilenceFrames,
			MinSpeech:        det.MinSpeech,
			MinSilence:       det.MinSilence,
			TurnCooldown:     det.TurnCooldown,
			StopCooldown:     det.StopCooldown,
			PreRollFrames:    det.PreRollFrames,
		},
		Segments: SegmentsConfig{
			UserThreshold: seg.Threshold,
			UserSilence:   seg.Silence,
			UserMax:       seg.MaxDuration,
			AssistantIdle: 1200 * time.Millisecond,
			AssistantMax:  15 * time.Second,
			PlayLock:      2600 * time.Millisecond,
			TurnIngest:    TurnIngestAuto,
			FlushTimeout:  10 * time.Second,
		},
	}
}
