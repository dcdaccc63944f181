package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is an identifier the backend may encode as a JSON string or number. It
// always marshals as a string.
type ID string

// UnmarshalJSON accepts a string, a number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("backend: id: %w", err)
		}
		*id = ID(n.String())
	}
	return nil
}

// Int returns the numeric value of id, or 0 when it is not an integer.
func (id ID) Int() int64 {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// BootstrapRequest asks the backend for a call's tenant configuration.
type BootstrapRequest struct {
	CallID   int64  `json:"call_id,omitempty"`
	ToNumber string `json:"to_number,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// BootstrapResponse is the resolved configuration for one call.
type BootstrapResponse struct {
	CallID   ID           `json:"call_id"`
	TenantID ID           `json:"tenant_id"`
	Config   TenantConfig `json:"config"`
}

// TenantConfig is the per-tenant persona and feature flags.
type TenantConfig struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Voice    string `json:"voice"`
	Language string `json:"language"`

	RealtimeEnabled      bool     `json:"realtime_enabled"`
	RealtimeModel        string   `json:"realtime_model"`
	RealtimeSystemPrompt string   `json:"realtime_system_prompt"`
	RealtimeVoice        string   `json:"realtime_voice"`
	RealtimeLanguage     string   `json:"realtime_language"`
	Rules                []string `json:"rules"`
}

// SegmentUpload is the body of POST /call-sessions/{id}/segments.
type SegmentUpload struct {
	Role         string          `json:"role"`
	SegmentIndex int             `json:"segment_index"`
	Format       string          `json:"format"`
	SampleRate   int             `json:"sample_rate"`
	CallID       *int64          `json:"call_id"`
	CallSID      string          `json:"call_sid,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	AudioB64     string          `json:"audio_b64"`
	Metadata     SegmentMetadata `json:"metadata"`
}

// SegmentMetadata describes where a segment came from.
type SegmentMetadata struct {
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	DurationMS    int64     `json:"duration_ms"`
	StreamSID     string    `json:"stream_sid,omitempty"`
	Reason        string    `json:"reason"`
	Samples       int       `json:"samples"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// TurnIngest is the body of POST /turns/ingest.
type TurnIngest struct {
	TenantID string   `json:"tenant_id,omitempty"`
	CallSID  string   `json:"call_sid"`
	Encoding string   `json:"encoding"`
	AudioB64 string   `json:"audio_b64"`
	Meta     TurnMeta `json:"meta"`
}

// TurnMeta carries the stream the turn was captured on.
type TurnMeta struct {
	StreamSID string `json:"streamSid,omitempty"`
}

// TurnIngestResult is the backend's answer to a turn ingest.
type TurnIngestResult struct {
	OK       bool   `json:"ok"`
	AudioURL string `json:"audio_url"`
}

// PlayRequest asks call control to play audio into the call.
type PlayRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	CallSID  string `json:"call_sid"`
	AudioURL string `json:"audio_url"`
}

// StopRequest asks call control to stop current playback.
type StopRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	CallSID  string `json:"call_sid"`
}
