package telephony

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Inbound event names.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventDTMF      = "dtmf"
)

// inboundFrame is one JSON text frame from the media stream.
type inboundFrame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
	DTMF           *dtmfPayload  `json:"dtmf,omitempty"`
	Stop           *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSID        string       `json:"streamSid"`
	CallSID          string       `json:"callSid"`
	AccountSID       string       `json:"accountSid,omitempty"`
	Tracks           []string     `json:"tracks,omitempty"`
	CustomParameters customParams `json:"customParameters"`
	MediaFormat      *mediaFormat `json:"mediaFormat,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// offset returns the media timestamp in milliseconds since stream start.
func (m *mediaPayload) offset() (int64, bool) {
	if m.Timestamp == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return ms, true
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type stopPayload struct {
	CallSID string `json:"callSid,omitempty"`
}

// customParams holds the stream's custom parameters. The stream may send
// them as a JSON object or as a list of {name, value} pairs; both decode to
// the same map. Non-string values are kept in their JSON text form.
type customParams map[string]string

func (p *customParams) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	out := customParams{}
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
	case b[0] == '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("custom parameters: %w", err)
		}
		for k, v := range raw {
			out[k] = scalar(v)
		}
	case b[0] == '[':
		var list []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(b, &list); err != nil {
			return fmt.Errorf("custom parameters: %w", err)
		}
		for _, item := range list {
			if item.Name != "" {
				out[item.Name] = scalar(item.Value)
			}
		}
	default:
		return fmt.Errorf("custom parameters: unexpected JSON %.16q", b)
	}
	*p = out
	return nil
}

// lookup returns the first non-empty value among names.
func (p customParams) lookup(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(p[n]); v != "" {
			return v
		}
	}
	return ""
}

func scalar(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	t := strings.TrimSpace(string(v))
	if t == "null" {
		return ""
	}
	return t
}

// Outbound frames.

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     outboundBody `json:"media"`
}

type outboundBody struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
