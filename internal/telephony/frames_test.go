package telephony

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCustomParams_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		want map[string]string
	}{
		{
			name: "object",
			json: `{"tenant_id":"7","call_id":42,"to_number":"+4930123"}`,
			want: map[string]string{"tenant_id": "7", "call_id": "42", "to_number": "+4930123"},
		},
		{
			name: "name value list",
			json: `[{"name":"tenant_id","value":"7"},{"name":"call_id","value":"42"},{"value":"orphan"}]`,
			want: map[string]string{"tenant_id": "7", "call_id": "42"},
		},
		{
			name: "null",
			json: `null`,
			want: map[string]string{},
		},
		{
			name: "null value",
			json: `{"tenant_id":null}`,
			want: map[string]string{"tenant_id": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var st startPayload
			if err := json.Unmarshal([]byte(`{"streamSid":"MZ1","customParameters":`+tt.json+`}`), &st); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if len(st.CustomParameters) != len(tt.want) {
				t.Fatalf("params = %v, want %v", st.CustomParameters, tt.want)
			}
			for k, v := range tt.want {
				if st.CustomParameters[k] != v {
					t.Errorf("params[%q] = %q, want %q", k, st.CustomParameters[k], v)
				}
			}
		})
	}
}

func TestCustomParams_RejectsScalars(t *testing.T) {
	t.Parallel()
	var p customParams
	if err := json.Unmarshal([]byte(`"tenant"`), &p); err == nil {
		t.Error("expected error for string custom parameters")
	}
}

func TestCustomParams_LookupAliases(t *testing.T) {
	t.Parallel()
	p := customParams{"callId": " 42 ", "tenant_id": ""}
	if got := p.lookup("call_id", "callId"); got != "42" {
		t.Errorf("lookup = %q, want 42", got)
	}
	if got := p.lookup("tenant_id", "tenantId"); got != "" {
		t.Errorf("lookup of empty value = %q", got)
	}
}

func TestMediaOffset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ts     string
		want   int64
		wantOK bool
	}{
		{"", 0, false},
		{"120", 120, true},
		{"-5", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := (&mediaPayload{Timestamp: tt.ts}).offset()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("offset(%q) = %d, %v; want %d, %v", tt.ts, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestIdentityFromQuery(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/media-stream?call_sid=CA1&call_id=42&tenant_id=7&tenant_uuid=u-1&to_number=%2B49", nil)
	id := identityFromQuery(r)
	if id.CallSID != "CA1" || id.CallID != 42 || id.TenantID != "7" || id.TenantUUID != "u-1" || id.ToNumber != "+49" {
		t.Errorf("identity = %+v", id)
	}

	r = httptest.NewRequest("GET", "/media-stream?call_id=nope", nil)
	if id := identityFromQuery(r); id.CallID != 0 {
		t.Errorf("invalid call_id parsed as %d", id.CallID)
	}
}

func TestTuning_WithDefaults(t *testing.T) {
	t.Parallel()

	got := Tuning{AssistantIdle: 300 * time.Millisecond}.withDefaults()
	d := DefaultTuning()
	if got.AssistantIdle != 300*time.Millisecond {
		t.Errorf("AssistantIdle overwritten: %v", got.AssistantIdle)
	}
	if got.AssistantMax != d.AssistantMax || got.FlushTimeout != d.FlushTimeout || got.TurnIngest != TurnIngestAuto {
		t.Errorf("defaults not applied: %+v", got)
	}
}
