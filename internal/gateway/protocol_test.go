package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/orchestrator"
	"github.com/voxwire/voxwire/pkg/types"
)

func decodeEvent(t *testing.T, e serverEvent) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(e.encode(), &m); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return m
}

func TestReadyEventShape(t *testing.T) {
	m := decodeEvent(t, readyEvent("sess-1", 4096))

	if m["type"] != "ready" {
		t.Errorf("type = %v", m["type"])
	}
	if m["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v", m["sessionId"])
	}
	if m["maxFrameSize"] != float64(4096) {
		t.Errorf("maxFrameSize = %v", m["maxFrameSize"])
	}
	formats, _ := m["supportedFormats"].([]any)
	if len(formats) != 2 || formats[0] != "opus" {
		t.Errorf("supportedFormats = %v", m["supportedFormats"])
	}
	rates, _ := m["sampleRates"].([]any)
	if len(rates) != 3 || rates[0] != float64(48000) {
		t.Errorf("sampleRates = %v", m["sampleRates"])
	}
}

func TestVADEventCarriesInactiveFlag(t *testing.T) {
	// active=false must survive encoding; a plain bool would be dropped by
	// omitempty.
	m := decodeEvent(t, vadEvent(false, 0.1))
	v, present := m["active"]
	if !present {
		t.Fatal("active flag missing")
	}
	if v != false {
		t.Errorf("active = %v, want false", v)
	}
}

func TestRateLimitEventResetAt(t *testing.T) {
	reset := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	e := rateLimitEvent(reset)
	if e.Code != types.CodeRateLimitExceeded {
		t.Errorf("code = %q", e.Code)
	}
	if e.ResetAt != reset.UnixMilli() {
		t.Errorf("resetAt = %d, want %d", e.ResetAt, reset.UnixMilli())
	}
}

func TestAudioChunkEvent(t *testing.T) {
	e := audioChunkEvent([]byte{1, 2, 3}, 1500*time.Millisecond)
	m := decodeEvent(t, e)
	if m["type"] != "audio_chunk" {
		t.Errorf("type = %v", m["type"])
	}
	if m["format"] != "pcm" {
		t.Errorf("format = %v", m["format"])
	}
	if m["timestamp"] != float64(1500) {
		t.Errorf("timestamp = %v", m["timestamp"])
	}
	// []byte marshals as base64.
	if m["data"] != "AQID" {
		t.Errorf("data = %v", m["data"])
	}
}

func TestFinalEventMapsResponse(t *testing.T) {
	resp := &orchestrator.Response{
		Text:               "Here is what I found.",
		Intent:             "faq_search",
		Citations:          []orchestrator.Citation{{Title: "Returns policy", URL: "https://shop.example/returns", Score: 0.92}},
		UIHints:            []orchestrator.UIHint{{Type: "scroll_to", Selector: "#returns"}},
		NeedsClarification: true,
		Suggestions:        []string{"the blue one", "the red one"},
		Metadata:           orchestrator.ResponseMetadata{ProcessingMs: 420, SearchesExecuted: 2},
	}

	e := finalEvent(resp)
	if e.Type != evAgentFinal {
		t.Errorf("type = %q", e.Type)
	}
	if e.Text != resp.Text {
		t.Errorf("text = %q", e.Text)
	}
	if len(e.Citations) != 1 || e.Citations[0].URL != "https://shop.example/returns" {
		t.Errorf("citations = %+v", e.Citations)
	}
	if len(e.UIHints) != 1 || e.UIHints[0].Type != "scroll_to" {
		t.Errorf("uiHints = %+v", e.UIHints)
	}
	if !e.NeedsClarification {
		t.Error("needsClarification lost")
	}
	if e.Metadata == nil || e.Metadata.ProcessingMs != 420 {
		t.Errorf("metadata = %+v", e.Metadata)
	}

	// Round-trips through JSON without loss of the payload fields.
	m := decodeEvent(t, e)
	if m["type"] != "agent_final" {
		t.Errorf("encoded type = %v", m["type"])
	}
	if _, ok := m["metadata"]; !ok {
		t.Error("metadata missing from encoded event")
	}
}

func TestClientMessageParsing(t *testing.T) {
	raw := `{"type":"voice_data","data":"AQID","metadata":{"sequence":7,"timestamp":1234}}`
	var msg clientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != msgVoiceData {
		t.Errorf("type = %q", msg.Type)
	}
	if len(msg.Data) != 3 || msg.Data[0] != 1 {
		t.Errorf("data = %v", msg.Data)
	}
	if msg.Metadata == nil || msg.Metadata.Sequence != 7 {
		t.Errorf("metadata = %+v", msg.Metadata)
	}
}
