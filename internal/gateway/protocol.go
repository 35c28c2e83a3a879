package gateway

import (
	"encoding/json"
	"time"

	"github.com/voxwire/voxwire/internal/orchestrator"
	"github.com/voxwire/voxwire/pkg/types"
)

// Client message types.
const (
	msgVoiceStart   = "voice_start"
	msgVoiceData    = "voice_data"
	msgVoiceEnd     = "voice_end"
	msgTextInput    = "text_input"
	msgControl      = "control"
	msgVoiceCommand = "voice_command"
)

// Control actions.
const (
	actionStartRecording = "start_recording"
	actionStopRecording  = "stop_recording"
	actionInterruptTTS   = "interrupt_tts"
)

// Voice commands handled by the gateway itself rather than the orchestrator.
const (
	commandConfirm = "confirm"
	commandCancel  = "cancel"
)

// clientMessage is the JSON envelope for every control message from the
// widget. Binary WebSocket frames bypass this and carry raw audio.
type clientMessage struct {
	Type string `json:"type"`

	// text_input fields.
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`

	// voice_data fields. Data is base64 in JSON per encoding/json.
	Data     []byte         `json:"data,omitempty"`
	Metadata *frameMetadata `json:"metadata,omitempty"`

	// control fields.
	Action string `json:"action,omitempty"`

	// voice_command fields.
	Command string `json:"command,omitempty"`

	Params map[string]any `json:"params,omitempty"`
}

// frameMetadata accompanies voice_data envelopes.
type frameMetadata struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// Server event types.
const (
	evReady      = "ready"
	evMicOpened  = "mic_opened"
	evMicClosed  = "mic_closed"
	evTTSPlay    = "tts_play"
	evVAD        = "vad"
	evPartialASR = "partial_asr"
	evFinalASR   = "final_asr"
	evBargeIn    = "barge_in"
	evAgentDelta = "agent_delta"
	evAgentTool  = "agent_tool"
	evAgentFinal = "agent_final"
	evAudioChunk = "audio_chunk"
	evError      = "error"
)

// serverEvent is the JSON envelope for every event sent to the widget.
// Exactly one payload group is populated per Type.
type serverEvent struct {
	Type string `json:"type"`

	// ready payload.
	SessionID        string   `json:"sessionId,omitempty"`
	SupportedFormats []string `json:"supportedFormats,omitempty"`
	MaxFrameSize     int      `json:"maxFrameSize,omitempty"`
	SampleRates      []int    `json:"sampleRates,omitempty"`

	// vad payload.
	Active *bool   `json:"active,omitempty"`
	Level  float64 `json:"level,omitempty"`

	// asr / agent_delta payloads.
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Lang       string  `json:"lang,omitempty"`

	// agent_tool payload.
	Tool   string `json:"tool,omitempty"`
	CallID string `json:"callId,omitempty"`
	Status string `json:"status,omitempty"`

	// agent_final payload.
	Citations          []orchestrator.Citation       `json:"citations,omitempty"`
	UIHints            []orchestrator.UIHint         `json:"uiHints,omitempty"`
	Metadata           *orchestrator.ResponseMetadata `json:"metadata,omitempty"`
	NeedsClarification bool                          `json:"needsClarification,omitempty"`
	NeedsConfirmation  bool                          `json:"needsConfirmation,omitempty"`
	Suggestions        []string                      `json:"suggestions,omitempty"`
	PendingActions     []string                      `json:"pendingActions,omitempty"`

	// audio_chunk payload. Data is base64 in JSON.
	Data      []byte `json:"data,omitempty"`
	Format    string `json:"format,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// error payload.
	Code    types.ErrorCode `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	ResetAt int64           `json:"resetAt,omitempty"`
}

func (e serverEvent) encode() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// serverEvent contains only marshalable fields.
		panic("gateway: encode server event: " + err.Error())
	}
	return b
}

func readyEvent(sessionID string, maxFrameSize int) serverEvent {
	return serverEvent{
		Type:             evReady,
		SessionID:        sessionID,
		SupportedFormats: []string{"opus", "pcm"},
		MaxFrameSize:     maxFrameSize,
		SampleRates:      []int{48000, 44100, 16000},
	}
}

func vadEvent(active bool, level float64) serverEvent {
	return serverEvent{Type: evVAD, Active: &active, Level: level}
}

func errorEvent(code types.ErrorCode, message string) serverEvent {
	return serverEvent{Type: evError, Code: code, Message: message}
}

func rateLimitEvent(resetAt time.Time) serverEvent {
	return serverEvent{
		Type:    evError,
		Code:    types.CodeRateLimitExceeded,
		Message: "rate limit exceeded",
		ResetAt: resetAt.UnixMilli(),
	}
}

func audioChunkEvent(data []byte, ts time.Duration) serverEvent {
	return serverEvent{
		Type:      evAudioChunk,
		Data:      data,
		Format:    "pcm",
		Timestamp: ts.Milliseconds(),
	}
}

func finalEvent(resp *orchestrator.Response) serverEvent {
	md := resp.Metadata
	return serverEvent{
		Type:               evAgentFinal,
		Text:               resp.Text,
		Citations:          resp.Citations,
		UIHints:            resp.UIHints,
		Metadata:           &md,
		NeedsClarification: resp.NeedsClarification,
		NeedsConfirmation:  resp.NeedsConfirmation,
		Suggestions:        resp.Suggestions,
		PendingActions:     resp.PendingActions,
		Code:               resp.ErrorCode,
	}
}
