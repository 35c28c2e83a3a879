// Package realtime abstracts the external bidirectional speech+LLM channel.
//
// A [Provider] dials a realtime model and returns a [Session]: audio and text
// go up, a single ordered stream of typed [Event] values comes back. The
// gateway fans session events out to the browser; the orchestrator consumes
// transcripts and answers function calls.
//
// Implementations live in subpackages (openai, mock) and are registered by
// name in a [Registry] so deployments choose a provider in configuration.
package realtime

import (
	"context"

	"github.com/voxwire/voxwire/pkg/types"
)

// Provider establishes realtime sessions with an external speech model.
type Provider interface {
	// Connect opens a new bidirectional session. The returned session is
	// ready to accept audio. Connect must respect ctx cancellation.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Name returns the provider's registered name.
	Name() string
}

// Session is one live bidirectional channel to the model.
//
// Events returns a single ordered stream; the channel is closed when the
// session terminates, after which Err reports the terminal error (nil on
// clean close). SendAudio, SendText and Cancel are safe for concurrent use.
type Session interface {
	// SendAudio appends one frame of little-endian PCM16 audio.
	SendAudio(frame []byte) error

	// SendText submits a text utterance in place of audio.
	SendText(text string) error

	// Cancel aborts the in-flight model response (barge-in). It must hit
	// the wire promptly: callers rely on ≤ 50 ms to stop TTS playback.
	Cancel() error

	// Events returns the ordered event stream.
	Events() <-chan Event

	// Err returns the terminal error after Events closes.
	Err() error

	// Close terminates the session and releases resources. Idempotent.
	Close() error
}

// ToolCallHandler answers a model-initiated function call. It returns the
// JSON-encoded result to hand back to the model.
type ToolCallHandler func(name, args string) (string, error)

// ToolDef describes a function exposed to the model.
type ToolDef struct {
	Name        string
	Description string

	// Parameters is the JSON Schema for the tool's arguments.
	Parameters map[string]any
}

// SessionConfig carries everything a provider needs to open a session.
type SessionConfig struct {
	// Principal scopes the session for logging and provider-side metadata.
	Principal types.Principal

	// Instructions is the system prompt for the model.
	Instructions string

	// Tools lists the functions the model may call.
	Tools []ToolDef

	// InputFormat and OutputFormat name the PCM encodings ("pcm16").
	InputFormat  string
	OutputFormat string

	// OnToolCall, when set, answers function calls inline; the call result
	// is returned to the model and the response stream resumes. Function
	// call events are emitted on the event stream regardless.
	OnToolCall ToolCallHandler
}

// ── Events ─────────────────────────────────────────────────────────────────────

// Event is one typed message from the provider. The concrete types below are
// the only implementations.
type Event interface {
	isEvent()
}

// SessionReady signals the provider accepted the session configuration.
type SessionReady struct{}

// SpeechStarted reports server-side VAD detecting user speech.
type SpeechStarted struct {
	AudioStartMs int
}

// SpeechStopped reports server-side VAD detecting end of user speech.
type SpeechStopped struct {
	AudioEndMs int
}

// Transcription carries a partial or final user transcript.
type Transcription struct {
	Text       string
	Lang       string
	Final      bool
	Confidence float64
}

// AgentDelta is an incremental model response: text, audio, or both.
type AgentDelta struct {
	Text  string
	Audio []byte
}

// FunctionCall announces a model-initiated tool invocation in progress.
type FunctionCall struct {
	CallID string
	Name   string
	Args   string
}

// FunctionCallComplete carries the final arguments of a tool invocation.
type FunctionCallComplete struct {
	CallID string
	Name   string
	Args   string
}

// Interrupted signals the model response was cancelled (barge-in).
type Interrupted struct{}

// ErrorEvent reports a provider-side error. Fatal errors are followed by
// stream close.
type ErrorEvent struct {
	Code    types.ErrorCode
	Message string
}

func (SessionReady) isEvent()         {}
func (SpeechStarted) isEvent()        {}
func (SpeechStopped) isEvent()        {}
func (Transcription) isEvent()        {}
func (AgentDelta) isEvent()           {}
func (FunctionCall) isEvent()         {}
func (FunctionCallComplete) isEvent() {}
func (Interrupted) isEvent()          {}
func (ErrorEvent) isEvent()           {}
