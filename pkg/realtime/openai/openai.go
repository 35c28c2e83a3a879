// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded PCM16 chunks; function calls are answered
// inline through the configured ToolCallHandler and surfaced as typed events.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/pkg/realtime"
	"github.com/voxwire/voxwire/pkg/types"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// cancelWriteDeadline bounds the response.cancel write so barge-in
	// reaches the wire promptly even under transport backpressure.
	cancelWriteDeadline = 50 * time.Millisecond
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVoice sets the synthesis voice requested in session.update.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	voice   string
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the registered provider name.
func (p *Provider) Name() string { return "openai-realtime" }

// Connect establishes a new Realtime session. The returned session is ready
// to accept audio immediately after the session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:       conn,
		events:     make(chan realtime.Event, 128),
		onToolCall: cfg.OnToolCall,
		ctx:        sessCtx,
		cancel:     sessCancel,
	}

	if err := sess.sendSessionUpdate(p.voice, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string     `json:"voice,omitempty"`
	Instructions            string     `json:"instructions,omitempty"`
	Tools                   []oaiTool  `json:"tools,omitempty"`
	InputAudioFormat        string     `json:"input_audio_format"`
	OutputAudioFormat       string     `json:"output_audio_format"`
	InputAudioTranscription *oaiIntrai `json:"input_audio_transcription,omitempty"`
}

// oaiIntrai enables user-side transcription events.
type oaiIntrai struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in a Realtime error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// serverItem is the item object carried by response.output_item.added.
type serverItem struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// input_audio_buffer.speech_started / speech_stopped
	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.output_item.added
	Item *serverItem `json:"item,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn       *websocket.Conn
	events     chan realtime.Event
	onToolCall realtime.ToolCallHandler

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, tools, audio formats and
// user-side transcription.
func (s *session) sendSessionUpdate(voice string, cfg realtime.SessionConfig) error {
	inFormat := cfg.InputFormat
	if inFormat == "" {
		inFormat = "pcm16"
	}
	outFormat := cfg.OutputFormat
	if outFormat == "" {
		outFormat = "pcm16"
	}
	params := sessionParams{
		Voice:                   voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        inFormat,
		OutputAudioFormat:       outFormat,
		InputAudioTranscription: &oaiIntrai{Model: "whisper-1"},
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return s.writeJSON(s.ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message. Concurrent
// writes are serialized by the connection.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		s.emit(realtime.SessionReady{})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.SpeechStarted{AudioStartMs: evt.AudioStartMs})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.SpeechStopped{AudioEndMs: evt.AudioEndMs})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.Transcription{Text: evt.Delta, Final: false})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Transcription{Text: evt.Transcript, Final: true, Confidence: 1})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(realtime.AgentDelta{Audio: audioData})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.AgentDelta{Text: evt.Delta})

	case "response.output_item.added":
		if evt.Item == nil || evt.Item.Type != "function_call" {
			return
		}
		s.emit(realtime.FunctionCall{CallID: evt.Item.CallID, Name: evt.Item.Name})

	case "response.function_call_arguments.done":
		s.emit(realtime.FunctionCallComplete{CallID: evt.CallID, Name: evt.Name, Args: evt.Arguments})
		s.answerFunctionCall(evt)

	case "response.cancelled":
		s.emit(realtime.Interrupted{})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.ErrorEvent{Code: types.CodeProviderUnavailable, Message: msg})
	}
}

// answerFunctionCall runs the configured handler and returns its output to
// the model, then requests the next response.
func (s *session) answerFunctionCall(evt *serverEvent) {
	if s.onToolCall == nil {
		return
	}

	result, callErr := s.onToolCall(evt.Name, evt.Arguments)
	if callErr != nil {
		result = fmt.Sprintf(`{"error": %q}`, callErr.Error())
	}

	_ = s.writeJSON(s.ctx, createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: evt.CallID,
			Output: result,
		},
	})
	_ = s.writeJSON(s.ctx, map[string]string{"type": "response.create"})
}

// emit delivers an event unless the session is shutting down.
func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// toOAITools converts tool definitions to the Realtime wire format.
func toOAITools(tools []realtime.ToolDef) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio appends one frame of PCM16 audio to the input buffer.
func (s *session) SendAudio(frame []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(frame)
	return s.writeJSON(s.ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// SendText submits a text utterance and requests a response.
func (s *session) SendText(text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		return err
	}
	return s.writeJSON(s.ctx, map[string]string{"type": "response.create"})
}

// Cancel aborts the in-flight response. The write carries its own short
// deadline so barge-in is not held hostage by transport backpressure.
func (s *session) Cancel() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, cancelWriteDeadline)
	defer cancel()
	return s.writeJSON(ctx, map[string]string{"type": "response.cancel"})
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("openai: session closed")
	}
	return nil
}
