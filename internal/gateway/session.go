package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/budget"
	"github.com/voxwire/voxwire/internal/orchestrator"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/realtime"
	"github.com/voxwire/voxwire/pkg/types"
)

// State is the lifecycle state of a voice session.
type State string

const (
	StateInitializing State = "initializing"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateSpeaking     State = "speaking"
	StatePaused       State = "paused"
	StateEnded        State = "ended"
	StateError        State = "error"
)

// validNext lists the permitted transitions. StateError is reachable from
// every state and StateEnded is terminal.
var validNext = map[State][]State{
	StateInitializing: {StateListening, StateProcessing},
	StateListening:    {StateProcessing, StateSpeaking, StatePaused},
	StateProcessing:   {StateSpeaking, StateListening},
	StateSpeaking:     {StateListening, StateProcessing, StatePaused},
	StatePaused:       {StateListening, StateSpeaking},
	StateError:        {StateListening},
}

// conn is the subset of [*websocket.Conn] the session drives. Tests swap in
// an in-memory fake.
type conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// turnRequest is one utterance queued for the orchestrator. The per-session
// mailbox serializes turns so checkpointed state is never mutated
// concurrently.
type turnRequest struct {
	input    string
	language string
	confirm  bool

	// finalASRAt anchors the first-audio-token measurement, zero for typed
	// input.
	finalASRAt time.Time
}

// sendBuffer is the outbound event queue depth. The write pump is the sole
// writer on the connection; producers never block — a full queue drops the
// event and counts it.
const sendBuffer = 256

// Session is one live widget connection. It owns the connection, the
// provider channel, and the per-session audio state; everything else reaches
// it by session ID through the server registry.
type Session struct {
	ID        string
	Principal types.Principal

	srv  *Server
	conn conn
	log  *slog.Logger
	ip   string

	out    chan serverEvent
	cancel context.CancelFunc

	ring     *audio.Ring
	vad      *audio.Detector
	codec    *audio.Codec
	turns    chan turnRequest
	wg       sync.WaitGroup
	stopOnce sync.Once

	started time.Time

	mu            sync.Mutex
	state         State
	isRecording   bool
	vadActive     bool
	lastActivity  time.Time
	language      string
	awaitConfirm  bool
	pendingInput  string
	finalASRAt    time.Time
	firstTokenAt  time.Time
	ttsAnnounced  bool
	tokensUsed    int
	totalFramesIn uint64
	framesOut     uint64
	dropped       uint64
	provider      realtime.Session
}

// newSession wires a session around an accepted connection. run must be
// called exactly once.
func newSession(srv *Server, c conn, p types.Principal, ip string) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		Principal: p,
		srv:       srv,
		conn:      c,
		ip:        ip,
		log:       srv.log.With("session", id, "tenant", p.TenantID),
		out:       make(chan serverEvent, sendBuffer),
		ring:      audio.NewRing(srv.jitterFrames),
		vad:       audio.NewDetector(srv.vadThreshold, srv.vadHangover),
		turns:     make(chan turnRequest, 4),
		state:     StateInitializing,
		started:   srv.now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the state machine, ignoring moves the table forbids.
// Re-entering the current state is a no-op.
func (s *Session) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(to)
}

// transitionLocked must be called with mu held.
func (s *Session) transitionLocked(to State) {
	if s.state == to || s.state == StateEnded {
		return
	}
	if to == StateEnded || to == StateError {
		s.state = to
		return
	}
	for _, next := range validNext[s.state] {
		if next == to {
			s.state = to
			return
		}
	}
	s.log.Debug("transition rejected", "from", s.state, "to", to)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.srv.now()
	s.mu.Unlock()
}

// run drives the session until the connection drops or the server shuts it
// down. It owns the read loop; the write pump, heartbeat, provider pump, and
// turn loop run as tracked goroutines.
func (s *Session) run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.touch()

	s.wg.Add(1)
	go s.writePump(ctx)

	// The ready envelope is queued before anything else so it is the first
	// event on the wire.
	s.send(readyEvent(s.ID, s.srv.maxFrameBytes))

	s.connectProvider(ctx)

	s.wg.Add(2)
	go s.heartbeat(ctx)
	go s.turnLoop(ctx)

	s.readLoop(ctx)
	s.close(websocket.StatusNormalClosure, string(types.CodeWSClosed))
	s.wg.Wait()
}

// connectProvider dials the realtime channel. A provider failure degrades
// the session to text-only instead of tearing it down.
func (s *Session) connectProvider(ctx context.Context) {
	if s.srv.provider == nil {
		return
	}
	cfg := realtime.SessionConfig{
		Principal:    s.Principal,
		Instructions: s.srv.instructions,
		InputFormat:  "pcm16",
		OutputFormat: "pcm16",
	}
	if s.srv.tools != nil {
		cfg.Tools = s.srv.tools(s.Principal)
	}
	if s.srv.toolCall != nil {
		cfg.OnToolCall = func(name, args string) (string, error) {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return s.srv.toolCall(cctx, s.Principal, s.ID, name, args)
		}
	}

	ps, err := realtime.Redial(ctx, s.srv.provider, cfg)
	if err != nil {
		s.log.Warn("provider connect failed", "err", err)
		if s.srv.metrics != nil {
			s.srv.metrics.RecordProviderError(ctx, s.srv.provider.Name(), string(types.CodeProviderUnavailable))
		}
		s.send(errorEvent(types.CodeProviderUnavailable, "speech channel unavailable, text input still works"))
		return
	}
	s.mu.Lock()
	s.provider = ps
	s.mu.Unlock()

	s.wg.Add(1)
	go s.providerPump(ctx, ps)
}

func (s *Session) providerSession() realtime.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// ── Write side ──────────────────────────────────────────────────────────────

// send queues an event for the write pump. It never blocks: when the client
// cannot keep up the event is dropped and counted, because stalling the read
// loop would back-pressure the provider stream.
func (s *Session) send(e serverEvent) {
	select {
	case s.out <- e:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		if s.srv.metrics != nil {
			s.srv.metrics.RecordFrameDrop(context.Background(), "slow_client")
		}
	}
}

func (s *Session) writePump(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.conn.Write(wctx, websocket.MessageText, e.encode())
			cancel()
			if err != nil {
				s.log.Debug("write failed", "err", err)
				return
			}
		}
	}
}

// ── Read side ───────────────────────────────────────────────────────────────

func (s *Session) readLoop(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		s.touch()

		if typ == websocket.MessageBinary && audio.Classify(data) == audio.KindAudio {
			s.handleAudio(ctx, data)
			continue
		}
		s.handleControl(ctx, data)
	}
}

// handleAudio ingests one binary audio frame: transport limits, transcode,
// VAD hint, jitter buffer, upstream forward.
func (s *Session) handleAudio(ctx context.Context, data []byte) {
	if len(data) > s.srv.maxFrameBytes {
		s.log.Warn("oversize frame dropped", "bytes", len(data))
		if s.srv.metrics != nil {
			s.srv.metrics.RecordFrameDrop(ctx, "oversize")
		}
		return
	}

	s.mu.Lock()
	seq := s.totalFramesIn
	s.totalFramesIn++
	recording := s.isRecording
	s.mu.Unlock()

	if !recording {
		return
	}
	if s.srv.metrics != nil {
		s.srv.metrics.FramesIn.Add(ctx, 1)
	}

	pcm := s.decode(data)
	if pcm == nil {
		// Not a decodable Opus packet; assume the widget sent raw PCM16.
		pcm = data
	}

	hint := s.vad.Process(pcm)
	s.emitVAD(hint)

	// Speech over agent speech is a barge-in.
	if hint.Active && s.State() == StateSpeaking {
		s.bargeIn(ctx)
	}

	// Frames enter the jitter ring decoded; the upstream forward drains the
	// ring in FIFO order so provider writes never reorder audio.
	frame := audio.Frame{
		Payload:    pcm,
		Format:     audio.FormatPCM16,
		SampleRate: audio.DefaultSampleRate,
		Channels:   1,
		FrameMs:    s.srv.frameMs,
		Seq:        seq,
		Ts:         time.Duration(seq) * time.Duration(s.srv.frameMs) * time.Millisecond,
	}
	if evicted := s.ring.Push(frame); evicted && s.srv.metrics != nil {
		s.srv.metrics.RecordFrameDrop(ctx, "jitter_overflow")
	}
	s.forwardAudio(ctx)
}

// decode converts an Opus payload to PCM16, lazily creating the decoder.
// Returns nil when the payload does not decode.
func (s *Session) decode(payload []byte) []byte {
	if s.codec == nil {
		codec, err := audio.NewCodec(audio.DefaultSampleRate, 1)
		if err != nil {
			return nil
		}
		s.codec = codec
	}
	pcm, err := s.codec.Decode(payload)
	if err != nil {
		return nil
	}
	return pcm
}

// forwardAudio drains the jitter buffer upstream. Frames that fail to send
// (provider backpressure) are dropped with a counter; the read loop must
// never block on the provider.
func (s *Session) forwardAudio(ctx context.Context) {
	ps := s.providerSession()
	if ps == nil {
		s.ring.Drain()
		return
	}
	for {
		frame, ok := s.ring.Pop()
		if !ok {
			return
		}
		if err := ps.SendAudio(frame.Payload); err != nil {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			if s.srv.metrics != nil {
				s.srv.metrics.RecordFrameDrop(ctx, "backpressure")
			}
			return
		}
	}
}

// emitVAD sends a hint when the speech flag toggles so the widget can
// animate its microphone indicator without per-frame traffic.
func (s *Session) emitVAD(hint audio.Hint) {
	s.mu.Lock()
	changed := hint.Active != s.vadActive
	s.vadActive = hint.Active
	s.mu.Unlock()
	if changed {
		s.send(vadEvent(hint.Active, hint.Level))
	}
}

// handleControl parses and dispatches one JSON control message. Every
// control message spends one unit of the session's rate budget.
func (s *Session) handleControl(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(errorEvent(types.CodeValidationError, "malformed control message"))
		return
	}

	if s.srv.guard != nil {
		dec := s.srv.guard.Allow(s.Principal, s.ID, s.ip)
		if !dec.Allowed {
			if s.srv.metrics != nil {
				s.srv.metrics.RecordRateLimitRejection(ctx, dec.Scope)
			}
			s.send(rateLimitEvent(dec.ResetAt))
			return
		}
	}

	switch msg.Type {
	case msgVoiceStart:
		s.setRecording(true)

	case msgVoiceEnd:
		s.setRecording(false)

	case msgVoiceData:
		if len(msg.Data) > 0 {
			s.handleAudio(ctx, msg.Data)
		}

	case msgTextInput:
		if msg.Text == "" {
			s.send(errorEvent(types.CodeValidationError, "text_input requires text"))
			return
		}
		s.enqueueTurn(turnRequest{input: msg.Text, language: msg.Language})

	case msgControl:
		s.handleAction(ctx, msg.Action)

	case msgVoiceCommand:
		s.handleCommand(msg)

	default:
		s.send(errorEvent(types.CodeValidationError, "unknown message type "+msg.Type))
	}
}

func (s *Session) handleAction(ctx context.Context, action string) {
	switch action {
	case actionStartRecording:
		s.setRecording(true)
	case actionStopRecording:
		s.setRecording(false)
	case actionInterruptTTS:
		s.bargeIn(ctx)
	default:
		s.send(errorEvent(types.CodeValidationError, "unknown control action "+action))
	}
}

// handleCommand resolves gateway-level voice commands. confirm and cancel
// settle a pending confirmation prompt; anything else is treated as an
// utterance.
func (s *Session) handleCommand(msg clientMessage) {
	s.mu.Lock()
	awaiting := s.awaitConfirm
	pending := s.pendingInput
	s.mu.Unlock()

	switch msg.Command {
	case commandConfirm:
		if !awaiting {
			s.send(errorEvent(types.CodeValidationError, "nothing awaiting confirmation"))
			return
		}
		s.enqueueTurn(turnRequest{input: pending, confirm: true})
	case commandCancel:
		s.mu.Lock()
		s.awaitConfirm = false
		s.pendingInput = ""
		s.mu.Unlock()
	default:
		s.enqueueTurn(turnRequest{input: msg.Command})
	}
}

func (s *Session) setRecording(on bool) {
	s.mu.Lock()
	s.isRecording = on
	if on {
		s.transitionLocked(StateListening)
	}
	s.mu.Unlock()
	if on {
		s.send(serverEvent{Type: evMicOpened})
	} else {
		s.send(serverEvent{Type: evMicClosed})
	}
}

// bargeIn cancels in-flight agent speech. The provider cancel must hit the
// wire promptly so the widget can stop playback within 50 ms.
func (s *Session) bargeIn(ctx context.Context) {
	if s.State() != StateSpeaking {
		return
	}
	if ps := s.providerSession(); ps != nil {
		if err := ps.Cancel(); err != nil {
			s.log.Warn("provider cancel failed", "err", err)
		}
	}
	if s.srv.metrics != nil {
		s.srv.metrics.BargeIns.Add(ctx, 1)
	}
	s.send(serverEvent{Type: evBargeIn})
	s.transition(StateListening)
}

// ── Provider side ───────────────────────────────────────────────────────────

// providerPump fans provider events out to the widget and feeds final
// transcripts into the turn mailbox. It is the sole consumer of the event
// stream, so per-session event order is preserved.
func (s *Session) providerPump(ctx context.Context, ps realtime.Session) {
	defer s.wg.Done()
	for evt := range ps.Events() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.handleProviderEvent(ctx, evt)
	}
	if err := ps.Err(); err != nil && ctx.Err() == nil {
		s.log.Warn("provider stream ended", "err", err)
		if s.srv.metrics != nil {
			s.srv.metrics.RecordProviderError(ctx, s.srv.provider.Name(), string(types.CodeProviderUnavailable))
		}
		s.send(errorEvent(types.CodeProviderUnavailable, "speech channel lost"))
		s.transition(StateError)
	}
}

func (s *Session) handleProviderEvent(ctx context.Context, evt realtime.Event) {
	switch e := evt.(type) {
	case realtime.SessionReady:
		s.log.Debug("provider session ready")

	case realtime.SpeechStarted:
		if s.State() == StateSpeaking {
			s.bargeIn(ctx)
		}

	case realtime.SpeechStopped:
		// Server-side VAD end; the transcript follows.

	case realtime.Transcription:
		if !e.Final {
			s.send(serverEvent{Type: evPartialASR, Text: e.Text, Confidence: e.Confidence})
			return
		}
		s.send(serverEvent{Type: evFinalASR, Text: e.Text, Lang: e.Lang})
		s.mu.Lock()
		s.finalASRAt = s.srv.now()
		s.firstTokenAt = time.Time{}
		s.ttsAnnounced = false
		if e.Lang != "" {
			s.language = e.Lang
		}
		s.mu.Unlock()
		s.enqueueTurn(turnRequest{input: e.Text, language: e.Lang, finalASRAt: s.srv.now()})

	case realtime.AgentDelta:
		if e.Text != "" {
			s.send(serverEvent{Type: evAgentDelta, Text: e.Text})
		}
		if len(e.Audio) > 0 {
			s.handleAgentAudio(ctx, e.Audio)
		}

	case realtime.FunctionCall:
		s.send(serverEvent{Type: evAgentTool, Tool: e.Name, CallID: e.CallID, Status: "started"})

	case realtime.FunctionCallComplete:
		s.send(serverEvent{Type: evAgentTool, Tool: e.Name, CallID: e.CallID, Status: "completed"})

	case realtime.Interrupted:
		s.send(serverEvent{Type: evBargeIn})
		s.transition(StateListening)

	case realtime.ErrorEvent:
		if s.srv.metrics != nil {
			s.srv.metrics.RecordProviderError(ctx, s.srv.provider.Name(), string(e.Code))
		}
		s.send(errorEvent(e.Code, e.Message))
	}
}

// handleAgentAudio forwards one synthesized chunk and, on the first chunk
// after a final transcript, records the first-audio-token latency.
func (s *Session) handleAgentAudio(ctx context.Context, chunk []byte) {
	now := s.srv.now()

	s.mu.Lock()
	s.transitionLocked(StateSpeaking)
	announce := !s.ttsAnnounced
	s.ttsAnnounced = true
	var latency time.Duration
	if s.firstTokenAt.IsZero() && !s.finalASRAt.IsZero() {
		s.firstTokenAt = now
		latency = now.Sub(s.finalASRAt)
	}
	s.framesOut++
	s.mu.Unlock()
	ts := now.Sub(s.started)

	if announce {
		s.send(serverEvent{Type: evTTSPlay})
	}
	if latency > 0 && s.srv.metrics != nil {
		s.srv.metrics.RecordFirstAudioToken(ctx, latency)
	}
	if s.srv.metrics != nil {
		s.srv.metrics.FramesOut.Add(ctx, 1)
	}
	s.send(audioChunkEvent(chunk, ts))
}

// ── Turn side ───────────────────────────────────────────────────────────────

func (s *Session) enqueueTurn(req turnRequest) {
	select {
	case s.turns <- req:
	default:
		// A session this far behind gets a busy signal, not a queue.
		s.send(errorEvent(types.CodeRateLimitExceeded, "a previous request is still processing"))
	}
}

// turnLoop serializes orchestrator turns for the session.
func (s *Session) turnLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.turns:
			s.runTurn(ctx, req)
		}
	}
}

func (s *Session) runTurn(ctx context.Context, req turnRequest) {
	if s.srv.turns == nil {
		s.send(errorEvent(types.CodeValidationError, "no agent configured"))
		return
	}

	estimate := budget.EstimateTokens(req.input)
	if limit := s.srv.sessionTokenLimit(s.Principal.TenantID); limit > 0 {
		s.mu.Lock()
		used := s.tokensUsed
		s.mu.Unlock()
		if used+estimate > limit {
			s.log.Warn("session token allowance exhausted", "used", used, "limit", limit)
			s.send(errorEvent(types.CodeBudgetExceeded, "this session has used up its allowance"))
			return
		}
	}

	s.transition(StateProcessing)
	start := s.srv.now()

	s.mu.Lock()
	if req.language == "" {
		req.language = s.language
	}
	s.mu.Unlock()

	resp, err := s.srv.turns.Run(ctx, orchestrator.Turn{
		Principal:            s.Principal,
		SessionID:            s.ID,
		TurnID:               uuid.NewString(),
		Input:                req.input,
		IP:                   s.ip,
		Language:             req.language,
		User:                 s.srv.userContext(s.Principal),
		ConfirmationReceived: req.confirm,
	})
	dur := s.srv.now().Sub(start)

	if err != nil {
		s.log.Error("turn failed", "err", err)
		if s.srv.metrics != nil {
			s.srv.metrics.RecordTurn(ctx, "unknown", "error", dur)
		}
		s.send(errorEvent(types.CodeOf(err), "something went wrong handling that"))
		s.send(finalEvent(&orchestrator.Response{
			Text:      "Sorry, I ran into a problem. Please try again or rephrase.",
			ErrorCode: types.CodeOf(err),
		}))
		s.transition(StateListening)
		return
	}

	s.mu.Lock()
	s.tokensUsed += estimate + len(resp.Text)/4
	s.awaitConfirm = resp.NeedsConfirmation
	if resp.NeedsConfirmation {
		s.pendingInput = req.input
	} else {
		s.pendingInput = ""
	}
	s.mu.Unlock()

	if s.srv.metrics != nil {
		status := "ok"
		if resp.ErrorCode != "" {
			status = string(resp.ErrorCode)
		}
		intent := resp.Intent
		if intent == "" {
			intent = "unknown"
		}
		s.srv.metrics.RecordTurn(ctx, intent, status, dur)
	}

	s.send(finalEvent(resp))
	s.speak(resp)
	s.transition(StateListening)
}

// speak hands the response text to the provider for synthesis. The audio
// comes back through the provider pump as audio_chunk events.
func (s *Session) speak(resp *orchestrator.Response) {
	ps := s.providerSession()
	if ps == nil || resp.Text == "" {
		return
	}
	if err := ps.SendText(resp.Text); err != nil {
		s.log.Warn("provider speak failed", "err", err)
	}
}

// ── Heartbeat ───────────────────────────────────────────────────────────────

// heartbeat pings on an interval and closes the session after too many
// missed pongs or too long without inbound traffic.
func (s *Session) heartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.srv.pingInterval)
	defer ticker.Stop()

	missed := 0
	var pingSentAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		idle := s.srv.now().Sub(s.lastActivity)
		s.mu.Unlock()
		if idle > s.srv.idleTimeout {
			s.log.Info("closing idle session", "idle", idle)
			s.close(websocket.StatusNormalClosure, "idle timeout")
			return
		}

		pctx, cancel := context.WithTimeout(ctx, 2*s.srv.pingInterval)
		pingSentAt = s.srv.now()
		err := s.conn.Ping(pctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			missed++
			s.log.Debug("missed pong", "count", missed)
			if missed >= s.srv.pingMaxMissed {
				// The close reason carries the last ping timestamp and the
				// session ID so client logs can place the drop.
				s.close(websocket.StatusPolicyViolation, fmt.Sprintf("%s ts=%d session=%s",
					types.CodePingTimeout, pingSentAt.UnixMilli(), s.ID))
				return
			}
			continue
		}
		missed = 0
	}
}

// ── Teardown ────────────────────────────────────────────────────────────────

// close tears the session down exactly once: provider channel, websocket,
// registry entry, and checkpoint.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.stopOnce.Do(func() {
		s.transition(StateEnded)
		if ps := s.providerSession(); ps != nil {
			_ = ps.Close()
		}
		_ = s.conn.Close(code, reason)
		if s.cancel != nil {
			s.cancel()
		}
		s.srv.unregister(s)
		if s.srv.turns != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.srv.turns.EndSession(ctx, s.ID); err != nil {
				s.log.Debug("checkpoint cleanup failed", "err", err)
			}
		}
		s.log.Info("session closed", "reason", reason)
	})
}
