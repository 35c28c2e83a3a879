// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to script server events and inspect which methods the gateway or
// orchestrator invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.Transcription{Text: "hello", Final: true})
package mock

import (
	"context"
	"sync"

	"github.com/voxwire/voxwire/pkg/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by Connect. If nil, Connect returns a
	// new default Session.
	Session realtime.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrs, if non-empty, is consumed one entry per Connect call
	// before Session is considered. A nil entry means that call succeeds.
	// Used to script "fail twice, then succeed" redial tests.
	ConnectErrs []error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns the scripted session or error.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Name returns ProviderName, or "mock" if unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns the number of Connect invocations so far. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Call returns the i'th recorded Connect invocation. Thread-safe.
func (p *Provider) Call(i int) ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ConnectCalls[i]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Frame is a copy of the audio bytes that were passed to SendAudio.
	Frame []byte
}

// Session is a mock implementation of realtime.Session. Script server
// behavior by calling Emit (or writing to EventsCh directly) and close the
// stream with CloseEvents.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan realtime.Event

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// CancelErr, if non-nil, is returned by every Cancel call.
	CancelErr error

	// SessionErr is returned by Err.
	SessionErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// SendTextCalls records every text passed to SendText in order.
	SendTextCalls []string

	// CancelCallCount is the number of times Cancel was called.
	CancelCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	eventsClosed bool
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan realtime.Event, 64)}
}

// Emit pushes a scripted event onto the stream.
func (s *Session) Emit(evt realtime.Event) {
	s.EventsCh <- evt
}

// CloseEvents closes the event stream, signalling end-of-session to the
// consumer. Idempotent.
func (s *Session) CloseEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.EventsCh)
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Frame: cp})
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// Cancel records the call and returns CancelErr.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCallCount++
	return s.CancelErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Err returns SessionErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionErr
}

// Close records the call, closes the event stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	closed := s.eventsClosed
	s.eventsClosed = true
	s.mu.Unlock()
	if !closed {
		close(s.EventsCh)
	}
	return err
}

// AudioCalls returns the number of SendAudio invocations so far. Thread-safe.
func (s *Session) AudioCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// SendTexts returns a copy of every text passed to SendText. Thread-safe.
func (s *Session) SendTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.SendTextCalls...)
}

// Cancels returns the number of Cancel invocations so far. Thread-safe.
func (s *Session) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTextCalls = nil
	s.CancelCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
