// Package gateway is the realtime voice front door: it upgrades widget
// connections, authenticates them, and runs one [Session] per connection
// that bridges browser audio, the realtime provider channel, and the agent
// orchestrator.
//
// The gateway owns sessions exclusively. Other subsystems reach a session
// only through its ID; the orchestrator is stateless per turn and receives
// the session ID with each utterance.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/internal/auth"
	"github.com/voxwire/voxwire/internal/guard"
	"github.com/voxwire/voxwire/internal/nlu"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/orchestrator"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/realtime"
	"github.com/voxwire/voxwire/pkg/types"
)

// TurnRunner executes one orchestrator turn per user utterance. Implemented
// by [orchestrator.Orchestrator].
type TurnRunner interface {
	Run(ctx context.Context, turn orchestrator.Turn) (*orchestrator.Response, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Options wire a [Server]. Auth is required; a nil Provider degrades
// sessions to text-only and a nil Turns rejects utterances.
type Options struct {
	Auth     *auth.Verifier
	Guard    *guard.Guard
	Provider realtime.Provider
	Turns    TurnRunner
	Metrics  *observe.Metrics
	Log      *slog.Logger

	// Instructions is the system prompt handed to the provider per session.
	Instructions string

	// UserInfo resolves what the runtime knows about a speaker (location,
	// timezone) for slot normalization. Nil means no knowledge.
	UserInfo func(p types.Principal) nlu.UserContext

	// Tools lists the site's model-callable actions for the provider
	// session. ToolCall answers a provider function call; its result is the
	// JSON returned to the model. Both nil disables provider tool use.
	Tools    func(p types.Principal) []realtime.ToolDef
	ToolCall func(ctx context.Context, p types.Principal, sessionID, name, args string) (string, error)

	// SessionTokens caps estimated model tokens per session. Zero means no
	// cap. TenantSessionTokens overrides the cap per tenant ID.
	SessionTokens       int
	TenantSessionTokens map[string]int

	PingInterval  time.Duration
	PingMaxMissed int
	IdleTimeout   time.Duration

	FrameMs       int
	MaxFrameBytes int
	JitterFrames  int

	VADThreshold float64
	VADHangover  int

	// Now is swappable in tests.
	Now func() time.Time
}

// Server accepts widget connections and keeps the session registry.
type Server struct {
	auth     *auth.Verifier
	guard    *guard.Guard
	provider realtime.Provider
	turns    TurnRunner
	metrics  *observe.Metrics
	log      *slog.Logger

	instructions string
	userInfo     func(p types.Principal) nlu.UserContext
	tools        func(p types.Principal) []realtime.ToolDef
	toolCall     func(ctx context.Context, p types.Principal, sessionID, name, args string) (string, error)

	sessionTokens       int
	tenantSessionTokens map[string]int

	pingInterval  time.Duration
	pingMaxMissed int
	idleTimeout   time.Duration
	frameMs       int
	maxFrameBytes int
	jitterFrames  int
	vadThreshold  float64
	vadHangover   int
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewServer creates a gateway server. Zero option values select the
// production defaults (15 s pings, 3 missed pongs, 5 min idle close,
// 20 ms frames).
func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.PingMaxMissed <= 0 {
		opts.PingMaxMissed = 3
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.FrameMs <= 0 {
		opts.FrameMs = audio.DefaultFrameMs
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = audio.MaxFrameBytes
	}
	if opts.JitterFrames <= 0 {
		opts.JitterFrames = audio.RingFrames
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		auth:                opts.Auth,
		guard:               opts.Guard,
		provider:            opts.Provider,
		turns:               opts.Turns,
		metrics:             opts.Metrics,
		log:                 opts.Log.With("component", "gateway"),
		instructions:        opts.Instructions,
		userInfo:            opts.UserInfo,
		tools:               opts.Tools,
		toolCall:            opts.ToolCall,
		sessionTokens:       opts.SessionTokens,
		tenantSessionTokens: opts.TenantSessionTokens,
		pingInterval:        opts.PingInterval,
		pingMaxMissed:       opts.PingMaxMissed,
		idleTimeout:         opts.IdleTimeout,
		frameMs:             opts.FrameMs,
		maxFrameBytes:       opts.MaxFrameBytes,
		jitterFrames:        opts.JitterFrames,
		vadThreshold:        opts.VADThreshold,
		vadHangover:         opts.VADHangover,
		now:                 opts.Now,
	}
}

// sessionTokenLimit resolves the per-session token cap for a tenant.
func (s *Server) sessionTokenLimit(tenantID string) int {
	if limit, ok := s.tenantSessionTokens[tenantID]; ok {
		return limit
	}
	return s.sessionTokens
}

func (s *Server) userContext(p types.Principal) nlu.UserContext {
	if s.userInfo == nil {
		return nlu.UserContext{}
	}
	return s.userInfo(p)
}

// ServeHTTP upgrades one widget connection. The handler blocks for the life
// of the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.guard != nil {
		if err := s.guard.CheckOrigin(r.Header.Get("Origin")); err != nil {
			s.log.Warn("origin rejected", "origin", r.Header.Get("Origin"))
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was validated above against the configured allowlist.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}

	principal, err := s.authenticate(r)
	if err != nil {
		// The upgrade succeeded, so the auth failure travels as a close
		// frame the widget can read.
		_ = c.Close(websocket.StatusPolicyViolation, string(types.CodeAuthFailed))
		s.log.Warn("auth failed", "err", err)
		return
	}

	sess := newSession(s, c, principal, clientIP(r))
	s.register(sess)
	s.log.Info("session opened", "session", sess.ID, "tenant", principal.TenantID, "site", principal.SiteID)

	sess.run(r.Context())
}

// authenticate extracts and verifies the voice token from the upgrade
// request: the token query parameter or an Authorization bearer header.
func (s *Server) authenticate(r *http.Request) (types.Principal, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	return s.auth.Verify(token)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ── Registry ────────────────────────────────────────────────────────────────

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = make(map[string]*Session)
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	_, present := s.sessions[sess.ID]
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	if present && s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Session returns the live session with the given ID, or nil.
func (s *Server) Session(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Len returns the number of live sessions.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CloseAll terminates every live session, typically during shutdown.
func (s *Server) CloseAll(reason string) {
	s.mu.RLock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.RUnlock()

	for _, sess := range snapshot {
		sess.close(websocket.StatusGoingAway, reason)
	}
}
