// Package analytics emits per-turn, per-tool, and per-search events. Every
// event goes through the outbox store so delivery inherits the outbox's
// at-least-once and per-session ordering guarantees; nothing is written
// directly to a sink.
//
// Payloads carry counts, flags, and timings only. User text never appears in
// an analytics event.
package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/voxwire/voxwire/internal/outbox"
)

// Event type names, as consumed downstream.
const (
	EventTurnCompleted  = "universal_agent_completed"
	EventToolExecuted   = "ai.tool_executed"
	EventSearchExecuted = "search.hybrid_executed"
)

// aggregate groups all analytics rows; the session ID is the aggregate ID,
// which gives per-session delivery ordering.
const aggregate = "analytics"

// Appender is the outbox surface the emitter needs.
type Appender interface {
	Append(ctx context.Context, rec *outbox.Record) error
}

// Emitter builds and appends analytics events.
type Emitter struct {
	outbox Appender
	log    *slog.Logger
}

// NewEmitter creates an emitter writing through outbox.
func NewEmitter(outbox Appender, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{outbox: outbox, log: log.With("component", "analytics")}
}

// TurnCompleted is the per-turn summary event.
type TurnCompleted struct {
	SessionID           string  `json:"sessionId"`
	TurnID              string  `json:"turnId"`
	Intent              string  `json:"intent"`
	IntentConfidence    float64 `json:"intentConfidence"`
	SlotsFilled         int     `json:"slotsFilled"`
	SlotsMissing        int     `json:"slotsMissing"`
	ClarificationRounds int     `json:"clarificationRounds"`
	ConfirmationAsked   bool    `json:"confirmationAsked"`
	ConfirmationGiven   bool    `json:"confirmationGiven"`
	ToolsExecuted       int     `json:"toolsExecuted"`
	ToolsFailed         int     `json:"toolsFailed"`
	SearchesExecuted    int     `json:"searchesExecuted"`
	ErrorCode           string  `json:"errorCode,omitempty"`
	DurationMs          int64   `json:"durationMs"`
	FirstTokenMs        int64   `json:"firstTokenMs,omitempty"`
	TokensUsed          int     `json:"tokensUsed"`
}

// ToolExecuted is emitted once per dispatched action.
type ToolExecuted struct {
	SessionID  string `json:"sessionId"`
	TurnID     string `json:"turnId"`
	ToolName   string `json:"toolName"`
	Success    bool   `json:"success"`
	ErrorCode  string `json:"errorCode,omitempty"`
	SideEffect string `json:"sideEffect"`
	DryRun     bool   `json:"dryRun,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// SearchExecuted is emitted once per hybrid retrieval call.
type SearchExecuted struct {
	SessionID     string   `json:"sessionId"`
	TurnID        string   `json:"turnId"`
	Strategies    []string `json:"strategies"`
	TimedOut      []string `json:"timedOut,omitempty"`
	ResultCount   int      `json:"resultCount"`
	CombinedCount int      `json:"combinedCount"`
	CacheHit      bool     `json:"cacheHit"`
	DurationMs    int64    `json:"durationMs"`
}

// TurnCompleted appends a universal_agent_completed event.
func (e *Emitter) TurnCompleted(ctx context.Context, tenantID string, ev TurnCompleted) {
	e.emit(ctx, tenantID, ev.SessionID, EventTurnCompleted, ev)
}

// ToolExecuted appends an ai.tool_executed event.
func (e *Emitter) ToolExecuted(ctx context.Context, tenantID string, ev ToolExecuted) {
	e.emit(ctx, tenantID, ev.SessionID, EventToolExecuted, ev)
}

// SearchExecuted appends a search.hybrid_executed event.
func (e *Emitter) SearchExecuted(ctx context.Context, tenantID string, ev SearchExecuted) {
	e.emit(ctx, tenantID, ev.SessionID, EventSearchExecuted, ev)
}

// emit marshals and appends one event. Analytics failures never fail the
// turn that produced them; they are logged and dropped.
func (e *Emitter) emit(ctx context.Context, tenantID, sessionID, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("analytics event marshal failed", "type", eventType, "err", err)
		return
	}
	rec := outbox.New(tenantID, aggregate, sessionID, eventType, body)
	if err := e.outbox.Append(ctx, rec); err != nil {
		e.log.Error("analytics event append failed", "type", eventType, "err", err)
	}
}

// Stamp converts a wall-clock span to the millisecond duration analytics
// payloads carry.
func Stamp(start, end time.Time) int64 {
	if end.Before(start) {
		return 0
	}
	return end.Sub(start).Milliseconds()
}
