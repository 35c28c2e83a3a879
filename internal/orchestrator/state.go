// Package orchestrator runs the agent turn loop: a checkpointed state
// machine that takes one user utterance through security and privacy
// validation, budget reservation, intent extraction, knowledge retrieval,
// clarification and confirmation gating, function planning, speculative and
// confirmed execution, and an observation loop, before producing the final
// response.
//
// The state machine is the only mutator of [TurnState]; every node writes a
// checkpoint so an interrupted turn can resume where it stopped.
package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/voxwire/voxwire/internal/nlu"
	"github.com/voxwire/voxwire/internal/retrieval"
	"github.com/voxwire/voxwire/pkg/types"
)

// Message is one entry of the turn's running transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ActionPlanItem is one planned function call.
type ActionPlanItem struct {
	ActionName string         `json:"actionName"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
	RiskLevel  string         `json:"riskLevel"`
	Priority   int            `json:"priority"`
	DependsOn  []string       `json:"dependsOn,omitempty"`

	// Critical aborts the rest of the batch when this item fails.
	Critical bool `json:"critical,omitempty"`

	// Confidence gates speculative launch.
	Confidence float64 `json:"confidence"`
}

// ToolResult records one executed (or speculated) action.
type ToolResult struct {
	ActionName  string          `json:"actionName"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	Speculative bool            `json:"speculative,omitempty"`
}

// StateError is the serializable error slot of TurnState.
type StateError struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// ResourceUsage tracks what the turn reserved against the budget ledger.
type ResourceUsage struct {
	TokensReserved  int `json:"tokensReserved"`
	ActionsReserved int `json:"actionsReserved"`
}

// TurnState is the full mutable state of one turn, checkpointed after every
// node.
type TurnState struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`

	Messages []Message `json:"messages"`

	// UserInput is the working (possibly redacted) utterance;
	// OriginalInput is kept verbatim for the audit trail only and never
	// leaves the process.
	UserInput        string `json:"userInput"`
	OriginalInput    string `json:"originalInput"`
	DetectedLanguage string `json:"detectedLanguage,omitempty"`

	Intent    string         `json:"intent,omitempty"`
	SlotFrame *nlu.SlotFrame `json:"slotFrame,omitempty"`

	SearchResults    []retrieval.Item `json:"searchResults,omitempty"`
	SearchStrategies []string         `json:"searchStrategies,omitempty"`
	SearchCacheHit   bool             `json:"searchCacheHit,omitempty"`
	SearchCombined   int              `json:"searchCombined,omitempty"`
	SearchCount      int              `json:"searchCount,omitempty"`

	// SearchTopScore is the top result's rank-normalized score in [0, 1]:
	// 1.0 means ranked first by every strategy that executed.
	SearchTopScore float64 `json:"searchTopScore,omitempty"`

	ActionPlan  []ActionPlanItem `json:"actionPlan,omitempty"`
	ToolResults []ToolResult     `json:"toolResults,omitempty"`

	// SpeculativeResults is the shadow buffer: results of actions launched
	// before confirmation, adopted only when the final plan still contains
	// them.
	SpeculativeResults map[string]ToolResult `json:"speculativeResults,omitempty"`

	NeedsClarification   bool `json:"needsClarification"`
	NeedsConfirmation    bool `json:"needsConfirmation"`
	ConfirmationReceived bool `json:"confirmationReceived"`
	ClarificationRounds  int  `json:"clarificationRounds,omitempty"`

	Error                  *StateError `json:"error,omitempty"`
	ErrorRecoveryAttempted bool        `json:"errorRecoveryAttempted"`
	ErrorRecoveryStrategy  string      `json:"errorRecoveryStrategy,omitempty"`

	ResourceUsage ResourceUsage `json:"resourceUsage"`

	// Loops counts planFunctions entries this turn; capped by MaxLoops.
	Loops int `json:"loops"`

	StartedAt time.Time `json:"startedAt"`
}

// setError records err in the state unless one is already pending.
func (s *TurnState) setError(code types.ErrorCode, message string) {
	if s.Error == nil {
		s.Error = &StateError{Code: code, Message: message}
	}
}

// Citation points the response at a knowledge-base source.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Score float64 `json:"score"`
}

// UIHint asks the client to adjust the page alongside the spoken response.
type UIHint struct {
	Type     string         `json:"type"`
	Selector string         `json:"selector,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// ResponseMetadata carries the turn's processing counters.
type ResponseMetadata struct {
	ProcessingMs     int64 `json:"processingMs"`
	Loops            int   `json:"loops"`
	ToolsExecuted    int   `json:"toolsExecuted"`
	ToolsFailed      int   `json:"toolsFailed"`
	SearchesExecuted int   `json:"searchesExecuted"`
	SpeculativeUsed  bool  `json:"speculativeUsed,omitempty"`
}

// Response is the terminal output of one turn.
type Response struct {
	Text      string     `json:"text"`
	Intent    string     `json:"intent,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	UIHints   []UIHint   `json:"uiHints,omitempty"`

	// Clarification turn: a single focused question plus suggestions.
	NeedsClarification bool     `json:"needsClarification,omitempty"`
	ClarificationSlot  string   `json:"clarificationSlot,omitempty"`
	Suggestions        []string `json:"suggestions,omitempty"`

	// Confirmation turn: the actions awaiting approval.
	NeedsConfirmation bool     `json:"needsConfirmation,omitempty"`
	PendingActions    []string `json:"pendingActions,omitempty"`

	ErrorCode types.ErrorCode `json:"errorCode,omitempty"`

	Metadata ResponseMetadata `json:"metadata"`
}
