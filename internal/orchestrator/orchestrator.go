package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxwire/voxwire/internal/analytics"
	"github.com/voxwire/voxwire/internal/budget"
	"github.com/voxwire/voxwire/internal/dispatch"
	"github.com/voxwire/voxwire/internal/guard"
	"github.com/voxwire/voxwire/internal/nlu"
	"github.com/voxwire/voxwire/internal/retrieval"
	"github.com/voxwire/voxwire/pkg/types"
)

// node names one state of the turn machine. The names are also what lands
// in logs and checkpoints.
type node string

const (
	nodeValidateSecurity   node = "validateSecurity"
	nodeValidatePrivacy    node = "validatePrivacy"
	nodeCheckResources     node = "checkResources"
	nodeUnderstandIntent   node = "understandIntent"
	nodeRetrieveKnowledge  node = "retrieveKnowledge"
	nodeCheckClarification node = "checkClarification"
	nodeAskClarification   node = "askClarification"
	nodePlanFunctions      node = "planFunctions"
	nodeExecuteSpeculative node = "executeSpeculative"
	nodeConfirmActions     node = "confirmActions"
	nodeExecuteFunctions   node = "executeFunctions"
	nodeObserveResults     node = "observeResults"
	nodeFinalize           node = "finalize"
	nodeHandleError        node = "handleError"
	nodeEnd                node = "end"
)

// Per-node deadlines. The dispatcher applies its own per-action timeout.
const (
	DefaultIntentTimeout    = 400 * time.Millisecond
	DefaultRetrievalTimeout = time.Second
	DefaultPlanningTimeout  = 800 * time.Millisecond
	DefaultTurnTimeout      = 10 * time.Second
)

// DefaultMaxLoops bounds plan→execute→observe cycles per turn.
const DefaultMaxLoops = 3

// maxClarificationRounds stops the agent from interrogating the user; after
// this many rounds it proceeds with whatever is resolved.
const maxClarificationRounds = 2

// Retriever is the knowledge-base search dependency.
type Retriever interface {
	Search(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// Options wires an [Orchestrator]. Guard, Ledger, Extractor, Dispatcher and
// Checkpoints are required; Retrieval and Analytics may be nil.
type Options struct {
	Guard       *guard.Guard
	Ledger      *budget.Ledger
	Extractor   *nlu.Extractor
	Retrieval   Retriever
	Dispatcher  *dispatch.Dispatcher
	Analytics   *analytics.Emitter
	Checkpoints CheckpointStore
	Log         *slog.Logger

	MaxLoops    int
	Speculative bool

	IntentTimeout    time.Duration
	RetrievalTimeout time.Duration
	PlanningTimeout  time.Duration
	TurnTimeout      time.Duration

	// Now is swappable in tests.
	Now func() time.Time
}

// Orchestrator runs turns. Safe for concurrent use across sessions; turns
// within one session are expected to be serialized by the caller (the
// gateway's per-session mailbox).
type Orchestrator struct {
	guard       *guard.Guard
	ledger      *budget.Ledger
	extractor   *nlu.Extractor
	retrieval   Retriever
	dispatcher  *dispatch.Dispatcher
	analytics   *analytics.Emitter
	checkpoints CheckpointStore
	log         *slog.Logger

	maxLoops    int
	speculative bool

	intentTimeout    time.Duration
	retrievalTimeout time.Duration
	planningTimeout  time.Duration
	turnTimeout      time.Duration

	now func() time.Time
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MaxLoops <= 0 {
		opts.MaxLoops = DefaultMaxLoops
	}
	if opts.IntentTimeout <= 0 {
		opts.IntentTimeout = DefaultIntentTimeout
	}
	if opts.RetrievalTimeout <= 0 {
		opts.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if opts.PlanningTimeout <= 0 {
		opts.PlanningTimeout = DefaultPlanningTimeout
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpoints()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		guard:            opts.Guard,
		ledger:           opts.Ledger,
		extractor:        opts.Extractor,
		retrieval:        opts.Retrieval,
		dispatcher:       opts.Dispatcher,
		analytics:        opts.Analytics,
		checkpoints:      opts.Checkpoints,
		log:              opts.Log.With("component", "orchestrator"),
		maxLoops:         opts.MaxLoops,
		speculative:      opts.Speculative,
		intentTimeout:    opts.IntentTimeout,
		retrievalTimeout: opts.RetrievalTimeout,
		planningTimeout:  opts.PlanningTimeout,
		turnTimeout:      opts.TurnTimeout,
		now:              opts.Now,
	}
}

// Turn is one user utterance entering the machine.
type Turn struct {
	Principal types.Principal
	SessionID string
	TurnID    string

	// Input is the raw utterance (or transcript).
	Input string

	// IP scopes the per-IP rate limit. Optional.
	IP string

	// Language is the detected input language tag, when known.
	Language string

	// User carries location and timezone for slot normalization.
	User nlu.UserContext

	// ConfirmationReceived resumes a turn that stopped at confirmActions.
	ConfirmationReceived bool
}

// turnCtx is the non-serialized working set of one run.
type turnCtx struct {
	turn  Turn
	state *TurnState

	// prior is the slot frame from an earlier clarification round.
	prior *nlu.SlotFrame

	tokenRes  *budget.Reservation
	actionRes *budget.Reservation
	// specRes holds one action-credit reservation per speculative launch,
	// refunded when the result is discarded.
	specRes map[string]*budget.Reservation
	// adopted marks speculative results the final plan actually used.
	adopted map[string]bool

	policyIssues []string
	risk         guard.Risk

	// failedNode is where the pending error originated, for retry routing.
	failedNode node

	// disableVector is set by the switch-provider recovery strategy.
	disableVector bool

	response *Response
}

// Run executes one turn to a terminal response.
//
// A session whose previous turn stopped at a clarification question or a
// confirmation prompt resumes from its checkpoint: slots carry forward, and
// a confirmed plan executes without replanning.
func (o *Orchestrator) Run(ctx context.Context, turn Turn) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	tc, start, err := o.prepare(ctx, turn)
	if err != nil {
		return nil, err
	}

	log := o.log.With("session", turn.SessionID, "turn", turn.TurnID)
	current := start
	for current != nodeEnd {
		if ctx.Err() != nil {
			tc.state.setError(types.CodeProviderTimeout, "turn deadline exceeded")
			if current == nodeFinalize {
				// Even finalize could not finish in time.
				o.refund(tc)
				return nil, ctx.Err()
			}
			current = nodeFinalize
			continue
		}

		next := o.step(ctx, tc, current)

		if err := o.checkpoints.Save(ctx, turn.SessionID, tc.state); err != nil {
			// A failed checkpoint degrades resumability, not the turn.
			log.Warn("checkpoint save failed", "node", current, "err", err)
		}

		if tc.state.Error != nil && next != nodeHandleError &&
			next != nodeFinalize && next != nodeEnd {
			if tc.state.ErrorRecoveryAttempted {
				// Recovery already had its shot; stop making progress.
				next = nodeFinalize
			} else {
				tc.failedNode = current
				next = nodeHandleError
			}
		}
		current = next
	}
	return tc.response, nil
}

// EndSession discards the session's checkpoint.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	return o.checkpoints.Delete(ctx, sessionID)
}

// ExecuteTool answers a provider-initiated function call outside the turn
// machine: the arguments pass the guard, one action credit is reserved, and
// the named action runs through the dispatcher. The returned string is the
// JSON handed back to the model.
func (o *Orchestrator) ExecuteTool(ctx context.Context, p types.Principal, sessionID, name, args string) (string, error) {
	verdict := o.guard.Validate(guard.Request{
		Principal: p,
		SessionID: sessionID,
		Input:     args,
	})
	if !verdict.Allowed {
		code := types.CodeUnsafeInput
		for _, issue := range verdict.Issues {
			if strings.HasPrefix(issue, "rate limit") {
				code = types.CodeRateLimitExceeded
			}
		}
		return "", types.NewError(code, strings.Join(verdict.Issues, "; "))
	}

	res, err := o.ledger.Reserve(p.TenantID, budget.ResourceActions, 1)
	if err != nil {
		return "", err
	}

	var params map[string]any
	if args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			res.Refund()
			return "", types.NewError(types.CodeValidationError, "tool arguments are not valid JSON")
		}
	}

	outcome, err := o.dispatcher.Execute(ctx, dispatch.Request{
		Principal:  p,
		SessionID:  sessionID,
		Action:     name,
		Parameters: params,
	})
	if err != nil {
		res.Refund()
		return "", err
	}
	res.Commit()

	out, err := json.Marshal(outcome)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encode tool outcome: %w", err)
	}
	return string(out), nil
}

// prepare loads any checkpoint and decides where the machine starts.
func (o *Orchestrator) prepare(ctx context.Context, turn Turn) (*turnCtx, node, error) {
	tc := &turnCtx{turn: turn, specRes: make(map[string]*budget.Reservation)}

	prev, err := o.checkpoints.Load(ctx, turn.SessionID)
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		o.log.Warn("checkpoint load failed", "session", turn.SessionID, "err", err)
	}

	// A confirmed plan resumes mid-machine with the saved state.
	if prev != nil && prev.NeedsConfirmation && turn.ConfirmationReceived {
		prev.ConfirmationReceived = true
		prev.NeedsConfirmation = false
		prev.TurnID = turn.TurnID
		prev.StartedAt = o.now()
		prev.Messages = append(prev.Messages, Message{Role: "user", Content: turn.Input})
		tc.state = prev
		return tc, nodeExecuteFunctions, nil
	}

	state := &TurnState{
		SessionID:        turn.SessionID,
		TurnID:           turn.TurnID,
		UserInput:        turn.Input,
		OriginalInput:    turn.Input,
		DetectedLanguage: turn.Language,
		StartedAt:        o.now(),
		Messages:         []Message{{Role: "user", Content: turn.Input}},
	}
	if prev != nil {
		state.Messages = append(prev.Messages, state.Messages...)
		if prev.NeedsClarification {
			tc.prior = prev.SlotFrame
			state.ClarificationRounds = prev.ClarificationRounds
		}
	}
	tc.state = state
	return tc, nodeValidateSecurity, nil
}

// step dispatches one node.
func (o *Orchestrator) step(ctx context.Context, tc *turnCtx, current node) node {
	switch current {
	case nodeValidateSecurity:
		return o.validateSecurity(tc)
	case nodeValidatePrivacy:
		return o.validatePrivacy(tc)
	case nodeCheckResources:
		return o.checkResources(tc)
	case nodeUnderstandIntent:
		return o.understandIntent(ctx, tc)
	case nodeRetrieveKnowledge:
		return o.retrieveKnowledge(ctx, tc)
	case nodeCheckClarification:
		return o.checkClarification(tc)
	case nodeAskClarification:
		return o.askClarification(ctx, tc)
	case nodePlanFunctions:
		return o.planFunctions(tc)
	case nodeExecuteSpeculative:
		return o.executeSpeculative(ctx, tc)
	case nodeConfirmActions:
		return o.confirmActions(ctx, tc)
	case nodeExecuteFunctions:
		return o.executeFunctions(ctx, tc)
	case nodeObserveResults:
		return o.observeResults(tc)
	case nodeHandleError:
		return o.handleError(tc)
	case nodeFinalize:
		return o.finalize(ctx, tc)
	default:
		o.log.Error("unknown node", "node", current)
		return nodeFinalize
	}
}

// refund returns every outstanding reservation to the ledger.
func (o *Orchestrator) refund(tc *turnCtx) {
	if tc.tokenRes != nil {
		tc.tokenRes.Refund()
	}
	if tc.actionRes != nil {
		tc.actionRes.Refund()
	}
	for _, r := range tc.specRes {
		r.Refund()
	}
}
