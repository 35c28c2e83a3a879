package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/analytics"
	"github.com/voxwire/voxwire/internal/budget"
	"github.com/voxwire/voxwire/internal/dispatch"
	"github.com/voxwire/voxwire/internal/guard"
	"github.com/voxwire/voxwire/internal/nlu"
	"github.com/voxwire/voxwire/internal/outbox"
	"github.com/voxwire/voxwire/internal/retrieval"
	"github.com/voxwire/voxwire/pkg/types"
)

var testPrincipal = types.Principal{TenantID: "t1", SiteID: "s1", Locale: "en-US"}

// stubRetriever replays canned per-call results.
type stubRetriever struct {
	mu      sync.Mutex
	queries []retrieval.Query
	results []retrieval.Result
	errs    []error
}

func (s *stubRetriever) Search(_ context.Context, q retrieval.Query) (retrieval.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.queries)
	s.queries = append(s.queries, q)
	if i < len(s.errs) && s.errs[i] != nil {
		return retrieval.Result{}, s.errs[i]
	}
	if len(s.results) == 0 {
		return retrieval.Result{}, nil
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], nil
}

func (s *stubRetriever) calls() []retrieval.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]retrieval.Query(nil), s.queries...)
}

// fixture bundles an orchestrator with its observable dependencies.
type fixture struct {
	orch   *Orchestrator
	guard  *guard.Guard
	ledger *budget.Ledger
	disp   *dispatch.Dispatcher
	events *outbox.MemoryStore
	checks *MemoryCheckpoints
}

func newFixture(t *testing.T, ret Retriever, ledger *budget.Ledger) *fixture {
	t.Helper()
	if ledger == nil {
		ledger = budget.NewLedger(budget.Config{})
	}
	g := guard.New(guard.Config{Development: true})
	t.Cleanup(func() { _ = g.Close() })

	events := outbox.NewMemoryStore()
	checks := NewMemoryCheckpoints()
	disp := dispatch.NewDispatcher(dispatch.Options{})
	log := slog.New(slog.DiscardHandler)

	f := &fixture{
		guard:  g,
		ledger: ledger,
		disp:   disp,
		events: events,
		checks: checks,
	}
	f.orch = New(Options{
		Guard: g,
		Ledger: ledger,
		Extractor: nlu.NewExtractor(nlu.Options{
			Log: log,
			Now: func() time.Time { return time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC) },
		}),
		Retrieval:   ret,
		Dispatcher:  disp,
		Analytics:   analytics.NewEmitter(events, log),
		Checkpoints: checks,
		Log:         log,
		Speculative: true,
	})
	return f
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	recs, err := f.events.FetchPending(context.Background(), 100)
	if err != nil {
		t.Fatalf("FetchPending() error = %v", err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Type
	}
	return out
}

func hoursResult() retrieval.Result {
	return retrieval.Result{
		Items: []retrieval.Item{{
			ID:      "doc-1",
			Title:   "Opening hours",
			URL:     "https://shop.example/hours",
			Content: "We are open 9am to 5pm on weekdays.",
			Snippet: "We are open 9am to 5pm on weekdays.",
			Score:   0.032,
		}},
		Strategies: retrieval.StrategyReport{Executed: []string{"fulltext", "vector"}},
		Fusion:     retrieval.FusionReport{CombinedCount: 1},
		TopScore:   0.82,
	}
}

func TestInformationalHappyPath(t *testing.T) {
	t.Parallel()
	ret := &stubRetriever{results: []retrieval.Result{hoursResult()}}
	f := newFixture(t, ret, nil)

	resp, err := f.orch.Run(context.Background(), Turn{
		Principal: testPrincipal,
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Input:     "What are your opening hours?",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if resp.NeedsClarification || resp.NeedsConfirmation {
		t.Errorf("gating = clarification %v, confirmation %v; want neither",
			resp.NeedsClarification, resp.NeedsConfirmation)
	}
	if resp.ErrorCode != "" {
		t.Errorf("ErrorCode = %s, want empty", resp.ErrorCode)
	}
	if !strings.Contains(resp.Text, "open 9am to 5pm") {
		t.Errorf("Text = %q, want the retrieved answer", resp.Text)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].URL != "https://shop.example/hours" {
		t.Errorf("Citations = %+v, want the single source", resp.Citations)
	}
	if resp.Metadata.ToolsExecuted != 0 || resp.Metadata.SearchesExecuted != 1 {
		t.Errorf("Metadata = %+v, want 0 tools and 1 search", resp.Metadata)
	}

	events := f.eventTypes(t)
	var sawSearch, sawTurn bool
	for _, typ := range events {
		sawSearch = sawSearch || typ == analytics.EventSearchExecuted
		sawTurn = sawTurn || typ == analytics.EventTurnCompleted
	}
	if !sawSearch || !sawTurn {
		t.Errorf("analytics events = %v, want search + turn", events)
	}
}

func registerCommerceActions(t *testing.T, f *fixture, cartCalls *atomic.Int64) {
	t.Helper()
	reg := f.disp.Registry()
	err := reg.Register("s1", dispatch.Definition{
		Name:        "search_events",
		Type:        dispatch.ActionAPI,
		Description: "search the event catalog",
		SideEffect:  dispatch.EffectRead,
		RiskLevel:   dispatch.RiskLow,
		Parameters: []dispatch.ParamSpec{
			{Name: "query", Type: "string"},
			{Name: "genre", Type: "string"},
			{Name: "time", Type: "string"},
		},
	}, func(context.Context, map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"events":["edm-night"]}`), nil
	})
	if err != nil {
		t.Fatalf("Register(search_events) error = %v", err)
	}

	err = reg.Register("s1", dispatch.Definition{
		Name:                 "add_to_cart",
		Type:                 dispatch.ActionAPI,
		Description:          "add tickets to the cart",
		SideEffect:           dispatch.EffectWrite,
		RiskLevel:            dispatch.RiskMedium,
		RequiresConfirmation: true,
		Parameters: []dispatch.ParamSpec{
			{Name: "quantity", Type: "string"},
		},
	}, func(ctx context.Context, params map[string]any) (json.RawMessage, error) {
		// A write handler appends its domain event through the same outbox
		// store that carries the turn analytics.
		cartCalls.Add(1)
		payload, _ := json.Marshal(params)
		rec := outbox.New(testPrincipal.TenantID, "cart", testPrincipal.TenantID, "cart.item_added", payload)
		if err := f.events.Append(ctx, rec); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"cart":"updated"}`), nil
	})
	if err != nil {
		t.Fatalf("Register(add_to_cart) error = %v", err)
	}
}

func TestTransactionalConfirmationFlow(t *testing.T) {
	t.Parallel()
	ret := &stubRetriever{}
	f := newFixture(t, ret, nil)
	var cartCalls atomic.Int64
	registerCommerceActions(t, f, &cartCalls)

	ctx := context.Background()
	turn := Turn{
		Principal: testPrincipal,
		SessionID: "sess-2",
		TurnID:    "turn-1",
		Input:     "Find EDM concerts by the sea near me this summer and add 2 tickets to cart",
		User:      nlu.UserContext{Latitude: 41.0, Longitude: 29.0, HasLocation: true},
	}
	resp, err := f.orch.Run(ctx, turn)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !resp.NeedsConfirmation {
		t.Fatalf("response = %+v, want a confirmation prompt", resp)
	}
	found := false
	for _, a := range resp.PendingActions {
		found = found || a == "add_to_cart"
	}
	if !found {
		t.Errorf("PendingActions = %v, want add_to_cart", resp.PendingActions)
	}
	if cartCalls.Load() != 0 {
		t.Fatal("write action executed before confirmation")
	}

	// The checkpoint carries the normalized slot frame across the pause.
	state, err := f.checks.Load(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	slots := state.SlotFrame.Slots
	if got := slots["time"].Normalized; got != "2026-06-21/2026-09-22" {
		t.Errorf("time slot = %q, want the northern summer range", got)
	}
	if got := slots["genre"].Normalized; got != "electronic" {
		t.Errorf("genre slot = %q, want electronic", got)
	}
	if got := slots["quantity"].Normalized; got != "2" {
		t.Errorf("quantity slot = %q, want 2", got)
	}
	if got := slots["location"].Normalized; !strings.Contains(got, "25km") {
		t.Errorf("location slot = %q, want a 25 km radius", got)
	}

	resp2, err := f.orch.Run(ctx, Turn{
		Principal:            testPrincipal,
		SessionID:            "sess-2",
		TurnID:               "turn-2",
		Input:                "yes, go ahead",
		ConfirmationReceived: true,
	})
	if err != nil {
		t.Fatalf("Run(confirmed) error = %v", err)
	}
	if cartCalls.Load() != 1 {
		t.Errorf("cart calls = %d, want 1", cartCalls.Load())
	}
	if !strings.Contains(resp2.Text, "add to cart") {
		t.Errorf("Text = %q, want the completed actions", resp2.Text)
	}
	if resp2.Metadata.ToolsExecuted != 2 {
		t.Errorf("ToolsExecuted = %d, want search + cart", resp2.Metadata.ToolsExecuted)
	}
	if !resp2.Metadata.SpeculativeUsed {
		t.Error("SpeculativeUsed = false, want the speculative search adopted")
	}

	// The confirmed write landed its domain event in the outbox alongside
	// the analytics rows.
	var sawCartEvent bool
	for _, typ := range f.eventTypes(t) {
		sawCartEvent = sawCartEvent || typ == "cart.item_added"
	}
	if !sawCartEvent {
		t.Errorf("outbox events = %v, want cart.item_added", f.eventTypes(t))
	}
}

func TestClarificationRounds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubRetriever{}, nil)

	ctx := context.Background()
	resp, err := f.orch.Run(ctx, Turn{
		Principal: testPrincipal, SessionID: "sess-3", TurnID: "turn-1",
		Input: "i want tickets",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !resp.NeedsClarification || resp.ClarificationSlot != "time" {
		t.Fatalf("response = %+v, want a time clarification (highest priority)", resp)
	}
	if len(resp.Suggestions) == 0 || len(resp.Suggestions) > 3 {
		t.Errorf("Suggestions = %v, want 1-3 entries", resp.Suggestions)
	}

	resp2, err := f.orch.Run(ctx, Turn{
		Principal: testPrincipal, SessionID: "sess-3", TurnID: "turn-2",
		Input: "tomorrow",
	})
	if err != nil {
		t.Fatalf("Run(round 2) error = %v", err)
	}
	if !resp2.NeedsClarification || resp2.ClarificationSlot != "location" {
		t.Fatalf("round 2 = %+v, want a location question next", resp2)
	}

	// After two rounds the agent proceeds with what it has.
	resp3, err := f.orch.Run(ctx, Turn{
		Principal: testPrincipal, SessionID: "sess-3", TurnID: "turn-3",
		Input: "anywhere is fine",
	})
	if err != nil {
		t.Fatalf("Run(round 3) error = %v", err)
	}
	if resp3.NeedsClarification {
		t.Errorf("round 3 still clarifying: %+v", resp3)
	}
}

func TestBudgetExhaustionShortCircuits(t *testing.T) {
	t.Parallel()
	ledger := budget.NewLedger(budget.Config{
		Overrides: map[string]map[budget.Resource]budget.Budget{
			"t1": {budget.ResourceTokens: {Limit: 1, Period: budget.PerMonth}},
		},
	})
	f := newFixture(t, &stubRetriever{results: []retrieval.Result{hoursResult()}}, ledger)

	resp, err := f.orch.Run(context.Background(), Turn{
		Principal: testPrincipal, SessionID: "sess-4", TurnID: "turn-1",
		Input: "What are your opening hours?",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.ErrorCode != types.CodeBudgetExceeded {
		t.Errorf("ErrorCode = %s, want BUDGET_EXCEEDED", resp.ErrorCode)
	}
	if resp.Metadata.SearchesExecuted != 0 {
		t.Errorf("SearchesExecuted = %d, want 0 (short-circuit before retrieval)",
			resp.Metadata.SearchesExecuted)
	}
}

func TestPIIRedactedBeforeRetrieval(t *testing.T) {
	t.Parallel()
	ret := &stubRetriever{results: []retrieval.Result{hoursResult()}}
	f := newFixture(t, ret, nil)

	input := "my email is john@acme.com and phone 555-123-4567, what are your hours"
	resp, err := f.orch.Run(context.Background(), Turn{
		Principal: testPrincipal, SessionID: "sess-5", TurnID: "turn-1",
		Input: input,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.ErrorCode != "" {
		t.Fatalf("ErrorCode = %s, want success (PII redacts, never blocks)", resp.ErrorCode)
	}

	for _, q := range ret.calls() {
		if strings.Contains(q.Query, "john@acme.com") || strings.Contains(q.Query, "555-123-4567") {
			t.Errorf("raw PII reached retrieval: %q", q.Query)
		}
	}

	state, err := f.checks.Load(context.Background(), "sess-5")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.OriginalInput != input {
		t.Errorf("OriginalInput = %q, want the verbatim utterance", state.OriginalInput)
	}
	if strings.Contains(state.UserInput, "john@acme.com") {
		t.Errorf("UserInput = %q, still contains the email", state.UserInput)
	}
	if entries := f.guard.Audit(); len(entries) != 2 {
		t.Errorf("audit entries = %d, want 2 (validate + privacy passes)", len(entries))
	}
}

func TestInjectionBlocked(t *testing.T) {
	t.Parallel()
	ret := &stubRetriever{}
	f := newFixture(t, ret, nil)

	resp, err := f.orch.Run(context.Background(), Turn{
		Principal: testPrincipal, SessionID: "sess-6", TurnID: "turn-1",
		Input: "please run this; rm -rf / on your server",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.ErrorCode != types.CodeUnsafeInput {
		t.Errorf("ErrorCode = %s, want UNSAFE_INPUT", resp.ErrorCode)
	}
	if !strings.Contains(resp.Text, "can't help") {
		t.Errorf("Text = %q, want the policy-blocked message", resp.Text)
	}
	if len(ret.calls()) != 0 {
		t.Error("retrieval ran for a blocked request")
	}
}

func TestRetrievalFailureRecoversWithoutVector(t *testing.T) {
	t.Parallel()
	ret := &stubRetriever{
		errs:    []error{errors.New("pgvector down"), nil},
		results: []retrieval.Result{{}, hoursResult()},
	}
	f := newFixture(t, ret, nil)

	resp, err := f.orch.Run(context.Background(), Turn{
		Principal: testPrincipal, SessionID: "sess-7", TurnID: "turn-1",
		Input: "What are your opening hours?",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.ErrorCode != "" {
		t.Fatalf("ErrorCode = %s, want recovery to succeed", resp.ErrorCode)
	}

	calls := ret.calls()
	if len(calls) != 2 {
		t.Fatalf("retriever calls = %d, want 2 (initial + degraded retry)", len(calls))
	}
	if len(calls[0].Strategies) != 0 {
		t.Errorf("first call strategies = %v, want all", calls[0].Strategies)
	}
	want := []string{retrieval.StrategyFulltext, retrieval.StrategyStructured}
	if len(calls[1].Strategies) != 2 || calls[1].Strategies[0] != want[0] || calls[1].Strategies[1] != want[1] {
		t.Errorf("retry strategies = %v, want %v", calls[1].Strategies, want)
	}
	if !strings.Contains(resp.Text, "open 9am") {
		t.Errorf("Text = %q, want the answer from the degraded retry", resp.Text)
	}
}

func TestObserveLoopBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubRetriever{}, nil)

	err := f.disp.Registry().Register("s1", dispatch.Definition{
		Name:       "search_products",
		Type:       dispatch.ActionAPI,
		SideEffect: dispatch.EffectRead,
		RiskLevel:  dispatch.RiskLow,
		Parameters: []dispatch.ParamSpec{{Name: "query", Type: "string"}},
	}, func(context.Context, map[string]any) (json.RawMessage, error) {
		return nil, errors.New("catalog backend unavailable")
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	resp, err := f.orch.Run(context.Background(), Turn{
		Principal: testPrincipal, SessionID: "sess-8", TurnID: "turn-1",
		Input: "find running shoes",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Metadata.Loops != DefaultMaxLoops {
		t.Errorf("Loops = %d, want capped at %d", resp.Metadata.Loops, DefaultMaxLoops)
	}
	if resp.Metadata.ToolsFailed != DefaultMaxLoops {
		t.Errorf("ToolsFailed = %d, want one failure per loop", resp.Metadata.ToolsFailed)
	}
}

func TestEndSessionDropsCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &stubRetriever{results: []retrieval.Result{hoursResult()}}, nil)

	ctx := context.Background()
	if _, err := f.orch.Run(ctx, Turn{
		Principal: testPrincipal, SessionID: "sess-9", TurnID: "turn-1",
		Input: "What are your opening hours?",
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := f.checks.Load(ctx, "sess-9"); err != nil {
		t.Fatalf("Load() after turn error = %v", err)
	}

	if err := f.orch.EndSession(ctx, "sess-9"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, err := f.checks.Load(ctx, "sess-9"); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Load() after EndSession = %v, want ErrNoCheckpoint", err)
	}
}

func TestExecuteTool(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	err := f.disp.Registry().Register("s1", dispatch.Definition{
		Name:       "add_to_cart",
		Type:       dispatch.ActionAPI,
		SideEffect: dispatch.EffectWrite,
		Parameters: []dispatch.ParamSpec{{Name: "sku", Type: "string", Required: true}},
	}, func(_ context.Context, params map[string]any) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"added": params["sku"]})
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	t.Run("runs the registered handler", func(t *testing.T) {
		out, err := f.orch.ExecuteTool(context.Background(), testPrincipal, "sess-t", "add_to_cart", `{"sku":"x1"}`)
		if err != nil {
			t.Fatalf("ExecuteTool() error = %v", err)
		}
		if !strings.Contains(out, `"added":"x1"`) {
			t.Errorf("result = %q, want handler output embedded", out)
		}
		if !strings.Contains(out, `"Success":true`) {
			t.Errorf("result = %q, want success outcome", out)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := f.orch.ExecuteTool(context.Background(), testPrincipal, "sess-t", "no_such_tool", "{}")
		if got := types.CodeOf(err); got != types.CodeActionNotFound {
			t.Errorf("error code = %q, want %q", got, types.CodeActionNotFound)
		}
	})

	t.Run("malformed arguments", func(t *testing.T) {
		_, err := f.orch.ExecuteTool(context.Background(), testPrincipal, "sess-t", "add_to_cart", "not json")
		if got := types.CodeOf(err); got != types.CodeValidationError {
			t.Errorf("error code = %q, want %q", got, types.CodeValidationError)
		}
	})
}

func TestExecuteToolBudget(t *testing.T) {
	t.Parallel()
	ledger := budget.NewLedger(budget.Config{
		Overrides: map[string]map[budget.Resource]budget.Budget{
			"t1": {budget.ResourceActions: {Limit: 1, Period: budget.PerHour}},
		},
	})
	f := newFixture(t, nil, ledger)

	if err := f.disp.Registry().Register("s1", dispatch.Definition{
		Name: "ping", Type: dispatch.ActionAPI,
	}, func(context.Context, map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := f.orch.ExecuteTool(context.Background(), testPrincipal, "sess-b", "ping", "{}"); err != nil {
		t.Fatalf("first ExecuteTool() error = %v", err)
	}
	_, err := f.orch.ExecuteTool(context.Background(), testPrincipal, "sess-b", "ping", "{}")
	if got := types.CodeOf(err); got != types.CodeBudgetExceeded {
		t.Errorf("error code = %q, want %q", got, types.CodeBudgetExceeded)
	}
}
