package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/analytics"
	"github.com/voxwire/voxwire/internal/budget"
	"github.com/voxwire/voxwire/internal/dispatch"
	"github.com/voxwire/voxwire/internal/guard"
	"github.com/voxwire/voxwire/internal/nlu"
	"github.com/voxwire/voxwire/internal/retrieval"
	"github.com/voxwire/voxwire/pkg/types"
)

// ── validateSecurity ────────────────────────────────────────────────────────

func (o *Orchestrator) validateSecurity(tc *turnCtx) node {
	verdict := o.guard.Validate(guard.Request{
		Principal: tc.turn.Principal,
		SessionID: tc.turn.SessionID,
		IP:        tc.turn.IP,
		Input:     tc.state.UserInput,
	})
	tc.risk = verdict.RiskLevel
	if !verdict.Allowed {
		tc.policyIssues = verdict.Issues
		code := types.CodeUnsafeInput
		for _, issue := range verdict.Issues {
			if strings.HasPrefix(issue, "rate limit") {
				code = types.CodeRateLimitExceeded
			}
		}
		tc.state.setError(code, strings.Join(verdict.Issues, "; "))
		return nodeFinalize
	}
	return nodeValidatePrivacy
}

// ── validatePrivacy ─────────────────────────────────────────────────────────

func (o *Orchestrator) validatePrivacy(tc *turnCtx) node {
	red := o.guard.Redact(tc.turn.Principal.TenantID, tc.state.UserInput)
	if red.HasPII {
		// OriginalInput keeps the verbatim text for the audit trail; every
		// downstream node sees only the redacted form.
		tc.state.UserInput = red.RedactedText
	}
	return nodeCheckResources
}

// ── checkResources ──────────────────────────────────────────────────────────

func (o *Orchestrator) checkResources(tc *turnCtx) node {
	tenant := tc.turn.Principal.TenantID

	tokens := budget.EstimateTokens(tc.state.UserInput)
	res, err := o.ledger.Reserve(tenant, budget.ResourceTokens, tokens)
	if err != nil {
		tc.state.setError(types.CodeBudgetExceeded, "token budget exhausted")
		return nodeFinalize
	}
	tc.tokenRes = res
	tc.state.ResourceUsage.TokensReserved = tokens

	act, err := o.ledger.Reserve(tenant, budget.ResourceActions, 1)
	if err != nil {
		res.Refund()
		tc.tokenRes = nil
		tc.state.setError(types.CodeBudgetExceeded, "action budget exhausted")
		return nodeFinalize
	}
	tc.actionRes = act
	tc.state.ResourceUsage.ActionsReserved = 1
	return nodeUnderstandIntent
}

// ── understandIntent ────────────────────────────────────────────────────────

func (o *Orchestrator) understandIntent(ctx context.Context, tc *turnCtx) node {
	ctx, cancel := context.WithTimeout(ctx, o.intentTimeout)
	defer cancel()

	frame, err := o.extractor.Extract(ctx, tc.state.UserInput, tc.turn.User)
	if err != nil {
		tc.state.setError(types.CodeValidationError, err.Error())
		return nodeFinalize
	}
	frame = nlu.Merge(tc.prior, frame)

	tc.state.SlotFrame = frame
	tc.state.Intent = string(frame.Intent)
	if tc.state.DetectedLanguage == "" {
		tc.state.DetectedLanguage = "en"
	}
	return nodeRetrieveKnowledge
}

// ── retrieveKnowledge ───────────────────────────────────────────────────────

func (o *Orchestrator) retrieveKnowledge(ctx context.Context, tc *turnCtx) node {
	if o.retrieval == nil {
		return nodeCheckClarification
	}
	ctx, cancel := context.WithTimeout(ctx, o.retrievalTimeout)
	defer cancel()

	q := retrieval.Query{
		Principal: tc.turn.Principal,
		Query:     o.searchQuery(tc.state),
		TopK:      5,
		Locale:    tc.turn.Principal.Locale,
	}
	if tc.disableVector {
		q.Strategies = []string{retrieval.StrategyFulltext, retrieval.StrategyStructured}
	}
	if frame := tc.state.SlotFrame; frame != nil {
		if v, ok := frame.Slots["category"]; ok {
			q.Filters = map[string]string{"category": v.Normalized}
		}
	}

	start := o.now()
	res, err := o.retrieval.Search(ctx, q)
	if err != nil {
		tc.state.setError(types.CodeProviderUnavailable, "knowledge retrieval failed")
		o.log.Warn("retrieval failed", "session", tc.turn.SessionID, "err", err)
		return nodeCheckClarification
	}

	tc.state.SearchResults = res.Items
	tc.state.SearchStrategies = res.Strategies.Executed
	tc.state.SearchCacheHit = res.CacheHit
	tc.state.SearchCombined = res.Fusion.CombinedCount
	tc.state.SearchTopScore = res.TopScore
	tc.state.SearchCount++

	if o.analytics != nil {
		o.analytics.SearchExecuted(ctx, tc.turn.Principal.TenantID, analytics.SearchExecuted{
			SessionID:     tc.turn.SessionID,
			TurnID:        tc.turn.TurnID,
			Strategies:    res.Strategies.Executed,
			TimedOut:      res.Strategies.TimedOut,
			ResultCount:   len(res.Items),
			CombinedCount: res.Fusion.CombinedCount,
			CacheHit:      res.CacheHit,
			DurationMs:    o.now().Sub(start).Milliseconds(),
		})
	}
	return nodeCheckClarification
}

// searchQuery concatenates the utterance with high-confidence slot raw
// forms, which pulls disambiguating terms into the retrieval query.
func (o *Orchestrator) searchQuery(state *TurnState) string {
	parts := []string{state.UserInput}
	if state.SlotFrame != nil {
		for _, name := range state.SlotFrame.ResolvedSlots {
			v := state.SlotFrame.Slots[name]
			if v.Confidence >= 0.7 && v.Raw != "" && !strings.Contains(state.UserInput, v.Raw) {
				parts = append(parts, v.Raw)
			}
		}
	}
	return strings.Join(parts, " ")
}

// ── checkClarification ──────────────────────────────────────────────────────

// safeDefaults are assumed silently instead of asking the user.
var safeDefaults = map[nlu.Intent]map[string]string{
	nlu.IntentBuyTickets:   {"quantity": "1"},
	nlu.IntentFindProducts: {"price": "any", "location": "anywhere"},
}

func (o *Orchestrator) checkClarification(tc *turnCtx) node {
	frame := tc.state.SlotFrame
	if frame == nil {
		return nodePlanFunctions
	}

	for slot, value := range safeDefaults[frame.Intent] {
		if _, ok := frame.Slots[slot]; !ok {
			frame.SetSlot(slot, nlu.SlotValue{
				Normalized: value,
				Confidence: 0.5,
				Source:     nlu.SourceDefault,
			})
		}
	}

	// After enough rounds the agent works with what it has rather than
	// interrogating the user.
	if tc.state.ClarificationRounds >= maxClarificationRounds {
		return nodePlanFunctions
	}
	if nlu.NextClarification(frame) != "" {
		tc.state.NeedsClarification = true
		return nodeAskClarification
	}
	tc.state.NeedsClarification = false
	return nodePlanFunctions
}

// ── askClarification ────────────────────────────────────────────────────────

var slotSuggestions = map[string][]string{
	"time":        {"today", "tomorrow", "this weekend"},
	"quantity":    {"1", "2", "4"},
	"location":    {"near me", "city center", "online"},
	"genre":       {"rock", "jazz", "comedy"},
	"category":    {"shoes", "clothing", "electronics"},
	"price":       {"under $50", "under $100", "any price"},
	"serviceType": {"haircut", "massage", "consultation"},
}

var slotQuestions = map[string]string{
	"time":        "When would you like that?",
	"quantity":    "How many do you need?",
	"location":    "Where should I look?",
	"genre":       "What kind of event are you interested in?",
	"category":    "What kind of product are you looking for?",
	"price":       "What price range works for you?",
	"serviceType": "Which service would you like to book?",
}

func (o *Orchestrator) askClarification(ctx context.Context, tc *turnCtx) node {
	slot := nlu.NextClarification(tc.state.SlotFrame)
	question, ok := slotQuestions[slot]
	if !ok {
		question = fmt.Sprintf("Could you tell me the %s?", slot)
	}

	tc.state.ClarificationRounds++
	tc.response = &Response{
		Intent:             tc.state.Intent,
		Text:               question,
		NeedsClarification: true,
		ClarificationSlot:  slot,
		Suggestions:        slotSuggestions[slot],
	}
	o.finishTurn(ctx, tc, true)
	return nodeEnd
}

// ── planFunctions ───────────────────────────────────────────────────────────

// intentActions lists candidate action names per intent, in execution
// order. Only actions registered for the site make it into the plan.
var intentActions = map[nlu.Intent][]string{
	nlu.IntentBuyTickets:   {"search_events", "add_to_cart", "checkout"},
	nlu.IntentBookService:  {"search_availability", "book_appointment"},
	nlu.IntentFindProducts: {"search_products", "filter_results"},
	nlu.IntentNavigation:   {"navigate_to"},
}

func (o *Orchestrator) planFunctions(tc *turnCtx) node {
	tc.state.Loops++
	if tc.state.Loops > o.maxLoops {
		tc.state.setError(types.CodeMaxLoopsExceeded, "plan loop budget exhausted")
		return nodeFinalize
	}

	frame := tc.state.SlotFrame
	intent := nlu.IntentGetInformation
	confidence := 0.3
	if frame != nil {
		intent = frame.Intent
		confidence = frame.Confidence
	}

	succeeded := make(map[string]bool)
	for _, tr := range tc.state.ToolResults {
		if tr.Success {
			succeeded[tr.ActionName] = true
		}
	}

	snapshot := o.dispatcher.Registry().Snapshot(tc.turn.Principal.SiteID)
	var plan []ActionPlanItem
	var prev string
	for _, name := range intentActions[intent] {
		def, ok := snapshot[name]
		if !ok || succeeded[name] {
			continue
		}
		params, complete := planParams(def, tc.state)
		if !complete {
			continue
		}

		risk := string(def.RiskLevel)
		if def.RiskLevel == dispatch.RiskLow && tc.risk == guard.RiskHigh {
			risk = string(dispatch.RiskMedium)
		}
		item := ActionPlanItem{
			ActionName: name,
			Parameters: params,
			Reasoning:  fmt.Sprintf("%s step for %s", name, intent),
			RiskLevel:  risk,
			Priority:   len(plan),
			Confidence: confidence,
		}
		if prev != "" {
			item.DependsOn = []string{prev}
		}
		plan = append(plan, item)
		prev = name

		if requiresConfirmation(def) || def.RiskLevel == dispatch.RiskHigh {
			if !tc.state.ConfirmationReceived {
				tc.state.NeedsConfirmation = true
			}
		}
	}
	tc.state.ActionPlan = plan
	return nodeExecuteSpeculative
}

// planParams fills an action's declared parameters from the turn. The
// second return is false when a required parameter has no source, which
// drops the item from the plan instead of guaranteeing a validation error.
func planParams(def dispatch.Definition, state *TurnState) (map[string]any, bool) {
	params := make(map[string]any)
	for _, p := range def.Parameters {
		if p.Name == "query" {
			params["query"] = state.UserInput
			continue
		}
		if state.SlotFrame != nil {
			if v, ok := state.SlotFrame.Slots[p.Name]; ok {
				params[p.Name] = v.Normalized
				continue
			}
		}
		if p.Required {
			return nil, false
		}
	}
	return params, true
}

func requiresConfirmation(def dispatch.Definition) bool {
	return def.RequiresConfirmation &&
		(def.SideEffect == dispatch.EffectWrite || def.SideEffect == dispatch.EffectDestructive)
}

// ── executeSpeculative ──────────────────────────────────────────────────────

// speculativePrefixes mark action families that are side-effect-free by
// convention and safe to launch before confirmation.
var speculativePrefixes = []string{
	"navigate_", "search_", "filter_", "sort_", "view_", "preview_", "load_",
}

func speculativeName(name string) bool {
	for _, p := range speculativePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) executeSpeculative(ctx context.Context, tc *turnCtx) node {
	next := nodeExecuteFunctions
	if tc.state.NeedsConfirmation && !tc.state.ConfirmationReceived {
		next = nodeConfirmActions
	}
	if !o.speculative || next == nodeExecuteFunctions {
		// Nothing to front-run when the plan executes for real immediately.
		return next
	}

	snapshot := o.dispatcher.Registry().Snapshot(tc.turn.Principal.SiteID)
	var launch []ActionPlanItem
	for _, item := range tc.state.ActionPlan {
		def, ok := snapshot[item.ActionName]
		if !ok || !speculativeName(item.ActionName) || item.Confidence < 0.6 {
			continue
		}
		if def.SideEffect != dispatch.EffectSafe && def.SideEffect != dispatch.EffectRead {
			continue
		}
		if requiresConfirmation(def) {
			continue
		}
		if _, done := tc.state.SpeculativeResults[item.ActionName]; done {
			continue
		}
		// Speculative work still reserves its action credit; the credit is
		// refunded when the result is discarded.
		res, err := o.ledger.Reserve(tc.turn.Principal.TenantID, budget.ResourceActions, 1)
		if err != nil {
			continue
		}
		tc.specRes[item.ActionName] = res
		launch = append(launch, item)
	}
	if len(launch) == 0 {
		return next
	}

	if tc.state.SpeculativeResults == nil {
		tc.state.SpeculativeResults = make(map[string]ToolResult)
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range launch {
		g.Go(func() error {
			out, _ := o.dispatcher.Execute(gctx, dispatch.Request{
				Principal:  tc.turn.Principal,
				SessionID:  tc.turn.SessionID,
				TurnID:     tc.turn.TurnID,
				Action:     item.ActionName,
				Parameters: item.Parameters,
			})
			mu.Lock()
			tc.state.SpeculativeResults[item.ActionName] = ToolResult{
				ActionName:  item.ActionName,
				Success:     out.Success,
				Result:      out.Result,
				Error:       out.Error,
				DurationMs:  out.DurationMs,
				Speculative: true,
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return next
}

// ── confirmActions ──────────────────────────────────────────────────────────

func (o *Orchestrator) confirmActions(ctx context.Context, tc *turnCtx) node {
	var pending []string
	for _, item := range tc.state.ActionPlan {
		pending = append(pending, item.ActionName)
	}

	tc.response = &Response{
		Intent: tc.state.Intent,
		Text: fmt.Sprintf("Before I go ahead, please confirm: %s. Should I proceed?",
			strings.Join(pending, ", ")),
		NeedsConfirmation: true,
		PendingActions:    pending,
	}
	o.finishTurn(ctx, tc, true)
	return nodeEnd
}

// ── executeFunctions ────────────────────────────────────────────────────────

func (o *Orchestrator) executeFunctions(ctx context.Context, tc *turnCtx) node {
	// A turn resumed at this node after confirmation never passed
	// checkResources, so the action credit is reserved lazily.
	if tc.actionRes == nil {
		res, err := o.ledger.Reserve(tc.turn.Principal.TenantID, budget.ResourceActions, 1)
		if err != nil {
			tc.state.setError(types.CodeBudgetExceeded, "action budget exhausted")
			return nodeFinalize
		}
		tc.actionRes = res
		tc.state.ResourceUsage.ActionsReserved++
	}

	status := make(map[string]bool) // action → succeeded
	for _, tr := range tc.state.ToolResults {
		status[tr.ActionName] = tr.Success
	}

	for _, item := range tc.state.ActionPlan {
		blocked := false
		for _, dep := range item.DependsOn {
			if !status[dep] {
				blocked = true
			}
		}
		if blocked {
			tc.state.ToolResults = append(tc.state.ToolResults, ToolResult{
				ActionName: item.ActionName,
				Error:      "dependency not satisfied",
			})
			continue
		}

		// Adopt the shadow result when the confirmed plan still contains
		// the action.
		if sr, ok := tc.state.SpeculativeResults[item.ActionName]; ok {
			delete(tc.state.SpeculativeResults, item.ActionName)
			if tc.adopted == nil {
				tc.adopted = make(map[string]bool)
			}
			tc.adopted[item.ActionName] = true
			tc.state.ToolResults = append(tc.state.ToolResults, sr)
			status[item.ActionName] = sr.Success
			o.emitTool(ctx, tc, sr)
			continue
		}

		out, err := o.dispatcher.Execute(ctx, dispatch.Request{
			Principal:            tc.turn.Principal,
			SessionID:            tc.turn.SessionID,
			TurnID:               tc.turn.TurnID,
			Action:               item.ActionName,
			Parameters:           item.Parameters,
			ConfirmationReceived: tc.state.ConfirmationReceived,
		})
		tr := ToolResult{
			ActionName: item.ActionName,
			Success:    out.Success,
			Result:     out.Result,
			Error:      out.Error,
			DurationMs: out.DurationMs,
		}
		if err != nil && tr.Error == "" {
			tr.Error = err.Error()
		}
		tc.state.ToolResults = append(tc.state.ToolResults, tr)
		status[item.ActionName] = tr.Success
		o.emitTool(ctx, tc, tr)

		if !tr.Success && item.Critical {
			tc.state.setError(types.CodeActionFailed,
				fmt.Sprintf("critical action %s failed", item.ActionName))
			break
		}
	}

	tc.state.ActionPlan = nil
	return nodeObserveResults
}

func (o *Orchestrator) emitTool(ctx context.Context, tc *turnCtx, tr ToolResult) {
	if o.analytics == nil {
		return
	}
	ev := analytics.ToolExecuted{
		SessionID:  tc.turn.SessionID,
		TurnID:     tc.turn.TurnID,
		ToolName:   tr.ActionName,
		Success:    tr.Success,
		DurationMs: tr.DurationMs,
	}
	if !tr.Success {
		ev.ErrorCode = string(types.CodeActionFailed)
	}
	o.analytics.ToolExecuted(ctx, tc.turn.Principal.TenantID, ev)
}

// ── observeResults ──────────────────────────────────────────────────────────

// transactionalActions complete a task by themselves.
var transactionalActions = []string{"purchase", "book", "add_to_cart", "checkout"}

func (o *Orchestrator) observeResults(tc *turnCtx) node {
	state := tc.state

	// (a) Informational intent answered by a strong consensus result.
	if state.Intent == string(nlu.IntentGetInformation) && state.SearchTopScore >= 0.7 {
		return nodeFinalize
	}
	// (b) A transactional tool succeeded.
	for _, tr := range state.ToolResults {
		if !tr.Success {
			continue
		}
		for _, name := range transactionalActions {
			if strings.Contains(tr.ActionName, name) {
				return nodeFinalize
			}
		}
	}
	// (c) The plan ran dry without a trailing failure.
	if len(state.ActionPlan) == 0 {
		if n := len(state.ToolResults); n == 0 || state.ToolResults[n-1].Success {
			return nodeFinalize
		}
	}
	// (d) Tool results are piling up.
	if len(state.ToolResults) >= 10 {
		return nodeFinalize
	}

	if state.Loops >= o.maxLoops {
		return nodeFinalize
	}
	return nodePlanFunctions
}

// ── handleError ─────────────────────────────────────────────────────────────

// Recovery strategies.
const (
	strategyRetry          = "retry"
	strategySwitchProvider = "switch_provider"
	strategyRelax          = "relax_constraints"
	strategyAskForHelp     = "ask_for_help"
)

func (o *Orchestrator) handleError(tc *turnCtx) node {
	state := tc.state
	state.ErrorRecoveryAttempted = true
	if state.Error == nil {
		return nodeFinalize
	}

	var strategy string
	switch state.Error.Code {
	case types.CodeProviderTimeout, types.CodeActionFailed:
		strategy = strategyRetry
	case types.CodeProviderUnavailable:
		strategy = strategySwitchProvider
	case types.CodeValidationError, types.CodePlanInvalid:
		strategy = strategyRelax
	default:
		strategy = strategyAskForHelp
	}
	state.ErrorRecoveryStrategy = strategy
	o.log.Info("error recovery",
		"session", tc.turn.SessionID,
		"code", state.Error.Code,
		"strategy", strategy,
		"node", tc.failedNode)

	switch strategy {
	case strategyRetry:
		state.Error = nil
		if tc.failedNode == "" {
			return nodeFinalize
		}
		return tc.failedNode
	case strategySwitchProvider:
		// Degrade retrieval to the lexical strategies and try again.
		state.Error = nil
		tc.disableVector = true
		return nodeRetrieveKnowledge
	case strategyRelax:
		state.Error = nil
		if frame := state.SlotFrame; frame != nil {
			for name, v := range frame.Slots {
				if v.NeedsConfirmation || v.Source == nlu.SourceInference {
					delete(frame.Slots, name)
				}
			}
			nlu.Merge(nil, frame)
		}
		return nodePlanFunctions
	default:
		return nodeFinalize
	}
}

// ── finalize ────────────────────────────────────────────────────────────────

func (o *Orchestrator) finalize(ctx context.Context, tc *turnCtx) node {
	state := tc.state
	resp := &Response{}

	switch {
	case len(tc.policyIssues) > 0:
		resp.Text = "I can't help with that request."
		if state.Error != nil {
			resp.ErrorCode = state.Error.Code
		}
	case state.Error != nil:
		resp.ErrorCode = state.Error.Code
		resp.Text = errorText(state.Error.Code)
	default:
		resp.Text = o.successText(state)
	}

	if resp.ErrorCode == "" {
		for _, item := range state.SearchResults {
			if len(resp.Citations) == 3 {
				break
			}
			resp.Citations = append(resp.Citations, Citation{
				Title: item.Title, URL: item.URL, Score: item.Score,
			})
		}
		resp.UIHints = uiHints(state)
	}

	toolsFailed := 0
	for _, tr := range state.ToolResults {
		if !tr.Success {
			toolsFailed++
		}
	}
	resp.Metadata = ResponseMetadata{
		ProcessingMs:     o.now().Sub(state.StartedAt).Milliseconds(),
		Loops:            state.Loops,
		ToolsExecuted:    len(state.ToolResults),
		ToolsFailed:      toolsFailed,
		SearchesExecuted: state.SearchCount,
		SpeculativeUsed:  len(tc.adopted) > 0,
	}
	state.Messages = append(state.Messages, Message{Role: "assistant", Content: resp.Text})

	resp.Intent = state.Intent
	tc.response = resp
	o.finishTurn(ctx, tc, state.Error == nil && len(tc.policyIssues) == 0)
	return nodeEnd
}

func errorText(code types.ErrorCode) string {
	switch code {
	case types.CodeBudgetExceeded:
		return "You've reached your usage limit for now. Please try again later."
	case types.CodeMaxLoopsExceeded:
		return "I made some progress but couldn't finish everything. Could you rephrase or narrow the request?"
	case types.CodeProviderTimeout:
		return "That took longer than expected. Please try again."
	case types.CodeRateLimitExceeded:
		return "You're sending requests a little too quickly. Give it a moment."
	default:
		return "Something went wrong handling that. Please try again."
	}
}

func (o *Orchestrator) successText(state *TurnState) string {
	var executed []string
	for _, tr := range state.ToolResults {
		if tr.Success {
			executed = append(executed, strings.ReplaceAll(tr.ActionName, "_", " "))
		}
	}
	if len(executed) > 0 {
		return fmt.Sprintf("Done — I've completed: %s.", strings.Join(executed, ", "))
	}
	if len(state.SearchResults) > 0 {
		top := state.SearchResults[0]
		answer := top.Snippet
		if answer == "" {
			answer = top.Content
		}
		return "Here's what I found: " + answer
	}
	if state.Intent == string(nlu.IntentGetInformation) {
		return "I couldn't find anything about that on this site."
	}
	return "I wasn't able to complete that — could you give me a bit more detail?"
}

// uiHints converts synthesized UI directives in tool results into response
// hints, so the widget can mirror the spoken answer on the page.
func uiHints(state *TurnState) []UIHint {
	var hints []UIHint
	for _, tr := range state.ToolResults {
		if !tr.Success || len(tr.Result) == 0 {
			continue
		}
		var d struct {
			Directive  string         `json:"directive"`
			Selector   string         `json:"selector"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.Unmarshal(tr.Result, &d); err != nil || d.Directive == "" {
			continue
		}
		hints = append(hints, UIHint{
			Type:     d.Directive,
			Selector: d.Selector,
			Params:   d.Parameters,
		})
	}
	return hints
}

// finishTurn settles reservations and emits the per-turn analytics event.
// committed says whether the turn's reserved resources were actually spent.
func (o *Orchestrator) finishTurn(ctx context.Context, tc *turnCtx, committed bool) {
	state := tc.state

	if tc.tokenRes != nil {
		if committed {
			tc.tokenRes.Commit()
		} else {
			tc.tokenRes.Refund()
		}
	}
	if tc.actionRes != nil {
		if committed && len(state.ToolResults) > 0 {
			tc.actionRes.Commit()
		} else {
			tc.actionRes.Refund()
		}
	}
	for name, res := range tc.specRes {
		if tc.adopted[name] {
			res.Commit()
		} else {
			res.Refund()
		}
	}

	if o.analytics == nil {
		return
	}
	ev := analytics.TurnCompleted{
		SessionID:           state.SessionID,
		TurnID:              state.TurnID,
		Intent:              state.Intent,
		ClarificationRounds: state.ClarificationRounds,
		ConfirmationAsked:   state.NeedsConfirmation || state.ConfirmationReceived,
		ConfirmationGiven:   state.ConfirmationReceived,
		SearchesExecuted:    state.SearchCount,
		DurationMs:          o.now().Sub(state.StartedAt).Milliseconds(),
		TokensUsed:          state.ResourceUsage.TokensReserved,
	}
	if frame := state.SlotFrame; frame != nil {
		ev.IntentConfidence = frame.Confidence
		ev.SlotsFilled = len(frame.ResolvedSlots)
		ev.SlotsMissing = len(frame.MissingSlots)
	}
	for _, tr := range state.ToolResults {
		ev.ToolsExecuted++
		if !tr.Success {
			ev.ToolsFailed++
		}
	}
	if state.Error != nil {
		ev.ErrorCode = string(state.Error.Code)
	}
	o.analytics.TurnCompleted(ctx, tc.turn.Principal.TenantID, ev)
}
