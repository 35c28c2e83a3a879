// Package dispatch validates and executes site-registered actions. Sites
// register action definitions (navigation, form fills, button presses, API
// calls); the orchestrator dispatches against them by name. Parameter
// validation runs before any handler, write and destructive actions can
// demand confirmation, and every execution lands in a per-site history ring.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// Transport specifies how an MCP tool server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ActionType classifies what an action does on the site.
type ActionType string

const (
	ActionNavigation ActionType = "navigation"
	ActionForm       ActionType = "form"
	ActionButton     ActionType = "button"
	ActionAPI        ActionType = "api"
	ActionCustom     ActionType = "custom"
)

// SideEffect classifies the blast radius of an action.
type SideEffect string

const (
	EffectSafe        SideEffect = "safe"
	EffectRead        SideEffect = "read"
	EffectWrite       SideEffect = "write"
	EffectDestructive SideEffect = "destructive"
)

// RiskLevel is the registration-declared risk of an action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParamSpec constrains one action parameter.
type ParamSpec struct {
	Name        string
	Type        string // "string", "number", "boolean"
	Description string
	Required    bool
	Enum        []string
	Min         *float64
	Max         *float64
}

// Definition is one registered action.
type Definition struct {
	Name        string
	Type        ActionType
	Description string
	Parameters  []ParamSpec

	// Selector is the DOM target for navigation/form/button actions.
	Selector string

	// RequiresConfirmation forces an explicit user confirmation before a
	// write or destructive execution.
	RequiresConfirmation bool

	SideEffect SideEffect
	RiskLevel  RiskLevel
	Category   string

	// EstimatedDurationMs feeds dry-run reports and planning deadlines.
	EstimatedDurationMs int64
}

// Handler executes an action's effect. Nil handlers are legal for
// navigation, form, button, and custom actions: the dispatcher synthesizes
// a UI directive the widget applies client-side.
//
// Write handlers are expected to append their domain event (for example
// cart.item_added) to the outbox as part of the write, so the event commits
// or rolls back with it.
type Handler func(ctx context.Context, params map[string]any) (json.RawMessage, error)

// Request asks the dispatcher to run one action.
type Request struct {
	Principal            types.Principal
	SessionID            string
	TurnID               string
	Action               string
	Parameters           map[string]any
	ConfirmationReceived bool
}

// Outcome is the result of one execution.
type Outcome struct {
	Success     bool
	Result      json.RawMessage
	Error       string
	DurationMs  int64
	SideEffects []string
}

// DryRunReport describes what an execution would do, without doing it.
type DryRunReport struct {
	Valid               bool
	Issues              []string
	EstimatedDurationMs int64
	SideEffects         []string
}

// ── Registry ────────────────────────────────────────────────────────────────

// entry pairs a definition with its handler.
type entry struct {
	def     Definition
	handler Handler
}

// Registry holds per-site action tables. Mutations build a fresh table and
// swap it in, so Snapshot and lookups never see a half-applied change and
// never block behind a writer.
type Registry struct {
	mu    sync.RWMutex
	sites map[string]map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sites: make(map[string]map[string]entry)}
}

// Register adds or replaces an action for the site.
func (r *Registry) Register(siteID string, def Definition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("dispatch: action definition requires a name")
	}
	if def.SideEffect == "" {
		def.SideEffect = EffectSafe
	}
	if def.RiskLevel == "" {
		def.RiskLevel = RiskLow
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]entry, len(r.sites[siteID])+1)
	for k, v := range r.sites[siteID] {
		next[k] = v
	}
	next[def.Name] = entry{def: def, handler: h}
	r.sites[siteID] = next
	return nil
}

// Unregister removes an action. Removing an unknown action is a no-op.
func (r *Registry) Unregister(siteID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sites[siteID]
	if !ok {
		return
	}
	if _, ok := cur[name]; !ok {
		return
	}
	next := make(map[string]entry, len(cur)-1)
	for k, v := range cur {
		if k != name {
			next[k] = v
		}
	}
	r.sites[siteID] = next
}

// Snapshot returns the site's definitions at this instant, name-keyed. The
// returned map must not be mutated.
func (r *Registry) Snapshot(siteID string) map[string]Definition {
	r.mu.RLock()
	cur := r.sites[siteID]
	r.mu.RUnlock()

	out := make(map[string]Definition, len(cur))
	for name, e := range cur {
		out[name] = e.def
	}
	return out
}

// lookup resolves (siteID, name) to its entry.
func (r *Registry) lookup(siteID, name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sites[siteID][name]
	return e, ok
}

// ── Dispatcher ──────────────────────────────────────────────────────────────

// DefaultHistorySize caps the per-site execution history.
const DefaultHistorySize = 1000

// DefaultActionTimeout bounds a handler invocation unless the definition
// estimates longer.
const DefaultActionTimeout = 2 * time.Second

// Dispatcher executes actions from a registry.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration

	mu      sync.Mutex
	history map[string]*historyRing

	historySize int

	// now is swappable in tests.
	now func() time.Time
}

// Options configure a [Dispatcher].
type Options struct {
	Registry *Registry
	// ActionTimeout bounds handler invocations. Default 2s.
	ActionTimeout time.Duration
	// HistorySize caps the per-site history ring. Default 1000.
	HistorySize int
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Dispatcher{
		registry:    opts.Registry,
		timeout:     opts.ActionTimeout,
		history:     make(map[string]*historyRing),
		historySize: opts.HistorySize,
		now:         time.Now,
	}
}

// Registry returns the backing registry for registration calls.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Execute validates and runs one action.
//
// Failures before execution return a typed error: ACTION_NOT_FOUND for
// unknown actions, VALIDATION_ERROR for bad parameters, and
// CONFIRMATION_REQUIRED when a guarded write lacks confirmation. Handler
// failures return an Outcome with Success=false and an ACTION_FAILED error.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Outcome, error) {
	e, ok := d.registry.lookup(req.Principal.SiteID, req.Action)
	if !ok {
		return Outcome{}, types.NewError(types.CodeActionNotFound,
			fmt.Sprintf("action %q is not registered for this site", req.Action))
	}

	if issues := validateParams(e.def, req.Parameters); len(issues) > 0 {
		return Outcome{}, types.NewError(types.CodeValidationError, strings.Join(issues, "; "))
	}

	if needsConfirmation(e.def) && !req.ConfirmationReceived {
		return Outcome{}, types.NewError(types.CodeConfirmationRequired,
			fmt.Sprintf("action %q requires user confirmation", req.Action))
	}

	timeout := d.timeout
	if est := time.Duration(e.def.EstimatedDurationMs) * time.Millisecond; est > timeout {
		timeout = est
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.now()
	result, err := d.invoke(ctx, e, req.Parameters)
	out := Outcome{
		Success:     err == nil,
		Result:      result,
		DurationMs:  d.now().Sub(start).Milliseconds(),
		SideEffects: sideEffects(e.def),
	}
	if err != nil {
		out.Error = err.Error()
	}

	d.record(req.Principal.SiteID, historyEntry{
		Ts:         start,
		SessionID:  req.SessionID,
		Action:     req.Action,
		Success:    out.Success,
		DurationMs: out.DurationMs,
		Error:      out.Error,
	})

	if err != nil {
		return out, types.WrapError(types.CodeActionFailed,
			fmt.Sprintf("action %q failed", req.Action), err)
	}
	return out, nil
}

// DryRun validates a request and reports what execution would do.
func (d *Dispatcher) DryRun(req Request) DryRunReport {
	e, ok := d.registry.lookup(req.Principal.SiteID, req.Action)
	if !ok {
		return DryRunReport{Issues: []string{fmt.Sprintf("action %q is not registered", req.Action)}}
	}

	report := DryRunReport{
		EstimatedDurationMs: e.def.EstimatedDurationMs,
		SideEffects:         sideEffects(e.def),
	}
	report.Issues = validateParams(e.def, req.Parameters)
	if needsConfirmation(e.def) && !req.ConfirmationReceived {
		report.Issues = append(report.Issues,
			fmt.Sprintf("action %q requires user confirmation", req.Action))
	}
	report.Valid = len(report.Issues) == 0
	return report
}

// invoke runs the handler, or synthesizes a UI directive when none is bound.
func (d *Dispatcher) invoke(ctx context.Context, e entry, params map[string]any) (json.RawMessage, error) {
	if e.handler != nil {
		return e.handler(ctx, params)
	}
	switch e.def.Type {
	case ActionNavigation, ActionForm, ActionButton, ActionCustom:
		return json.Marshal(uiDirective{
			Directive:  string(e.def.Type),
			Action:     e.def.Name,
			Selector:   e.def.Selector,
			Parameters: params,
		})
	default:
		return nil, fmt.Errorf("action %q has no bound handler", e.def.Name)
	}
}

// uiDirective is the synthesized result for selector-driven actions; the
// widget applies it in the browser.
type uiDirective struct {
	Directive  string         `json:"directive"`
	Action     string         `json:"action"`
	Selector   string         `json:"selector,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func needsConfirmation(def Definition) bool {
	return def.RequiresConfirmation &&
		(def.SideEffect == EffectWrite || def.SideEffect == EffectDestructive)
}

func sideEffects(def Definition) []string {
	if def.SideEffect == EffectSafe {
		return nil
	}
	return []string{string(def.SideEffect)}
}

// validateParams checks required, type, enum, and range constraints. It
// returns one issue per violation so callers can surface all of them.
func validateParams(def Definition, params map[string]any) []string {
	var issues []string
	for _, spec := range def.Parameters {
		val, present := params[spec.Name]
		if !present {
			if spec.Required {
				issues = append(issues, fmt.Sprintf("parameter %q is required", spec.Name))
			}
			continue
		}
		issues = append(issues, validateValue(spec, val)...)
	}
	return issues
}

func validateValue(spec ParamSpec, val any) []string {
	var issues []string
	switch spec.Type {
	case "number":
		n, ok := asFloat(val)
		if !ok {
			issues = append(issues, fmt.Sprintf("parameter %q must be a number", spec.Name))
			break
		}
		if spec.Min != nil && n < *spec.Min {
			issues = append(issues, fmt.Sprintf("parameter %q below minimum %s", spec.Name, trimFloat(*spec.Min)))
		}
		if spec.Max != nil && n > *spec.Max {
			issues = append(issues, fmt.Sprintf("parameter %q above maximum %s", spec.Name, trimFloat(*spec.Max)))
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			issues = append(issues, fmt.Sprintf("parameter %q must be a boolean", spec.Name))
		}
	default:
		s, ok := val.(string)
		if !ok {
			issues = append(issues, fmt.Sprintf("parameter %q must be a string", spec.Name))
			break
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			issues = append(issues, fmt.Sprintf("parameter %q must be one of %s", spec.Name, strings.Join(spec.Enum, ", ")))
		}
	}
	return issues
}

func asFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ── Execution history ───────────────────────────────────────────────────────

// historyEntry is one retained execution record.
type historyEntry struct {
	Ts         time.Time
	SessionID  string
	Action     string
	Success    bool
	DurationMs int64
	Error      string
}

// historyRing is a bounded per-site execution log.
type historyRing struct {
	entries []historyEntry
	head    int
	size    int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{entries: make([]historyEntry, capacity)}
}

func (r *historyRing) append(e historyEntry) {
	if r.size == len(r.entries) {
		r.entries[r.head] = e
		r.head = (r.head + 1) % len(r.entries)
		return
	}
	r.entries[(r.head+r.size)%len(r.entries)] = e
	r.size++
}

func (r *historyRing) all() []historyEntry {
	out := make([]historyEntry, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.entries[(r.head+i)%len(r.entries)])
	}
	return out
}

func (d *Dispatcher) record(siteID string, e historyEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ring, ok := d.history[siteID]
	if !ok {
		ring = newHistoryRing(d.historySize)
		d.history[siteID] = ring
	}
	ring.append(e)
}

// History returns the site's retained executions, oldest first.
func (d *Dispatcher) History(siteID string) []HistoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	ring, ok := d.history[siteID]
	if !ok {
		return nil
	}
	raw := ring.all()
	out := make([]HistoryEntry, len(raw))
	for i, e := range raw {
		out[i] = HistoryEntry(e)
	}
	return out
}

// HistoryEntry is one exported execution record.
type HistoryEntry struct {
	Ts         time.Time
	SessionID  string
	Action     string
	Success    bool
	DurationMs int64
	Error      string
}
