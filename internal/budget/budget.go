// Package budget tracks and enforces per-tenant resource budgets: model
// tokens, site actions, and provider API calls.
//
// Budgets are reserved optimistically before work starts and either committed
// on success or refunded on failure, so a crashed turn never strands
// allowance. All accounting is in-process and serialized per
// (tenant, resource) key; the gateway and orchestrator share one [Ledger].
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// Resource names a budgeted resource type.
type Resource string

const (
	ResourceTokens   Resource = "tokens"
	ResourceActions  Resource = "actions"
	ResourceAPICalls Resource = "api_calls"
)

// Period is the reset cadence of a budget window.
type Period string

const (
	PerMinute Period = "minute"
	PerHour   Period = "hour"
	PerDay    Period = "day"
	PerMonth  Period = "month"
)

// Budget is one allowance: Limit units per Period. A zero Limit means
// unlimited.
type Budget struct {
	Limit  int
	Period Period
}

// DefaultBudgets are the production defaults: 200k tokens per month and 1000
// actions per hour per tenant.
var DefaultBudgets = map[Resource]Budget{
	ResourceTokens:   {Limit: 200_000, Period: PerMonth},
	ResourceActions:  {Limit: 1000, Period: PerHour},
	ResourceAPICalls: {Limit: 600, Period: PerMinute},
}

// Availability reports the state of one budget window.
type Availability struct {
	Allowed   bool
	Budget    int
	Remaining int
	ResetAt   time.Time
}

// Config holds the ledger's budget table.
type Config struct {
	// Defaults apply to every tenant without an override. Nil selects
	// [DefaultBudgets].
	Defaults map[Resource]Budget

	// Overrides replace individual budgets per tenant ID.
	Overrides map[string]map[Resource]Budget
}

// account is one (tenant, resource) window. reserved holds optimistic
// reservations not yet committed or refunded.
type account struct {
	committed   int
	reserved    int
	windowStart time.Time
}

// Ledger is the budget service. Safe for concurrent use; operations on the
// same key are serialized by the ledger mutex.
type Ledger struct {
	cfg Config

	mu       sync.Mutex
	accounts map[string]*account

	// now is swappable in tests.
	now func() time.Time
}

// NewLedger creates a ledger from cfg.
func NewLedger(cfg Config) *Ledger {
	if cfg.Defaults == nil {
		cfg.Defaults = DefaultBudgets
	}
	return &Ledger{
		cfg:      cfg,
		accounts: make(map[string]*account),
		now:      time.Now,
	}
}

// budgetFor resolves the effective budget for (tenant, resource).
func (l *Ledger) budgetFor(tenantID string, r Resource) Budget {
	if per, ok := l.cfg.Overrides[tenantID]; ok {
		if b, ok := per[r]; ok {
			return b
		}
	}
	return l.cfg.Defaults[r]
}

// Reserve atomically sets aside n units. The returned reservation must be
// resolved with exactly one of Commit or Refund. Exhaustion returns an error
// carrying [types.CodeBudgetExceeded].
func (l *Ledger) Reserve(tenantID string, r Resource, n int) (*Reservation, error) {
	if n < 0 {
		return nil, fmt.Errorf("budget: negative reservation %d", n)
	}
	b := l.budgetFor(tenantID, r)

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, resetAt := l.accountFor(tenantID, r, b)
	if b.Limit > 0 && acct.committed+acct.reserved+n > b.Limit {
		return nil, types.NewError(types.CodeBudgetExceeded,
			fmt.Sprintf("%s budget exhausted for tenant %s (resets %s)", r, tenantID, resetAt.Format(time.RFC3339)))
	}
	acct.reserved += n

	return &Reservation{ledger: l, tenantID: tenantID, resource: r, amount: n}, nil
}

// CheckAvailability reports the budget window state without consuming
// anything.
func (l *Ledger) CheckAvailability(tenantID string, r Resource) Availability {
	b := l.budgetFor(tenantID, r)

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, resetAt := l.accountFor(tenantID, r, b)
	if b.Limit <= 0 {
		return Availability{Allowed: true, Budget: 0, Remaining: -1, ResetAt: resetAt}
	}
	remaining := b.Limit - acct.committed - acct.reserved
	if remaining < 0 {
		remaining = 0
	}
	return Availability{
		Allowed:   remaining > 0,
		Budget:    b.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// accountFor returns the live account for the key, rolling the window when it
// has expired. Must be called with mu held.
func (l *Ledger) accountFor(tenantID string, r Resource, b Budget) (*account, time.Time) {
	key := tenantID + "/" + string(r)
	now := l.now()
	start := windowStart(now, b.Period)

	acct, ok := l.accounts[key]
	if !ok || acct.windowStart.Before(start) {
		// Reservations in flight across a window boundary stay accounted in
		// the old window; the new window starts clean.
		acct = &account{windowStart: start}
		l.accounts[key] = acct
	}
	return acct, windowEnd(start, b.Period)
}

// resolve moves amount out of reserved and, when commit is set, into
// committed.
func (l *Ledger) resolve(tenantID string, r Resource, amount int, commit bool) {
	key := tenantID + "/" + string(r)

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[key]
	if !ok {
		return // window rolled over; nothing to return to
	}
	acct.reserved -= amount
	if acct.reserved < 0 {
		acct.reserved = 0
	}
	if commit {
		acct.committed += amount
	}
}

// Reservation is one in-flight budget hold.
type Reservation struct {
	ledger   *Ledger
	tenantID string
	resource Resource
	amount   int
	once     sync.Once
}

// Amount returns the reserved unit count.
func (r *Reservation) Amount() int { return r.amount }

// Commit converts the hold into consumed budget. Idempotent with Refund: the
// first resolution wins.
func (r *Reservation) Commit() {
	r.once.Do(func() { r.ledger.resolve(r.tenantID, r.resource, r.amount, true) })
}

// Refund returns the hold to the window unconsumed.
func (r *Reservation) Refund() {
	r.once.Do(func() { r.ledger.resolve(r.tenantID, r.resource, r.amount, false) })
}

// windowStart aligns t to the start of its budget window.
func windowStart(t time.Time, p Period) time.Time {
	switch p {
	case PerMinute:
		return t.Truncate(time.Minute)
	case PerHour:
		return t.Truncate(time.Hour)
	case PerDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case PerMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return t.Truncate(time.Hour)
	}
}

// windowEnd returns the first instant of the next window.
func windowEnd(start time.Time, p Period) time.Time {
	switch p {
	case PerMinute:
		return start.Add(time.Minute)
	case PerHour:
		return start.Add(time.Hour)
	case PerDay:
		return start.AddDate(0, 0, 1)
	case PerMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start.Add(time.Hour)
	}
}

// EstimateTokens is the turn-level token estimate: ⌈chars/3.5⌉ plus a fixed
// overhead for the system prompt and tool schemas.
func EstimateTokens(input string) int {
	return (len(input)*2+6)/7 + 800
}
