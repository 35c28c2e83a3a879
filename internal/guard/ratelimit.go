package guard

import (
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// Limits sets the per-minute allowance for each rate-limit scope. Zero
// disables a scope.
type Limits struct {
	TenantPerMinute  int
	UserPerMinute    int
	IPPerMinute      int
	SessionPerMinute int
}

// DefaultLimits are the production defaults.
var DefaultLimits = Limits{
	TenantPerMinute:  1000,
	UserPerMinute:    100,
	IPPerMinute:      50,
	SessionPerMinute: 30,
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool

	// Scope names the scope that rejected, or the most constrained scope on
	// success ("tenant", "user", "ip", "session").
	Scope string

	// Remaining is the allowance left in the current minute for Scope.
	Remaining int

	// ResetAt is the start of the next minute window.
	ResetAt time.Time
}

// bucket is one minute-aligned counter.
type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter enforces minute-aligned rate buckets per scope key. A background
// sweep removes expired buckets so idle keys do not accumulate.
//
// Safe for concurrent use.
type Limiter struct {
	limits Limits

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once

	// now is swappable in tests.
	now func() time.Time
}

// sweepInterval is how often expired buckets are garbage-collected.
const sweepInterval = 5 * time.Minute

// NewLimiter creates a Limiter and starts its sweep goroutine. Call
// [Limiter.Close] to stop it.
func NewLimiter(limits Limits) *Limiter {
	l := &Limiter{
		limits:  limits,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.sweep()
	return l
}

// Close stops the sweep goroutine. Idempotent.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow atomically increments every applicable scope bucket and returns the
// combined decision. Scopes are checked from broadest to narrowest; the first
// exhausted scope rejects. Scopes with an empty key or a zero limit are
// skipped.
func (l *Limiter) Allow(p types.Principal, sessionID, ip string) Decision {
	type scope struct {
		name  string
		key   string
		limit int
	}
	scopes := []scope{
		{"tenant", "tenant:" + p.TenantID, l.limits.TenantPerMinute},
		{"user", "user:" + p.UserID, l.limits.UserPerMinute},
		{"ip", "ip:" + ip, l.limits.IPPerMinute},
		{"session", "session:" + sessionID, l.limits.SessionPerMinute},
	}

	now := l.now()
	windowStart := now.Truncate(time.Minute)
	resetAt := windowStart.Add(time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Pass 1: find a rejection before consuming anything, so a rejected
	// message does not burn allowance in the other scopes.
	best := Decision{Allowed: true, Remaining: -1, ResetAt: resetAt}
	for _, s := range scopes {
		if s.limit <= 0 || s.key == s.name+":" {
			continue
		}
		b := l.bucketFor(s.key, windowStart, resetAt)
		if b.count >= s.limit {
			return Decision{Allowed: false, Scope: s.name, Remaining: 0, ResetAt: b.resetAt}
		}
	}

	// Pass 2: consume one unit in every scope and report the tightest one.
	for _, s := range scopes {
		if s.limit <= 0 || s.key == s.name+":" {
			continue
		}
		b := l.bucketFor(s.key, windowStart, resetAt)
		b.count++
		remaining := s.limit - b.count
		if best.Remaining < 0 || remaining < best.Remaining {
			best.Scope = s.name
			best.Remaining = remaining
			best.ResetAt = b.resetAt
		}
	}
	if best.Remaining < 0 {
		best.Remaining = 0 // all scopes disabled
	}
	return best
}

// bucketFor returns the live bucket for key, rolling the window if it has
// expired. Must be called with mu held.
func (l *Limiter) bucketFor(key string, windowStart, resetAt time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok || !b.resetAt.After(windowStart) {
		b = &bucket{resetAt: resetAt}
		l.buckets[key] = b
	}
	return b
}

// sweep drops buckets whose window has long expired.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.resetAt.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
