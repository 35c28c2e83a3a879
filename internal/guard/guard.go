// Package guard implements the inbound safety pipeline: origin checks,
// per-scope rate limits, injection detection, PII redaction, and the privacy
// audit trail.
//
// The [Guard] sits in front of every orchestrator turn. [Guard.Validate] runs
// the full pipeline over a request and returns a [Verdict]; the individual
// checks are also exposed for callers that need only one of them (the gateway
// applies [Guard.Allow] per WebSocket message, [Guard.CheckOrigin] on
// upgrade).
package guard

import (
	"fmt"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// PIIMode selects how detected PII is handled: redact it (default), block
// the request outright, or skip detection entirely.
type PIIMode string

const (
	PIIRedact PIIMode = "redact"
	PIIBlock  PIIMode = "block"
	PIIOff    PIIMode = "off"
)

// Risk classifies how dangerous a request looks.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Request is the input to [Guard.Validate].
type Request struct {
	Principal types.Principal

	// SessionID scopes the per-session rate limit.
	SessionID string

	// IP is the client address, used for the per-IP rate limit. Optional.
	IP string

	// Input is the raw user text under inspection.
	Input string

	// Parameters are action parameters to sanitize alongside Input. Optional.
	Parameters map[string]string
}

// RateLimitState reports the outcome of the rate-limit check for the most
// constrained scope.
type RateLimitState struct {
	Remaining int
	ResetAt   time.Time
}

// Verdict is the outcome of the full validation pipeline.
type Verdict struct {
	Allowed   bool
	RiskLevel Risk

	// Issues lists human-readable findings. Non-empty iff something matched.
	Issues []string

	// Sanitized carries the PII-redacted input and parameters. Only set when
	// redaction changed something.
	Sanitized map[string]string

	RateLimit RateLimitState
}

// Config tunes the guard.
type Config struct {
	// Development permits localhost origins.
	Development bool

	// AllowedOrigins is the HTTPS origin allowlist. Entries may carry a
	// leading "*." to match one subdomain label.
	AllowedOrigins []string

	// Limits configures the per-minute rate buckets. Zero fields disable the
	// corresponding scope.
	Limits Limits

	// PII selects the PII handling mode. Empty means [PIIRedact].
	PII PIIMode

	// AuditSize caps the privacy audit ring. Default 1000.
	AuditSize int
}

// Guard is the assembled safety pipeline. Safe for concurrent use.
type Guard struct {
	cfg      Config
	limiter  *Limiter
	detector *PIIDetector
	audit    *AuditRing
}

// New assembles a Guard from cfg.
func New(cfg Config) *Guard {
	if cfg.AuditSize <= 0 {
		cfg.AuditSize = DefaultAuditSize
	}
	return &Guard{
		cfg:      cfg,
		limiter:  NewLimiter(cfg.Limits),
		detector: NewPIIDetector(),
		audit:    NewAuditRing(cfg.AuditSize),
	}
}

// Close stops the limiter's sweep goroutine.
func (g *Guard) Close() error {
	g.limiter.Close()
	return nil
}

// Validate runs rate limiting, injection detection, and PII redaction over
// req. The verdict's Allowed is false when any error-class check fires; PII
// alone never blocks — it redacts.
func (g *Guard) Validate(req Request) Verdict {
	v := Verdict{Allowed: true, RiskLevel: RiskLow}

	// 1. Rate limits — cheapest check first, and a rejection here must not
	// spend work on the rest of the pipeline.
	decision := g.Allow(req.Principal, req.SessionID, req.IP)
	v.RateLimit = RateLimitState{Remaining: decision.Remaining, ResetAt: decision.ResetAt}
	if !decision.Allowed {
		v.Allowed = false
		v.RiskLevel = RiskMedium
		v.Issues = append(v.Issues, fmt.Sprintf("rate limit exceeded for scope %s", decision.Scope))
		return v
	}

	// 2. Injection families over input and parameters.
	inspect := func(label, s string) {
		for _, hit := range DetectInjection(s) {
			v.Allowed = false
			v.RiskLevel = RiskHigh
			v.Issues = append(v.Issues, fmt.Sprintf("%s: %s pattern detected", label, hit))
		}
	}
	inspect("input", req.Input)
	for name, val := range req.Parameters {
		inspect("parameter "+name, val)
	}
	if !v.Allowed {
		return v
	}

	// 3. PII handling. In redact mode detection raises risk to medium but
	// never blocks; block mode rejects the request instead.
	if g.cfg.PII == PIIOff {
		return v
	}
	red := g.Redact(req.Principal.TenantID, req.Input)
	if red.HasPII {
		if g.cfg.PII == PIIBlock {
			v.Allowed = false
			v.RiskLevel = RiskHigh
			v.Issues = append(v.Issues, fmt.Sprintf("pii detected: %v", red.DetectedTypes))
			return v
		}
		v.RiskLevel = maxRisk(v.RiskLevel, RiskMedium)
		v.Sanitized = map[string]string{"input": red.RedactedText}
		v.Issues = append(v.Issues, fmt.Sprintf("pii detected: %v", red.DetectedTypes))
	}
	for name, val := range req.Parameters {
		pr := g.Redact(req.Principal.TenantID, val)
		if pr.HasPII {
			if g.cfg.PII == PIIBlock {
				v.Allowed = false
				v.RiskLevel = RiskHigh
				v.Issues = append(v.Issues, fmt.Sprintf("pii detected in parameter %s", name))
				return v
			}
			v.RiskLevel = maxRisk(v.RiskLevel, RiskMedium)
			if v.Sanitized == nil {
				v.Sanitized = map[string]string{}
			}
			v.Sanitized[name] = pr.RedactedText
		}
	}

	return v
}

// Allow checks every applicable rate-limit scope for one inbound message and
// returns the first rejection, or the most constrained allowance.
func (g *Guard) Allow(p types.Principal, sessionID, ip string) Decision {
	return g.limiter.Allow(p, sessionID, ip)
}

// CheckOrigin validates a WebSocket upgrade Origin header. See origin.go for
// the rules. Returns an error carrying [types.CodeOriginRejected] on failure.
func (g *Guard) CheckOrigin(origin string) error {
	if originAllowed(origin, g.cfg.AllowedOrigins, g.cfg.Development) {
		return nil
	}
	return types.NewError(types.CodeOriginRejected, fmt.Sprintf("origin %q not allowed", origin))
}

// Redact detects and redacts PII in content, recording an audit entry per
// detection. A no-op when the guard runs with PII handling off.
func (g *Guard) Redact(tenantID, content string) Redaction {
	if g.cfg.PII == PIIOff {
		return Redaction{RedactedText: content}
	}
	red := g.detector.Redact(content)
	if red.HasPII {
		g.audit.Append(AuditEntry{
			Ts:       time.Now(),
			Action:   AuditPIIDetected,
			TenantID: tenantID,
			Details:  fmt.Sprintf("types=%v", red.DetectedTypes),
		})
	}
	return red
}

// Audit returns the current audit trail, oldest first.
func (g *Guard) Audit() []AuditEntry { return g.audit.Entries() }

// maxRisk returns the higher of two risk levels.
func maxRisk(a, b Risk) Risk {
	rank := map[Risk]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
