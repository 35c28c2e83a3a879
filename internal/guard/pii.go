package guard

import "regexp"

// PIIType names a detectable category of personal data.
type PIIType string

const (
	PIIEmail       PIIType = "email"
	PIIPhone       PIIType = "phone"
	PIISSN         PIIType = "ssn"
	PIICreditCard  PIIType = "credit_card"
	PIIAPIToken    PIIType = "api_token"
	PIIBearerToken PIIType = "bearer_token"
	PIIIPAddress   PIIType = "ip_address"
	PIIPersonalURL PIIType = "personal_url"
)

// Redaction is the result of scanning one piece of text.
type Redaction struct {
	HasPII        bool
	DetectedTypes []PIIType
	RedactedText  string
}

// piiRule binds a pattern to its typed placeholder. Rules run in declaration
// order; earlier rules must consume text that would otherwise partially match
// later ones (bearer before generic token, card before phone).
type piiRule struct {
	typ         PIIType
	pattern     *regexp.Regexp
	placeholder string
}

// PIIDetector detects and redacts personal data with typed placeholders.
// Redaction is idempotent: placeholders never match any rule.
//
// Safe for concurrent use; the compiled rules are immutable.
type PIIDetector struct {
	rules []piiRule
}

// NewPIIDetector compiles the standard rule set.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{rules: []piiRule{
		{
			typ:         PIIBearerToken,
			pattern:     regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`),
			placeholder: "[BEARER_TOKEN_REDACTED]",
		},
		{
			typ:         PIIAPIToken,
			pattern:     regexp.MustCompile(`\b(sk|pk|rk|ak)[-_](live|test)?[-_]?[A-Za-z0-9]{16,}\b|\b[A-Za-z0-9]{32,}\b`),
			placeholder: "[TOKEN_REDACTED]",
		},
		{
			typ:         PIIEmail,
			pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			placeholder: "[EMAIL_REDACTED]",
		},
		{
			typ:         PIISSN,
			pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			placeholder: "[SSN_REDACTED]",
		},
		{
			typ:         PIICreditCard,
			pattern:     regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`),
			placeholder: "[CARD_REDACTED]",
		},
		{
			typ:         PIIPhone,
			pattern:     regexp.MustCompile(`(\+?\d{1,3}[ .-]?)?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`),
			placeholder: "[PHONE_REDACTED]",
		},
		{
			typ:         PIIIPAddress,
			pattern:     regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`),
			placeholder: "[IP_REDACTED]",
		},
		{
			typ:         PIIPersonalURL,
			pattern:     regexp.MustCompile(`https?://[^\s]*/(users?|profile|account|member)s?/[^\s]+`),
			placeholder: "[URL_REDACTED]",
		},
	}}
}

// Redact replaces every PII span in content with its typed placeholder and
// reports which categories were seen.
func (d *PIIDetector) Redact(content string) Redaction {
	out := content
	var found []PIIType
	for _, rule := range d.rules {
		if !rule.pattern.MatchString(out) {
			continue
		}
		out = rule.pattern.ReplaceAllString(out, rule.placeholder)
		found = append(found, rule.typ)
	}
	return Redaction{
		HasPII:        len(found) > 0,
		DetectedTypes: found,
		RedactedText:  out,
	}
}
