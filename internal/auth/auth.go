// Package auth verifies the short-lived voice tokens presented on WebSocket
// upgrade and HTTP requests.
//
// Tokens are HS256 JWTs carrying the tenant and site the widget belongs to.
// The [Verifier] extracts a [types.Principal] from a valid token; [Verifier.Mint]
// issues tokens for tests and local tooling. A development-only bypass can
// synthesize a default principal for unauthenticated connections — the
// constructor refuses to arm it outside the dev environment.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxwire/voxwire/pkg/types"
)

// Claim names carried in voice tokens. TenantID and SiteID are required;
// the rest are optional.
const (
	claimTenantID = "tenantId"
	claimSiteID   = "siteId"
	claimUserID   = "userId"
	claimLocale   = "locale"
)

// Config holds the verifier settings.
type Config struct {
	// Secret is the HS256 shared secret. Required unless DevBypass is set.
	Secret string

	// Issuer, when non-empty, is enforced against the token's iss claim.
	Issuer string

	// Audience, when non-empty, is enforced against the token's aud claim.
	Audience string

	// DevBypass synthesizes Principal{dev-tenant, dev-site} for connections
	// that present no token. Only honored when Development is also true.
	DevBypass bool

	// Development marks the deployment as a dev environment. [New] returns
	// an error when DevBypass is requested without it.
	Development bool
}

// Verifier validates voice tokens and extracts principals. Safe for
// concurrent use.
type Verifier struct {
	secret    []byte
	issuer    string
	audience  string
	devBypass bool
}

// New creates a Verifier. It refuses a DevBypass request outside the dev
// environment so a misconfigured production deployment fails at startup
// rather than accepting anonymous sessions.
func New(cfg Config) (*Verifier, error) {
	if cfg.DevBypass && !cfg.Development {
		return nil, fmt.Errorf("auth: dev bypass requested but environment is not development")
	}
	if cfg.Secret == "" && !cfg.DevBypass {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	return &Verifier{
		secret:    []byte(cfg.Secret),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		devBypass: cfg.DevBypass,
	}, nil
}

// DevPrincipal is the principal synthesized by the dev bypass.
var DevPrincipal = types.Principal{TenantID: "dev-tenant", SiteID: "dev-site"}

// Verify validates tokenString and returns the principal it encodes.
//
// A missing token is an error carrying [types.CodeAuthFailed] unless the dev
// bypass is armed, in which case [DevPrincipal] is returned. Expired tokens
// carry [types.CodeTokenExpired]; every other failure (bad signature, wrong
// algorithm, missing required claims) carries [types.CodeAuthFailed].
func (v *Verifier) Verify(tokenString string) (types.Principal, error) {
	if tokenString == "" {
		if v.devBypass {
			return DevPrincipal, nil
		}
		return types.Principal{}, types.NewError(types.CodeAuthFailed, "missing token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.Principal{}, types.WrapError(types.CodeTokenExpired, "token expired", err)
		}
		return types.Principal{}, types.WrapError(types.CodeAuthFailed, "invalid token", err)
	}

	p := types.Principal{
		TenantID: stringClaim(claims, claimTenantID),
		SiteID:   stringClaim(claims, claimSiteID),
		UserID:   stringClaim(claims, claimUserID),
		Locale:   stringClaim(claims, claimLocale),
	}
	if p.TenantID == "" || p.SiteID == "" {
		return types.Principal{}, types.NewError(types.CodeAuthFailed, "token missing tenantId or siteId claim")
	}
	return p, nil
}

// Mint issues a signed token for the given principal, valid for ttl. Used by
// tests and the local quickstart tooling.
func (v *Verifier) Mint(p types.Principal, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("auth: cannot mint without a secret")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		claimTenantID: p.TenantID,
		claimSiteID:   p.SiteID,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
	}
	if p.UserID != "" {
		claims[claimUserID] = p.UserID
	}
	if p.Locale != "" {
		claims[claimLocale] = p.Locale
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	if v.audience != "" {
		claims["aud"] = v.audience
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// stringClaim extracts a string-valued claim, returning "" when absent or of
// a different type.
func stringClaim(claims jwt.MapClaims, key string) string {
	v, ok := claims[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
