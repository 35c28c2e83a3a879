package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxwire/voxwire/pkg/types"
)

const testSecret = "test-secret-please-rotate"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := New(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	want := types.Principal{
		TenantID: "tenant-1",
		SiteID:   "site-9",
		UserID:   "user-42",
		Locale:   "en-US",
	}
	tok, err := v.Mint(want, time.Minute)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	got, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != want {
		t.Errorf("Verify() = %+v, want %+v", got, want)
	}
}

func TestVerifyOptionalClaimsAbsent(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	tok, err := v.Mint(types.Principal{TenantID: "t", SiteID: "s"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !p.Anonymous() {
		t.Errorf("principal without userId should be anonymous, got %+v", p)
	}
}

func TestVerifyFailures(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	expired := mintRaw(t, testSecret, jwt.MapClaims{
		"tenantId": "t", "siteId": "s",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	noTenant := mintRaw(t, testSecret, jwt.MapClaims{
		"siteId": "s",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	wrongKey := mintRaw(t, "other-secret", jwt.MapClaims{
		"tenantId": "t", "siteId": "s",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name     string
		token    string
		wantCode types.ErrorCode
	}{
		{"missing token", "", types.CodeAuthFailed},
		{"garbage", "not.a.jwt", types.CodeAuthFailed},
		{"bad signature", wrongKey, types.CodeAuthFailed},
		{"expired", expired, types.CodeTokenExpired},
		{"missing tenant claim", noTenant, types.CodeAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() succeeded, want error")
			}
			if code := types.CodeOf(err); code != tt.wantCode {
				t.Errorf("Verify() code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	t.Parallel()
	v := newTestVerifier(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"tenantId": "t", "siteId": "s",
	})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := v.Verify(signed); err == nil {
		t.Fatal("Verify() accepted alg=none token")
	}
}

func TestDevBypass(t *testing.T) {
	t.Parallel()

	t.Run("refused outside development", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Secret: testSecret, DevBypass: true})
		if err == nil {
			t.Fatal("New() armed dev bypass outside development")
		}
	})

	t.Run("synthesizes principal in development", func(t *testing.T) {
		t.Parallel()
		v, err := New(Config{Secret: testSecret, DevBypass: true, Development: true})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		p, err := v.Verify("")
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if p != DevPrincipal {
			t.Errorf("Verify() = %+v, want %+v", p, DevPrincipal)
		}
	})

	t.Run("real token still verified", func(t *testing.T) {
		t.Parallel()
		v, err := New(Config{Secret: testSecret, DevBypass: true, Development: true})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if _, err := v.Verify("garbage"); err == nil {
			t.Fatal("Verify() accepted a garbage token despite bypass")
		}
	})
}

func TestIssuerAudienceEnforced(t *testing.T) {
	t.Parallel()
	v, err := New(Config{Secret: testSecret, Issuer: "voxwire", Audience: "widget"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	good, err := v.Mint(types.Principal{TenantID: "t", SiteID: "s"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if _, err := v.Verify(good); err != nil {
		t.Fatalf("Verify(minted) error = %v", err)
	}

	// Token with the wrong issuer must be rejected.
	bad := mintRaw(t, testSecret, jwt.MapClaims{
		"tenantId": "t", "siteId": "s",
		"iss": "somebody-else", "aud": "widget",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Verify(bad); err == nil {
		t.Fatal("Verify() accepted wrong issuer")
	} else if !strings.Contains(err.Error(), string(types.CodeAuthFailed)) {
		t.Errorf("unexpected error: %v", err)
	}
}

func mintRaw(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}
