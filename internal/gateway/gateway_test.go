package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/internal/auth"
	"github.com/voxwire/voxwire/internal/guard"
	"github.com/voxwire/voxwire/pkg/types"
)

func testVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.New(auth.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	return v
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeHTTPOriginRejected(t *testing.T) {
	g := guard.New(guard.Config{AllowedOrigins: []string{"https://shop.example"}})
	t.Cleanup(func() { _ = g.Close() })

	srv := NewServer(Options{Auth: testVerifier(t), Guard: g, Log: quietLog()})

	req := httptest.NewRequest(http.MethodGet, "/v1/voice", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestServeHTTPAuthFailedClosesWithPolicyViolation(t *testing.T) {
	srv := NewServer(Options{Auth: testVerifier(t), Log: quietLog()})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice?token=not-a-jwt"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	_, _, err = c.Read(ctx)
	if err == nil {
		t.Fatal("expected close, got a frame")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v", got, websocket.StatusPolicyViolation)
	}
	if !strings.Contains(err.Error(), string(types.CodeAuthFailed)) {
		t.Errorf("close reason %q does not carry %s", err.Error(), types.CodeAuthFailed)
	}
}

func TestServeHTTPHandshake(t *testing.T) {
	v := testVerifier(t)
	srv := NewServer(Options{Auth: v, Log: quietLog()})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	token, err := v.Mint(types.Principal{TenantID: "t1", SiteID: "s1"}, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice?token=" + token
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "done")

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != evReady {
		t.Errorf("first event = %q, want %q", evt.Type, evReady)
	}
	if evt.SessionID == "" {
		t.Error("ready event has no session id")
	}

	waitFor(t, "session registered", func() bool { return srv.Len() == 1 })
	if srv.Session(evt.SessionID) == nil {
		t.Error("session not found in registry")
	}

	srv.CloseAll("shutting down")
	waitFor(t, "registry drained", func() bool { return srv.Len() == 0 })
}

func TestAuthenticateBearerHeader(t *testing.T) {
	v := testVerifier(t)
	srv := NewServer(Options{Auth: v, Log: quietLog()})

	token, err := v.Mint(types.Principal{TenantID: "t1", SiteID: "s1", UserID: "u9"}, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/voice", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	p, err := srv.authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.TenantID != "t1" || p.UserID != "u9" {
		t.Errorf("principal = %+v", p)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr", "203.0.113.9:51234", "", "203.0.113.9"},
		{"forwarded single", "10.0.0.1:80", "198.51.100.7", "198.51.100.7"},
		{"forwarded chain", "10.0.0.1:80", "198.51.100.7, 10.0.0.2", "198.51.100.7"},
		{"unparseable", "bogus", "", "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
