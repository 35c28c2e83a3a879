package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/config"
)

const minimalYAML = `
auth:
  jwt_secret: test-secret
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Session.PingInterval.Std() != 15*time.Second {
		t.Errorf("PingInterval = %v, want 15s", cfg.Session.PingInterval.Std())
	}
	if cfg.Session.FrameMs != 20 {
		t.Errorf("FrameMs = %d, want 20", cfg.Session.FrameMs)
	}
	if cfg.Guard.RateLimits.SessionPerMinute != 30 {
		t.Errorf("SessionPerMinute = %d, want 30", cfg.Guard.RateLimits.SessionPerMinute)
	}
	if cfg.Outbox.MaxAttempts != 5 {
		t.Errorf("Outbox.MaxAttempts = %d, want 5", cfg.Outbox.MaxAttempts)
	}
	if cfg.Sink.Kind != config.SinkMemory {
		t.Errorf("Sink.Kind = %q, want memory", cfg.Sink.Kind)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9000"
  environment: dev
  log_level: debug
auth:
  jwt_secret: test-secret
session:
  frame_ms: 40
  ping_interval: 5s
outbox:
  poll_interval: 250ms
  batch_size: 10
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Session.FrameMs != 40 || cfg.Session.PingInterval.Std() != 5*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Outbox.PollInterval.Std() != 250*time.Millisecond || cfg.Outbox.BatchSize != 10 {
		t.Errorf("outbox = %+v", cfg.Outbox)
	}
	// Untouched defaults survive.
	if cfg.Session.IdleTimeout.Std() != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.Session.IdleTimeout.Std())
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	yaml := `
auth:
  jwt_secret: test-secret
sessoin:
  frame_ms: 20
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level key, got nil")
	}
}

func TestValidateJoinsAllErrors(t *testing.T) {
	yaml := `
server:
  log_level: loud
auth:
  jwt_secret: test-secret
session:
  frame_ms: 13
retrieval:
  min_consensus: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []string{"server.log_level", "session.frame_ms", "retrieval.min_consensus"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidateDevBypassOutsideDev(t *testing.T) {
	yaml := `
server:
  environment: production
auth:
  dev_allow_insecure: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for dev bypass in production, got nil")
	}
	if !strings.Contains(err.Error(), "dev_allow_insecure") {
		t.Errorf("error should mention dev_allow_insecure, got: %v", err)
	}
}

func TestValidateMissingSecret(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for missing jwt secret, got nil")
	}
	if !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("error should mention jwt_secret, got: %v", err)
	}
}

func TestValidatePostgresStoreRequiresDSN(t *testing.T) {
	yaml := `
auth:
  jwt_secret: test-secret
outbox:
  store:
    kind: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for postgres store without dsn, got nil")
	}
	if !strings.Contains(err.Error(), "outbox.store.postgres_dsn") {
		t.Errorf("error should mention outbox.store.postgres_dsn, got: %v", err)
	}
}

func TestValidateMCPServers(t *testing.T) {
	yaml := `
auth:
  jwt_secret: test-secret
dispatch:
  mcp:
    servers:
      - name: tools
        transport: stdio
      - transport: carrier-pigeon
        url: http://example.com
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected MCP validation errors, got nil")
	}
	for _, want := range []string{"servers[0].command", "servers[1].name", "servers[1].transport"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidateDuplicateTenants(t *testing.T) {
	yaml := `
auth:
  jwt_secret: test-secret
tenants:
  - id: acme
  - id: acme
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate tenant ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(config.EnvTokenSecret, "env-secret")
	t.Setenv(config.EnvEnvironment, "staging")
	t.Setenv(config.EnvOpenAIKey, "sk-test")

	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("JWTSecret = %q, want env-secret", cfg.Auth.JWTSecret)
	}
	if cfg.Server.Environment != config.EnvStaging {
		t.Errorf("Environment = %q, want staging", cfg.Server.Environment)
	}
	if cfg.Provider.APIKey != "sk-test" || cfg.Retrieval.Embeddings.APIKey != "sk-test" {
		t.Errorf("provider keys not filled from env: %q / %q", cfg.Provider.APIKey, cfg.Retrieval.Embeddings.APIKey)
	}
}
