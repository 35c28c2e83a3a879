package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxwire/voxwire/internal/dispatch"
)

// Environment variable overrides applied after decoding. Secrets belong in
// the environment, not the config file.
const (
	EnvTokenSecret = "VOXWIRE_TOKEN_SECRET"
	EnvOpenAIKey   = "OPENAI_API_KEY"
	EnvEnvironment = "VOXWIRE_ENV"
)

// Default returns a configuration with production-shaped defaults. Loading
// decodes the YAML file over this baseline, so a file only needs to state
// what differs.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			OpsAddr:     ":9090",
			LogLevel:    LogInfo,
			Environment: EnvProduction,
		},
		Auth: AuthConfig{
			Issuer:   "voxwire",
			Audience: "voxwire-gateway",
			TokenTTL: Duration(time.Hour),
		},
		Session: SessionConfig{
			PingInterval:      Duration(15 * time.Second),
			PingMaxMissed:     3,
			IdleTimeout:       Duration(5 * time.Minute),
			FrameMs:           20,
			JitterFrames:      50,
			MaxFrameBytes:     4096,
			VADThreshold:      0.015,
			VADHangoverFrames: 15,
		},
		Provider: ProviderEntry{Name: "mock"},
		Retrieval: RetrievalConfig{
			EmbeddingDimensions: 1536,
			RRFK:                60,
			MinConsensus:        2,
			StrategyTimeout:     Duration(500 * time.Millisecond),
			TotalTimeout:        Duration(time.Second),
			CacheTTL:            Duration(time.Minute),
			CacheSize:           256,
		},
		NLU: NLUConfig{
			DefaultRadiusKm: 25,
			MaxEditDistance: 2,
		},
		Guard: GuardConfig{
			RateLimits: RateLimitConfig{
				TenantPerMinute:  1000,
				UserPerMinute:    100,
				IPPerMinute:      50,
				SessionPerMinute: 30,
			},
			PIIMode:       PIIRedact,
			AuditRingSize: 1000,
		},
		Agent: AgentConfig{
			MaxToolLoops: 3,
			Speculative:  true,
			Checkpoints:  StoreConfig{Kind: StoreMemory},
			TurnTimeout:  Duration(10 * time.Second),
		},
		Dispatch: DispatchConfig{
			HistoryLimit:  1000,
			ActionTimeout: Duration(2 * time.Second),
		},
		Outbox: OutboxConfig{
			Store:          StoreConfig{Kind: StoreMemory},
			BatchSize:      100,
			PollInterval:   Duration(500 * time.Millisecond),
			MaxAttempts:    5,
			ReaperInterval: Duration(30 * time.Second),
			LeaseDuration:  Duration(time.Minute),
			StaleAfter:     Duration(24 * time.Hour),
		},
		Sink: SinkConfig{
			Kind:  SinkMemory,
			Redis: RedisSinkConfig{Stream: "voxwire:events"},
			HTTP:  HTTPSinkConfig{Timeout: Duration(5 * time.Second)},
		},
		Observe: ObserveConfig{ServiceName: "voxwire"},
	}
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv copies recognised environment variables into cfg. Environment
// values win over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvTokenSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		if cfg.Provider.APIKey == "" {
			cfg.Provider.APIKey = v
		}
		if cfg.Retrieval.Embeddings.APIKey == "" {
			cfg.Retrieval.Embeddings.APIKey = v
		}
		if cfg.NLU.Refiner.APIKey == "" {
			cfg.NLU.Refiner.APIKey = v
		}
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		cfg.Server.Environment = Environment(v)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Environment != "" && !cfg.Server.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("server.environment %q is invalid; valid values: dev, staging, production", cfg.Server.Environment))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	dev := cfg.Server.Environment == EnvDev

	// Auth
	if cfg.Auth.DevAllowInsecure && !dev {
		errs = append(errs, fmt.Errorf("auth.dev_allow_insecure is only honored when server.environment is dev (got %q)", cfg.Server.Environment))
	}
	if cfg.Auth.JWTSecret == "" && !cfg.Auth.DevAllowInsecure {
		errs = append(errs, fmt.Errorf("auth.jwt_secret is required (or set %s); enable auth.dev_allow_insecure only for local development", EnvTokenSecret))
	}

	// Session
	switch cfg.Session.FrameMs {
	case 0, 10, 20, 40:
	default:
		errs = append(errs, fmt.Errorf("session.frame_ms %d is invalid; valid values: 10, 20, 40", cfg.Session.FrameMs))
	}
	if cfg.Session.VADThreshold < 0 || cfg.Session.VADThreshold >= 1 {
		errs = append(errs, fmt.Errorf("session.vad_threshold %.3f is out of range (0, 1)", cfg.Session.VADThreshold))
	}
	if cfg.Session.PingMaxMissed < 0 {
		errs = append(errs, fmt.Errorf("session.ping_max_missed %d must not be negative", cfg.Session.PingMaxMissed))
	}

	// Provider
	for i, fb := range cfg.Provider.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("provider.fallbacks[%d].name is required", i))
		}
	}

	// Retrieval
	if cfg.Retrieval.PostgresDSN == "" {
		slog.Warn("retrieval.postgres_dsn is empty; hybrid retrieval is disabled and answers will not carry citations")
	} else {
		if cfg.Retrieval.EmbeddingDimensions <= 0 {
			errs = append(errs, errors.New("retrieval.embedding_dimensions must be positive when retrieval is enabled"))
		}
		if cfg.Retrieval.Embeddings.Name == "" {
			slog.Warn("retrieval.embeddings is not configured; the vector strategy is disabled")
		}
	}
	if cfg.Retrieval.RRFK < 0 {
		errs = append(errs, fmt.Errorf("retrieval.rrf_k %d must not be negative", cfg.Retrieval.RRFK))
	}
	if cfg.Retrieval.MinConsensus < 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_consensus %d must be at least 1", cfg.Retrieval.MinConsensus))
	}

	// Guard
	if cfg.Guard.PIIMode != "" && !cfg.Guard.PIIMode.IsValid() {
		errs = append(errs, fmt.Errorf("guard.pii_mode %q is invalid; valid values: redact, block, off", cfg.Guard.PIIMode))
	}
	if cfg.Guard.PIIMode == PIIOff && !dev {
		errs = append(errs, errors.New("guard.pii_mode \"off\" is only allowed when server.environment is dev"))
	}

	// Agent
	if cfg.Agent.MaxToolLoops < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_loops %d must be at least 1", cfg.Agent.MaxToolLoops))
	}
	errs = append(errs, validateStore("agent.checkpoints", cfg.Agent.Checkpoints)...)

	// Outbox
	errs = append(errs, validateStore("outbox.store", cfg.Outbox.Store)...)
	if cfg.Outbox.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("outbox.max_attempts %d must be at least 1", cfg.Outbox.MaxAttempts))
	}

	// Sink
	if cfg.Sink.Kind != "" && !cfg.Sink.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("sink.kind %q is invalid; valid values: memory, redis, http", cfg.Sink.Kind))
	}
	if cfg.Sink.Kind == SinkRedis && cfg.Sink.Redis.Addr == "" {
		errs = append(errs, errors.New("sink.redis.addr is required when sink.kind is redis"))
	}
	if cfg.Sink.Kind == SinkHTTP && cfg.Sink.HTTP.URL == "" {
		errs = append(errs, errors.New("sink.http.url is required when sink.kind is http"))
	}

	// MCP servers
	for i, srv := range cfg.Dispatch.MCP.Servers {
		prefix := fmt.Sprintf("dispatch.mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == dispatch.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == dispatch.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Tenant overrides
	seen := make(map[string]int, len(cfg.Tenants))
	for i, tenant := range cfg.Tenants {
		prefix := fmt.Sprintf("tenants[%d]", i)
		if tenant.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seen[tenant.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of tenants[%d]", prefix, tenant.ID, prev))
		}
		seen[tenant.ID] = i
	}

	return errors.Join(errs...)
}

// validateStore checks one persistence backend selection.
func validateStore(prefix string, store StoreConfig) []error {
	var errs []error
	if store.Kind != "" && !store.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: memory, postgres", prefix, store.Kind))
	}
	if store.Kind == StorePostgres && store.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("%s.postgres_dsn is required when kind is postgres", prefix))
	}
	return errs
}
