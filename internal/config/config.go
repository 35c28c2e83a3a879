// Package config provides the configuration schema, loader, and hot-reload
// support for the Voxwire agent runtime.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxwire/voxwire/internal/dispatch"
)

// LogLevel controls log verbosity for the Voxwire server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Environment distinguishes deployment stages. Several safety valves (the
// unauthenticated dev bypass, permissive origins) are only honored in
// EnvDev.
type Environment string

const (
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// IsValid reports whether e is a recognised environment.
func (e Environment) IsValid() bool {
	switch e {
	case EnvDev, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// StoreKind selects the persistence backend for checkpoints and the outbox.
type StoreKind string

const (
	// StoreMemory keeps records in process memory. Suitable for dev and tests.
	StoreMemory StoreKind = "memory"

	// StorePostgres persists records in PostgreSQL.
	StorePostgres StoreKind = "postgres"
)

// IsValid reports whether s is a recognised store kind.
func (s StoreKind) IsValid() bool {
	return s == StoreMemory || s == StorePostgres
}

// SinkKind selects the downstream event transport for the outbox publisher.
type SinkKind string

const (
	SinkMemory SinkKind = "memory"
	SinkRedis  SinkKind = "redis"
	SinkHTTP   SinkKind = "http"
)

// IsValid reports whether s is a recognised sink kind.
func (s SinkKind) IsValid() bool {
	switch s {
	case SinkMemory, SinkRedis, SinkHTTP:
		return true
	}
	return false
}

// PIIMode controls how detected PII in outbound text is handled.
type PIIMode string

const (
	// PIIRedact replaces detected spans with placeholder tags.
	PIIRedact PIIMode = "redact"

	// PIIBlock rejects the payload outright when PII is detected.
	PIIBlock PIIMode = "block"

	// PIIOff disables detection. Only valid in the dev environment.
	PIIOff PIIMode = "off"
)

// IsValid reports whether m is a recognised PII mode.
func (m PIIMode) IsValid() bool {
	switch m {
	case PIIRedact, PIIBlock, PIIOff:
		return true
	}
	return false
}

// Duration wraps time.Duration so YAML values can be written in Go duration
// syntax (e.g. "15s", "5m", "24h").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Voxwire.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Provider  ProviderEntry   `yaml:"provider"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	NLU       NLUConfig       `yaml:"nlu"`
	Guard     GuardConfig     `yaml:"guard"`
	Budget    BudgetConfig    `yaml:"budget"`
	Agent     AgentConfig     `yaml:"agent"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Sink      SinkConfig      `yaml:"sink"`
	Observe   ObserveConfig   `yaml:"observe"`
	Tenants   []TenantConfig  `yaml:"tenants"`
}

// ServerConfig holds network and logging settings for the Voxwire server.
type ServerConfig struct {
	// ListenAddr is the TCP address the WebSocket gateway listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// OpsAddr is the TCP address for the operational endpoints
	// (/healthz, /readyz, /metrics). Empty disables the ops server.
	OpsAddr string `yaml:"ops_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// Environment names the deployment stage.
	Environment Environment `yaml:"environment"`

	// AllowedOrigins lists the Origin header values accepted on widget
	// connections. Hot-reloadable. Entries may use a leading "*." to match
	// any subdomain (e.g. "*.example.com").
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig holds session-token verification settings.
type AuthConfig struct {
	// JWTSecret is the HS256 shared secret used to verify session tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer is the expected token issuer claim.
	Issuer string `yaml:"issuer"`

	// Audience is the expected token audience claim.
	Audience string `yaml:"audience"`

	// TokenTTL bounds the lifetime of tokens minted by the dev endpoint.
	TokenTTL Duration `yaml:"token_ttl"`

	// DevAllowInsecure permits unauthenticated connections. Honored only
	// when server.environment is "dev"; any other environment rejects the
	// config at load time.
	DevAllowInsecure bool `yaml:"dev_allow_insecure"`
}

// SessionConfig holds per-connection transport and audio settings.
type SessionConfig struct {
	// PingInterval is how often the gateway pings each connection.
	PingInterval Duration `yaml:"ping_interval"`

	// PingMaxMissed is the number of consecutive unanswered pings after
	// which the connection is closed with a ping timeout.
	PingMaxMissed int `yaml:"ping_max_missed"`

	// IdleTimeout closes sessions with no inbound frames for this long.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// FrameMs is the audio frame duration in milliseconds (10, 20, or 40).
	FrameMs int `yaml:"frame_ms"`

	// JitterFrames is the capacity of the inbound audio ring buffer.
	JitterFrames int `yaml:"jitter_frames"`

	// MaxFrameBytes caps the size of a single binary frame.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// VADThreshold is the RMS energy level above which a frame counts as
	// speech. Range (0, 1).
	VADThreshold float64 `yaml:"vad_threshold"`

	// VADHangoverFrames keeps the speech flag raised for this many frames
	// after energy drops below the threshold.
	VADHangoverFrames int `yaml:"vad_hangover_frames"`
}

// ProviderEntry is the common configuration block shared by all provider
// references (realtime speech, embeddings, NLU refiner).
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails to connect.
	// Nested fallbacks are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// RetrievalConfig holds settings for the hybrid retrieval layer.
type RetrievalConfig struct {
	// PostgresDSN is the connection string for the pgvector-backed corpus.
	// Empty disables retrieval.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Embeddings selects the embedding provider used for the vector
	// strategy.
	Embeddings ProviderEntry `yaml:"embeddings"`

	// EmbeddingDimensions is the vector dimension of the embeddings column.
	// Must match the model configured in Embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// RRFK is the rank-offset constant in the reciprocal rank fusion
	// formula 1/(k+rank).
	RRFK int `yaml:"rrf_k"`

	// MinConsensus is the number of strategies that must agree on a result
	// before it is boosted. Clamped to the number of strategies that
	// actually executed.
	MinConsensus int `yaml:"min_consensus"`

	// StrategyTimeout bounds each individual retrieval strategy.
	StrategyTimeout Duration `yaml:"strategy_timeout"`

	// TotalTimeout bounds the whole hybrid retrieval call.
	TotalTimeout Duration `yaml:"total_timeout"`

	// CacheTTL is how long a cached result set is considered fresh. Stale
	// entries are still served while a background revalidation runs.
	CacheTTL Duration `yaml:"cache_ttl"`

	// CacheSize caps the number of cached query results.
	CacheSize int `yaml:"cache_size"`
}

// NLUConfig holds settings for slot extraction and intent refinement.
type NLUConfig struct {
	// Refiner optionally selects an LLM used to refine low-confidence
	// intent classifications. Empty name disables refinement.
	Refiner ProviderEntry `yaml:"refiner"`

	// DefaultRadiusKm is the search radius applied to "near me" queries.
	DefaultRadiusKm float64 `yaml:"default_radius_km"`

	// MaxEditDistance is the highest Damerau-Levenshtein distance at which
	// a token still fuzzy-matches a known categorical value.
	MaxEditDistance int `yaml:"max_edit_distance"`
}

// GuardConfig holds the inbound safety pipeline settings.
type GuardConfig struct {
	// RateLimits configures the per-scope sliding-window limits.
	// Hot-reloadable.
	RateLimits RateLimitConfig `yaml:"rate_limits"`

	// PIIMode controls handling of detected PII in text bound for
	// third-party providers.
	PIIMode PIIMode `yaml:"pii_mode"`

	// AuditRingSize caps the in-memory privacy audit trail.
	AuditRingSize int `yaml:"audit_ring_size"`
}

// RateLimitConfig sets the per-minute request allowance for each scope.
// A zero value disables the corresponding limit.
type RateLimitConfig struct {
	TenantPerMinute  int `yaml:"tenant_per_minute"`
	UserPerMinute    int `yaml:"user_per_minute"`
	IPPerMinute      int `yaml:"ip_per_minute"`
	SessionPerMinute int `yaml:"session_per_minute"`
}

// BudgetConfig sets default token allowances. Tenants may override these via
// the tenants list.
type BudgetConfig struct {
	// SessionTokens is the token allowance per voice session. Zero means
	// unlimited.
	SessionTokens int `yaml:"session_tokens"`

	// TenantTokensPerDay is the daily token allowance per tenant. Zero
	// means unlimited.
	TenantTokensPerDay int `yaml:"tenant_tokens_per_day"`
}

// AgentConfig holds orchestrator settings.
type AgentConfig struct {
	// MaxToolLoops caps consecutive tool-call rounds within a single turn.
	MaxToolLoops int `yaml:"max_tool_loops"`

	// Speculative enables prefetching for likely next actions while the
	// user is still speaking.
	Speculative bool `yaml:"speculative"`

	// Checkpoints selects where turn state is persisted.
	Checkpoints StoreConfig `yaml:"checkpoints"`

	// TurnTimeout bounds a single orchestrator turn end to end.
	TurnTimeout Duration `yaml:"turn_timeout"`
}

// StoreConfig selects and configures a persistence backend.
type StoreConfig struct {
	// Kind selects the backend.
	Kind StoreKind `yaml:"kind"`

	// PostgresDSN is required when Kind is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DispatchConfig holds action dispatcher settings.
type DispatchConfig struct {
	// HistoryLimit caps the per-site execution history ring.
	HistoryLimit int `yaml:"history_limit"`

	// ActionTimeout bounds a single action handler invocation.
	ActionTimeout Duration `yaml:"action_timeout"`

	// MCP lists Model Context Protocol tool servers whose tools are bridged
	// into the action registry.
	MCP MCPConfig `yaml:"mcp"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in
	// logs and as the action namespace prefix).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport dispatch.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is
	// "streamable-http". Ignored for stdio transport.
	URL string `yaml:"url"`

	// Token is a static Bearer token sent in the Authorization header for
	// streamable-http servers. Ignored for stdio transport.
	Token string `yaml:"token"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`

	// Sites lists the site IDs whose action registries receive this
	// server's tools. Empty bridges to the dev site only.
	Sites []string `yaml:"sites"`
}

// OutboxConfig holds transactional outbox settings.
type OutboxConfig struct {
	// Store selects where outbox records are persisted.
	Store StoreConfig `yaml:"store"`

	// BatchSize is the maximum number of pending records claimed per poll.
	BatchSize int `yaml:"batch_size"`

	// PollInterval is the delay between publisher polls when the previous
	// poll found no work.
	PollInterval Duration `yaml:"poll_interval"`

	// MaxAttempts is the number of delivery attempts before a record is
	// moved to dead_letter.
	MaxAttempts int `yaml:"max_attempts"`

	// ReaperInterval is how often stuck "publishing" claims are swept back
	// to pending.
	ReaperInterval Duration `yaml:"reaper_interval"`

	// LeaseDuration is how long a publishing claim is honored before the
	// reaper may reclaim it.
	LeaseDuration Duration `yaml:"lease_duration"`

	// StaleAfter marks records older than this as stale during sweeps so
	// operators can spot stuck work.
	StaleAfter Duration `yaml:"stale_after"`
}

// SinkConfig selects and configures the downstream event transport.
type SinkConfig struct {
	// Kind selects the sink implementation.
	Kind SinkKind `yaml:"kind"`

	// Redis configures the Redis Streams sink.
	Redis RedisSinkConfig `yaml:"redis"`

	// HTTP configures the HTTP POST sink.
	HTTP HTTPSinkConfig `yaml:"http"`
}

// RedisSinkConfig holds Redis Streams connection settings.
type RedisSinkConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`

	// Password authenticates against the server. Empty for none.
	Password string `yaml:"password"`

	// DB selects the logical database.
	DB int `yaml:"db"`

	// Stream is the Redis stream key events are appended to.
	Stream string `yaml:"stream"`
}

// HTTPSinkConfig holds HTTP sink settings.
type HTTPSinkConfig struct {
	// URL is the endpoint events are POSTed to.
	URL string `yaml:"url"`

	// AuthToken is sent as a Bearer token when non-empty.
	AuthToken string `yaml:"auth_token"`

	// Timeout bounds a single delivery request.
	Timeout Duration `yaml:"timeout"`
}

// ObserveConfig holds telemetry settings.
type ObserveConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name resource
	// attribute.
	ServiceName string `yaml:"service_name"`
}

// TenantConfig overrides runtime defaults for a single tenant.
type TenantConfig struct {
	// ID is the tenant identifier carried in session tokens.
	ID string `yaml:"id"`

	// SessionTokens overrides budget.session_tokens for this tenant.
	// Zero inherits the global default.
	SessionTokens int `yaml:"session_tokens"`

	// TokensPerDay overrides budget.tenant_tokens_per_day for this tenant.
	// Zero inherits the global default.
	TokensPerDay int `yaml:"tokens_per_day"`

	// AllowedOrigins extends server.allowed_origins for this tenant's
	// sessions.
	AllowedOrigins []string `yaml:"allowed_origins"`
}
