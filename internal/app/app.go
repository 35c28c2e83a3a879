// Package app wires all Voxwire subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the gateway and ops listeners plus the outbox
// publisher, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSink,
// WithOutboxStore, WithCheckpoints, etc.). When an option is not provided,
// New creates the real implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxwire/voxwire/internal/analytics"
	"github.com/voxwire/voxwire/internal/auth"
	"github.com/voxwire/voxwire/internal/budget"
	"github.com/voxwire/voxwire/internal/bus"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/dispatch"
	"github.com/voxwire/voxwire/internal/gateway"
	"github.com/voxwire/voxwire/internal/guard"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/nlu"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/orchestrator"
	"github.com/voxwire/voxwire/internal/outbox"
	"github.com/voxwire/voxwire/internal/resilience"
	"github.com/voxwire/voxwire/internal/retrieval"
	"github.com/voxwire/voxwire/pkg/realtime"
	"github.com/voxwire/voxwire/pkg/types"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	provider realtime.Provider

	// Subsystems — initialised in New, torn down in Shutdown.
	verifier    *auth.Verifier
	guard       *guard.Guard
	ledger      *budget.Ledger
	extractor   *nlu.Extractor
	corpus      *retrieval.Corpus
	retriever   orchestrator.Retriever
	registry    *dispatch.Registry
	dispatcher  *dispatch.Dispatcher
	bridge      *dispatch.MCPBridge
	checkpoints orchestrator.CheckpointStore
	store       outbox.Store
	sink        bus.Sink
	publisher   *outbox.Publisher
	emitter     *analytics.Emitter
	orch        *orchestrator.Orchestrator
	gateway     *gateway.Server
	metrics     *observe.Metrics
	health      *health.Handler

	gwServer  *http.Server
	opsServer *http.Server

	addrMu  sync.Mutex
	gwAddr  string
	opsAddr string

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSink injects an event sink instead of building one from config.
func WithSink(s bus.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithOutboxStore injects an outbox store instead of building one from config.
func WithOutboxStore(s outbox.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCheckpoints injects a checkpoint store instead of building one from config.
func WithCheckpoints(s orchestrator.CheckpointStore) Option {
	return func(a *App) { a.checkpoints = s }
}

// WithRetriever injects a knowledge retriever instead of connecting the
// pgvector corpus.
func WithRetriever(r orchestrator.Retriever) Option {
	return func(a *App) { a.retriever = r }
}

// WithActionRegistry injects a pre-populated action registry.
func WithActionRegistry(r *dispatch.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects a metrics set and skips global telemetry provider
// initialisation. Tests use this to avoid double-registering the Prometheus
// exporter in one process.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The provider is the
// realtime speech channel resolved by main.go via the provider registry; nil
// runs the gateway in text-only mode. Use Option functions to inject test
// doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, provider realtime.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log, provider: provider}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initObserve(ctx); err != nil {
		return nil, fmt.Errorf("app: init observe: %w", err)
	}

	// ── 2. Auth + guard + budget ─────────────────────────────────────────
	if err := a.initSafety(); err != nil {
		return nil, fmt.Errorf("app: init safety: %w", err)
	}

	// ── 3. NLU ───────────────────────────────────────────────────────────
	if err := a.initNLU(); err != nil {
		return nil, fmt.Errorf("app: init nlu: %w", err)
	}

	// ── 4. Retrieval ─────────────────────────────────────────────────────
	if err := a.initRetrieval(ctx); err != nil {
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}

	// ── 5. Action dispatch + MCP ─────────────────────────────────────────
	if err := a.initDispatch(ctx); err != nil {
		return nil, fmt.Errorf("app: init dispatch: %w", err)
	}

	// ── 6. Checkpoints + outbox + sink ───────────────────────────────────
	if err := a.initPersistence(ctx); err != nil {
		return nil, fmt.Errorf("app: init persistence: %w", err)
	}

	// ── 7. Orchestrator ──────────────────────────────────────────────────
	a.initOrchestrator()

	// ── 8. Gateway ───────────────────────────────────────────────────────
	a.initGateway()

	// ── 9. Health + ops endpoints ────────────────────────────────────────
	a.initOps()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initObserve(ctx context.Context) error {
	if a.metrics != nil {
		return nil // injected
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: a.cfg.Observe.ServiceName,
		Environment: string(a.cfg.Server.Environment),
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})
	a.metrics = observe.DefaultMetrics()
	return nil
}

func (a *App) initSafety() error {
	dev := a.cfg.Server.Environment == config.EnvDev

	verifier, err := auth.New(auth.Config{
		Secret:      a.cfg.Auth.JWTSecret,
		Issuer:      a.cfg.Auth.Issuer,
		Audience:    a.cfg.Auth.Audience,
		DevBypass:   a.cfg.Auth.DevAllowInsecure,
		Development: dev,
	})
	if err != nil {
		return err
	}
	a.verifier = verifier

	origins := append([]string(nil), a.cfg.Server.AllowedOrigins...)
	for _, t := range a.cfg.Tenants {
		origins = append(origins, t.AllowedOrigins...)
	}
	a.guard = guard.New(guard.Config{
		Development:    dev,
		AllowedOrigins: origins,
		Limits: guard.Limits{
			TenantPerMinute:  a.cfg.Guard.RateLimits.TenantPerMinute,
			UserPerMinute:    a.cfg.Guard.RateLimits.UserPerMinute,
			IPPerMinute:      a.cfg.Guard.RateLimits.IPPerMinute,
			SessionPerMinute: a.cfg.Guard.RateLimits.SessionPerMinute,
		},
		PII:       guard.PIIMode(a.cfg.Guard.PIIMode),
		AuditSize: a.cfg.Guard.AuditRingSize,
	})
	a.closers = append(a.closers, a.guard.Close)

	a.ledger = budget.NewLedger(budgetConfig(a.cfg))
	return nil
}

// budgetConfig maps the YAML budget block onto the ledger's table: the
// global daily token allowance becomes the tenant default, and per-tenant
// entries become overrides.
func budgetConfig(cfg *config.Config) budget.Config {
	bc := budget.Config{}
	if cfg.Budget.TenantTokensPerDay > 0 {
		bc.Defaults = map[budget.Resource]budget.Budget{
			budget.ResourceTokens:   {Limit: cfg.Budget.TenantTokensPerDay, Period: budget.PerDay},
			budget.ResourceActions:  budget.DefaultBudgets[budget.ResourceActions],
			budget.ResourceAPICalls: budget.DefaultBudgets[budget.ResourceAPICalls],
		}
	}
	for _, t := range cfg.Tenants {
		if t.TokensPerDay <= 0 {
			continue
		}
		if bc.Overrides == nil {
			bc.Overrides = make(map[string]map[budget.Resource]budget.Budget)
		}
		bc.Overrides[t.ID] = map[budget.Resource]budget.Budget{
			budget.ResourceTokens: {Limit: t.TokensPerDay, Period: budget.PerDay},
		}
	}
	return bc
}

func (a *App) initNLU() error {
	opts := nlu.Options{
		RadiusKm:        a.cfg.NLU.DefaultRadiusKm,
		MaxEditDistance: a.cfg.NLU.MaxEditDistance,
		Log:             a.log,
	}
	if r := a.cfg.NLU.Refiner; r.Name != "" {
		refiner, err := nlu.NewLLMRefiner(r.Name, r.Model, r.APIKey, r.BaseURL)
		if err != nil {
			return fmt.Errorf("refiner %q: %w", r.Name, err)
		}
		opts.Refiner = refiner
		a.log.Info("nlu refiner enabled", "provider", r.Name, "model", r.Model)
	}
	a.extractor = nlu.NewExtractor(opts)
	return nil
}

func (a *App) initRetrieval(ctx context.Context) error {
	if a.retriever != nil {
		return nil // injected
	}
	dsn := a.cfg.Retrieval.PostgresDSN
	if dsn == "" {
		a.log.Info("retrieval disabled: no postgres dsn")
		return nil
	}

	dims := a.cfg.Retrieval.EmbeddingDimensions
	if dims == 0 {
		dims = 1536
	}
	corpus, err := retrieval.NewCorpus(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.corpus = corpus
	a.closers = append(a.closers, corpus.Close)

	var embedder retrieval.Embedder
	if e := a.cfg.Retrieval.Embeddings; e.APIKey != "" {
		embedder, err = retrieval.NewOpenAIEmbedder(e.APIKey, e.Model, e.BaseURL)
		if err != nil {
			return fmt.Errorf("embedder: %w", err)
		}
	}

	a.retriever = retrieval.NewClient(retrieval.Options{
		Searchers:    corpus.Searchers(embedder),
		Log:          a.log,
		SoftTimeout:  a.cfg.Retrieval.StrategyTimeout.Std(),
		HardTimeout:  a.cfg.Retrieval.TotalTimeout.Std(),
		RRFK:         a.cfg.Retrieval.RRFK,
		MinConsensus: a.cfg.Retrieval.MinConsensus,
		CacheTTL:     a.cfg.Retrieval.CacheTTL.Std(),
		CacheSize:    a.cfg.Retrieval.CacheSize,
	})
	return nil
}

func (a *App) initDispatch(ctx context.Context) error {
	if a.registry == nil {
		a.registry = dispatch.NewRegistry()
	}
	a.dispatcher = dispatch.NewDispatcher(dispatch.Options{
		Registry:      a.registry,
		ActionTimeout: a.cfg.Dispatch.ActionTimeout.Std(),
		HistorySize:   a.cfg.Dispatch.HistoryLimit,
	})

	servers := a.cfg.Dispatch.MCP.Servers
	if len(servers) == 0 {
		return nil
	}

	a.bridge = dispatch.NewMCPBridge(a.log)
	for _, sc := range servers {
		sites := sc.Sites
		if len(sites) == 0 {
			sites = []string{auth.DevPrincipal.SiteID}
		}
		err := a.bridge.Connect(ctx, a.registry, dispatch.ServerConfig{
			Name:      sc.Name,
			Transport: sc.Transport,
			Command:   sc.Command,
			URL:       sc.URL,
			Token:     sc.Token,
			Env:       sc.Env,
		}, sites)
		if err != nil {
			return fmt.Errorf("mcp server %q: %w", sc.Name, err)
		}
		a.log.Info("mcp server bridged", "server", sc.Name, "sites", sites)
	}
	a.closers = append(a.closers, a.bridge.Close)
	return nil
}

func (a *App) initPersistence(ctx context.Context) error {
	var err error

	if a.checkpoints == nil {
		switch a.cfg.Agent.Checkpoints.Kind {
		case config.StorePostgres:
			a.checkpoints, err = orchestrator.NewPGCheckpoints(ctx, a.cfg.Agent.Checkpoints.PostgresDSN)
			if err != nil {
				return fmt.Errorf("checkpoints: %w", err)
			}
		default:
			a.checkpoints = orchestrator.NewMemoryCheckpoints()
		}
	}
	a.closers = append(a.closers, a.checkpoints.Close)

	if a.store == nil {
		switch a.cfg.Outbox.Store.Kind {
		case config.StorePostgres:
			a.store, err = outbox.NewPGStore(ctx, a.cfg.Outbox.Store.PostgresDSN)
			if err != nil {
				return fmt.Errorf("outbox store: %w", err)
			}
		default:
			a.store = outbox.NewMemoryStore()
		}
	}
	a.closers = append(a.closers, a.store.Close)

	if a.sink == nil {
		switch a.cfg.Sink.Kind {
		case config.SinkRedis:
			a.sink, err = bus.NewRedisSink(ctx, bus.RedisOptions{
				Addr:     a.cfg.Sink.Redis.Addr,
				Password: a.cfg.Sink.Redis.Password,
				DB:       a.cfg.Sink.Redis.DB,
				Stream:   a.cfg.Sink.Redis.Stream,
			})
			if err != nil {
				return fmt.Errorf("redis sink: %w", err)
			}
		case config.SinkHTTP:
			a.sink = bus.NewHTTPSink(bus.HTTPOptions{
				URL:       a.cfg.Sink.HTTP.URL,
				AuthToken: a.cfg.Sink.HTTP.AuthToken,
				Timeout:   a.cfg.Sink.HTTP.Timeout.Std(),
			})
		default:
			a.sink = bus.NewMemorySink()
		}
	}
	a.closers = append(a.closers, a.sink.Close)

	// The sink sits behind a circuit breaker so a dead downstream trips
	// fast instead of timing out every record in the batch.
	guarded := &breakerSink{
		sink:    a.sink,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "sink", Log: a.log}),
	}

	a.publisher = outbox.NewPublisher(outbox.PublisherOptions{
		Store:        a.store,
		Sink:         guarded,
		Log:          a.log,
		PollInterval: a.cfg.Outbox.PollInterval.Std(),
		BatchSize:    a.cfg.Outbox.BatchSize,
		ReapInterval: a.cfg.Outbox.ReaperInterval.Std(),
		ClaimLease:   a.cfg.Outbox.LeaseDuration.Std(),
		StaleAfter:   a.cfg.Outbox.StaleAfter.Std(),
		OnPublished: func() {
			a.metrics.OutboxPublished.Add(context.Background(), 1)
		},
		OnDeadLetter: func() {
			a.metrics.OutboxDeadLetters.Add(context.Background(), 1)
		},
	})

	a.emitter = analytics.NewEmitter(&wakingAppender{
		store:       a.store,
		publisher:   a.publisher,
		maxAttempts: a.cfg.Outbox.MaxAttempts,
	}, a.log)
	return nil
}

func (a *App) initOrchestrator() {
	a.orch = orchestrator.New(orchestrator.Options{
		Guard:       a.guard,
		Ledger:      a.ledger,
		Extractor:   a.extractor,
		Retrieval:   a.retriever,
		Dispatcher:  a.dispatcher,
		Analytics:   a.emitter,
		Checkpoints: a.checkpoints,
		Log:         a.log,
		MaxLoops:    a.cfg.Agent.MaxToolLoops,
		Speculative: a.cfg.Agent.Speculative,
		TurnTimeout: a.cfg.Agent.TurnTimeout.Std(),
	})
}

func (a *App) initGateway() {
	instructions, _ := a.cfg.Provider.Options["instructions"].(string)

	var tenantCaps map[string]int
	for _, t := range a.cfg.Tenants {
		if t.SessionTokens > 0 {
			if tenantCaps == nil {
				tenantCaps = make(map[string]int)
			}
			tenantCaps[t.ID] = t.SessionTokens
		}
	}

	a.gateway = gateway.NewServer(gateway.Options{
		Auth:                a.verifier,
		Guard:               a.guard,
		Provider:            a.provider,
		Turns:               a.orch,
		Metrics:             a.metrics,
		Log:                 a.log,
		Instructions:        instructions,
		Tools:               a.toolDefs,
		ToolCall:            a.orch.ExecuteTool,
		SessionTokens:       a.cfg.Budget.SessionTokens,
		TenantSessionTokens: tenantCaps,
		PingInterval:        a.cfg.Session.PingInterval.Std(),
		PingMaxMissed:       a.cfg.Session.PingMaxMissed,
		IdleTimeout:         a.cfg.Session.IdleTimeout.Std(),
		FrameMs:             a.cfg.Session.FrameMs,
		MaxFrameBytes:       a.cfg.Session.MaxFrameBytes,
		JitterFrames:        a.cfg.Session.JitterFrames,
		VADThreshold:        a.cfg.Session.VADThreshold,
		VADHangover:         a.cfg.Session.VADHangoverFrames,
	})
}

// toolDefs exposes the site's registered actions as model-callable tools.
func (a *App) toolDefs(p types.Principal) []realtime.ToolDef {
	defs := a.registry.Snapshot(p.SiteID)
	out := make([]realtime.ToolDef, 0, len(defs))
	for _, def := range defs {
		out = append(out, realtime.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  paramSchema(def.Parameters),
		})
	}
	return out
}

// paramSchema renders an action's parameter specs as a JSON Schema object.
func paramSchema(specs []dispatch.ParamSpec) map[string]any {
	props := make(map[string]any, len(specs))
	var required []string
	for _, ps := range specs {
		prop := map[string]any{"type": ps.Type}
		if ps.Description != "" {
			prop["description"] = ps.Description
		}
		if len(ps.Enum) > 0 {
			prop["enum"] = ps.Enum
		}
		props[ps.Name] = prop
		if ps.Required {
			required = append(required, ps.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// handleDevToken mints a short-lived voice token for local testing. Mounted
// on the ops mux in the dev environment only; tenant, site, and user come
// from query parameters and default to the dev principal.
func (a *App) handleDevToken(w http.ResponseWriter, r *http.Request) {
	p := types.Principal{
		TenantID: r.URL.Query().Get("tenant"),
		SiteID:   r.URL.Query().Get("site"),
		UserID:   r.URL.Query().Get("user"),
	}
	if p.TenantID == "" {
		p.TenantID = auth.DevPrincipal.TenantID
	}
	if p.SiteID == "" {
		p.SiteID = auth.DevPrincipal.SiteID
	}
	token, err := a.verifier.Mint(p, a.cfg.Auth.TokenTTL.Std())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (a *App) initOps() {
	checkers := []health.Checker{
		{Name: "outbox", Check: func(ctx context.Context) error {
			_, err := a.store.CountStalePending(ctx, 24*time.Hour)
			return err
		}},
	}
	if a.corpus != nil {
		checkers = append(checkers, health.Checker{Name: "retrieval", Check: a.corpus.Ping})
	}
	if rs, ok := a.sink.(*bus.RedisSink); ok {
		checkers = append(checkers, health.Checker{Name: "sink", Check: rs.Ping})
	}
	a.health = health.New(checkers...)
}

// ─── Adapters ────────────────────────────────────────────────────────────────

// breakerSink wraps a sink with a circuit breaker. An open breaker fails
// deliveries immediately; the outbox keeps the records and retries later.
type breakerSink struct {
	sink    bus.Sink
	breaker *resilience.CircuitBreaker
}

func (s *breakerSink) Publish(ctx context.Context, e bus.Event) error {
	return s.breaker.Execute(func() error {
		return s.sink.Publish(ctx, e)
	})
}

func (s *breakerSink) Close() error { return nil }

// wakingAppender appends through the store and nudges the publisher so
// analytics events leave the box without waiting for the next poll tick.
// It also stamps the configured delivery attempt cap onto each record.
type wakingAppender struct {
	store       outbox.Store
	publisher   *outbox.Publisher
	maxAttempts int
}

func (w *wakingAppender) Append(ctx context.Context, rec *outbox.Record) error {
	if w.maxAttempts > 0 {
		rec.MaxAttempts = w.maxAttempts
	}
	if err := w.store.Append(ctx, rec); err != nil {
		return err
	}
	w.publisher.Wake()
	return nil
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Gateway returns the WebSocket server, for tests that drive it directly.
func (a *App) Gateway() *gateway.Server { return a.gateway }

// Orchestrator returns the turn runner.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// GatewayAddr returns the bound gateway address once Run has started
// listening, "" before that. Useful with a ":0" listen address.
func (a *App) GatewayAddr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.gwAddr
}

// OpsAddr returns the bound ops address once Run has started listening.
func (a *App) OpsAddr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.opsAddr
}

// Run starts the outbox publisher and serves the gateway and ops listeners
// until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.publisher.Start(runCtx)

	if pg, ok := a.checkpoints.(*orchestrator.PGCheckpoints); ok {
		go a.pruneCheckpoints(runCtx, pg)
	}

	gwMux := http.NewServeMux()
	gwMux.Handle("/v1/voice", a.gateway)
	a.gwServer = &http.Server{
		Handler:           gwMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)

	gwLn, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addrMu.Lock()
	a.gwAddr = gwLn.Addr().String()
	a.addrMu.Unlock()
	a.log.Info("gateway listening", "addr", gwLn.Addr().String())
	go func() { errCh <- a.serveGateway(gwLn) }()

	if a.cfg.Server.OpsAddr != "" {
		opsMux := http.NewServeMux()
		a.health.Register(opsMux)
		opsMux.Handle("/metrics", promhttp.Handler())
		if a.cfg.Server.Environment == config.EnvDev {
			opsMux.HandleFunc("/dev/token", a.handleDevToken)
		}
		a.opsServer = &http.Server{
			Handler:           observe.Middleware(a.metrics)(opsMux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		opsLn, err := net.Listen("tcp", a.cfg.Server.OpsAddr)
		if err != nil {
			return fmt.Errorf("app: listen ops %s: %w", a.cfg.Server.OpsAddr, err)
		}
		a.addrMu.Lock()
		a.opsAddr = opsLn.Addr().String()
		a.addrMu.Unlock()
		a.log.Info("ops listening", "addr", opsLn.Addr().String())
		go func() { errCh <- a.opsServer.Serve(opsLn) }()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// pruneCheckpoints sweeps abandoned session checkpoints out of Postgres so
// crashed sessions do not accumulate rows forever.
func (a *App) pruneCheckpoints(ctx context.Context, pg *orchestrator.PGCheckpoints) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := pg.Prune(ctx, 24*time.Hour)
		if err != nil {
			a.log.Warn("checkpoint prune failed", "err", err)
			continue
		}
		if n > 0 {
			a.log.Info("pruned stale checkpoints", "count", n)
		}
	}
}

func (a *App) serveGateway(ln net.Listener) error {
	if tls := a.cfg.Server.TLS; tls != nil {
		return a.gwServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	}
	return a.gwServer.Serve(ln)
}

// Shutdown tears the application down: stop accepting connections, close
// live sessions, drain the outbox, then release every subsystem in reverse
// initialisation order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		// Sessions first: the gateway handler blocks for the life of each
		// connection, so the HTTP server cannot finish shutting down until
		// they are gone.
		if a.gateway != nil {
			a.gateway.CloseAll("server shutting down")
		}
		if a.gwServer != nil {
			if err := a.gwServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("gateway server: %w", err))
			}
		}
		if a.opsServer != nil {
			if err := a.opsServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("ops server: %w", err))
			}
		}
		if a.publisher != nil {
			a.publisher.Drain(ctx)
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
