// Command voxwire is the main entry point for the Voxwire voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxwire/voxwire/internal/app"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/resilience"
	"github.com/voxwire/voxwire/pkg/realtime"
	"github.com/voxwire/voxwire/pkg/realtime/mock"
	"github.com/voxwire/voxwire/pkg/realtime/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxwire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxwire starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"environment", cfg.Server.Environment,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Realtime provider ─────────────────────────────────────────────────────
	reg := realtime.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build realtime provider", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, logger, provider)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the realtime speech implementations that
// ship with Voxwire into reg.
func registerBuiltinProviders(reg *realtime.Registry) {
	reg.Register("openai-realtime", func(cfg realtime.ProviderConfig) (realtime.Provider, error) {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai-realtime requires an api key")
		}
		var opts []openai.Option
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if voice := optString(cfg.Options, "voice"); voice != "" {
			opts = append(opts, openai.WithVoice(voice))
		}
		return openai.New(cfg.APIKey, opts...), nil
	})

	// mock echoes scripted events; used in dev and demos without burning
	// provider quota.
	reg.Register("mock", func(realtime.ProviderConfig) (realtime.Provider, error) {
		return &mock.Provider{}, nil
	})
}

// buildProvider resolves the configured realtime provider. An empty provider
// name runs the gateway in text-only mode. Configured fallbacks are chained
// behind the primary with a per-provider circuit breaker.
func buildProvider(cfg *config.Config, reg *realtime.Registry) (realtime.Provider, error) {
	entry := cfg.Provider
	if entry.Name == "" {
		slog.Warn("no realtime provider configured — voice sessions degrade to text")
		return nil, nil
	}
	primary, err := createProvider(reg, entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewFallbackGroup[realtime.Provider](primary, primary.Name(), resilience.FallbackConfig{})
	for _, fb := range entry.Fallbacks {
		p, err := createProvider(reg, fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(p.Name(), p)
	}
	return &fallbackProvider{name: primary.Name(), group: group}, nil
}

func createProvider(reg *realtime.Registry, entry config.ProviderEntry) (realtime.Provider, error) {
	return reg.Create(realtime.ProviderConfig{
		Name:    entry.Name,
		APIKey:  entry.APIKey,
		BaseURL: entry.BaseURL,
		Model:   entry.Model,
		Options: entry.Options,
	})
}

// fallbackProvider dials through a provider chain: the first Connect that
// succeeds wins, and a provider whose dials keep failing is skipped while its
// breaker is open.
type fallbackProvider struct {
	name  string
	group *resilience.FallbackGroup[realtime.Provider]
}

var _ realtime.Provider = (*fallbackProvider)(nil)

func (p *fallbackProvider) Name() string { return p.name }

func (p *fallbackProvider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	return resilience.ExecuteWithResult(p.group, func(prov realtime.Provider) (realtime.Session, error) {
		return prov.Connect(ctx, cfg)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxwire — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Environment", string(cfg.Server.Environment))
	printProvider("Realtime", cfg.Provider.Name, cfg.Provider.Model)
	printProvider("Embeddings", cfg.Retrieval.Embeddings.Name, cfg.Retrieval.Embeddings.Model)
	printProvider("NLU refiner", cfg.NLU.Refiner.Name, cfg.NLU.Refiner.Model)
	if cfg.Retrieval.PostgresDSN != "" {
		printEntry("Retrieval", "pgvector")
	} else {
		printEntry("Retrieval", "(disabled)")
	}
	printEntry("Checkpoints", string(cfg.Agent.Checkpoints.Kind))
	printEntry("Outbox store", string(cfg.Outbox.Store.Kind))
	printEntry("Event sink", string(cfg.Sink.Kind))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Dispatch.MCP.Servers))
	fmt.Printf("║  Tenants         : %-19d ║\n", len(cfg.Tenants))
	if cfg.Server.ListenAddr != "" {
		printEntry("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printEntry(kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
