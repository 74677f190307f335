// Command worldd runs the agent orchestration server: the Queue Processor
// polling loop and the Subscription Hub's websocket endpoint, backed by
// whichever Storage Contract tier AGENT_WORLD_STORAGE_TYPE selects.
// Follows a conventional bootstrap shape: flag for the config directory,
// .env loading, component construction, then serve-until-signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/config"
	"github.com/agentworld/orchestrator/internal/hub"
	"github.com/agentworld/orchestrator/internal/llm"
	"github.com/agentworld/orchestrator/internal/llm/anthropicprovider"
	"github.com/agentworld/orchestrator/internal/llm/openaiprovider"
	"github.com/agentworld/orchestrator/internal/logging"
	"github.com/agentworld/orchestrator/internal/mcptool"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/processor"
	"github.com/agentworld/orchestrator/internal/queue"
	"github.com/agentworld/orchestrator/internal/responder"
	"github.com/agentworld/orchestrator/internal/storage"
	"github.com/agentworld/orchestrator/internal/storage/memory"
	"github.com/agentworld/orchestrator/internal/storage/postgres"
	"github.com/agentworld/orchestrator/internal/storage/sqlite"
	"github.com/agentworld/orchestrator/internal/telemetry"
	"github.com/agentworld/orchestrator/internal/world"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldd: config: %v\n", err)
		os.Exit(1)
	}

	loggers := logging.New(cfg.Logging.Levels, os.Stderr)
	log := loggers.Logger("worldd")
	log.Info("starting worldd", "config_dir", *configDir, "levels", logging.ParseLevels(cfg.Logging.Levels).String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "dev")
	if err != nil {
		log.Error("telemetry init failed, continuing without tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldd: storage: %v\n", err)
		os.Exit(2)
	}
	defer closeStorage(store, log)

	llmRegistry := buildLLMRegistry(cfg.Providers)
	defer func() {
		if err := llmRegistry.Close(); err != nil {
			log.Warn("llm registry close failed", "error", err)
		}
	}()

	toolFactory := buildToolFactory(loggers.Logger("mcptool"))
	pipeline := responder.New(llmRegistry, toolFactory, loggers.Logger("responder"))
	approvals := approval.NewMemCache()
	registry := world.NewRegistry(store, approvals, pipeline, loggers.Logger("world"))

	q := queue.New(store, queue.DefaultConfig(), registry)

	proc := processor.New(q, registry, store, withEnv(processor.DefaultConfig(), cfg.Processor), loggers.Logger("processor"))
	if err := proc.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worldd: processor start: %v\n", err)
		os.Exit(1)
	}

	h := hub.New(registry, store, q, cfg.Hub.WriteTimeout, loggers.Logger("hub"))
	srv := hub.NewServer(h)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("hub listening", "addr", cfg.Hub.Addr)
		serverErr <- srv.Start(cfg.Hub.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("hub server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Processor.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("hub shutdown error", "error", err)
	}
	proc.Stop()
	log.Info("worldd stopped")
}

// withEnv overlays cfg.Processor's parsed env values onto defaults that may
// carry fields processor.DefaultConfig doesn't set (kept distinct so a
// future field added to either struct doesn't silently go unconfigured).
func withEnv(base processor.Config, c config.ProcessorConfig) processor.Config {
	base.PollInterval = c.PollInterval
	base.PollIntervalJitter = c.PollIntervalJitter
	base.WorldIdleTimeout = c.WorldIdleTimeout
	base.ShutdownGrace = c.ShutdownGrace
	base.MaxConcurrentWorlds = c.MaxConcurrentWorlds
	return base
}

func openStorage(ctx context.Context, c config.StorageConfig) (storage.Contract, error) {
	switch c.Type {
	case "sqlite":
		return sqlite.Open(ctx, c.DataPath)
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			Host:     c.PGHost,
			Port:     c.PGPort,
			User:     c.PGUser,
			Password: c.PGPassword,
			Database: c.PGDatabase,
			SSLMode:  c.PGSSLMode,
		})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", c.Type)
	}
}

func closeStorage(store storage.Contract, log *slog.Logger) {
	type closer interface{ Close() error }
	if c, ok := store.(closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("storage close failed", "error", err)
		}
	}
}

func buildLLMRegistry(p config.ProvidersConfig) *llm.Registry {
	clients := make(map[string]llm.Client)
	if p.AnthropicAPIKey != "" {
		clients["anthropic"] = anthropicprovider.New(anthropicprovider.Config{APIKey: p.AnthropicAPIKey})
	}
	if p.OpenAIAPIKey != "" {
		clients["openai"] = openaiprovider.New(openaiprovider.Config{APIKey: p.OpenAIAPIKey})
	}
	return llm.NewRegistry(clients)
}

// buildToolFactory resolves each agent's Executor against a process-wide MCP
// client whose server registry is empty and not exposed, so no MCP server is
// reachable from agents started by worldd. Kept separate from the
// agent/world packages so server wiring stays out of the pipeline.
func buildToolFactory(log *slog.Logger) responder.ToolExecutorFactory {
	serverRegistry := mcptool.NewRegistry(nil)
	client := mcptool.NewClient(serverRegistry, log)
	return func(ctx context.Context, agent *model.Agent) (*mcptool.Executor, error) {
		return mcptool.NewExecutor(client, agent.MCPServers, agent.MCPToolFilter), nil
	}
}
