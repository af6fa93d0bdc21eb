// Storyloom server — turns a storyteller's idea into a finished,
// Richmond-grounded story through a staged conversation. Serves the
// HTTP API and runs the session retention loops.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/rvastories/storyloom/pkg/api"
	"github.com/rvastories/storyloom/pkg/cleanup"
	"github.com/rvastories/storyloom/pkg/config"
	"github.com/rvastories/storyloom/pkg/engine"
	"github.com/rvastories/storyloom/pkg/llm"
	"github.com/rvastories/storyloom/pkg/observe"
	"github.com/rvastories/storyloom/pkg/prompt"
	"github.com/rvastories/storyloom/pkg/store"
	"github.com/rvastories/storyloom/pkg/vector"
	"github.com/rvastories/storyloom/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Structured logging: colored for terminals, plain elsewhere.
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting storyloom",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Resolve secrets. Values never reach logs; presence does.
	secrets, err := config.LoadSecrets(cfg)
	if err != nil {
		slog.Error("Failed to load secrets", "error", err)
		os.Exit(1)
	}
	slog.Info("Secrets resolved", "present", secrets.Presence())

	// 3. Metrics provider (Prometheus bridge behind /metrics)
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    version.AppName,
		ServiceVersion: version.GitCommit,
	})
	if err != nil {
		slog.Error("Failed to initialize metrics provider", "error", err)
		os.Exit(1)
	}
	metrics := observe.DefaultMetrics()

	// 4. Session store
	var st store.Store
	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		pg, pgErr := store.NewPostgres(ctx, secrets.DatabaseURL, cfg.Session.TTL)
		if pgErr != nil {
			slog.Error("Failed to connect to session store", "error", pgErr)
			os.Exit(1)
		}
		st = pg
	default:
		st = store.NewMemory(cfg.Session.TTL)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing session store", "error", err)
		}
	}()
	slog.Info("Session store ready", "backend", cfg.Storage.Backend, "ttl", cfg.Session.TTL)

	// 5. Richmond-corpus retrieval
	var retriever vector.Retriever
	var vectorPinger *vector.PGVector
	if cfg.Vector.Backend == config.VectorBackendPgvector {
		embedder, embErr := vector.NewOpenAIEmbedder(secrets.LLMAPIKey, cfg.Vector.EmbeddingModel)
		if embErr != nil {
			slog.Error("Failed to initialize embedder", "error", embErr)
			os.Exit(1)
		}
		pv, pvErr := vector.NewPGVector(ctx, secrets.VectorDatabaseURL, embedder)
		if pvErr != nil {
			slog.Error("Failed to connect to vector store", "error", pvErr)
			os.Exit(1)
		}
		defer pv.Close()
		retriever = pv
		vectorPinger = pv
		slog.Info("Vector retrieval ready",
			"top_k", cfg.Vector.TopK,
			"embedding_model", cfg.Vector.EmbeddingModel)
	} else {
		slog.Warn("Vector retrieval disabled; stories will not be grounded in the Richmond corpus")
	}

	// 6. LLM client
	llmClient, err := llm.NewOpenAI(*cfg.LLM, secrets.LLMAPIKey,
		llm.WithMetrics(metrics),
		llm.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client ready",
		"model", cfg.LLM.Model,
		"timeout", cfg.LLM.Timeout,
		"max_inflight", cfg.LLM.MaxInflight)

	// 7. Prompt library (builtins plus optional overlay)
	library, err := prompt.Load(filepath.Join(*configDir, "prompts.yaml"))
	if err != nil {
		slog.Error("Failed to load prompt library", "error", err)
		os.Exit(1)
	}

	// 8. Conversation engine
	engineOpts := []engine.Option{
		engine.WithTemperature(cfg.LLM.Temperature),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
	}
	if retriever != nil {
		engineOpts = append(engineOpts, engine.WithRetriever(retriever, cfg.Vector.TopK))
	}
	eng := engine.New(st, llmClient, library, cfg.Styles, *cfg.Session, engineOpts...)

	// 9. Retention loops
	cleaner := cleanup.NewService(cfg.Retention, st,
		cleanup.WithMetrics(metrics),
		cleanup.WithLogger(logger))
	cleaner.Start(ctx)

	// 10. HTTP server (non-blocking)
	server := api.NewServer(cfg.Server, eng, st, cfg.Styles, logger, metrics)
	if vectorPinger != nil {
		server.SetVectorPinger(vectorPinger)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Storyloom started", "http_port", cfg.Server.HTTPPort)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop intake first, then the loops.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cleaner.Stop()

	if err := shutdownMetrics(context.Background()); err != nil {
		slog.Warn("Metrics provider shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
