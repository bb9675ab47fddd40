// FlowRelay server: receives channel webhooks, runs the debounced
// conversational turn loop, and exposes the flow management API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/flowrelay/flowrelay/pkg/api"
	"github.com/flowrelay/flowrelay/pkg/config"
	"github.com/flowrelay/flowrelay/pkg/debounce"
	"github.com/flowrelay/flowrelay/pkg/flowmod"
	"github.com/flowrelay/flowrelay/pkg/flowstore"
	"github.com/flowrelay/flowrelay/pkg/llm"
	"github.com/flowrelay/flowrelay/pkg/session"
	"github.com/flowrelay/flowrelay/pkg/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML configuration file")
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Redis: session state, buffers, and supersession epochs.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis", "addr", cfg.RedisAddr)

	// PostgreSQL: flow definitions, version history, transcript.
	// Migrations apply on startup.
	flows, err := flowstore.NewStore(ctx, flowstore.Config{
		DSN:          cfg.DatabaseURL,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := flows.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	llmClient, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond,
		MaxRetries:  cfg.LLM.MaxRetries,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized", "model", cfg.LLM.Model)

	sessionStore := store.NewRedisStore(rdb, store.RedisOptions{Namespace: cfg.RedisNamespace})
	debouncer := debounce.New(sessionStore, cfg.CheckInterval(), logger)
	modExecutor := flowmod.NewExecutor(flows, llmClient, logger)
	registry := api.NewRegistry(flows, llmClient, modExecutor, cfg, logger)
	sessions := session.NewManager(sessionStore, debouncer, registry, flows, cfg, logger)

	server := api.NewServer(sessions, flows, modExecutor, rdb, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// In-flight webhook workers hold the only reply for their burst; give
	// them time to emit before cutting connections.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
