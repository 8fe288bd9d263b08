// MASC coordination server — shared room for autonomous agents: task
// backlog, file locks, broadcast log and checkpoint workflow over a
// JSON-RPC/SSE transport.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/api"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/auth"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/config"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/hub"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/orchestrator"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/ratelimit"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/room"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/rpc"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/secure"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/tools"
	"github.com/jeong-sik/masc-mcp-sub011/pkg/version"
)

func main() {
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting MASC",
		"version", version.Full(),
		"storage", cfg.Storage,
		"cluster", cfg.ClusterName,
		"http_port", cfg.HTTPPort)

	// 2. Storage backend
	var codec storage.ValueCodec
	if cfg.EncryptionKey != "" {
		c, err := secure.NewCodec(cfg.EncryptionKey)
		if err != nil {
			slog.Error("Invalid encryption key", "error", err)
			os.Exit(1)
		}
		codec = c
		slog.Info("Value encryption at rest enabled")
	}
	store, err := storage.Open(ctx, storage.Options{
		Backend:     cfg.Storage,
		BasePath:    cfg.BasePath,
		RedisURL:    cfg.RedisURL,
		PostgresDSN: cfg.PostgresDSN,
		ClusterName: cfg.ClusterName,
		Codec:       codec,
	})
	if err != nil {
		slog.Error("Failed to open storage backend", "backend", cfg.Storage, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing storage backend", "error", err)
		}
	}()
	slog.Info("Storage backend ready", "backend", cfg.Storage)

	// 3. Room and SSE hub
	eventHub := hub.New(hub.WithRingSize(cfg.RingSize))
	coordRoom := room.New(store,
		room.WithNotifier(eventHub),
		room.WithLivenessThresholds(cfg.ZombieAfter, cfg.LeftAfter))
	if err := coordRoom.Init(ctx, version.Full()); err != nil {
		slog.Error("Failed to initialize room", "error", err)
		os.Exit(1)
	}
	slog.Info("Room initialized")

	// 4. Auth gate, rate limiter, tool registry
	gate := auth.NewGate(store, cfg.AuthSecret)
	if gate.Enabled() {
		slog.Info("Token authentication enabled")
	}
	limiter := ratelimit.New()
	registry := tools.New(coordRoom, gate, limiter, eventHub, tools.ServerInfo{
		Name:      version.AppName,
		Version:   version.Full(),
		Backend:   cfg.Storage,
		Endpoints: []string{"/mcp", "/sse", "/messages", "/health"},
		Encrypted: codec != nil,
	})

	// 5. Orchestrator tempo loop
	loop := orchestrator.New(coordRoom, store, eventHub, limiter,
		orchestrator.WithCheckpointTimeout(cfg.CheckpointTimeout))
	loop.Start(ctx)
	defer loop.Stop()
	registry.SetTempo(loop)

	// 6. HTTP transport
	rpcHandler := rpc.NewHandler(registry, eventHub, version.AppName, version.Full(),
		rpc.WithDefaultVersion(cfg.ProtocolVersion))
	server := api.NewServer(eventHub, rpcHandler, registry, gate)

	// 7. Run until a shutdown signal or a server failure
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		// 8. Staged graceful shutdown: reject new requests, notify SSE
		// subscribers, drain in-flight work within the budget.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
