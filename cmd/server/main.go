// Glance - Voice Assistant Streaming Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/glance/internal/api"
	"github.com/ashureev/glance/internal/config"
	"github.com/ashureev/glance/internal/conn"
	"github.com/ashureev/glance/internal/proto/assist"
	"github.com/ashureev/glance/internal/session"
	"github.com/ashureev/glance/internal/streaming"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "grpc_addr", cfg.GRPCAddr, "engine", cfg.Engine)

	// Initialize dependencies.
	registry := session.NewRegistry(cfg.SessionTTL, logger)

	var text streaming.TextGenerator
	switch cfg.Engine {
	case "openai":
		text = &streaming.OpenAIGenerator{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBase,
			Model:   cfg.OpenAIModel,
		}
	default:
		text = &streaming.ScriptedGenerator{}
	}
	tts := &streaming.ToneSynthesizer{}

	svc := streaming.NewService(registry, text, tts, streaming.Config{
		MaxCallDuration: cfg.MaxCallDuration,
	}, logger)

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(assist.Codec{}),
		grpc.MaxRecvMsgSize(conn.MaxMessageSize),
		grpc.MaxSendMsgSize(conn.MaxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             60 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Hour,
			Timeout: 20 * time.Second,
		}),
	)
	assist.RegisterAssistServiceServer(grpcServer, svc)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		slog.Error("Failed to listen", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}

	// Setup debug router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	api.NewHandler(registry).RegisterRoutes(r)

	debugSrv := &http.Server{
		Addr:        cfg.DebugAddr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start TTL sweeper.
	registry.StartSweeper(ctx)
	slog.Info("Session sweeper started", "ttl", cfg.SessionTTL)

	go func() {
		slog.Info("Debug server listening", "addr", debugSrv.Addr)
		if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Debug server failed", "error", err)
		}
	}()

	go func() {
		slog.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := debugSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Debug server forced to shutdown", "error", err)
	}

	// Abort in-flight completions so GracefulStop does not wait on them.
	if oa, ok := text.(*streaming.OpenAIGenerator); ok {
		oa.Stop()
	}

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	slog.Info("Server stopped successfully")
}
