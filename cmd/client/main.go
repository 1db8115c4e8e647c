// Glance - Voice Assistant Client
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashureev/glance/internal/assistant"
	"github.com/ashureev/glance/internal/config"
	"github.com/ashureev/glance/internal/conn"
	"github.com/ashureev/glance/internal/diag"
	"github.com/ashureev/glance/internal/eventbus"
	"github.com/ashureev/glance/internal/identity"
	"github.com/ashureev/glance/internal/mode"
	"github.com/ashureev/glance/internal/playback"
	"github.com/ashureev/glance/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	hardwareID, err := identity.HardwareID(cfg.StateDir)
	if err != nil {
		slog.Error("Failed to establish hardware identity", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting client", "hardware_id", hardwareID, "server", cfg.DefaultServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event bus and its dispatch loop.
	bus := eventbus.New(0, logger)
	go bus.Run(ctx)

	modes := mode.NewMachine(bus, logger)

	// Connection manager.
	backoff, err := conn.NewBackoff(cfg.RetryStrategy, cfg.RetryBase, cfg.RetryMaxDelay)
	if err != nil {
		slog.Error("Failed to build retry backoff", "error", err)
		os.Exit(1)
	}
	manager, err := conn.NewManager(conn.Config{
		Servers:          cfg.Servers,
		DefaultServer:    cfg.DefaultServer,
		ConnectTimeout:   cfg.ConnectTimeout,
		KeepaliveTime:    conn.DefaultConfig().KeepaliveTime,
		KeepaliveTimeout: conn.DefaultConfig().KeepaliveTimeout,
		Backoff:          backoff,
		MaxAttempts:      cfg.RetryAttempts,
		HealthInterval:   cfg.HealthInterval,
		FailureThreshold: conn.DefaultConfig().FailureThreshold,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize connection manager", "error", err)
		os.Exit(1)
	}

	// The initial connect is the one failure the user must see immediately;
	// everything after it is retried in the background.
	if err := manager.Connect(ctx, ""); err != nil {
		slog.Error("Failed to connect to server", "error", err)
		os.Exit(1)
	}
	defer manager.Disconnect()
	manager.StartHealthProbe(ctx)
	slog.Info("Connected", "server", cfg.DefaultServer)

	// Workflows.
	listening := workflow.NewListening(bus, modes, workflow.ListeningConfig{
		Debounce:    cfg.Debounce,
		MaxDuration: cfg.MaxRecording,
	}, logger)
	listening.Start(ctx)
	defer listening.Stop()

	processing := workflow.NewProcessing(bus, modes, workflow.ProcessingConfig{
		StageTimeout:   cfg.StageTimeout,
		OverallTimeout: cfg.OverallTimeout,
	}, logger)
	processing.Start(ctx)
	defer processing.Stop()

	// RPC bridge and playback.
	prompts := func(ctx context.Context, sessionID string) (string, error) {
		return os.Getenv("GLANCE_PROMPT"), nil
	}
	streamer := assistant.NewStreamer(bus, manager, prompts, assistant.Config{
		HardwareID:   hardwareID,
		ScreenWidth:  cfg.ScreenWidth,
		ScreenHeight: cfg.ScreenHeight,
	}, logger)
	streamer.Start(ctx)
	defer streamer.Stop()

	player := playback.NewPlayer(bus, &playback.DiscardSink{}, logger)
	player.Start()
	defer player.Stop()

	// Diagnostics endpoint for attached tooling.
	go func() {
		if err := diag.Serve(ctx, cfg.DiagAddr, bus, logger); err != nil {
			slog.Warn("Diag server failed", "error", err)
		}
	}()

	slog.Info("Client ready", "mode", modes.Current().String())

	<-ctx.Done()
	stop()

	slog.Info("Client stopped")
}
