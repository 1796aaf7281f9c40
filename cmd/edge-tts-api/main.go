// main package for the edge-tts-api gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/edge-tts-api/internal/config"
	"github.com/book-expert/edge-tts-api/internal/core"
	"github.com/book-expert/edge-tts-api/internal/edge"
	"github.com/book-expert/edge-tts-api/internal/objectstore"
	"github.com/book-expert/edge-tts-api/internal/server"
	"github.com/book-expert/edge-tts-api/internal/synth"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "edge-tts-api.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// Load .env file if present (ignore error if not found).
	_ = godotenv.Load()

	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg := config.Load(bootstrapLog)

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	cache := setupAudioCache(cfg, finalLog)

	edgeClient := edge.New(time.Duration(cfg.Edge.ConnectTimeoutSeconds) * time.Second)
	synthService := synth.New(edgeClient, cache, cfg.Gate.DefaultVoice, finalLog)
	httpServer := server.New(cfg, synthService, edgeClient, finalLog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := httpServer.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("server exited: %w", runErr)
	}

	return nil
}

// setupAudioCache connects the optional NATS-backed audio cache. Any failure
// degrades to running without a cache.
func setupAudioCache(cfg *config.Config, log *logger.Logger) core.ObjectStore {
	if cfg.NATS.URL == "" {
		return nil
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		log.Warn("Audio cache disabled, cannot connect to NATS at %s: %v", cfg.NATS.URL, err)

		return nil
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		log.Warn("Audio cache disabled, JetStream unavailable: %v", err)
		natsConnection.Close()

		return nil
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		log.Warn("Audio cache disabled: %v", err)
		natsConnection.Close()

		return nil
	}

	log.System("Audio cache enabled, bucket '%s' at %s", cfg.NATS.AudioObjectStoreBucket, cfg.NATS.URL)

	return store
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
