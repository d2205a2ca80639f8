// Command sweeper runs the presence sweeper as its own process, for
// deployments that set RUN_SWEEPER=false on the realtime servers. It also
// serves Prometheus metrics.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/buddy-chat/internal/config"
	"github.com/whisper/buddy-chat/internal/messaging"
	"github.com/whisper/buddy-chat/internal/metrics"
	"github.com/whisper/buddy-chat/internal/presence"
	"github.com/whisper/buddy-chat/internal/storage"
)

func main() {
	log.Println("Starting buddy chat presence sweeper...")

	cfg := config.Load()
	if err := cfg.ValidateBackends(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis setup.
	rdb, err := storage.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// Forced-offline transitions are published like any other presence
	// change, so subscribers on every server see them.
	var bus messaging.Bus = messaging.NewLocalBus()
	if cfg.FanoutBackend == config.BackendNATS {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "buddy-chat-sweeper"
		bus, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	store := presence.NewStore(rdb, messaging.NewFanout(bus))
	go store.StartSweeper(ctx, cfg.SweepInterval)

	metricsSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("Buddy chat presence sweeper running")
	log.Printf("  redis_addr: %s", cfg.RedisAddr)
	log.Printf("  fanout:     %s", cfg.FanoutBackend)
	log.Printf("  interval:   %s", cfg.SweepInterval)
	log.Printf("  metrics:    %s", cfg.ListenAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	_ = metricsSrv.Shutdown(shutdownCtx)
	done()
	bus.Close()
	rdb.Close()
}
