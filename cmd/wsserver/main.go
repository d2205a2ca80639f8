package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/buddy-chat/internal/api"
	"github.com/whisper/buddy-chat/internal/auth"
	"github.com/whisper/buddy-chat/internal/config"
	"github.com/whisper/buddy-chat/internal/conversation"
	"github.com/whisper/buddy-chat/internal/directory"
	"github.com/whisper/buddy-chat/internal/messaging"
	"github.com/whisper/buddy-chat/internal/presence"
	"github.com/whisper/buddy-chat/internal/ratelimit"
	"github.com/whisper/buddy-chat/internal/roster"
	"github.com/whisper/buddy-chat/internal/service"
	"github.com/whisper/buddy-chat/internal/session"
	"github.com/whisper/buddy-chat/internal/storage"
	"github.com/whisper/buddy-chat/internal/typing"
	"github.com/whisper/buddy-chat/internal/ws"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Redis ---
	rdb, err := storage.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- Fanout ---
	var bus messaging.Bus
	switch cfg.FanoutBackend {
	case config.BackendNATS:
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "buddy-chat-" + cfg.ServerName
		bus, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	default:
		bus = messaging.NewLocalBus()
	}
	fanout := messaging.NewFanout(bus)

	// --- Stores ---
	var (
		db       *sql.DB
		rosterDB roster.Store
		chatDB   conversation.Store
		profiles directory.Directory
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if cfg.MigrateOnStart {
			if err := storage.Migrate(cfg.DatabaseURL); err != nil {
				log.Fatalf("failed to migrate database: %v", err)
			}
		}
		db, err = storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		rosterDB = roster.NewPostgresStore(db)
		chatDB = conversation.NewPostgresStore(db)
		profiles, err = directory.NewGormDirectory(db)
		if err != nil {
			log.Fatalf("failed to open user directory: %v", err)
		}
	default:
		rosterDB = roster.NewMemoryStore()
		chatDB = conversation.NewMemoryStore()
		profiles = directory.NewStatic()
	}

	// --- Core ---
	limiter := ratelimit.NewLimiter(rdb)
	presenceStore := presence.NewStore(rdb, fanout)
	graph := roster.NewGraph(rosterDB, fanout)
	tracker := typing.NewTracker(rdb, fanout)
	router := conversation.NewRouter(chatDB, graph, limiter, tracker, fanout)
	svc := service.New(service.Deps{
		Presence:  presenceStore,
		Roster:    graph,
		Typing:    tracker,
		Chat:      router,
		Limiter:   limiter,
		Directory: profiles,
	})

	if cfg.RunSweeper {
		go presenceStore.StartSweeper(ctx, cfg.SweepInterval)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:          cfg.ListenAddr,
		WorkerPoolSize:      cfg.WorkerPoolSize,
		MaxConnections:      cfg.MaxConnections,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		OfflineOnDisconnect: cfg.OfflineOnDisconnect,
	}, ws.Options{
		Service:  svc,
		Fanout:   fanout,
		Verifier: verifier,
		Sessions: session.NewStore(rdb, cfg.ServerName),
		API:      api.NewRouter(svc, verifier),
	})

	log.Printf("Buddy chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  fanout:          %s", cfg.FanoutBackend)
	log.Printf("  store:           %s", cfg.StoreBackend)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  sweeper:         %v (every %s)", cfg.RunSweeper, cfg.SweepInterval)
	log.Printf("  server_name:     %s", cfg.ServerName)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := bus.Close(); err != nil {
			log.Printf("fanout close error: %v", err)
		}
		if db != nil {
			db.Close()
		}
		rdb.Close()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
