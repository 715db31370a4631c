package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensandbox/proclist/internal/api"
	"github.com/opensandbox/proclist/internal/auth"
	"github.com/opensandbox/proclist/internal/config"
	"github.com/opensandbox/proclist/internal/controlplane"
	"github.com/opensandbox/proclist/internal/db"
	"github.com/opensandbox/proclist/internal/engine"
	"github.com/opensandbox/proclist/internal/filefinder"
	"github.com/opensandbox/proclist/internal/metrics"
	"github.com/opensandbox/proclist/internal/notify"
	"github.com/opensandbox/proclist/internal/publisher"
	"github.com/opensandbox/proclist/internal/storage"
	"github.com/opensandbox/proclist/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// Flow state
	flows, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open flow store: %v", err)
	}
	defer flows.Close()
	log.Printf("proclist: SQLite data directory: %s", cfg.DataDir)

	// Agent discovery: Redis heartbeats, or one static agent for development
	var dir controlplane.Directory
	switch {
	case cfg.RedisURL != "":
		registry, err := controlplane.NewAgentRegistry(cfg.RedisURL, cfg.MaxFetchBytes)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		registry.Start()
		defer registry.Stop()
		dir = registry
		log.Println("proclist: Redis agent registry started")
	case cfg.StaticAgentAddr != "":
		static, err := controlplane.NewStaticAgents(cfg.StaticAgentID, cfg.StaticAgentAddr, cfg.MaxFetchBytes)
		if err != nil {
			log.Fatalf("failed to dial agent %s: %v", cfg.StaticAgentAddr, err)
		}
		defer static.Close()
		dir = static
		log.Printf("proclist: static agent %s at %s", cfg.StaticAgentID, cfg.StaticAgentAddr)
	default:
		log.Fatal("no agents configured: set PROCLIST_REDIS_URL or PROCLIST_AGENT_ADDR")
	}
	router := controlplane.NewRouter(dir)

	// Binary storage for fetched executables (optional)
	var blobs filefinder.BlobStore
	var binaries api.BinaryStore
	if cfg.S3Bucket != "" {
		bs, err := storage.NewBinaryStore(storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Printf("proclist: failed to initialize binary store: %v (binaries will not be stored)", err)
		} else {
			blobs = bs
			binaries = bs
			log.Printf("proclist: S3 binary store configured (bucket=%s, region=%s)", cfg.S3Bucket, cfg.S3Region)
		}
	}

	finder, err := filefinder.New(router, blobs)
	if err != nil {
		log.Fatalf("failed to create file finder: %v", err)
	}
	defer finder.Close()

	// Notifications
	var notifier notify.Notifier = notify.LogNotifier{}
	var feed api.NotificationFeed
	if cfg.RedisURL != "" {
		rn, err := notify.NewRedisNotifier(cfg.RedisURL)
		if err != nil {
			log.Printf("proclist: redis notifier not available: %v (logging notifications)", err)
		} else {
			defer rn.Close()
			notifier = rn
			feed = rn
		}
	}

	eng := engine.New(engine.Config{
		Store:        flows,
		Agents:       router,
		Children:     finder,
		Notifier:     notifier,
		RPCTimeout:   cfg.RPCTimeout,
		ChildTimeout: cfg.ChildTimeout,
	})
	defer eng.Close()

	if err := eng.Recover(ctx); err != nil {
		log.Printf("proclist: flow recovery failed: %v", err)
	}

	// Result stream: SQLite outbox -> NATS JetStream -> PostgreSQL archive
	if cfg.NATSURL != "" {
		pub, err := publisher.New(cfg.NATSURL, flows)
		if err != nil {
			log.Printf("proclist: NATS publisher not available: %v (continuing without)", err)
		} else {
			pub.Start()
			defer pub.Stop()
			log.Println("proclist: NATS result publisher started")
		}
	}

	var archive api.ResultArchive
	if cfg.DatabaseURL != "" {
		pg, err := db.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer pg.Close()

		log.Println("proclist: running database migrations...")
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Println("proclist: database migrations complete")
		archive = pg

		if cfg.NATSURL != "" {
			consumer, err := db.NewSyncConsumer(pg, cfg.NATSURL)
			if err != nil {
				log.Printf("proclist: NATS sync consumer not available: %v (continuing without)", err)
			} else if err := consumer.Start(); err != nil {
				log.Printf("proclist: failed to start NATS sync consumer: %v", err)
			} else {
				defer consumer.Stop()
				log.Println("proclist: NATS sync consumer started")
			}
		}
	} else {
		log.Println("proclist: no DATABASE_URL configured, running without result archive")
	}

	var tokens *auth.TokenIssuer
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenIssuer(cfg.JWTSecret)
		log.Println("proclist: flow read tokens enabled")
	}

	if cfg.MetricsAddr != "" {
		ms := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer ms.Close()
	}

	server := api.NewServer(api.Config{
		Engine:        eng,
		Store:         flows,
		Agents:        router,
		Archive:       archive,
		Binaries:      binaries,
		Notifications: feed,
		Tokens:        tokens,
		APIKey:        cfg.APIKey,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("proclist: starting server on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("proclist: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error closing server: %v", err)
	}
}
