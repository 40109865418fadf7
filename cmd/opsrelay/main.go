package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opsrelay/opsrelay/internal/buffer"
	"github.com/opsrelay/opsrelay/internal/config"
	"github.com/opsrelay/opsrelay/internal/escalate"
	"github.com/opsrelay/opsrelay/internal/hub"
	"github.com/opsrelay/opsrelay/internal/meta"
	"github.com/opsrelay/opsrelay/internal/model"
	"github.com/opsrelay/opsrelay/internal/persist"
	"github.com/opsrelay/opsrelay/internal/pkg/security"
	"github.com/opsrelay/opsrelay/internal/registry"
	"github.com/opsrelay/opsrelay/internal/server"
	"github.com/opsrelay/opsrelay/internal/sink"
)

func main() {
	port := flag.Int("port", 8090, "HTTP port to listen on")
	retentionStr := flag.String("retention", "168h", "Data retention duration (e.g. 72h)")
	dataDir := flag.String("data", "./data", "Directory for durable data")
	backend := flag.String("backend", "sqlite", "Durable backend: sqlite, segments, off")
	bufferCap := flag.Int("buffer", 1000, "In-memory ring buffer capacity")
	replay := flag.Int("replay", 100, "Records replayed to new subscribers")
	flag.Parse()

	retention, err := time.ParseDuration(*retentionStr)
	if err != nil {
		log.Fatalf("Invalid retention duration: %v", err)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	log.Println("OpsRelay v0.1 starting...")

	// Master key protects the metadata file at rest.
	generated, err := security.InitMasterKey(filepath.Join(*dataDir, ".opsrelay.key"))
	if err != nil {
		log.Fatalf("Master key init failed: %v", err)
	}
	if generated {
		log.Println("Generated new master key. Back it up or set OPSRELAY_MASTER_KEY.")
	}

	metaStore := meta.NewStore(filepath.Join(*dataDir, "meta.enc"))
	if err := metaStore.Load(); err != nil {
		log.Fatalf("Metadata load failed: %v", err)
	}

	cfg := config.Default()
	cfg.BufferCapacity = *bufferCap
	cfg.ReplayCount = *replay
	cfg.Retention = retention
	cfg.Backend = *backend

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable backend. The pipeline runs memory-only when it is off.
	var store persist.Adapter
	var history escalate.HistoryStore
	var recorder escalate.IncidentRecorder
	var audit escalate.AuditStore
	switch cfg.Backend {
	case "sqlite":
		db, err := persist.OpenSQLite(filepath.Join(*dataDir, "opsrelay.db"))
		if err != nil {
			log.Fatalf("SQLite open failed: %v", err)
		}
		store, history, recorder, audit = db, db, db, db
	case "segments":
		seg, err := persist.OpenSegments(filepath.Join(*dataDir, "segments"))
		if err != nil {
			log.Fatalf("Segment store open failed: %v", err)
		}
		store = seg
	case "off":
		log.Println("Durable backend disabled; running memory-only")
	default:
		log.Fatalf("Unknown backend %q", cfg.Backend)
	}

	ring := buffer.NewRing(cfg.BufferCapacity)
	var searcher hub.Searcher
	if store != nil {
		searcher = store
	}
	h := hub.New(ring, searcher, cfg.ReplayCount, cfg.PushTimeout)
	sk := sink.New(h, store, cfg.PersistQueueSize)
	log.Printf("Pipeline initialized. Buffer: %d, Replay: %d, Backend: %s", cfg.BufferCapacity, cfg.ReplayCount, cfg.Backend)

	if store != nil {
		go persist.RunCleaner(ctx, store, time.Hour, cfg.Retention)
	}

	// Notification channels. Webhook endpoints come from the metadata
	// settings; channels without one fall back to process-log delivery.
	settings := metaStore.GetData().Settings
	channels := []escalate.Channel{escalate.DashboardChannel{Sink: sk}}
	if settings.ChatWebhook != "" {
		channels = append(channels, escalate.NewWebhookChannel(model.ChannelChat, settings.ChatWebhook, 10*time.Second))
	} else {
		channels = append(channels, escalate.LogChannel{ChannelName: model.ChannelChat})
	}
	if settings.EmailWebhook != "" {
		channels = append(channels, escalate.NewWebhookChannel(model.ChannelEmail, settings.EmailWebhook, 10*time.Second))
	} else {
		channels = append(channels, escalate.LogChannel{ChannelName: model.ChannelEmail})
	}

	esc := cfg.Escalation
	engine := escalate.NewEngine(
		escalate.NewScorer(history, esc.Lookback, esc.CriticalComponents),
		escalate.NewDetector(history, esc.Lookback),
		escalate.NewPolicy(esc),
		escalate.StaticRecommender{},
		escalate.NewDispatcher(channels, escalate.NewMemoryRetryQueue(256)),
		recorder,
		audit,
	)

	agentStore := registry.NewStore()
	agentStore.StartCleanupLoop(ctx, time.Minute, 10*time.Minute)

	srv := server.New(sk, h, engine, metaStore, registry.NewServer(agentStore))
	addr := fmt.Sprintf(":%d", *port)

	go func() {
		log.Printf("Listening on %s", addr)
		if err := srv.Start(addr); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal: %v. Shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	cancel()
	sk.Close()
	if store != nil {
		log.Println("Flushing durable store...")
		if err := store.Close(); err != nil {
			log.Printf("Store close failed: %v", err)
		}
	}

	log.Println("OpsRelay exited gracefully.")
}
