package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/feedwright/feedwright/aggregate"
	"github.com/feedwright/feedwright/config"
	"github.com/feedwright/feedwright/export"
	"github.com/feedwright/feedwright/feed"
	"github.com/feedwright/feedwright/followsync"
	"github.com/feedwright/feedwright/ingest"
	"github.com/feedwright/feedwright/jetstream"
	"github.com/feedwright/feedwright/jobs"
	"github.com/feedwright/feedwright/retention"
	"github.com/feedwright/feedwright/scope"
	"github.com/feedwright/feedwright/storage"
	"github.com/feedwright/feedwright/web"
)

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "diagnostics" {
		runDiagnostics(os.Args[2:])
		return
	}

	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg := loadConfig(*configPath)
	store := openStore(cfg)
	defer store.Close()

	if err := store.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	var legacy *storage.LegacyStore
	if cfg.Storage.LegacyPath != "" {
		var err error
		legacy, err = storage.OpenLegacy(cfg.Storage.LegacyPath, statementTimeout(cfg))
		if err != nil {
			log.Fatalf("Failed to open legacy store: %v", err)
		}
		defer legacy.Close()
	}

	resolver := scope.NewResolver(store, cfg.Scope)
	projector := ingest.NewProjector(store, resolver)
	stream := jetstream.NewClient(cfg.Jetstream, store, projector)

	aggregator := aggregate.NewAggregator(store, cfg.Scope.Publishers, cfg.Aggregation.WindowHours)
	trimmer := retention.NewTrimmer(store, cfg.Retention)
	syncer := followsync.NewSyncer(store,
		followsync.NewClient(cfg.FollowSync.AppViewURL, cfg.FollowSync.PageSize), resolver)

	tracker := feed.NewTracker(store)
	feeds := feed.NewEngine(store, feed.NewRegistry(), tracker, resolver, cfg.Scope.Publishers, cfg.Aggregation.WindowHours)
	exports := export.NewEngine(store, legacy, cfg.Scope.Publishers)
	server := web.NewServer(cfg, store, feeds, exports)

	supervisor := jobs.NewSupervisor()
	supervisor.Every("aggregation", time.Duration(cfg.Aggregation.IntervalMinutes)*time.Minute, aggregator.Run)
	supervisor.Every("follow_refresh", time.Duration(cfg.FollowSync.IntervalMinutes)*time.Minute, syncer.RefreshAll)
	if cfg.Retention.Enabled {
		supervisor.Every("retention", time.Duration(cfg.Retention.IntervalMinutes)*time.Minute, trimmer.Run)
	}
	if err := supervisor.Cron("follow_resync", cfg.FollowSync.ResyncCron, syncer.ResyncAll); err != nil {
		log.Fatalf("Failed to schedule follow resync: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.Start(ctx)
	stream.Start(ctx)
	supervisor.Start(ctx)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	cancel()
	supervisor.Stop()
	stream.Stop()
	tracker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

// loadConfig reads the config file; a missing file is not an error, the
// defaults plus FEEDWRIGHT_* environment overrides apply.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Config: %s not found, using defaults and environment", path)
		return config.Default()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func openStore(cfg *config.Config) *storage.Store {
	store, err := storage.Open(cfg.Storage.Path, statementTimeout(cfg))
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	return store
}

func statementTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Storage.StatementTimeout) * time.Second
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	store := openStore(cfg)
	defer store.Close()

	if err := store.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations applied")
}

func runDiagnostics(args []string) {
	fs := flag.NewFlagSet("diagnostics", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	store := openStore(cfg)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tables, err := store.TableCounts(ctx)
	if err != nil {
		log.Fatalf("Failed to read table counts: %v", err)
	}
	cursor, err := store.GetCursor(ctx, "jetstream")
	if err != nil {
		log.Fatalf("Failed to read cursor: %v", err)
	}

	out := map[string]any{
		"tables": tables,
		"cursor": cursor,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("Failed to encode diagnostics: %v", err)
	}
}
