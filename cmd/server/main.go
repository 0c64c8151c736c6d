package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/api"
	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/config"
	"github.com/ignite/nurture/internal/ingest"
	"github.com/ignite/nurture/internal/notify"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/scheduler"
	"github.com/ignite/nurture/internal/store"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	log.Println("Starting nurture API server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("Connected to redis")

	st := store.New(db)
	settings := store.NewSettingsCache(st, rdb)
	q := queue.NewClient(rdb)
	b := bus.New()
	guard := scheduler.NewGuard(st, rdb)
	sched := scheduler.New(st, settings, q, guard, b)
	triggers := scheduler.NewTriggerEngine(st, settings, sched, b)
	retry := scheduler.NewRetryPolicy(st, settings, q, b)
	analytics := store.NewAnalyticsCache(st, rdb)
	pipeline := ingest.NewPipeline(st, q, triggers, retry, analytics, b)
	// The bus is in-process: the analytics feed has to be wired where the
	// webhook ingestor publishes, not in the worker binary.
	ingest.SubscribeAnalyticsFeed(b, q)
	notify.New(st).Subscribe(b)

	handlers := api.NewHandlers(st, pipeline, sched, q, settings, analytics)
	server := api.NewServer(cfg.Server, handlers)

	go func() {
		log.Printf("Listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
