package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/nurture/internal/brevo"
	"github.com/ignite/nurture/internal/bus"
	"github.com/ignite/nurture/internal/config"
	"github.com/ignite/nurture/internal/notify"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/queue"
	"github.com/ignite/nurture/internal/scheduler"
	"github.com/ignite/nurture/internal/store"
	"github.com/ignite/nurture/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	log.Println("Starting nurture workers...")

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
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

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
	retry := scheduler.NewRetryPolicy(st, settings, q, b)
	analytics := store.NewAnalyticsCache(st, rdb)
	gateway := brevo.New(settings, cfg.Brevo)
	notify.New(st).Subscribe(b)

	pollInterval := time.Duration(cfg.Workers.PollIntervalMsecs) * time.Millisecond
	sendPool := worker.NewSendWorkerPool(st, settings, q, gateway, retry, b, rdb,
		cfg.Workers.SendWorkers, cfg.Workers.SendRatePerSec)
	sendPool.SetPollInterval(pollInterval)
	followupPool := worker.NewFollowupWorkerPool(st, q, sched, rdb,
		cfg.Workers.FollowupWorkers, cfg.Workers.FollowupRate)
	followupPool.SetPollInterval(pollInterval)
	analyticsPool := worker.NewAnalyticsWorkerPool(st, q, analytics, rdb,
		cfg.Workers.AnalyticsWorkers, cfg.Workers.AnalyticsRate)
	analyticsPool.SetPollInterval(pollInterval)

	maintenance := worker.NewMaintenance(st, settings, q, rdb, db)

	sendPool.Start()
	followupPool.Start()
	analyticsPool.Start()
	if err := maintenance.Start(); err != nil {
		log.Fatalf("Failed to start maintenance cron: %v", err)
	}
	log.Printf("Worker pools running (send=%d followup=%d analytics=%d)",
		cfg.Workers.SendWorkers, cfg.Workers.FollowupWorkers, cfg.Workers.AnalyticsWorkers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down workers...")

	maintenance.Stop()
	sendPool.Stop()
	followupPool.Stop()
	analyticsPool.Stop()
	log.Println("Workers stopped")
}
