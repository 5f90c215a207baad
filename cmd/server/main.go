package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-relay/internal/api"
	"github.com/ignite/email-relay/internal/config"
	"github.com/ignite/email-relay/internal/consent"
	"github.com/ignite/email-relay/internal/mail"
	"github.com/ignite/email-relay/internal/notify"
	"github.com/ignite/email-relay/internal/pkg/distlock"
	"github.com/ignite/email-relay/internal/provider"
	"github.com/ignite/email-relay/internal/queue"
	"github.com/ignite/email-relay/internal/service"
	"github.com/ignite/email-relay/internal/template"
	"github.com/ignite/email-relay/internal/tracking"
	"github.com/ignite/email-relay/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}
	if err := queue.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("Failed to ensure queue schema: %v", err)
	}

	// Redis is optional; the queue degrades to process-local pause flags
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("Redis unreachable (%v), continuing without it", err)
			rdb = nil
		}
	}

	store := queue.New(db, rdb)

	// Provider adapters. A missing credential just means the provider is not
	// registered; the router works with whatever is available.
	creds := config.LoadCredentials()
	registry := provider.NewRegistry()
	registry.SetSendTimeout(cfg.Providers.SendTimeout)

	if creds.AWSAccessKey != "" && creds.AWSSecretKey != "" {
		ses, err := provider.NewSESSender(creds.AWSAccessKey, creds.AWSSecretKey,
			cfg.Providers.SES.Region, cfg.Providers.SES.Priority, cfg.Providers.SES.Cost)
		if err != nil {
			log.Printf("SES not registered: %v", err)
		} else {
			registry.Register(ses)
		}
	}
	if creds.SparkPostAPIKey != "" {
		registry.Register(provider.NewSparkPostSender(creds.SparkPostAPIKey,
			cfg.Providers.SparkPost.Priority, cfg.Providers.SparkPost.Cost))
	}
	if creds.SendGridAPIKey != "" {
		registry.Register(provider.NewSendGridSender(creds.SendGridAPIKey,
			cfg.Providers.SendGrid.Priority, cfg.Providers.SendGrid.Cost))
	}
	if creds.MailgunAPIKey != "" && cfg.Providers.Mailgun.Domain != "" {
		registry.Register(provider.NewMailgunSender(creds.MailgunAPIKey, cfg.Providers.Mailgun.Domain,
			cfg.Providers.Mailgun.Priority, cfg.Providers.Mailgun.Cost))
	}
	if len(registry.Senders()) == 0 {
		log.Println("WARNING: no email providers configured; jobs will queue but not send")
	}

	monitor := provider.NewMonitor(registry, cfg.Health.SweepInterval, cfg.Health.ReprobeDelay)
	registry.SetMonitor(monitor)

	// Worker pool and collaborators
	concurrency := make(map[mail.Priority]int, len(cfg.Queue.LaneConcurrency))
	for lane, n := range cfg.Queue.LaneConcurrency {
		concurrency[mail.Priority(lane)] = n
	}
	pool := worker.NewPool(store, registry, concurrency)
	pool.SetGate(consent.NewFilter(nil))

	if cfg.Templates.Dir != "" {
		source, err := template.NewDirSource(cfg.Templates.Dir)
		if err != nil {
			log.Fatalf("Failed to open template dir: %v", err)
		}
		pool.SetRenderer(template.NewEngine(source))
	}

	deliveries := tracking.New(db)
	if err := deliveries.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure delivery schema: %v", err)
	}
	pool.SetTracker(deliveries)

	// Background loops: recovery sweep (singleton via distributed lock) and
	// the dead-letter watcher feeding operator notifications.
	recoveryLock := distlock.NewLock(rdb, db, "email-relay:recovery", 1*time.Minute)
	recovery := queue.NewRecoveryWorker(store, recoveryLock, cfg.Queue.RecoveryInterval, cfg.Queue.StaleAge)
	watcher := worker.NewDeadLetterWatcher(store, notify.NewWebhookNotifier(cfg.Notify.WebhookURL), cfg.Queue.DeadLetterPoll)

	svc := service.New(store, registry, monitor, pool, db, rdb)
	svc.AddLoop(recovery.Start)
	svc.AddLoop(watcher.Run)

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	server := api.NewServer(cfg.Server, svc)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Block until shutdown signal or listener failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Printf("Service close error: %v", err)
	}
	log.Println("Shutdown complete")
}
