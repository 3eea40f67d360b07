// Command debitumd runs the Debitum sync server: the authoritative event log,
// projections, permissions, and the sync protocol endpoints.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/debitum-app/debitum/internal/config"
	"github.com/debitum-app/debitum/internal/eventlog"
	"github.com/debitum-app/debitum/internal/httpapi"
	"github.com/debitum-app/debitum/internal/platform/database"
	"github.com/debitum-app/debitum/internal/platform/logging"
	"github.com/debitum-app/debitum/internal/platform/migrations"
	"github.com/debitum-app/debitum/internal/rebuild"
	"github.com/debitum-app/debitum/internal/scheduler"
	"github.com/debitum-app/debitum/internal/snapshots"
	"github.com/debitum-app/debitum/internal/storage"
	memorystore "github.com/debitum-app/debitum/internal/storage/memory"
	postgresstore "github.com/debitum-app/debitum/internal/storage/postgres"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	logger := logging.NewFromEnv("debitumd")

	var cfg *config.Config
	var err error
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		cfg, err = config.LoadFile(trimmed)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	rootCtx := context.Background()

	dsnVal := strings.TrimSpace(*dsn)
	if dsnVal == "" {
		dsnVal = strings.TrimSpace(cfg.Database.DSN)
	}

	var (
		db    *sql.DB
		store storage.Store
		elog  eventlog.Log
	)
	if dsnVal != "" {
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		defer db.Close()
		database.Configure(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		if *runMigrations {
			if err := migrations.Apply(db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store = postgresstore.New(db)
		elog = eventlog.NewPostgresLog(db)
		logger.WithFields(map[string]interface{}{"storage": "postgres"}).Info("Storage ready")
	} else {
		store = memorystore.New()
		elog = eventlog.NewMemoryLog()
		logger.WithFields(map[string]interface{}{"storage": "memory"}).
			Warn("No DSN configured; using in-memory storage (state is lost on exit)")
	}

	rebuilder := rebuild.New(elog, store, store, logger)
	snapMgr := snapshots.NewManager(store, elog, logger, cfg.Snapshots.Interval, cfg.Snapshots.Retain)

	handler, svc := httpapi.NewHandler(httpapi.Options{
		Log:             elog,
		Store:           store,
		Rebuilder:       rebuilder,
		Snapshots:       snapMgr,
		Auth:            httpapi.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Logger:          logger,
		RateLimitMax:    cfg.RateLimit.MaxRequests,
		RateLimitWindow: cfg.RateLimit.Window,
	})

	sched, err := scheduler.New(store, elog, snapMgr, rebuilder, logger, cfg.Scheduler.CompactionSpec)
	if err != nil {
		log.Fatalf("init scheduler: %v", err)
	}
	sched.Start()

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = cfg.Server.Addr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": listenAddr}).Info("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	sched.Stop()
	svc.Hub().Close()

	shutdownCtx, cancel := context.WithTimeout(rootCtx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Shutdown did not complete cleanly")
	}
}
