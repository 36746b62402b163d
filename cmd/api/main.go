package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudexport/backend/internal/api"
	"github.com/cloudexport/backend/internal/auth"
	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/controller"
	"github.com/cloudexport/backend/internal/ledger"
	"github.com/cloudexport/backend/internal/mailer"
	"github.com/cloudexport/backend/internal/metrics"
	"github.com/cloudexport/backend/internal/queue"
	"github.com/cloudexport/backend/internal/storage"
	"github.com/cloudexport/backend/internal/store"
	"github.com/cloudexport/backend/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	st := store.NewPostgres(db)
	if err := st.Init(ctx); err != nil {
		log.Fatalf("init store schema: %v", err)
	}
	led := ledger.NewPostgres(db)
	if err := led.Init(ctx); err != nil {
		log.Fatalf("init ledger schema: %v", err)
	}

	var bus queue.Bus
	redisBus, err := queue.NewRedisBus(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, using in-process bus", "error", err)
		bus = queue.NewMemoryBus()
	} else {
		bus = redisBus
	}

	objects, err := storage.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatalf("init object store: %v", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	admin, err := auth.BootstrapAdmin(ctx, st, cfg)
	if err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}
	logger.Info("admin account ready", "email", admin.Email)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	mail := mailer.New(cfg, logger)
	ctrl := controller.New(cfg, st, led, bus, objects, m, logger)
	hook := webhook.New(cfg, st, led, mail, logger)
	server := api.NewServer(cfg, st, ctrl, hook, bus, m, registry, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("api listening", "addr", httpServer.Addr, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
