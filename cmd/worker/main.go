package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/ledger"
	"github.com/cloudexport/backend/internal/mailer"
	"github.com/cloudexport/backend/internal/queue"
	"github.com/cloudexport/backend/internal/storage"
	"github.com/cloudexport/backend/internal/store"
	"github.com/cloudexport/backend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	gpuClass := os.Getenv("GPU_CLASS")
	if gpuClass == "" {
		gpuClass = "rtx4090"
	}
	known := false
	for _, class := range cfg.GPUClasses {
		if class == gpuClass {
			known = true
			break
		}
	}
	if !known {
		log.Fatalf("unknown GPU_CLASS %q (configured: %v)", gpuClass, cfg.GPUClasses)
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

	bus, err := queue.NewRedisBus(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}

	objects, err := storage.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatalf("init object store: %v", err)
	}

	mail := mailer.New(cfg, logger)
	w := worker.New(cfg, st, led, bus, objects, mail, nil, gpuClass, logger)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker: %v", err)
	}
	logger.Info("worker stopped")
}
