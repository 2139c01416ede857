package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/app"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := app.NewLogger(cfg.Log, "worker")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// a standalone worker is only observable through the redis mirror
	if !cfg.Progress.MirrorToRedis {
		log.Warn("progress mirroring is disabled; the API cannot follow documents processed here")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize services", logger.Error(err))
		os.Exit(1)
	}
	defer a.Close()
	a.Run(ctx)

	documentWorker := a.NewWorker()
	if err := documentWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("Shutting down worker...")
	if err := documentWorker.Stop(); err != nil {
		log.Error("Worker stop failed", logger.Error(err))
	}
	log.Info("Worker stopped")
}
