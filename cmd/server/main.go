package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/chunk-extractor/api/handlers"
	"github.com/feichai0017/chunk-extractor/api/routes"
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

	// init logger
	log, err := app.NewLogger(cfg.Log, "server")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize services", logger.Error(err))
	}
	defer a.Close()
	a.Run(ctx)

	// the embedded worker shares the in-process ledger with the API
	if cfg.Server.EmbeddedWorker {
		w := a.NewWorker()
		if err := w.Start(ctx); err != nil {
			log.Fatal("Failed to start worker", logger.Error(err))
		}
		defer w.Stop()
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandlers(a.Service, handlers.NewProgressReader(a.Ledger, a.Mirror), log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, cfg.Server.CORSOrigins, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("Server starting", logger.Int("port", cfg.Server.Port), logger.Bool("embedded_worker", cfg.Server.EmbeddedWorker))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}
