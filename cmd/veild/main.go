package main

import (
	"context"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/merdocx/veil-xray/internal/veild"
	"github.com/merdocx/veil-xray/internal/veild/config"
	"github.com/merdocx/veil-xray/pkg/logger"
)

const version = "1.0.0"

func main() {
	ctx := context.Background()

	log := logger.NewProduction("veild", version)
	log.InfoContext(ctx, "starting veild", "version", version)

	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		log.ErrorCtx(ctx, "failed to load configuration", err)
		os.Exit(1)
	}

	log = logger.New(logger.LoggerConfig{
		Level:     logger.LogLevel(cfg.Log.Level),
		Format:    logger.OutputFormat(cfg.Log.Format),
		Component: "veild",
		Version:   version,
	})
	log.DebugContext(ctx, "configuration loaded")

	service, err := veild.New(cfg, log, version)
	if err != nil {
		log.ErrorCtx(ctx, "failed to create service", err)
		os.Exit(1)
	}

	if err := service.Start(ctx); err != nil {
		log.ErrorCtx(ctx, "failed to start service", err)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if stopErr := service.Stop(shutdownCtx); stopErr != nil {
			log.ErrorCtx(ctx, "failed to clean up after startup failure", stopErr)
		}
		os.Exit(1)
	}

	service.WaitForShutdown()
	log.InfoContext(ctx, "veild exited")
}
