package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fare-scraper/internal/app"
	"fare-scraper/internal/logger"
)

func main() {
	cfg, lg, err := app.LoadEnv()
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("Failed to start", logger.Error(err))
	}
	defer a.Close()

	if err := a.Serve(ctx); err != nil {
		lg.Error("Server stopped", logger.Error(err))
		os.Exit(1)
	}
}
