// Command hermesd loads configuration, starts the outbox consumer, and
// serves until an interrupt or termination signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hermesdb/hermes/internal/app"
	"github.com/hermesdb/hermes/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("hermesd stopped: %v", err)
	}
}
