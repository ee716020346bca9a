// Package main implements chainqd, the task queue daemon. One process
// hosts the worker pool, the repeating task scheduler, the record purger
// and the status endpoint; running several side by side is safe because
// every task mutation is serialized by per-task distributed locks.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := initializeApp(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.cleanup()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
}
