package main

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// startStatusServer serves the status endpoint until ctx is cancelled, then
// drains in-flight requests before returning.
func (app *application) startStatusServer(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Starting status server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}

	app.logger.Info("Status server shutdown completed")
	return nil
}
