package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/bucketvision/internal/api"
	"github.com/Lllllllleong/bucketvision/internal/gcp"
	"github.com/Lllllllleong/bucketvision/internal/metrics"
	"github.com/Lllllllleong/bucketvision/internal/services"
	"github.com/joho/godotenv"
)

// Standalone server for running the analysis API outside Cloud Functions.
// Configuration comes from the environment, optionally seeded from .env.
func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	analysis, err := services.NewAnalysis(context.Background())
	if err != nil {
		slog.Error("Failed to initialize analysis service", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", api.NewRouter(analysis))

	addr := ":" + gcp.GetEnv("PORT", "8080")
	// No write timeout: a full-bucket run answers only once every image is done.
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Analysis server listening.", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := analysis.Close(); err != nil {
		slog.Error("Failed to close clients", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped.")
}
