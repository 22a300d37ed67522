package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leafsii/stash/internal/api"
	"github.com/leafsii/stash/internal/config"
	"github.com/leafsii/stash/internal/log"
	"github.com/leafsii/stash/internal/metrics"
	"github.com/leafsii/stash/pkg/stash"

	_ "github.com/leafsii/stash/pkg/kv/file"
	_ "github.com/leafsii/stash/pkg/kv/memory"
	_ "github.com/leafsii/stash/pkg/kv/postgres"
	_ "github.com/leafsii/stash/pkg/kv/redis"
	_ "github.com/leafsii/stash/pkg/kv/sqlite"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting stash server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"namespace", cfg.Store.Namespace,
		"failover", cfg.Store.Failover,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("stashd")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Open the store
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := cfg.Builder(log.KVLogFunc(logger)).Build(ctx)
	if err != nil {
		logger.Fatalw("Failed to configure store", "error", err)
	}
	s, err := stash.New(ctx, metrics.InstrumentStore(store, metricsObj))
	if err != nil {
		store.Close()
		logger.Fatalw("Failed to initialize store", "error", err)
	}
	defer s.Close()
	logger.Infow("Store initialized")

	// Setup API handler and middleware
	handler := api.NewHandler(s, logger)
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, api.RouterConfig{
		CORSOrigins:    cfg.Security.CORSAllowedOrigins,
		RateLimitRPM:   cfg.Security.RateLimitRPM,
		RequestTimeout: cfg.Server.RequestTimeout,
		MetricsHandler: metricsHandler,
	})

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("Server startup failed", "error", err)
		}
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
