/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags) and validate it
  2. Initialize telemetry (no-op without an OTLP endpoint)
  3. Open the store for DB_DRIVER
  4. Build notifiers and the API handler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: PORT or 8080)
  -db      SQLite database path (default: DB_PATH or loyalty.db)
           Use ":memory:" for in-memory database
  -driver  sqlite | postgres (default: DB_DRIVER or sqlite)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Flush telemetry
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  JWT_SECRET=dev ./server -db="./data/loyalty.db"

  # Run against PostgreSQL
  JWT_SECRET=dev DATABASE_URL=postgres://localhost/loyalty ./server -driver=postgres

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Storage implementations
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/notify"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlite"
	"github.com/warp/loyalty-engine/telemetry"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()

	// Telemetry
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer closeStore()

	earnRule, err := loyalty.ParseEarnRule(cfg.EarnRate)
	if err != nil {
		log.Fatalf("Invalid EARN_RATE: %v", err)
	}
	retry := loyalty.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxTxRetries

	// Initialize handler
	handler := api.NewHandler(store, api.Options{
		Notifier: newNotifier(cfg),
		EarnRule: earnRule,
		Retry:    retry,
		Timeout:  cfg.RequestTimeout,
	})

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		Auth:        api.NewAuthenticator(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d (driver=%s)", cfg.Port, cfg.DBDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	// Let in-flight notifications finish; each is bounded by NotifyTimeout.
	handler.Engine.Wait()
	handler.Workflow.Wait()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Printf("Telemetry shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (loyalty.Store, func(), error) {
	switch cfg.DBDriver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Printf("Closing database: %v", err)
			}
		}, nil
	}
}

func newNotifier(cfg config.Config) loyalty.Notifier {
	if cfg.WebhookURL == "" {
		return notify.Log{}
	}
	return notify.Multi{notify.Log{}, notify.NewWebhook(cfg.WebhookURL, 5*time.Second)}
}
