/*
Package config loads server settings.

SOURCES (later wins):
  1. Defaults
  2. .env file in the working directory (optional)
  3. Environment variables
  4. Command-line flags (-port, -db, -driver)

KEYS:
  PORT                         HTTP port (default 8080)
  DB_DRIVER                    sqlite | postgres (default sqlite)
  DB_PATH                      SQLite file, ":memory:" allowed (default loyalty.db)
  DATABASE_URL                 PostgreSQL URL (required when DB_DRIVER=postgres)
  JWT_SECRET                   HMAC secret for bearer tokens (required)
  CORS_ORIGINS                 Comma-separated allowed origins
  WEBHOOK_URL                  Redemption event webhook (optional)
  EARN_RATE                    Points per currency unit (default 1)
  MAX_TX_RETRIES               Attempts on ConcurrentModification (default 3)
  REQUEST_TIMEOUT              Server-side limit per write, e.g. 10s
  OTEL_EXPORTER_OTLP_ENDPOINT  OTLP/HTTP collector host:port (optional)
  OTEL_EXPORTER_OTLP_INSECURE  Plain HTTP to the collector (default true)
  SERVICE_NAME                 Reported service name
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           int
	DBDriver       string
	DBPath         string
	DatabaseURL    string
	JWTSecret      string
	CORSOrigins    []string
	WebhookURL     string
	EarnRate       string
	MaxTxRetries   uint
	RequestTimeout time.Duration
	OTLPEndpoint   string
	OTLPInsecure   bool
	ServiceName    string
}

// LoadEnv reads .env if present. A missing file is not an error: in
// production the variables are set directly.
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] ignoring .env: %v", err)
	}
}

// Load builds the configuration from the environment and then applies
// command-line flags from args.
func Load(args []string) (Config, error) {
	LoadEnv()

	cfg := Config{
		DBDriver:     GetEnv("DB_DRIVER", "sqlite"),
		DBPath:       GetEnv("DB_PATH", "loyalty.db"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		WebhookURL:   os.Getenv("WEBHOOK_URL"),
		EarnRate:     GetEnv("EARN_RATE", "1"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  GetEnv("SERVICE_NAME", "loyalty-engine"),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(GetEnv("PORT", "8080")); err != nil {
		return cfg, fmt.Errorf("PORT: %w", err)
	}
	retries, err := strconv.ParseUint(GetEnv("MAX_TX_RETRIES", "3"), 10, 32)
	if err != nil {
		return cfg, fmt.Errorf("MAX_TX_RETRIES: %w", err)
	}
	cfg.MaxTxRetries = uint(retries)
	if cfg.RequestTimeout, err = time.ParseDuration(GetEnv("REQUEST_TIMEOUT", "10s")); err != nil {
		return cfg, fmt.Errorf("REQUEST_TIMEOUT: %w", err)
	}
	if cfg.OTLPInsecure, err = strconv.ParseBool(GetEnv("OTEL_EXPORTER_OTLP_INSECURE", "true")); err != nil {
		return cfg, fmt.Errorf("OTEL_EXPORTER_OTLP_INSECURE: %w", err)
	}
	cfg.CORSOrigins = splitList(GetEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080"))

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "Storage driver: sqlite or postgres")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks that critical settings are present. Missing optional
// settings are logged as warnings.
func (c Config) Validate() error {
	var missing []string

	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			missing = append(missing, "DB_PATH")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite or postgres)", c.DBDriver)
	}
	if len(missing) > 0 {
		return fmt.Errorf("critical environment variables not set: %v", missing)
	}
	if c.MaxTxRetries == 0 {
		return errors.New("MAX_TX_RETRIES must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}

	if c.WebhookURL == "" {
		log.Println("[Config] WARNING: WEBHOOK_URL not set - redemption events are only logged")
	}
	if c.OTLPEndpoint == "" {
		log.Println("[Config] WARNING: OTEL_EXPORTER_OTLP_ENDPOINT not set - telemetry export disabled")
	}
	return nil
}

func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
