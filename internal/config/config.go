// Package config collects the process configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel   string
	ListenAddr string

	// DatabaseDriver is "pgx" in production and "sqlite" for local runs.
	DatabaseDriver string
	DatabaseDSN    string

	S3Region    string
	S3Bucket    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// NATSURL points at the job queue; empty means an embedded server.
	NATSURL string

	WorkspaceDir string

	GeneratorPath string
	ScannerPath   string
	ToolTimeout   time.Duration

	JWTSecret string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is merged in when present but never overrides variables
// that are already set.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:       getEnv("DELVE_LOG_LEVEL", "info"),
		ListenAddr:     getEnv("DELVE_LISTEN_ADDR", ":8080"),
		DatabaseDriver: getEnv("DELVE_DB_DRIVER", "pgx"),
		DatabaseDSN:    os.Getenv("DELVE_DB_DSN"),
		S3Region:       getEnv("DELVE_S3_REGION", "us-east-1"),
		S3Bucket:       os.Getenv("DELVE_S3_BUCKET"),
		S3Endpoint:     os.Getenv("DELVE_S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("DELVE_S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("DELVE_S3_SECRET_KEY"),
		NATSURL:        os.Getenv("DELVE_NATS_URL"),
		WorkspaceDir:   getEnv("DELVE_WORKSPACE_DIR", os.TempDir()),
		GeneratorPath:  getEnv("DELVE_SYFT_PATH", "syft"),
		ScannerPath:    getEnv("DELVE_GRYPE_PATH", "grype"),
		JWTSecret:      os.Getenv("DELVE_JWT_SECRET"),
	}

	timeout, err := time.ParseDuration(getEnv("DELVE_TOOL_TIMEOUT", "120s"))
	if err != nil {
		return nil, fmt.Errorf("invalid DELVE_TOOL_TIMEOUT: %w", err)
	}
	cfg.ToolTimeout = timeout

	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("DELVE_DB_DSN is required")
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("DELVE_S3_BUCKET is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("DELVE_JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}
