// Package config loads the daemon's runtime configuration from TUNED_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the daemon needs to start.
type Config struct {
	// HTTPPort is where the API, health, and metrics endpoints listen.
	HTTPPort int
	// DatabaseDSN is the postgres connection string. Required.
	DatabaseDSN string
	// NATSURL enables lifecycle events and the orchestrator watcher when
	// set.
	NATSURL string
	// DataDir holds per-run working directories.
	DataDir string
	// ArtifactBucket is the S3 bucket archive uploads land in.
	ArtifactBucket string
	// MonitorInterval is the log poll cadence.
	MonitorInterval time.Duration
	// Simulate trains against the local simulator instead of the remote
	// service.
	Simulate bool
	// ShutdownGrace bounds how long in-flight runs get to unwind on
	// SIGTERM.
	ShutdownGrace time.Duration
}

func Load() (Config, error) {
	cfg := Config{}

	cfg.HTTPPort = getEnvInt("TUNED_HTTP_PORT", 8080)
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return Config{}, fmt.Errorf("invalid TUNED_HTTP_PORT: %d", cfg.HTTPPort)
	}

	cfg.DatabaseDSN = os.Getenv("TUNED_DB_DSN")
	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("TUNED_DB_DSN is required")
	}

	cfg.NATSURL = os.Getenv("TUNED_NATS_URL")
	cfg.DataDir = getEnv("TUNED_DATA_DIR", "/var/lib/tuned")
	cfg.ArtifactBucket = os.Getenv("S3_BUCKET")

	if raw := os.Getenv("TUNED_MONITOR_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil || interval <= 0 {
			return Config{}, fmt.Errorf("invalid TUNED_MONITOR_INTERVAL: %q", raw)
		}
		cfg.MonitorInterval = interval
	} else {
		cfg.MonitorInterval = 2 * time.Second
	}

	cfg.Simulate = getEnvBool("TUNED_SIMULATE", true)

	if raw := os.Getenv("TUNED_SHUTDOWN_GRACE"); raw != "" {
		grace, err := time.ParseDuration(raw)
		if err != nil || grace <= 0 {
			return Config{}, fmt.Errorf("invalid TUNED_SHUTDOWN_GRACE: %q", raw)
		}
		cfg.ShutdownGrace = grace
	} else {
		cfg.ShutdownGrace = 30 * time.Second
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
