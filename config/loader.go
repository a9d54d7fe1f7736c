package config

// loader.go - configuration loading from a YAML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ── Config file ──────────────────────────────────────────────────────

// LoadFile overlays the YAML document at path onto cfg.  Keys absent
// from the file leave the existing values untouched.  Durations are
// written as Go duration strings ("750ms", "2m").
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the NEARBY_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// duration strings or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := envInt("NEARBY_LOCAL_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if v := os.Getenv("NEARBY_PREAMBLE"); v != "" {
		cfg.Preamble = v
	}
	if v := os.Getenv("NEARBY_EXPECT"); v != "" {
		cfg.Expect = v
	}
	if v := envDuration("NEARBY_POLL_INTERVAL"); v > 0 {
		cfg.PollInterval = v
	}
	if v := os.Getenv("NEARBY_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if envBool("NEARBY_JSON") {
		cfg.JSON = true
	}
	if v := envInt("NEARBY_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}

	// Core
	core := &cfg.Core
	if v := envInt("NEARBY_MAX_CONNS"); v > 0 {
		core.MaxConnections = v
	}
	if v := envInt("NEARBY_MAX_PENDING"); v > 0 {
		core.MaxPendingWriteBytes = v
	}
	if v := envInt("NEARBY_MAX_EVENTS"); v > 0 {
		core.MaxEventsPerPoll = v
	}
	if v := envDuration("NEARBY_CONNECT_TIMEOUT"); v > 0 {
		core.ConnectTimeout = v
	}
	if v := envDuration("NEARBY_HANDSHAKE_TIMEOUT"); v > 0 {
		core.HandshakeTimeout = v
	}
	if v := envDuration("NEARBY_DRAIN_TIMEOUT"); v > 0 {
		core.DrainTimeout = v
	}
	if v := envDuration("NEARBY_IDLE_TIMEOUT"); v > 0 {
		core.IdleTimeout = v
	}
	if envBool("NEARBY_RECONNECT") {
		core.AutoReconnect = true
	}
	if v := envInt("NEARBY_MAX_RETRIES"); v > 0 {
		core.MaxRetries = v
	}
	if v := envDuration("NEARBY_RETRY_DELAY"); v > 0 {
		core.RetryBaseDelay = v
	}
	if v := envDuration("NEARBY_RETRY_MAX_DELAY"); v > 0 {
		core.RetryMaxDelay = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return secondsDuration(n)
	}
	return 0
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
