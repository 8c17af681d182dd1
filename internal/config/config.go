// Package config provides configuration loading for the Tower daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the Tower daemon.
type Config struct {
	// Server settings
	Host           string
	Port           int
	AllowedOrigins []string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Storage
	DBPath string

	// Default shell command triple, overridden per-workspace by af-config.json
	DefaultShell     string
	DefaultArchitect string
	DefaultBuilder   string
	DefaultRows      int
	DefaultCols      int

	// PTY settings
	PTYOrphanGracePeriod  time.Duration
	PTYOutputBufferSize   int
	ReconcileConcurrency  int
	ReconcileProbeTimeout time.Duration

	// Activation rate limiting
	ActivationsPerMinute int

	// Crash-loop protection
	CrashLoopWindow      time.Duration
	CrashLoopMaxRestarts int
	RestartDelay         time.Duration

	// Composing / idle
	ComposingDefaultIdleMs int64

	// Overview/analytics
	OverviewCacheTTL    time.Duration
	AnalyticsCacheTTL   time.Duration
	IssueTrackerTimeout time.Duration

	// Tunnel (optional cloud relay)
	TunnelEnabled        bool
	TunnelGatewayURL     string
	TunnelAPIKey         string
	TunnelReconnectMin   time.Duration
	TunnelReconnectMax   time.Duration
	TunnelMetadataPeriod time.Duration

	// Remote (tunnel-proxied) request JWT auth
	JWKSEndpoint string
	JWTIssuer    string
	JWTAudience  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbPath := getEnv("TOWER_DB_PATH", "")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dbPath = filepath.Join(home, ".tower", "tower.db")
	}

	cfg := &Config{
		Host:           getEnv("TOWER_HOST", "127.0.0.1"),
		Port:           getEnvInt("TOWER_PORT", 7420),
		AllowedOrigins: getEnvStringSlice("TOWER_ALLOWED_ORIGINS", []string{"http://localhost:7420"}),

		HTTPReadTimeout: getEnvDuration("TOWER_HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("TOWER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("TOWER_WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("TOWER_WS_WRITE_BUFFER_SIZE", 4096),

		DBPath: dbPath,

		DefaultShell:     getEnv("TOWER_DEFAULT_SHELL", "/bin/bash"),
		DefaultArchitect: getEnv("TOWER_DEFAULT_ARCHITECT", "/bin/bash"),
		DefaultBuilder:   getEnv("TOWER_DEFAULT_BUILDER", "/bin/bash"),
		DefaultRows:      getEnvInt("TOWER_DEFAULT_ROWS", 24),
		DefaultCols:      getEnvInt("TOWER_DEFAULT_COLS", 80),

		PTYOrphanGracePeriod:  getEnvDuration("TOWER_PTY_GRACE_PERIOD", 0),
		PTYOutputBufferSize:   getEnvInt("TOWER_PTY_BUFFER_SIZE", 262144),
		ReconcileConcurrency:  getEnvInt("TOWER_RECONCILE_CONCURRENCY", 5),
		ReconcileProbeTimeout: getEnvDuration("TOWER_RECONCILE_PROBE_TIMEOUT", 2*time.Second),

		ActivationsPerMinute: getEnvInt("TOWER_ACTIVATIONS_PER_MINUTE", 10),

		CrashLoopWindow:      getEnvDuration("TOWER_CRASH_LOOP_WINDOW", 15*time.Second),
		CrashLoopMaxRestarts: getEnvInt("TOWER_CRASH_LOOP_MAX_RESTARTS", 3),
		RestartDelay:         getEnvDuration("TOWER_RESTART_DELAY", 2*time.Second),

		ComposingDefaultIdleMs: int64(getEnvInt("TOWER_COMPOSING_IDLE_MS", 3000)),

		OverviewCacheTTL:    getEnvDuration("TOWER_OVERVIEW_CACHE_TTL", 30*time.Second),
		AnalyticsCacheTTL:   getEnvDuration("TOWER_ANALYTICS_CACHE_TTL", 30*time.Second),
		IssueTrackerTimeout: getEnvDuration("TOWER_ISSUE_TRACKER_TIMEOUT", 20*time.Second),

		TunnelEnabled:        getEnvBool("TOWER_TUNNEL_ENABLED", false),
		TunnelGatewayURL:     getEnv("TOWER_TUNNEL_GATEWAY_URL", ""),
		TunnelAPIKey:         getEnv("TOWER_TUNNEL_API_KEY", ""),
		TunnelReconnectMin:   getEnvDuration("TOWER_TUNNEL_RECONNECT_MIN", 1*time.Second),
		TunnelReconnectMax:   getEnvDuration("TOWER_TUNNEL_RECONNECT_MAX", 30*time.Second),
		TunnelMetadataPeriod: getEnvDuration("TOWER_TUNNEL_METADATA_PERIOD", 60*time.Second),

		JWKSEndpoint: getEnv("TOWER_JWKS_ENDPOINT", ""),
		JWTIssuer:    getEnv("TOWER_JWT_ISSUER", ""),
		JWTAudience:  getEnv("TOWER_JWT_AUDIENCE", "tower-tunnel"),
	}

	if cfg.TunnelEnabled && cfg.TunnelGatewayURL == "" {
		return nil, fmt.Errorf("TOWER_TUNNEL_GATEWAY_URL is required when TOWER_TUNNEL_ENABLED=true")
	}
	if cfg.TunnelEnabled && cfg.TunnelAPIKey == "" {
		return nil, fmt.Errorf("TOWER_TUNNEL_API_KEY is required when TOWER_TUNNEL_ENABLED=true")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
