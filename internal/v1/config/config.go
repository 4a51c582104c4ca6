// Package config validates and holds the environment configuration for the
// collaboration backend.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	DevelopmentMode bool
	AllowedOrigins  string

	// Lease / presence / reaper tuning
	LeaseTTLMs           int
	UserTTLMs            int
	ReaperIntervalMs     int
	SessionOutboundQueue int
	SnapshotMaxBytes     int
	ColorPalette         []string
	MaxUsersDefault      uint

	// Rate limits
	RateLimitAPIGlobal string
	RateLimitWsIP      string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Lease / presence / reaper knobs, each with a sensible default.
	var err error
	cfg.LeaseTTLMs, err = getEnvIntOrDefault("LEASE_TTL_MS", 10000)
	if err != nil {
		errors = append(errors, err.Error())
	} else if cfg.LeaseTTLMs <= 0 {
		errors = append(errors, "LEASE_TTL_MS must be positive")
	}

	cfg.UserTTLMs, err = getEnvIntOrDefault("USER_TTL_MS", 30000)
	if err != nil {
		errors = append(errors, err.Error())
	} else if cfg.UserTTLMs <= 0 {
		errors = append(errors, "USER_TTL_MS must be positive")
	}

	cfg.ReaperIntervalMs, err = getEnvIntOrDefault("REAPER_INTERVAL_MS", 3000)
	if err != nil {
		errors = append(errors, err.Error())
	} else if cfg.ReaperIntervalMs <= 0 {
		errors = append(errors, "REAPER_INTERVAL_MS must be positive")
	}

	cfg.SessionOutboundQueue, err = getEnvIntOrDefault("SESSION_OUTBOUND_QUEUE", 256)
	if err != nil {
		errors = append(errors, err.Error())
	} else if cfg.SessionOutboundQueue <= 0 {
		errors = append(errors, "SESSION_OUTBOUND_QUEUE must be positive")
	}

	cfg.SnapshotMaxBytes, err = getEnvIntOrDefault("SNAPSHOT_MAX_BYTES", 1<<20)
	if err != nil {
		errors = append(errors, err.Error())
	} else if cfg.SnapshotMaxBytes <= 0 {
		errors = append(errors, "SNAPSHOT_MAX_BYTES must be positive")
	}

	paletteRaw := getEnvOrDefault("COLOR_PALETTE", "coral,teal,amber,violet")
	cfg.ColorPalette = strings.Split(paletteRaw, ",")
	if len(cfg.ColorPalette) == 0 || (len(cfg.ColorPalette) == 1 && cfg.ColorPalette[0] == "") {
		errors = append(errors, "COLOR_PALETTE must name at least one color")
	}

	maxUsers, err := getEnvIntOrDefault("MAX_USERS_DEFAULT", 10)
	if err != nil {
		errors = append(errors, err.Error())
	} else if maxUsers <= 0 {
		errors = append(errors, "MAX_USERS_DEFAULT must be positive")
	}
	cfg.MaxUsersDefault = uint(maxUsers)

	// Rate Limits (Defaults: M = Minute)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"lease_ttl_ms", cfg.LeaseTTLMs,
		"user_ttl_ms", cfg.UserTTLMs,
		"reaper_interval_ms", cfg.ReaperIntervalMs,
		"session_outbound_queue", cfg.SessionOutboundQueue,
		"snapshot_max_bytes", cfg.SnapshotMaxBytes,
		"color_palette", cfg.ColorPalette,
		"max_users_default", cfg.MaxUsersDefault,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault parses an integer environment variable, falling back to defaultValue when unset.
func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got '%s')", key, raw)
	}
	return v, nil
}
