// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	minStorageSecretLen = 16
)

// Config is read once at startup and treated as immutable.
type Config struct {
	// Backend
	APIBaseURL   string
	HTTPTimeout  time.Duration
	BackendRate  float64 // outgoing requests per second
	BackendBurst int

	// Storage
	StorageSecret string
	DataDir       string
	CachePrefixes []string

	// Environment
	Env            string
	DevOTP         bool // surface backend-echoed OTP codes
	DevOTPFallback bool // fabricate a display code when none is echoed

	// Server
	ServerPort    string
	WorkspaceIdle time.Duration

	// Logging
	LogLevel string
}

// Production reports whether the process runs with production settings.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// Load reads the configuration from environment variables. Missing required
// variables and unsafe combinations are reported as errors.
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.APIBaseURL = strings.TrimRight(os.Getenv("NOBAT_API_BASE_URL"), "/")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "NOBAT_API_BASE_URL")
	}

	cfg.StorageSecret = os.Getenv("NOBAT_STORAGE_SECRET")
	if cfg.StorageSecret == "" {
		missing = append(missing, "NOBAT_STORAGE_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.Env = strings.ToLower(getEnvString("NOBAT_ENV", EnvProduction))
	cfg.DevOTP = getEnvBool("NOBAT_DEV_OTP", false)
	cfg.DevOTPFallback = getEnvBool("NOBAT_DEV_OTP_FALLBACK", false)
	cfg.HTTPTimeout = getEnvDuration("NOBAT_HTTP_TIMEOUT", 15*time.Second)
	cfg.BackendRate = getEnvFloat("NOBAT_BACKEND_RATE", 5)
	cfg.BackendBurst = getEnvInt("NOBAT_BACKEND_BURST", 10)
	cfg.ServerPort = getEnvString("NOBAT_SERVER_PORT", "8080")
	cfg.DataDir = getEnvString("NOBAT_DATA_DIR", "./data")
	cfg.WorkspaceIdle = getEnvDuration("NOBAT_WORKSPACE_IDLE", 30*time.Minute)
	cfg.CachePrefixes = getEnvList("NOBAT_CACHE_PREFIXES", []string{"cache:", "appointments:", "doctors:"})
	cfg.LogLevel = getEnvString("NOBAT_LOG_LEVEL", "info")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that must never run.
func (c *Config) Validate() error {
	if c.Env != EnvProduction && c.Env != EnvDevelopment {
		return fmt.Errorf("NOBAT_ENV must be %q or %q, got %q", EnvProduction, EnvDevelopment, c.Env)
	}
	if len(c.StorageSecret) < minStorageSecretLen {
		return fmt.Errorf("NOBAT_STORAGE_SECRET must be at least %d bytes", minStorageSecretLen)
	}
	if c.Production() && (c.DevOTP || c.DevOTPFallback) {
		return errors.New("dev OTP code display is not allowed in production")
	}
	if c.DevOTPFallback && !c.DevOTP {
		return errors.New("NOBAT_DEV_OTP_FALLBACK requires NOBAT_DEV_OTP")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("NOBAT_HTTP_TIMEOUT must be positive")
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
