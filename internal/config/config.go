// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	PublicURL    string
	DBPath       string
	CookieSecret string

	// AdminAccessEnabled gates the admin-access grant endpoint.
	AdminAccessEnabled bool
	// Users is the "user:password" credential list for the dictionary
	// authenticator.
	Users []string
	// AdminUsers are granted the admin flag at startup.
	AdminUsers []string

	// SlowSpawnWait and SlowStopWait bound how long a spawn/stop request
	// waits before answering 202.
	SlowSpawnWait time.Duration
	SlowStopWait  time.Duration
	// CullIdleAfter stops servers idle longer than this; zero disables.
	CullIdleAfter time.Duration
	SessionMaxAge time.Duration

	// Docker spawner settings.
	ServerImage      string
	ServerNetwork    string
	ServerSubnet     string
	ServerPort       int
	ContainerRuntime string // "" = default (runc), "runsc" = gVisor
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8000"),
		PublicURL:    getEnv("PUBLIC_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/nbhub.db"),
		CookieSecret: getEnv("COOKIE_SECRET", ""),

		AdminAccessEnabled: getEnvBool("ADMIN_ACCESS_ENABLED", false),
		Users:              getEnvList("NBHUB_USERS", nil),
		AdminUsers:         getEnvList("NBHUB_ADMIN_USERS", nil),

		SlowSpawnWait: getEnvDuration("SLOW_SPAWN_WAIT", 10*time.Second),
		SlowStopWait:  getEnvDuration("SLOW_STOP_WAIT", 5*time.Second),
		CullIdleAfter: getEnvDuration("CULL_IDLE_AFTER", 0),
		SessionMaxAge: getEnvDuration("SESSION_MAX_AGE", 14*24*time.Hour),

		ServerImage:      getEnv("SERVER_IMAGE", "nbhub-singleuser:latest"),
		ServerNetwork:    getEnv("SERVER_NETWORK", "nbhub"),
		ServerSubnet:     getEnv("SERVER_SUBNET", "172.29.0.0/16"),
		ServerPort:       getEnvInt("SERVER_PORT", 8888),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.CookieSecret == "" {
		return fmt.Errorf("COOKIE_SECRET cannot be empty")
	}
	if c.ServerImage == "" {
		return fmt.Errorf("SERVER_IMAGE cannot be empty")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("SERVER_PORT must be a valid port")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.PublicURL == "" ||
		strings.Contains(c.PublicURL, "localhost") ||
		strings.Contains(c.PublicURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
