package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"meshroom/native/internal/domain"

	"github.com/joho/godotenv"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// Config holds the application configuration.
type Config struct {
	SignalURL            string
	ICEURL               string
	STUNServers          []string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	LogLevel             string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		SignalURL:            os.Getenv("MESHROOM_SIGNAL_URL"),
		ICEURL:               os.Getenv("MESHROOM_ICE_URL"),
		STUNServers:          []string{defaultSTUN},
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		LogLevel:             "info",
	}

	if cfg.SignalURL == "" {
		return nil, fmt.Errorf("MESHROOM_SIGNAL_URL environment variable is required")
	}

	if v, ok := os.LookupEnv("MESHROOM_STUN"); ok {
		cfg.STUNServers = splitList(v)
	}

	if v := os.Getenv("MESHROOM_RECONNECT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("MESHROOM_RECONNECT_DELAY: invalid duration %q", v)
		}
		cfg.ReconnectDelay = d
	}

	if v := os.Getenv("MESHROOM_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("MESHROOM_RECONNECT_ATTEMPTS: invalid count %q", v)
		}
		cfg.MaxReconnectAttempts = n
	}

	if v := os.Getenv("MESHROOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// ICEServers returns the statically configured STUN servers.
func (c *Config) ICEServers() []domain.ICEServer {
	if len(c.STUNServers) == 0 {
		return nil
	}
	return []domain.ICEServer{{URLs: append([]string(nil), c.STUNServers...)}}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
