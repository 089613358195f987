package httpserver

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultAllowedOrigin = "http://localhost:8000"
	defaultTimeout       = 10 * time.Second
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	// TriggerSecret authenticates the scheduled-trigger endpoints; the batch
	// run must be invokable on-demand for recovery, but never anonymously.
	TriggerSecret  string
	RequestTimeout time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.TriggerSecret) == "" {
		return fmt.Errorf("trigger secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
