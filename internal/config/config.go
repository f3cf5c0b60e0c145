package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"PULSE_DATABASE_URL"`
	HTTPAddr    string `env:"PULSE_HTTP_ADDR,default=:8080"`

	// Comma-separated list of browser origins allowed by CORS, on top of
	// same-host and localhost which are always allowed.
	AllowedOriginsRaw string `env:"PULSE_ALLOWED_ORIGINS"`
	AllowedOrigins    []string

	ChatBacklogLimit    int `env:"PULSE_CHAT_BACKLOG_LIMIT,default=50"`
	SSEKeepAliveSeconds int `env:"PULSE_SSE_KEEPALIVE_SECONDS,default=25"`
	SSESubscriberBuffer int `env:"PULSE_SSE_SUBSCRIBER_BUFFER,default=64"`
	RateLimitPerMinute  int `env:"PULSE_RATE_LIMIT_PER_MINUTE,default=120"`
}

func Load() (Config, error) {
	// Optional: load local .env for development. Missing file is fine.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, errors.New("PULSE_DATABASE_URL is required")
	}

	cfg.AllowedOrigins = splitCSV(cfg.AllowedOriginsRaw)

	if cfg.ChatBacklogLimit < 1 {
		cfg.ChatBacklogLimit = 1
	}
	if cfg.ChatBacklogLimit > 500 {
		cfg.ChatBacklogLimit = 500
	}
	if cfg.SSEKeepAliveSeconds < 5 {
		cfg.SSEKeepAliveSeconds = 5
	}
	if cfg.SSESubscriberBuffer < 1 {
		cfg.SSESubscriberBuffer = 1
	}
	if cfg.RateLimitPerMinute < 1 {
		cfg.RateLimitPerMinute = 1
	}

	return cfg, nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
