package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// MirrorConfig configures the client synchronization mirror.
type MirrorConfig struct {
	ServerURL           string        `env:"SERVER_URL" yaml:"server_url"`
	APIKey              string        `env:"API_KEY" yaml:"api_key"`
	InitialDisplayCount int           `env:"INITIAL_DISPLAY_COUNT" yaml:"initial_display_count"`
	LoadMoreCount       int           `env:"LOAD_MORE_COUNT" yaml:"load_more_count"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" yaml:"poll_interval"`
	PollWindow          int           `env:"POLL_WINDOW" yaml:"poll_window"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" yaml:"request_timeout"`
	Live                bool          `env:"LIVE" yaml:"live"`
	ReconnectMaxTries   uint          `env:"RECONNECT_MAX_TRIES" yaml:"reconnect_max_tries"`
}

func mirrorDefaults() MirrorConfig {
	return MirrorConfig{
		ServerURL:           "http://localhost:8080",
		InitialDisplayCount: 50,
		LoadMoreCount:       50,
		PollInterval:        5 * time.Second,
		PollWindow:          20,
		RequestTimeout:      15 * time.Second,
		ReconnectMaxTries:   5,
	}
}

// LoadMirror reads mirror settings the same way Load does for the server.
func LoadMirror() (MirrorConfig, error) {
	cfg := mirrorDefaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := readYAML(path, &cfg); err != nil {
			return MirrorConfig{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return MirrorConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return MirrorConfig{}, fmt.Errorf("SERVER_URL: %w", err)
	}
	if cfg.InitialDisplayCount <= 0 || cfg.LoadMoreCount <= 0 {
		return MirrorConfig{}, errors.New("INITIAL_DISPLAY_COUNT and LOAD_MORE_COUNT must be positive")
	}
	return cfg, nil
}
