package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration required by the ingestion server.
type Config struct {
	Addr string `env:"ADDR" yaml:"addr"`

	JournalDir      string `env:"JOURNAL_DIR" yaml:"journal_dir"`
	JournalPattern  string `env:"JOURNAL_PATTERN" yaml:"journal_pattern"`
	MaxFiles        int    `env:"JOURNAL_MAX_FILES" yaml:"max_files"`
	LoadConcurrency int    `env:"LOAD_CONCURRENCY" yaml:"load_concurrency"`
	ChunkSize       int    `env:"LOAD_CHUNK_SIZE" yaml:"chunk_size"`

	TailInterval  time.Duration `env:"TAIL_INTERVAL" yaml:"tail_interval"`
	StatsInterval time.Duration `env:"STATS_INTERVAL" yaml:"stats_interval"`

	StoreDriver    string `env:"STORE_DRIVER" yaml:"store_driver"` // memory | sqlite | postgres
	SQLitePath     string `env:"SQLITE_PATH" yaml:"sqlite_path"`
	DBURL          string `env:"DB_URL" yaml:"db_url"`
	DedupCacheSize int    `env:"DEDUP_CACHE_SIZE" yaml:"dedup_cache_size"`

	SubscriberBuffer int `env:"SUBSCRIBER_BUFFER" yaml:"subscriber_buffer"`

	// API_KEYS format: "viewer1:key1,viewer2:key2". Empty means guest mode.
	APIKeysRaw string            `env:"API_KEYS" yaml:"api_keys"`
	APIKeys    map[string]string `yaml:"-"` // apiKey -> viewer
}

func defaults() Config {
	return Config{
		Addr:             ":8080",
		JournalPattern:   "Journal.*.log",
		MaxFiles:         10,
		LoadConcurrency:  4,
		ChunkSize:        500,
		TailInterval:     time.Second,
		StatsInterval:    10 * time.Second,
		StoreDriver:      "sqlite",
		SQLitePath:       "journal.db",
		DedupCacheSize:   10000,
		SubscriberBuffer: 256,
	}
}

// Load reads defaults, then the YAML file named by CONFIG_FILE (if any), then
// environment variables, and validates the result.
func Load() (Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := readYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	keys, err := ParseAPIKeys(cfg.APIKeysRaw)
	if err != nil {
		return Config{}, err
	}
	cfg.APIKeys = keys
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if strings.TrimSpace(c.JournalDir) == "" {
		return errors.New("JOURNAL_DIR required")
	}
	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("SQLITE_PATH required for sqlite store")
		}
	case "postgres":
		if strings.TrimSpace(c.DBURL) == "" {
			return errors.New("DB_URL required for postgres store")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, sqlite or postgres, got %q", c.StoreDriver)
	}
	if c.LoadConcurrency <= 0 {
		return errors.New("LOAD_CONCURRENCY must be positive")
	}
	if c.ChunkSize <= 0 {
		return errors.New("LOAD_CHUNK_SIZE must be positive")
	}
	return nil
}

// ParseAPIKeys parses "viewer:key,viewer:key" into apiKey -> viewer.
func ParseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return apiKeys, nil
	}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "viewer:key,viewer:key"`)
		}
		viewer := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if viewer == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "viewer:key,viewer:key"`)
		}
		apiKeys[key] = viewer
	}
	return apiKeys, nil
}

func readYAML(path string, target any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, target); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
