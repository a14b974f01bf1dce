package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Search   SearchConfig
	Cache    CacheConfig
	Auth     AuthConfig
	Log      LogConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	MaxConnections  int
	ShutdownTimeout string
}

type DatabaseConfig struct {
	Driver           string
	DSN              string
	DataDir          string
	MaxOpenConns     int
	EmbeddingsTable  string
	CollectionsTable string
	Migrate          bool
}

type SearchConfig struct {
	DistanceStrategy string
	DefaultK         int
	MaxK             int
}

type CacheConfig struct {
	Backend         string
	RedisAddr       string
	RefreshInterval string
}

type AuthConfig struct {
	APIToken string
}

type LogConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	OTLPEndpoint string
	SampleRate   float64
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: "5s",
		},
		Database: DatabaseConfig{
			Driver:           "postgres",
			DataDir:          defaultDataDir(),
			MaxOpenConns:     10,
			EmbeddingsTable:  "langchain_pg_embedding",
			CollectionsTable: "langchain_pg_collection",
		},
		Search: SearchConfig{
			DistanceStrategy: "cosine",
			DefaultK:         4,
			MaxK:             100,
		},
		Cache: CacheConfig{
			Backend:         "memory",
			RedisAddr:       "localhost:6379",
			RefreshInterval: "30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
	}
}

// Load reads configuration from the config file, environment variables, and
// the local secrets file.
//
// The config file defaults to $XDG_CONFIG_HOME/vecgate/config.toml and may be
// overridden with VECGATE_CONFIG. Any extension viper understands (toml, yaml,
// json) is accepted.
//
// Environment variables (VECGATE_*) override file values. Secrets (database
// DSN, API token) are never read from the config file; they come from the
// environment or from the secrets file.
func Load() (Config, error) {
	return loadFromPath(configFilePath(), secretsReader{})
}

// keychain abstracts secret lookup for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first configuration problem that would prevent the
// server from starting.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("missing required config: database DSN. " +
				"Set it via environment variable VECGATE_DATABASE_DSN or the secrets file %s", secretsFilePath())
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported database.driver %q (want postgres or sqlite)", c.Database.Driver)
	}

	switch strings.ToLower(c.Search.DistanceStrategy) {
	case "cosine", "inner_product", "innerproduct", "euclidean", "l2":
	default:
		return fmt.Errorf("unsupported search.distance_strategy %q", c.Search.DistanceStrategy)
	}

	if c.Search.DefaultK <= 0 {
		return fmt.Errorf("search.default_k must be positive, got %d", c.Search.DefaultK)
	}
	if c.Search.MaxK < c.Search.DefaultK {
		return fmt.Errorf("search.max_k (%d) must be >= search.default_k (%d)", c.Search.MaxK, c.Search.DefaultK)
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache.backend %q (want memory or redis)", c.Cache.Backend)
	}

	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "vecgate-data"
		}
	}
	return filepath.Join(dir, "vecgate")
}

func configFilePath() string {
	if p := os.Getenv("VECGATE_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "vecgate", "config.toml")
}
