package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "VECGATE_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "VECGATE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "VECGATE_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.shutdown_timeout", typ: kString, env: "VECGATE_SERVER_SHUTDOWN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.ShutdownTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.ShutdownTimeout },
	},
	{
		key: "database.driver", typ: kString, env: "VECGATE_DATABASE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Database.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.Driver },
	},
	{
		key: "database.dsn", typ: kString, env: "VECGATE_DATABASE_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Database.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.DSN },
	},
	{
		key: "database.data_dir", typ: kString, env: "VECGATE_DATABASE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Database.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.DataDir },
	},
	{
		key: "database.max_open_conns", typ: kInt, env: "VECGATE_DATABASE_MAX_OPEN_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Database.MaxOpenConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Database.MaxOpenConns },
	},
	{
		key: "database.embeddings_table", typ: kString, env: "VECGATE_DATABASE_EMBEDDINGS_TABLE",
		apply:   func(cfg *Config, v any) { cfg.Database.EmbeddingsTable = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.EmbeddingsTable },
	},
	{
		key: "database.collections_table", typ: kString, env: "VECGATE_DATABASE_COLLECTIONS_TABLE",
		apply:   func(cfg *Config, v any) { cfg.Database.CollectionsTable = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.CollectionsTable },
	},
	{
		key: "database.migrate", typ: kBool, env: "VECGATE_DATABASE_MIGRATE",
		apply:   func(cfg *Config, v any) { cfg.Database.Migrate = v.(bool) },
		extract: func(cfg Config) any { return cfg.Database.Migrate },
	},
	{
		key: "search.distance_strategy", typ: kString, env: "VECGATE_SEARCH_DISTANCE_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Search.DistanceStrategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.DistanceStrategy },
	},
	{
		key: "search.default_k", typ: kInt, env: "VECGATE_SEARCH_DEFAULT_K",
		apply:   func(cfg *Config, v any) { cfg.Search.DefaultK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.DefaultK },
	},
	{
		key: "search.max_k", typ: kInt, env: "VECGATE_SEARCH_MAX_K",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxK },
	},
	{
		key: "cache.backend", typ: kString, env: "VECGATE_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.redis_addr", typ: kString, env: "VECGATE_CACHE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisAddr },
	},
	{
		key: "cache.refresh_interval", typ: kString, env: "VECGATE_CACHE_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RefreshInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RefreshInterval },
	},
	{
		key: "auth.api_token", typ: kString, env: "VECGATE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "VECGATE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "VECGATE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "tracing.otlp_endpoint", typ: kString, env: "VECGATE_TRACING_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Tracing.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracing.OTLPEndpoint },
	},
	{
		key: "tracing.sample_rate", typ: kFloat, env: "VECGATE_TRACING_SAMPLE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Tracing.SampleRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Tracing.SampleRate },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secret keys still empty after env overrides from the
// secrets store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		if v, err := kc.Get("vecgate", s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
