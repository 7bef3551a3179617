package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrInvalidBackend     = errors.New("STORE_BACKEND must be 'sql' or 'redis'")
)

type Config struct {
	StoreBackend string

	DB      DBConfig
	Redis   RedisConfig
	HTTP    HTTPConfig
	Metrics MetricsConfig
	Crypto  CryptoConfig
	Log     LogConfig
}

type DBConfig struct {
	Driver        string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type HTTPConfig struct {
	ClientTimeout time.Duration
}

// MetricsConfig enables the prometheus listener. An empty Addr leaves
// it off, which suits one-shot CLI runs.
type MetricsConfig struct {
	Addr string
	Path string
}

// CryptoConfig is optional. Without master keys, api keys persist in
// plaintext the way a browser localStorage install would.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	// Absent .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := &Config{
		StoreBackend: strings.ToLower(mustEnv("STORE_BACKEND", BackendSQL)),
		DB: DBConfig{
			Driver:        strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:           mustEnv("DB_DSN", "file:seekvault.db?_pragma=busy_timeout(5000)"),
			AutoMigrate:   mustBool("AUTO_MIGRATE", true),
			MigrationsDir: mustEnv("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 30*time.Second),
		},
		Metrics: MetricsConfig{
			Addr: mustEnv("METRICS_ADDR", ""),
			Path: mustEnv("METRICS_PATH", "/metrics"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	switch cfg.StoreBackend {
	case BackendSQL:
		if cfg.DB.DSN == "" {
			return nil, ErrMissingDatabaseDSN
		}
	case BackendRedis:
	default:
		return nil, ErrInvalidBackend
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// loadCryptoConfig collects master keys from MASTER_KEYS_JSON,
// MASTER_KEY_<ID>_B64 variables and the MASTER_KEY_B64 singleton. No
// keys at all is valid and disables sealing.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

// Enabled reports whether sealing is configured.
func (c CryptoConfig) Enabled() bool {
	return len(c.Keys) > 0
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
