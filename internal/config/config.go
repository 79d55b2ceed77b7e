package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"myaccounts/user-api/internal/auth"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverMemory   = "memory"
)

type Config struct {
	HTTP         HTTPConfig  `koanf:"http"`
	Store        StoreConfig `koanf:"store"`
	Log          LogConfig   `koanf:"log"`
	Auth         AuthConfig  `koanf:"auth"`
	AuditLogFile string      `koanf:"audit_log_file"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects the account backend. An empty Driver resolves to
// postgres when DatabaseURL is set and sqlite3 otherwise.
type StoreConfig struct {
	Driver      string `koanf:"driver"`
	DatabaseURL string `koanf:"database_url"`
	SQLitePath  string `koanf:"sqlite_path"`
}

type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// AuthConfig carries the argon2id cost and the optional seed account, which
// is created at startup when SeedUsername is set and not yet registered.
type AuthConfig struct {
	Argon2Time      uint32 `koanf:"argon2_time"`
	Argon2MemoryKiB uint32 `koanf:"argon2_memory_kib"`
	Argon2Threads   uint8  `koanf:"argon2_threads"`
	SeedUsername    string `koanf:"seed_username"`
	SeedPassword    string `koanf:"seed_password"`
	SeedName        string `koanf:"seed_name"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Store: StoreConfig{
			SQLitePath: "./data/accounts.db",
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		Auth: AuthConfig{
			Argon2Time:      1,
			Argon2MemoryKiB: 64 * 1024,
			Argon2Threads:   4,
		},
		AuditLogFile: "./data/audit.log",
	}
}

// Load layers defaults, the YAML file at path (or CONFIG_FILE when path is
// empty) and environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
		if cfg.Store.DatabaseURL != "" {
			cfg.Store.Driver = DriverPostgres
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	setString := func(key string, dst *string) {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			*dst = val
		}
	}
	setSeconds := func(key string, dst *time.Duration) {
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer, got %q", key, val))
			return
		}
		*dst = time.Duration(n) * time.Second
	}
	setUint := func(key string, bits int, dst func(uint64)) {
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return
		}
		n, err := strconv.ParseUint(val, 10, bits)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be an unsigned integer, got %q", key, val))
			return
		}
		dst(n)
	}

	setString("HTTP_ADDR", &cfg.HTTP.Addr)
	setSeconds("HTTP_READ_TIMEOUT_SEC", &cfg.HTTP.ReadTimeout)
	setSeconds("HTTP_WRITE_TIMEOUT_SEC", &cfg.HTTP.WriteTimeout)
	setSeconds("HTTP_IDLE_TIMEOUT_SEC", &cfg.HTTP.IdleTimeout)
	setSeconds("HTTP_SHUTDOWN_TIMEOUT_SEC", &cfg.HTTP.ShutdownTimeout)
	setString("DATABASE_URL", &cfg.Store.DatabaseURL)
	setString("STORE_DRIVER", &cfg.Store.Driver)
	setString("SQLITE_PATH", &cfg.Store.SQLitePath)
	setString("LOG_FORMAT", &cfg.Log.Format)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("AUDIT_LOG_FILE", &cfg.AuditLogFile)
	setUint("AUTH_ARGON2_TIME", 32, func(n uint64) { cfg.Auth.Argon2Time = uint32(n) })
	setUint("AUTH_ARGON2_MEMORY_KIB", 32, func(n uint64) { cfg.Auth.Argon2MemoryKiB = uint32(n) })
	setUint("AUTH_ARGON2_THREADS", 8, func(n uint64) { cfg.Auth.Argon2Threads = uint8(n) })
	setString("AUTH_SEED_USERNAME", &cfg.Auth.SeedUsername)
	setString("AUTH_SEED_PASSWORD", &cfg.Auth.SeedPassword)
	setString("AUTH_SEED_NAME", &cfg.Auth.SeedName)

	return errors.Join(errs...)
}

func (c Config) validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.IdleTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http timeouts must be > 0")
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must not be empty")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.Auth.Argon2Time == 0 || c.Auth.Argon2MemoryKiB == 0 || c.Auth.Argon2Threads == 0 {
		return fmt.Errorf("argon2 parameters must be > 0")
	}
	if c.Auth.Argon2Time > auth.MaxArgon2Time || c.Auth.Argon2MemoryKiB > auth.MaxArgon2Memory {
		return fmt.Errorf("argon2 cost exceeds the verifiable maximum (time %d, memory %d KiB)", auth.MaxArgon2Time, auth.MaxArgon2Memory)
	}
	if c.Auth.SeedUsername != "" && c.Auth.SeedPassword == "" {
		return fmt.Errorf("AUTH_SEED_PASSWORD is required when AUTH_SEED_USERNAME is set")
	}
	return nil
}
