package app

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	FastMemory = "memory"
	FastRedis  = "redis"

	DurableMemory  = "memory"
	DurableFile    = "file"
	DurableBolt    = "bolt"
	DurableSQL     = "sql"
	DurableSurreal = "surreal"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the YAML document twinctl reads. Values may reference
// environment variables as $VAR or ${VAR}.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Fast    FastConfig    `yaml:"fast"`
	Durable DurableConfig `yaml:"durable"`
	Limits  LimitsConfig  `yaml:"limits"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type FastConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type DurableConfig struct {
	Driver  string        `yaml:"driver"`
	File    FileConfig    `yaml:"file"`
	Bolt    BoltConfig    `yaml:"bolt"`
	SQL     SQLConfig     `yaml:"sql"`
	Surreal SurrealConfig `yaml:"surreal"`
}

type FileConfig struct {
	Path        string `yaml:"path"`
	Persistence string `yaml:"persistence"`
	Load        string `yaml:"load"`
	CacheBytes  uint64 `yaml:"cache_bytes"`
	// Indexes maps a collection to the fields looked up through an index.
	Indexes map[string][]string `yaml:"indexes"`
}

type BoltConfig struct {
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}

type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

type SurrealConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Table     string `yaml:"table"`
}

type LimitsConfig struct {
	BulkConcurrency int           `yaml:"bulk_concurrency"`
	OpTimeout       time.Duration `yaml:"op_timeout"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig runs entirely in process with a log file next to the binary.
func DefaultConfig() *Config {
	return &Config{
		Log:  LogConfig{Level: "info"},
		Fast: FastConfig{Driver: FastMemory},
		Durable: DurableConfig{Driver: DurableFile, File: FileConfig{
			Path:    "twinstore.resp",
			Indexes: map[string][]string{"users": {"email"}},
		}},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// LoadConfig reads path over DefaultConfig. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config %s", path)
	}

	if err := cfg.decode(raw); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}

	return cfg, nil
}

func (cfg *Config) decode(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%s", err.Error())
	}

	return cfg.Validate()
}

func (cfg *Config) Validate() error {
	switch cfg.Fast.Driver {
	case FastMemory:
	case FastRedis:
		if cfg.Fast.Redis.Addr == "" {
			return errors.Wrap(ErrInvalidConfig, "fast.redis.addr is required")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown fast driver %q", cfg.Fast.Driver)
	}

	switch cfg.Durable.Driver {
	case DurableMemory:
	case DurableFile:
		if cfg.Durable.File.Path == "" {
			return errors.Wrap(ErrInvalidConfig, "durable.file.path is required")
		}
	case DurableBolt:
		if cfg.Durable.Bolt.Path == "" {
			return errors.Wrap(ErrInvalidConfig, "durable.bolt.path is required")
		}
	case DurableSQL:
		if cfg.Durable.SQL.DSN == "" {
			return errors.Wrap(ErrInvalidConfig, "durable.sql.dsn is required")
		}
	case DurableSurreal:
		if cfg.Durable.Surreal.URL == "" {
			return errors.Wrap(ErrInvalidConfig, "durable.surreal.url is required")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown durable driver %q", cfg.Durable.Driver)
	}

	if cfg.Limits.BulkConcurrency < 0 {
		return errors.Wrap(ErrInvalidConfig, "limits.bulk_concurrency must not be negative")
	}

	return nil
}
