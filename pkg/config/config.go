// Package config loads and validates configuration from YAML files with
// environment-variable overrides. It provides typed structs for every
// subsystem (Index, Text, Storage, Server, Redis, Postgres, Kafka, Logging,
// Metrics)
// and the per-field text index parameters.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Index    IndexConfig     `yaml:"index"`
	Text     TextIndexParams `yaml:"text"`
	Storage  StorageConfig   `yaml:"storage"`
	Server   ServerConfig    `yaml:"server"`
	Postgres PostgresConfig  `yaml:"postgres"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Redis    RedisConfig     `yaml:"redis"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// IndexConfig controls where field indexes live and how often the payload
// index is flushed.
type IndexConfig struct {
	DataDir       string        `yaml:"dataDir"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	// OnDisk makes newly built text indexes persist to an mmap file instead of
	// staying in memory after freezing.
	OnDisk bool `yaml:"onDisk"`
	// HardwareBudget caps the measured cost of a single query. Zero disables it.
	HardwareBudget int64 `yaml:"hardwareBudget"`
}

// StorageConfig selects the payload storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, redis or postgres
}

// ServerConfig controls the HTTP query service started by "textindex serve".
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is the number of requests a client may make per RateWindow.
	// Zero disables limiting.
	RateLimit  int           `yaml:"rateLimit"`
	RateWindow time.Duration `yaml:"rateWindow"`
	// QueryCache caches query results in Redis when set.
	QueryCache bool `yaml:"queryCache"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	PayloadTopic  string   `yaml:"payloadTopic"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
	// CacheTTL bounds how long a cached query result lives.
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Text.Validate(); err != nil {
		return nil, fmt.Errorf("validating text params: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Index: IndexConfig{
			DataDir:       "data/index",
			FlushInterval: 30 * time.Second,
		},
		Text: DefaultTextIndexParams(),
		Storage: StorageConfig{
			Backend: "memory",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  20 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateWindow:      time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "payloads",
			User:            "payloads",
			Password:        "localdev",
			SSLMode:         "disable",
			Table:           "point_payloads",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "payload-text-index",
			PayloadTopic:  "payload-updates",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "payload:",
			CacheTTL:  5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads TI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TI_INDEX_DATA_DIR"); v != "" {
		cfg.Index.DataDir = v
	}
	if v := os.Getenv("TI_INDEX_ON_DISK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Index.OnDisk = b
		}
	}
	if v := os.Getenv("TI_INDEX_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Index.FlushInterval = d
		}
	}
	if v := os.Getenv("TI_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("TI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("TI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("TI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("TI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TI_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.PayloadTopic = v
	}
	if v := os.Getenv("TI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
