package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Backend names accepted by Config.Backend.
const (
	BackendPebble   = "pebble"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Backend         string `json:"backend" yaml:"backend" env:"BACKEND"`
	DataDir         string `json:"dataDir" yaml:"dataDir" env:"DATA_DIR"`
	Fsync           string `json:"fsync" yaml:"fsync" env:"FSYNC"`
	FsyncIntervalMs int    `json:"fsyncIntervalMs" yaml:"fsyncIntervalMs" env:"FSYNC_INTERVAL_MS"`
	SlowCommitMs    int    `json:"slowCommitMs" yaml:"slowCommitMs" env:"SLOW_COMMIT_MS"`

	Redis     RedisConfig     `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
	Postgres  PostgresConfig  `json:"postgres" yaml:"postgres" envPrefix:"POSTGRES_"`
	Queue     QueueConfig     `json:"queue" yaml:"queue" envPrefix:"QUEUE_"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log" envPrefix:"LOG_"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr" env:"ADDR"`
	Password  string `json:"password" yaml:"password" env:"PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"DB"`
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix" env:"KEY_PREFIX"`
}

type PostgresConfig struct {
	DSN         string `json:"dsn" yaml:"dsn" env:"DSN"`
	MaxConns    int32  `json:"maxConns" yaml:"maxConns" env:"MAX_CONNS"`
	SkipMigrate bool   `json:"skipMigrate" yaml:"skipMigrate" env:"SKIP_MIGRATE"`
}

// QueueConfig holds facade defaults.
type QueueConfig struct {
	TTRMs               int64    `json:"ttrMs" yaml:"ttrMs" env:"TTR_MS"`
	RetryCount          int      `json:"retryCount" yaml:"retryCount" env:"RETRY_COUNT"`
	MaxTombstoneRetries int      `json:"maxTombstoneRetries" yaml:"maxTombstoneRetries" env:"MAX_TOMBSTONE_RETRIES"`
	CommitAttempts      int      `json:"commitAttempts" yaml:"commitAttempts" env:"COMMIT_ATTEMPTS"`
	CommitBackoffMs     int      `json:"commitBackoffMs" yaml:"commitBackoffMs" env:"COMMIT_BACKOFF_MS"`
	DeadLetterTopic     string   `json:"deadLetterTopic" yaml:"deadLetterTopic" env:"DEAD_LETTER_TOPIC"`
	Topics              []string `json:"topics" yaml:"topics" env:"TOPICS" envSeparator:","`
}

type SchedulerConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
	IntervalMs int  `json:"intervalMs" yaml:"intervalMs" env:"INTERVAL_MS"`
	BatchSize  int  `json:"batchSize" yaml:"batchSize" env:"BATCH_SIZE"`
}

type ServerConfig struct {
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr" env:"GRPC_ADDR"`
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr" env:"HTTP_ADDR"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Backend:         BackendPebble,
		Fsync:           "interval",
		FsyncIntervalMs: 5,
		SlowCommitMs:    250,
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "{ice}",
		},
		Postgres: PostgresConfig{MaxConns: 8},
		Queue: QueueConfig{
			TTRMs:               30_000,
			RetryCount:          3,
			MaxTombstoneRetries: 64,
			CommitAttempts:      3,
			CommitBackoffMs:     20,
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			IntervalMs: 200,
			BatchSize:  512,
		},
		Server: ServerConfig{
			GRPCAddr: ":50051",
			HTTPAddr: ":8080",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate reports every problem found in cfg.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendPebble:
		switch strings.ToLower(c.Fsync) {
		case "", "always", "interval", "never":
		default:
			errs = append(errs, fmt.Errorf("fsync: unknown mode %q", c.Fsync))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend: unknown %q", c.Backend))
	}
	if c.Queue.TTRMs <= 0 {
		errs = append(errs, errors.New("queue.ttrMs must be positive"))
	}
	if c.Queue.RetryCount < 0 {
		errs = append(errs, errors.New("queue.retryCount must not be negative"))
	}
	if c.Scheduler.IntervalMs <= 0 {
		errs = append(errs, errors.New("scheduler.intervalMs must be positive"))
	}
	if c.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batchSize must be positive"))
	}
	for _, t := range c.Queue.Topics {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, errors.New("queue.topics must not contain empty names"))
			break
		}
	}
	return errors.Join(errs...)
}

func (q QueueConfig) TTR() time.Duration { return time.Duration(q.TTRMs) * time.Millisecond }

func (q QueueConfig) CommitBackoff() time.Duration {
	return time.Duration(q.CommitBackoffMs) * time.Millisecond
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}
