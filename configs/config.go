package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"leaselock/pkg/election"
	"leaselock/pkg/logger"
	tracing "leaselock/pkg/observability"
)

// Config is the full runtime configuration. Precedence: defaults, then the YAML
// file, then LEASELOCK_* environment variables, then command-line flags.
type Config struct {
	// Root is the coordination root; for the git backend it is the clone directory.
	Root      string `yaml:"root"`
	MachineID string `yaml:"machine_id"`
	LockKey   string `yaml:"lock_key"`

	LeaseDuration    time.Duration `yaml:"lease_duration"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MaxClockSkew     time.Duration `yaml:"max_clock_skew"`
	FailurePolicy    string        `yaml:"failure_policy"`
	ClaimRetries     int           `yaml:"claim_retries"`

	Backend string `yaml:"backend"` // git, etcd, redis, s3, postgres, memory
	KeyPath string `yaml:"key_path"`
	// Secret is the base64 shared key; it is only ever read from LEASELOCK_SECRET.
	Secret string `yaml:"-"`

	Git      GitConfig      `yaml:"git"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Redis    RedisConfig    `yaml:"redis"`
	S3       S3Config       `yaml:"s3"`
	Postgres PostgresConfig `yaml:"postgres"`

	Breaker BreakerConfig  `yaml:"breaker"`
	Logging logger.Config  `yaml:"logging"`
	Tracing tracing.Config `yaml:"tracing"`
	Watch   WatchConfig    `yaml:"watch"`
}

type GitConfig struct {
	Remote    string `yaml:"remote"`
	Branch    string `yaml:"branch"`
	Binary    string `yaml:"binary"`
	Committer string `yaml:"committer"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Prefix      string        `yaml:"prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type WatchConfig struct {
	Schedule       string        `yaml:"schedule"` // cron spec or @every
	Command        []string      `yaml:"command"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	Listen         string        `yaml:"listen"` // status API address, empty disables it
	RequireToken   bool          `yaml:"require_token"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Root:             ".",
		LockKey:          election.DefaultKey,
		LeaseDuration:    300 * time.Second,
		OperationTimeout: 15 * time.Second,
		MaxClockSkew:     60 * time.Second,
		FailurePolicy:    string(election.FailOpen),
		ClaimRetries:     3,
		Backend:          "git",
		Git: GitConfig{
			Remote: "origin",
			Branch: "main",
			Binary: "git",
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			Prefix:      "/leaselock/",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "leaselock:",
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "leaselock/",
		},
		Postgres: PostgresConfig{
			Table: "leaselock_state",
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  30 * time.Second,
		},
		Logging: logger.DefaultConfig("leaselock"),
		Tracing: tracing.DefaultConfig("leaselock"),
		Watch: WatchConfig{
			Schedule:       "@every 60s",
			CommandTimeout: 30 * time.Minute,
		},
	}
}

// DefaultPath returns <user config dir>/leaselock/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "leaselock", "config.yaml")
}

// Load builds the configuration. An explicit path must exist; without one the
// default path is used when present.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("LEASELOCK_ROOT", &cfg.Root)
	str("LEASELOCK_MACHINE_ID", &cfg.MachineID)
	str("LEASELOCK_LOCK_KEY", &cfg.LockKey)
	dur("LEASELOCK_LEASE_DURATION", &cfg.LeaseDuration)
	dur("LEASELOCK_OPERATION_TIMEOUT", &cfg.OperationTimeout)
	dur("LEASELOCK_MAX_CLOCK_SKEW", &cfg.MaxClockSkew)
	str("LEASELOCK_FAILURE_POLICY", &cfg.FailurePolicy)
	num("LEASELOCK_CLAIM_RETRIES", &cfg.ClaimRetries)
	str("LEASELOCK_BACKEND", &cfg.Backend)
	str("LEASELOCK_KEY_PATH", &cfg.KeyPath)
	str("LEASELOCK_SECRET", &cfg.Secret)

	str("LEASELOCK_GIT_REMOTE", &cfg.Git.Remote)
	str("LEASELOCK_GIT_BRANCH", &cfg.Git.Branch)
	if v := getEnv("LEASELOCK_ETCD_ENDPOINTS", ""); v != "" {
		cfg.Etcd.Endpoints = strings.Split(v, ",")
	}
	str("LEASELOCK_REDIS_ADDR", &cfg.Redis.Addr)
	str("LEASELOCK_REDIS_PASSWORD", &cfg.Redis.Password)
	str("LEASELOCK_S3_BUCKET", &cfg.S3.Bucket)
	str("LEASELOCK_S3_REGION", &cfg.S3.Region)
	str("LEASELOCK_S3_ENDPOINT", &cfg.S3.Endpoint)
	str("LEASELOCK_POSTGRES_DSN", &cfg.Postgres.DSN)

	str("LEASELOCK_LOG_LEVEL", &cfg.Logging.Level)
	str("LEASELOCK_LOG_ENCODING", &cfg.Logging.Encoding)
	if v := getEnv("LEASELOCK_TRACING_ENDPOINT", ""); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
	str("LEASELOCK_WATCH_SCHEDULE", &cfg.Watch.Schedule)
	str("LEASELOCK_LISTEN", &cfg.Watch.Listen)

	return errors.Join(errs...)
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	if _, err := election.ParseFailurePolicy(c.FailurePolicy); err != nil {
		return err
	}
	switch c.Backend {
	case "git", "etcd", "redis", "s3", "postgres", "memory":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend == "s3" && c.S3.Bucket == "" {
		return errors.New("s3 backend requires a bucket")
	}
	if c.Backend == "postgres" && c.Postgres.DSN == "" {
		return errors.New("postgres backend requires a dsn")
	}
	if c.LeaseDuration <= 0 || c.OperationTimeout <= 0 {
		return errors.New("lease_duration and operation_timeout must be positive")
	}
	if c.ClaimRetries < 1 {
		return errors.New("claim_retries must be at least 1")
	}
	return nil
}

// ElectionConfig converts the file-level settings into an election.Config.
func (c *Config) ElectionConfig() (election.Config, error) {
	policy, err := election.ParseFailurePolicy(c.FailurePolicy)
	if err != nil {
		return election.Config{}, err
	}
	ec := election.DefaultConfig(c.MachineID)
	ec.Key = c.LockKey
	ec.LeaseDuration = c.LeaseDuration
	ec.OperationTimeout = c.OperationTimeout
	ec.MaxClockSkew = c.MaxClockSkew
	ec.Policy = policy
	ec.MaxAttempts = c.ClaimRetries
	return ec, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
