package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMongo = "mongo"
	BackendMySQL = "mysql"
	// LockState keeps leases next to the state records.
	LockState = "state"
	LockRedis = "redis"
)

type Config struct {
	MongoURI string `yaml:"mongo_uri"`
	Dir      string `yaml:"dir"`
	// Subdir is read inside every namespace directory, e.g. "schema".
	Subdir string `yaml:"subdir"`
	// Databases maps namespaces to target database names.
	Databases map[string]string `yaml:"databases"`

	StateBackend    string `yaml:"state_backend"`
	StateDSN        string `yaml:"state_dsn"`
	StateDatabase   string `yaml:"state_database"`
	StateCollection string `yaml:"state_collection"`

	LockBackend string `yaml:"lock_backend"`
	RedisAddr   string `yaml:"redis_addr"`
	LockTTLSec  int    `yaml:"lock_ttl_sec"`

	OperationTimeoutSec int    `yaml:"operation_timeout_sec"`
	Transactional       bool   `yaml:"transactional"`
	RequireDown         bool   `yaml:"require_down"`
	Parallelism         int    `yaml:"parallelism"`
	AppliedBy           string `yaml:"applied_by"`
	MetricsTextfile     string `yaml:"metrics_textfile"`

	JSON    bool `yaml:"json"`
	DryRun  bool `yaml:"dry_run"`
	Verbose bool `yaml:"verbose"`

	// exact durations from the command line, taking precedence over the
	// whole-second settings
	lockTTL          *time.Duration
	operationTimeout *time.Duration
}

func Default() *Config {
	return &Config{
		Dir:                 "./migrations",
		StateBackend:        BackendMongo,
		StateDatabase:       "migrations",
		StateCollection:     "schema_migrations",
		LockBackend:         LockState,
		LockTTLSec:          600,
		OperationTimeoutSec: 60,
		Parallelism:         1,
	}
}

func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func MergeEnv(cfg *Config) *Config {
	str := map[string]*string{
		"MONGO_URI":             &cfg.MongoURI,
		"MIGRATIONS_DIR":        &cfg.Dir,
		"MIGRATIONS_SUBDIR":     &cfg.Subdir,
		"STATE_BACKEND":         &cfg.StateBackend,
		"STATE_DSN":             &cfg.StateDSN,
		"STATE_DATABASE":        &cfg.StateDatabase,
		"MIGRATIONS_COLLECTION": &cfg.StateCollection,
		"LOCK_BACKEND":          &cfg.LockBackend,
		"REDIS_ADDR":            &cfg.RedisAddr,
		"APPLIED_BY":            &cfg.AppliedBy,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"LOCK_TTL_SEC":          &cfg.LockTTLSec,
		"OPERATION_TIMEOUT_SEC": &cfg.OperationTimeoutSec,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("--mongo-uri or MONGO_URI is required")
	}
	switch c.StateBackend {
	case BackendMongo:
	case BackendMySQL:
		if c.StateDSN == "" {
			return fmt.Errorf("mysql state backend needs --state-dsn or STATE_DSN")
		}
		if c.Transactional {
			return fmt.Errorf("transactional mode needs the mongo state backend")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.StateBackend)
	}
	switch c.LockBackend {
	case LockState:
	case LockRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis lock backend needs --redis-addr or REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	return nil
}

// SetLockTTL overrides LockTTLSec with d.
func (c *Config) SetLockTTL(d time.Duration) { c.lockTTL = &d }

// SetOperationTimeout overrides OperationTimeoutSec with d.
func (c *Config) SetOperationTimeout(d time.Duration) { c.operationTimeout = &d }

func (c *Config) LockTTL() time.Duration {
	if c.lockTTL != nil && *c.lockTTL > 0 {
		return *c.lockTTL
	}
	if c.LockTTLSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.LockTTLSec) * time.Second
}

// OperationTimeout is zero (unbounded) when configured as zero or less.
func (c *Config) OperationTimeout() time.Duration {
	if c.operationTimeout != nil {
		return max(*c.operationTimeout, 0)
	}
	if c.OperationTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.OperationTimeoutSec) * time.Second
}

// DatabaseFor names the target database of a namespace: an explicit
// mapping first, else the namespace without its "mongo-" prefix.
func (c *Config) DatabaseFor(namespace string) string {
	if db, ok := c.Databases[namespace]; ok && db != "" {
		return db
	}
	return strings.TrimPrefix(namespace, "mongo-")
}
