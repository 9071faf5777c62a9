// Package config provides YAML-based configuration loading for Senderyard.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Senderyard configuration, loaded from senderyard.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Vault    VaultConfig    `yaml:"vault"`
	Budget   BudgetConfig   `yaml:"budget"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Worker   WorkerConfig   `yaml:"worker"`
	Logging  LoggingConfig  `yaml:"logging"`
	Senders  []SenderConfig `yaml:"senders"`
}

// DatabaseConfig selects and addresses the record store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite only
	DSN      string `yaml:"dsn"`  // overrides everything above when set
}

// ServerConfig holds settings for the worker-facing HTTP API.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	WorkerSecret string `yaml:"worker_secret"`
	MaxBatch     int    `yaml:"max_batch"`
}

// VaultConfig holds the key used to encrypt sender secrets at rest.
type VaultConfig struct {
	Key string `yaml:"key"`
}

// BudgetConfig defines daily per-tier, per-action-type limits.
type BudgetConfig struct {
	Backend         string                    `yaml:"backend"` // sql, redis
	Redis           RedisConfig               `yaml:"redis"`
	DefaultTier     string                    `yaml:"default_tier"`
	Tiers           map[string]map[string]int `yaml:"tiers"`
	SessionOptional []string                  `yaml:"session_optional"`
}

// RedisConfig addresses the Redis server used by the redis budget backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DispatchConfig controls claim batching and the reclaim sweep.
type DispatchConfig struct {
	ReclaimTimeoutSec int    `yaml:"reclaim_timeout_sec"`
	SweepOnClaim      *bool  `yaml:"sweep_on_claim"`
	SweepSchedule     string `yaml:"sweep_schedule"`
}

// WorkerConfig holds settings for the remote worker loop.
type WorkerConfig struct {
	APIURL           string   `yaml:"api_url"`
	Workspace        string   `yaml:"workspace"`
	Senders          []string `yaml:"senders"`
	PollIntervalSec  int      `yaml:"poll_interval_sec"`
	MaxBackoffSec    int      `yaml:"max_backoff_sec"`
	BatchSize        int      `yaml:"batch_size"`
	ActionsPerMinute float64  `yaml:"actions_per_minute"`
	ShowBrowser      bool     `yaml:"show_browser"`
	BrowserBin       string   `yaml:"browser_bin"`
	AutoLogin        bool     `yaml:"auto_login"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// SenderConfig seeds a sender row on `sy db init`.
type SenderConfig struct {
	ID        string `yaml:"id"`
	Workspace string `yaml:"workspace"`
	Name      string `yaml:"name"`
	Tier      string `yaml:"tier"`
	ProxyRef  string `yaml:"proxy_ref"`
}

// Environment variables that override file values.
const (
	EnvWorkerSecret = "SENDERYARD_WORKER_SECRET"
	EnvVaultKey     = "SENDERYARD_VAULT_KEY"
	EnvDBDSN        = "SENDERYARD_DB_DSN"
	EnvDBPassword   = "SENDERYARD_DB_PASSWORD"
	EnvRedisAddr    = "SENDERYARD_REDIS_ADDR"
	EnvAPIURL       = "SENDERYARD_API_URL"
	EnvLogLevel     = "SENDERYARD_LOG_LEVEL"
)

// DefaultTiers is used when the config file defines no tiers.
var DefaultTiers = map[string]map[string]int{
	"low": {
		"connect":      20,
		"message":      40,
		"view_profile": 80,
		"follow":       20,
		"like":         30,
		"comment":      10,
	},
	"medium": {
		"connect":      40,
		"message":      80,
		"view_profile": 150,
		"follow":       40,
		"like":         60,
		"comment":      20,
	},
	"high": {
		"connect":      80,
		"message":      150,
		"view_profile": 250,
		"follow":       80,
		"like":         100,
		"comment":      40,
	},
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvWorkerSecret); v != "" {
		c.Server.WorkerSecret = v
	}
	if v := os.Getenv(EnvVaultKey); v != "" {
		c.Vault.Key = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Budget.Redis.Addr = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.Worker.APIURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "senderyard.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	case "postgres":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.User == "" {
			c.Database.User = "postgres"
		}
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxBatch == 0 {
		c.Server.MaxBatch = 50
	}

	if c.Budget.Backend == "" {
		c.Budget.Backend = "sql"
	}
	if len(c.Budget.Tiers) == 0 {
		c.Budget.Tiers = DefaultTiers
	}
	if c.Budget.DefaultTier == "" {
		c.Budget.DefaultTier = "low"
	}

	if c.Dispatch.ReclaimTimeoutSec == 0 {
		c.Dispatch.ReclaimTimeoutSec = 600
	}
	if c.Dispatch.SweepOnClaim == nil {
		on := true
		c.Dispatch.SweepOnClaim = &on
	}
	if c.Dispatch.SweepSchedule == "" {
		c.Dispatch.SweepSchedule = "* * * * *"
	}

	if c.Worker.APIURL == "" {
		c.Worker.APIURL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	c.Worker.APIURL = strings.TrimRight(c.Worker.APIURL, "/")
	if c.Worker.PollIntervalSec == 0 {
		c.Worker.PollIntervalSec = 5
	}
	if c.Worker.MaxBackoffSec == 0 {
		c.Worker.MaxBackoffSec = 60
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 5
	}
	if c.Worker.ActionsPerMinute == 0 {
		c.Worker.ActionsPerMinute = 2
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	for i := range c.Senders {
		if c.Senders[i].Tier == "" {
			c.Senders[i].Tier = c.Budget.DefaultTier
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite":
	case "mysql", "postgres":
		if c.Database.DSN == "" && c.Database.Name == "" {
			errs = append(errs, "database.name is required for "+c.Database.Driver)
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.MaxBatch < 0 {
		errs = append(errs, "server.max_batch must not be negative")
	}

	switch c.Budget.Backend {
	case "sql":
	case "redis":
		if c.Budget.Redis.Addr == "" {
			errs = append(errs, "budget.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("budget.backend %q is not one of sql, redis", c.Budget.Backend))
	}
	if _, ok := c.Budget.Tiers[c.Budget.DefaultTier]; !ok {
		errs = append(errs, fmt.Sprintf("budget.default_tier %q is not defined in budget.tiers", c.Budget.DefaultTier))
	}
	for _, tier := range sortedKeys(c.Budget.Tiers) {
		for actionType, limit := range c.Budget.Tiers[tier] {
			if limit < 0 {
				errs = append(errs, fmt.Sprintf("budget.tiers.%s.%s must not be negative", tier, actionType))
			}
		}
	}

	if c.Dispatch.ReclaimTimeoutSec < 0 {
		errs = append(errs, "dispatch.reclaim_timeout_sec must not be negative")
	}
	if _, err := cron.ParseStandard(c.Dispatch.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("dispatch.sweep_schedule %q: %v", c.Dispatch.SweepSchedule, err))
	}

	if c.Worker.ActionsPerMinute < 0 {
		errs = append(errs, "worker.actions_per_minute must not be negative")
	}

	seen := make(map[string]bool)
	for i, s := range c.Senders {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("senders[%d].id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("senders[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true
		if _, ok := c.Budget.Tiers[s.Tier]; !ok {
			errs = append(errs, fmt.Sprintf("senders[%d].tier %q is not defined in budget.tiers", i, s.Tier))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateServer checks the settings `sy serve` needs beyond the base config.
func (c *Config) ValidateServer() error {
	var errs []string
	if c.Server.WorkerSecret == "" {
		errs = append(errs, "server.worker_secret is required (or "+EnvWorkerSecret+")")
	}
	if c.Vault.Key == "" {
		errs = append(errs, "vault.key is required (or "+EnvVaultKey+")")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateWorker checks the settings `sy worker` needs beyond the base config.
func (c *Config) ValidateWorker() error {
	var errs []string
	if c.Server.WorkerSecret == "" {
		errs = append(errs, "server.worker_secret is required (or "+EnvWorkerSecret+")")
	}
	if c.Worker.Workspace == "" && len(c.Worker.Senders) == 0 {
		errs = append(errs, "worker.workspace or worker.senders is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ReclaimTimeout is how long an action may stay running before the sweep
// returns it to pending.
func (c *Config) ReclaimTimeout() time.Duration {
	return time.Duration(c.Dispatch.ReclaimTimeoutSec) * time.Second
}

// PollInterval is the worker's base delay between empty claims.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSec) * time.Second
}

// MaxBackoff caps the worker's empty-queue backoff.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Worker.MaxBackoffSec) * time.Second
}

func sortedKeys(m map[string]map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
