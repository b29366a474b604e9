package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/taskrouter/internal/db"
	"github.com/Kocoro-lab/taskrouter/internal/orchestration"
	"github.com/Kocoro-lab/taskrouter/internal/policy"
	"github.com/Kocoro-lab/taskrouter/internal/ratecontrol"
	"github.com/Kocoro-lab/taskrouter/internal/routing"
	"github.com/Kocoro-lab/taskrouter/internal/streaming"
	"github.com/Kocoro-lab/taskrouter/internal/tracing"
)

// DefaultPath is used when CONFIG_PATH is unset
const DefaultPath = "./config/taskrouter.yaml"

// EnvPrefix prefixes environment overrides, e.g. TASKROUTER_ROUTING_SHORTLIST_MAX
const EnvPrefix = "TASKROUTER"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type RegistryConfig struct {
	Path       string `mapstructure:"path"`
	AgentsPath string `mapstructure:"agents_path"`
	Watch      bool   `mapstructure:"watch"`
}

type StreamingConfig struct {
	// Backend is "memory" or "redis"
	Backend  string                `mapstructure:"backend"`
	Capacity int                   `mapstructure:"capacity"`
	Redis    streaming.RedisConfig `mapstructure:"redis"`
}

type ArchiveConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	db.Config `mapstructure:",squash"`
}

type ResilienceConfig struct {
	Breaker    orchestration.BreakerConfig `mapstructure:"breaker"`
	RateLimits ratecontrol.Config          `mapstructure:"rate_limits"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// HealthTimeout bounds each health check
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Format is "json" or "console"
	Format string `mapstructure:"format"`
}

// Config is the full taskrouter configuration
type Config struct {
	Routing       routing.Config       `mapstructure:"routing"`
	Orchestration orchestration.Config `mapstructure:"orchestration"`
	Registry      RegistryConfig       `mapstructure:"registry"`
	Policy        policy.Config        `mapstructure:"policy"`
	Streaming     StreamingConfig      `mapstructure:"streaming"`
	Archive       ArchiveConfig        `mapstructure:"archive"`
	Tracing       tracing.Config       `mapstructure:"tracing"`
	Resilience    ResilienceConfig     `mapstructure:"resilience"`
	Server        ServerConfig         `mapstructure:"server"`
	Logging       LoggingConfig        `mapstructure:"logging"`
}

// Load reads CONFIG_PATH, or DefaultPath when unset
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads a YAML config file on top of the defaults and applies
// TASKROUTER_* environment overrides. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	tiers := routing.DefaultTierTable()
	v.SetDefault("routing.shortlist_ratio", routing.DefaultShortlistRatio)
	v.SetDefault("routing.shortlist_max", routing.DefaultShortlistMax)
	v.SetDefault("routing.default_output_tokens", routing.DefaultExpectedOutputTokens)
	v.SetDefault("routing.tiers.budget", tiers.Budget)
	v.SetDefault("routing.tiers.balanced", tiers.Balanced)
	v.SetDefault("routing.tiers.premium", tiers.Premium)
	v.SetDefault("routing.tiers.frontier", tiers.Frontier)
	v.SetDefault("routing.synthesizer_id", "")

	v.SetDefault("orchestration.max_rounds", orchestration.DefaultMaxRounds)
	v.SetDefault("orchestration.timeout_ms", orchestration.DefaultTimeoutMs)
	v.SetDefault("orchestration.max_concurrency", orchestration.DefaultMaxConcurrency)
	v.SetDefault("orchestration.synthesizer_id", "")

	v.SetDefault("registry.path", "./config/models.yaml")
	v.SetDefault("registry.agents_path", "./config/agents.yaml")
	v.SetDefault("registry.watch", false)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.mode", string(policy.ModeOff))
	v.SetDefault("policy.path", "./config/policies")
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.environment", "dev")
	v.SetDefault("policy.cache_size", 0)

	v.SetDefault("streaming.backend", BackendMemory)
	v.SetDefault("streaming.capacity", streaming.DefaultCapacity)
	v.SetDefault("streaming.redis.addr", "localhost:6379")
	v.SetDefault("streaming.redis.password", "")
	v.SetDefault("streaming.redis.db", 0)
	v.SetDefault("streaming.redis.key_prefix", "taskrouter:events")
	v.SetDefault("streaming.redis.max_len", 256)
	v.SetDefault("streaming.redis.ttl", 24*time.Hour)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", db.DriverSQLite)
	v.SetDefault("archive.dsn", "./taskrouter-runs.db")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "taskrouter")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("resilience.breaker.max_failures", 5)
	v.SetDefault("resilience.breaker.timeout", 30*time.Second)
	v.SetDefault("resilience.breaker.interval", 60*time.Second)
	v.SetDefault("resilience.rate_limits.default_rpm", 0)
	v.SetDefault("resilience.rate_limits.default_tpm", 0)
	v.SetDefault("resilience.rate_limits.disable_builtins", false)

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.health_timeout", 2*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	var errs []error
	if r := c.Routing.ShortlistRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("routing.shortlist_ratio must be in (0, 1], got %v", r))
	}
	if c.Routing.ShortlistMax < 1 {
		errs = append(errs, fmt.Errorf("routing.shortlist_max must be >= 1, got %d", c.Routing.ShortlistMax))
	}
	if err := c.Routing.Tiers.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("routing.tiers: %w", err))
	}
	if c.Orchestration.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("orchestration.max_rounds must be >= 1, got %d", c.Orchestration.MaxRounds))
	}
	if c.Orchestration.TimeoutMs < 1 {
		errs = append(errs, fmt.Errorf("orchestration.timeout_ms must be >= 1, got %d", c.Orchestration.TimeoutMs))
	}
	switch c.Policy.Mode {
	case policy.ModeOff, policy.ModeDryRun, policy.ModeEnforce:
	default:
		errs = append(errs, fmt.Errorf("policy.mode %q is not one of off, dry-run, enforce", c.Policy.Mode))
	}
	switch c.Streaming.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("streaming.backend %q is not one of memory, redis", c.Streaming.Backend))
	}
	if c.Archive.Enabled && c.Archive.Driver != db.DriverPostgres && c.Archive.Driver != db.DriverSQLite {
		errs = append(errs, fmt.Errorf("archive.driver %q is not one of postgres, sqlite3", c.Archive.Driver))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
