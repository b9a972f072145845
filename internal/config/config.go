// Package config loads layered runtime configuration: built-in defaults,
// then an optional YAML file, then HELMSMAN_* environment variables. Later
// layers win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"helmsman/internal/observability"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// CORSOrigins lists allowed browser origins; empty allows any.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects and configures the event store.
type StoreConfig struct {
	// Driver is "file" or "memory".
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Dir holds mission logs when the file driver is active.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// SnapshotEvery controls snapshot cadence in revisions.
	SnapshotEvery int64 `yaml:"snapshot_every" mapstructure:"snapshot_every"`
}

// BackendConfig points at the execution backend.
type BackendConfig struct {
	// BaseURL of the run execution service. Empty selects the simulated
	// backend, which is only useful for demos and tests.
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// Circuit breaker thresholds for the backend connection.
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerSuccessThreshold int           `yaml:"breaker_success_threshold" mapstructure:"breaker_success_threshold"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// OrchestratorConfig tunes the control loop.
type OrchestratorConfig struct {
	ConcurrencyLimit int           `yaml:"concurrency_limit" mapstructure:"concurrency_limit"`
	TickInterval     time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	ApprovalTimeout  time.Duration `yaml:"approval_timeout" mapstructure:"approval_timeout"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Config is the full runtime configuration.
type Config struct {
	Server       ServerConfig                `yaml:"server" mapstructure:"server"`
	Store        StoreConfig                 `yaml:"store" mapstructure:"store"`
	Backend      BackendConfig               `yaml:"backend" mapstructure:"backend"`
	Orchestrator OrchestratorConfig          `yaml:"orchestrator" mapstructure:"orchestrator"`
	Logging      LoggingConfig               `yaml:"logging" mapstructure:"logging"`
	Tracing      observability.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply; a named file that is missing is
// an error, unreadable YAML likewise.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HELMSMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8700)

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", "./data/missions")
	v.SetDefault("store.snapshot_every", 32)

	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.breaker_failure_threshold", 5)
	v.SetDefault("backend.breaker_success_threshold", 2)
	v.SetDefault("backend.breaker_cooldown", 30*time.Second)

	v.SetDefault("orchestrator.concurrency_limit", 4)
	v.SetDefault("orchestrator.tick_interval", time.Second)
	v.SetDefault("orchestrator.approval_timeout", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "helmsman")
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "file", "memory":
	default:
		return fmt.Errorf("unknown store driver %q (want file or memory)", c.Store.Driver)
	}
	if c.Store.Driver == "file" && c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required for the file driver")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Orchestrator.ConcurrencyLimit <= 0 {
		return fmt.Errorf("orchestrator.concurrency_limit must be positive")
	}
	return nil
}
