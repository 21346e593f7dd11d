// Package config loads engine configuration from defaults, an optional YAML
// file, and CAPENG_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"capacity-engine/pkg/claim"
	"capacity-engine/pkg/guardrail"
	"capacity-engine/pkg/sweeper"
	"capacity-engine/pkg/task"
)

// EnvPrefix is prepended to every environment override, e.g.
// CAPENG_STORE_DRIVER=sqlite.
const EnvPrefix = "CAPENG"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Store     StoreConfig      `mapstructure:"store"`
	Lock      LockConfig       `mapstructure:"lock"`
	Guardrail guardrail.Policy `mapstructure:"guardrail"`
	Sweeper   SweeperConfig    `mapstructure:"sweeper"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Log       LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type LockConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// DeltaPeriod is the window over which completed tasks count against the
	// guardrail delta budget.
	DeltaPeriod time.Duration `mapstructure:"delta_period"`
}

type AuthConfig struct {
	// JWTSecret enables bearer-token identity when set. Empty means callers
	// identify with the X-Actor header.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Load reads configuration. path may be empty to use defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
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
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.sqlite_path", "capacity.db")
	v.SetDefault("lock.default_duration", claim.DefaultDuration)
	v.SetDefault("sweeper.interval", sweeper.DefaultInterval)
	v.SetDefault("sweeper.delta_period", 24*time.Hour)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	p := guardrail.DefaultPolicy()
	for c, n := range p.MaxParallel {
		v.SetDefault("guardrail.max_parallel."+string(c), n)
	}
	v.SetDefault("guardrail.default_max_parallel", p.DefaultMaxParallel)
	v.SetDefault("guardrail.max_renewals", p.MaxRenewals)
	v.SetDefault("guardrail.delta_budget", p.DeltaBudget)
	v.SetDefault("guardrail.delta_margin", p.DeltaMargin)
	v.SetDefault("guardrail.high_tension", p.HighTension)
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, postgres or sqlite", c.Store.Driver))
	}
	for k := range c.Guardrail.MaxParallel {
		if !k.Valid() {
			errs = append(errs, fmt.Errorf("guardrail.max_parallel: unknown capacity %q", k))
		}
	}
	if m := c.Guardrail.DeltaMargin; m < 0 || m > 1 {
		errs = append(errs, fmt.Errorf("guardrail.delta_margin %v out of range [0,1]", m))
	}
	if c.Lock.DefaultDuration < 0 {
		errs = append(errs, errors.New("lock.default_duration must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// CapacityCeilings lists the configured parallel ceilings in capacity order,
// for display.
func (c *Config) CapacityCeilings() []string {
	out := make([]string, 0, len(task.Capacities))
	for _, k := range task.Capacities {
		out = append(out, fmt.Sprintf("%s=%d", k, c.Guardrail.Ceiling(k)))
	}
	return out
}
