// Package config loads the daemon's TOML configuration with viper.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/env"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
	historyfactory "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/history/factory"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/logger"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/manager"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/metrics"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/ports"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
	storefactory "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store/factory"
)

// EnvPrefix is the prefix of environment variables that override file
// settings, e.g. BEESWARM_SERVER_LISTEN.
const EnvPrefix = "BEESWARM"

// Config is the top-level TOML structure.
type Config struct {
	Supervisor manager.Config `mapstructure:"supervisor"`
	Ports      ports.Config   `mapstructure:"ports"`
	Health     health.Config  `mapstructure:"health"`
	Store      StoreConfig    `mapstructure:"store"`
	History    HistoryConfig  `mapstructure:"history"`
	Log        logger.Config  `mapstructure:"log"`
	Server     ServerConfig   `mapstructure:"server"`
	Metrics    MetricsConfig  `mapstructure:"metrics"`

	// Env, EnvFiles and UseOSEnv compose the base environment of every dev
	// server: OS env (when enabled), then env_files in order, then env.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

// StoreConfig selects the pid sidecar. An empty DSN keeps it in memory.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSNs          []string `mapstructure:"dsns"`
	IncludeOutput bool     `mapstructure:"include_output"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// LockFile guards against two daemons supervising the same machine.
	LockFile string `mapstructure:"lock_file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on its own address; empty mounts it on the API server.
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

// Load reads path (optional) and applies defaults and BEESWARM_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	sup := manager.DefaultConfig()
	v.SetDefault("supervisor.command", sup.Command)
	v.SetDefault("supervisor.args", sup.Args)
	v.SetDefault("supervisor.ready_patterns", sup.ReadyPatterns)
	v.SetDefault("supervisor.error_patterns", sup.ErrorPatterns)
	v.SetDefault("supervisor.conflict_patterns", sup.ConflictPatterns)
	v.SetDefault("supervisor.max_attempts", sup.MaxAttempts)
	v.SetDefault("supervisor.ready_wait", sup.ReadyWait)
	v.SetDefault("supervisor.readiness_attempts", sup.ReadinessAttempts)
	v.SetDefault("supervisor.readiness_interval", sup.ReadinessInterval)
	v.SetDefault("supervisor.probe_timeout", sup.ProbeTimeout)
	v.SetDefault("supervisor.conflict_backoff", sup.ConflictBackoff)
	v.SetDefault("supervisor.stop_grace", sup.StopGrace)
	v.SetDefault("supervisor.restart_delay", sup.RestartDelay)
	v.SetDefault("supervisor.crash_window", sup.CrashWindow)
	v.SetDefault("supervisor.crash_limit", sup.CrashLimit)
	v.SetDefault("supervisor.output_lines", sup.OutputLines)

	p := ports.DefaultConfig()
	v.SetDefault("ports.primary_base", p.PrimaryBase)
	v.SetDefault("ports.primary_ceiling", p.PrimaryCeiling)
	v.SetDefault("ports.secondary_base", p.SecondaryBase)

	h := health.DefaultConfig()
	v.SetDefault("health.interval", h.Interval)
	v.SetDefault("health.timeout", h.Timeout)
	v.SetDefault("health.failure_threshold", h.FailureThreshold)

	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)

	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.lock_file", filepath.Join(os.TempDir(), "beeswarm.lock"))

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources.enabled", true)
	v.SetDefault("metrics.resources.interval", 10*time.Second)

	v.SetDefault("use_os_env", true)
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Supervisor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("[supervisor]: %w", err))
	}
	if err := c.Ports.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("[ports]: %w", err))
	}
	if err := c.Health.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("[health]: %w", err))
	}
	if storefactory.Kind(c.Store.DSN) == "" {
		errs = append(errs, fmt.Errorf("[store]: unsupported dsn %q", c.Store.DSN))
	}
	for _, d := range c.History.DSNs {
		if historyfactory.Kind(d) == "" {
			errs = append(errs, fmt.Errorf("[history]: unsupported dsn %q", d))
		}
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("[server]: listen is required"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("[server]: base_path %q must start with /", c.Server.BasePath))
	}
	if c.Metrics.Resources.Interval < 0 {
		errs = append(errs, errors.New("[metrics]: resources.interval must not be negative"))
	}
	return errors.Join(errs...)
}

// GlobalEnv composes the dev servers' base environment.
func (c *Config) GlobalEnv() (*env.Env, error) {
	var base []string
	if c.UseOSEnv {
		base = os.Environ()
	}
	e := env.NewWithBase(base)
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		e = e.WithList(pairs)
	}
	return e.WithList(c.Env), nil
}

// OpenStore opens the pid sidecar and ensures its schema.
func (c *Config) OpenStore(ctx context.Context) (store.Store, error) {
	st, err := storefactory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// ManagerOptions wires the configured collaborators into manager options.
func (c *Config) ManagerOptions(log *slog.Logger, st store.Store) ([]manager.Option, error) {
	e, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	opts := []manager.Option{
		manager.WithLogger(log),
		manager.WithEnv(e),
		manager.WithHealth(c.Health),
		manager.WithOutputLogs(c.Log),
		manager.WithPorts(ports.New(c.Ports, ports.WithObserver(metrics.SetAllocatedPorts))),
	}
	if st != nil {
		opts = append(opts, manager.WithStore(st))
	}
	return opts, nil
}

// LoadEnvFile parses a .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are skipped; an "export " prefix is allowed.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
		out = append(out, k+"="+v)
	}
	return out, nil
}
