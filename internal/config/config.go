// Package config loads layered configuration for the whirr binary:
// defaults, then a YAML config file, then WHIRR_-prefixed environment
// variables, then explicit runtime overrides (highest precedence).
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ServerConfig controls the HTTP API host.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig controls the zap logger built by observability.New.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig controls the /health family of probes.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig controls pprof and verbose diagnostics.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StorageConfig selects and configures the scheduler's storage backend.
type StorageConfig struct {
	// Mode is "embedded" (SQLite, single host) or "networked" (Postgres-style,
	// shared filesystem required).
	Mode        string `mapstructure:"mode"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// WorkerConfig controls the worker loop and lease monitor cadence.
type WorkerConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	KillGracePeriod      time.Duration `mapstructure:"kill_grace_period"`
	LeaseMonitorInterval time.Duration `mapstructure:"lease_monitor_interval"`
	RunsRoot             string        `mapstructure:"runs_root"`
}

// AblationConfig controls default behavior of the ablation driver.
type AblationConfig struct {
	DefaultReplicates int `mapstructure:"default_replicates"`
}

// Config is the fully-resolved configuration for any whirr process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Ablation AblationConfig `mapstructure:"ablation"`
	Workers  int            `mapstructure:"workers"`
}

const envPrefix = "WHIRR"

var (
	configMu  sync.RWMutex
	appConfig *Config
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("storage.mode", "embedded")
	v.SetDefault("storage.sqlite_path", ".whirr/whirr.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)
	v.SetDefault("worker.heartbeat_timeout", 120*time.Second)
	v.SetDefault("worker.kill_grace_period", 10*time.Second)
	v.SetDefault("worker.lease_monitor_interval", 30*time.Second)
	v.SetDefault("worker.runs_root", ".whirr/runs")

	v.SetDefault("ablation.default_replicates", 20)

	v.SetDefault("workers", 4)
}

// Load resolves configuration from defaults, an optional config file,
// WHIRR_-prefixed environment variables, and (highest precedence) the
// supplied runtime overrides. It also stores the result for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".whirr")
	if configFile := strings.TrimSpace(v.GetString("config_file")); configFile != "" {
		v.SetConfigFile(configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnvAliases(v)

	for _, override := range overrides {
		for key, value := range flatten("", override) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// bindLegacyEnvAliases maps a handful of short-form env vars onto the
// nested keys they control, so e.g. WHIRR_PORT and WHIRR_LOG_LEVEL work
// alongside the fully-qualified WHIRR_SERVER_PORT / WHIRR_LOGGING_LEVEL
// forms.
func bindLegacyEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"server.port":        "WHIRR_PORT",
		"server.host":        "WHIRR_HOST",
		"logging.level":      "WHIRR_LOG_LEVEL",
		"metrics.port":       "WHIRR_METRICS_PORT",
		"metrics.enabled":    "WHIRR_METRICS_ENABLED",
		"server.read_timeout":     "WHIRR_READ_TIMEOUT",
		"server.shutdown_timeout": "WHIRR_SHUTDOWN_TIMEOUT",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

// flatten turns a nested map (as passed to Load's overrides) into
// dot-path -> value pairs suitable for viper.Set.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(path, nested) {
				out[nk] = nv
			}
			continue
		}
		out[path] = v
	}
	return out
}

// GetConfig returns the most recently loaded configuration, or nil if Load
// has not been called yet.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}
