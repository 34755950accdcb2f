package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Identity     IdentityConfig     `mapstructure:"identity"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Pulse        PulseConfig        `mapstructure:"pulse"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Bridge       BridgeConfig       `mapstructure:"bridge"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// IdentityConfig names the signed-in user, this device and its group memberships
type IdentityConfig struct {
	UserID   string   `mapstructure:"user_id"`
	DeviceID string   `mapstructure:"device_id"`
	Groups   []string `mapstructure:"groups"`
}

// MonitorConfig defines the session state machine timings
type MonitorConfig struct {
	ViolationThreshold      string `mapstructure:"violation_threshold"`
	ActivityGap             string `mapstructure:"activity_gap"`
	SampleInterval          string `mapstructure:"sample_interval"`
	SessionRefreshInterval  string `mapstructure:"session_refresh_interval"`
	ScheduleRefreshInterval string `mapstructure:"schedule_refresh_interval"`
	Timezone                string `mapstructure:"timezone"`
	Evaluator               string `mapstructure:"evaluator"` // "native" or "opa"
	OPAPolicyDir            string `mapstructure:"opa_policy_dir"`
	NotifyTimeout           string `mapstructure:"notify_timeout"`
}

// PulseConfig defines background wake intervals
type PulseConfig struct {
	ForegroundInterval string `mapstructure:"foreground_interval"`
	BackgroundInterval string `mapstructure:"background_interval"`
}

// StorageConfig defines the remote store and the local offline queue
type StorageConfig struct {
	Type      string         `mapstructure:"type"` // "redis" or "postgres"
	Redis     RedisConfig    `mapstructure:"redis"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	QueuePath string         `mapstructure:"queue_path"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// PostgresConfig defines PostgreSQL connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// SyncConfig defines remote write, retry and flush behaviour
type SyncConfig struct {
	WriteTimeout   string        `mapstructure:"write_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff string        `mapstructure:"initial_backoff"`
	MaxBackoff     string        `mapstructure:"max_backoff"`
	SweepInterval  string        `mapstructure:"sweep_interval"`
	FlushRate      float64       `mapstructure:"flush_rate"` // entries per second
	FlushBurst     int           `mapstructure:"flush_burst"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig defines the remote write circuit breaker
type BreakerConfig struct {
	MaxFailures int    `mapstructure:"max_failures"`
	OpenTimeout string `mapstructure:"open_timeout"`
}

// ConnectivityConfig selects where connectivity changes come from
type ConnectivityConfig struct {
	Source        string `mapstructure:"source"` // "probe" or "bridge"
	ProbeInterval string `mapstructure:"probe_interval"`
	ProbeTimeout  string `mapstructure:"probe_timeout"`
}

// BridgeConfig defines the local shell bridge
type BridgeConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	BindAddress    string   `mapstructure:"bind_address"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// NotifyConfig selects the violation notification sinks
type NotifyConfig struct {
	Sinks []string `mapstructure:"sinks"` // "log", "console", "bridge"
}

// ServerConfig defines the metrics listener
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma separated env values arrive as a single element
	config.Identity.Groups = splitList(config.Identity.Groups)
	config.Notify.Sinks = splitList(config.Notify.Sinks)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration built from defaults alone, without
// validation.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// Keys returns every configuration key in dotted form, derived from the
// mapstructure tags.
func Keys() []string {
	return appendKeys(nil, "", reflect.TypeOf(Config{}))
}

func appendKeys(keys []string, prefix string, t reflect.Type) []string {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if field.Type.Kind() == reflect.Struct {
			keys = appendKeys(keys, name, field.Type)
			continue
		}
		keys = append(keys, name)
	}
	return keys
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Identity has no defaults beyond empty memberships
	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.device_id", "")
	v.SetDefault("identity.groups", []string{})

	// Monitor defaults
	v.SetDefault("monitor.violation_threshold", "15s")
	v.SetDefault("monitor.activity_gap", "2s")
	v.SetDefault("monitor.sample_interval", "1s")
	v.SetDefault("monitor.session_refresh_interval", "15s")
	v.SetDefault("monitor.schedule_refresh_interval", "15m")
	v.SetDefault("monitor.timezone", "Local")
	v.SetDefault("monitor.evaluator", "native")
	v.SetDefault("monitor.opa_policy_dir", "")
	v.SetDefault("monitor.notify_timeout", "5s")

	// Pulse defaults
	v.SetDefault("pulse.foreground_interval", "10s")
	v.SetDefault("pulse.background_interval", "60s")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.postgres.url", "postgres://kwatch@localhost:5432/kwatch?sslmode=disable")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.queue_path", "/var/lib/kwatch/queue.bolt")

	// Sync defaults
	v.SetDefault("sync.write_timeout", "5s")
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.initial_backoff", "1s")
	v.SetDefault("sync.max_backoff", "1m")
	v.SetDefault("sync.sweep_interval", "5m")
	v.SetDefault("sync.flush_rate", 20.0)
	v.SetDefault("sync.flush_burst", 5)
	v.SetDefault("sync.breaker.max_failures", 3)
	v.SetDefault("sync.breaker.open_timeout", "30s")

	// Connectivity defaults
	v.SetDefault("connectivity.source", "probe")
	v.SetDefault("connectivity.probe_interval", "5s")
	v.SetDefault("connectivity.probe_timeout", "2s")

	// Bridge defaults
	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.bind_address", "127.0.0.1")
	v.SetDefault("bridge.port", 7420)
	v.SetDefault("bridge.allowed_origins", []string{})

	// Notify defaults
	v.SetDefault("notify.sinks", []string{"log"})

	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.metrics_port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Identity.UserID == "" {
		return fmt.Errorf("identity.user_id is required")
	}
	if cfg.Identity.DeviceID == "" {
		return fmt.Errorf("identity.device_id is required")
	}
	if len(cfg.Identity.Groups) == 0 {
		return fmt.Errorf("at least one group membership is required")
	}

	durations := map[string]string{
		"monitor.violation_threshold":       cfg.Monitor.ViolationThreshold,
		"monitor.activity_gap":              cfg.Monitor.ActivityGap,
		"monitor.sample_interval":           cfg.Monitor.SampleInterval,
		"monitor.session_refresh_interval":  cfg.Monitor.SessionRefreshInterval,
		"monitor.schedule_refresh_interval": cfg.Monitor.ScheduleRefreshInterval,
		"monitor.notify_timeout":            cfg.Monitor.NotifyTimeout,
		"pulse.foreground_interval":         cfg.Pulse.ForegroundInterval,
		"pulse.background_interval":         cfg.Pulse.BackgroundInterval,
		"sync.write_timeout":                cfg.Sync.WriteTimeout,
		"sync.initial_backoff":              cfg.Sync.InitialBackoff,
		"sync.max_backoff":                  cfg.Sync.MaxBackoff,
		"sync.sweep_interval":               cfg.Sync.SweepInterval,
		"sync.breaker.open_timeout":         cfg.Sync.Breaker.OpenTimeout,
		"connectivity.probe_interval":       cfg.Connectivity.ProbeInterval,
		"connectivity.probe_timeout":        cfg.Connectivity.ProbeTimeout,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if _, err := time.LoadLocation(cfg.Monitor.Timezone); err != nil {
		return fmt.Errorf("invalid monitor.timezone %q: %w", cfg.Monitor.Timezone, err)
	}

	switch cfg.Monitor.Evaluator {
	case "native", "opa":
	default:
		return fmt.Errorf("unknown monitor.evaluator: %s", cfg.Monitor.Evaluator)
	}

	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "postgres":
		if cfg.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
	if cfg.Storage.QueuePath == "" {
		return fmt.Errorf("storage.queue_path is required")
	}

	if cfg.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if cfg.Sync.FlushRate <= 0 {
		return fmt.Errorf("sync.flush_rate must be positive")
	}
	if cfg.Sync.FlushBurst < 1 {
		cfg.Sync.FlushBurst = 1
	}

	switch cfg.Connectivity.Source {
	case "probe":
	case "bridge":
		if !cfg.Bridge.Enabled {
			return fmt.Errorf("connectivity.source bridge requires bridge.enabled")
		}
	default:
		return fmt.Errorf("unknown connectivity source: %s", cfg.Connectivity.Source)
	}

	if cfg.Bridge.Enabled && (cfg.Bridge.Port <= 0 || cfg.Bridge.Port > 65535) {
		return fmt.Errorf("invalid bridge port: %d", cfg.Bridge.Port)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	for _, sink := range cfg.Notify.Sinks {
		switch sink {
		case "log", "console":
		case "bridge":
			if !cfg.Bridge.Enabled {
				return fmt.Errorf("notify sink bridge requires bridge.enabled")
			}
		default:
			return fmt.Errorf("unknown notify sink: %s", sink)
		}
	}

	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
