package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/agentspace/internal/backend"
	"github.com/t77yq/agentspace/internal/handler"
	"github.com/t77yq/agentspace/internal/model"
)

const EnvPrefix = "AGENTSPACE"

// Config is the root configuration of the runtime
type Config struct {
	App        AppConfig           `mapstructure:"app"`
	Logger     LoggerConfig        `mapstructure:"logger"`
	Runtime    RuntimeConfig       `mapstructure:"runtime"`
	Storage    StorageConfig       `mapstructure:"storage"`
	NATS       NATSConfig          `mapstructure:"nats"`
	Backend    BackendConfig       `mapstructure:"backend"`
	Connectors ConnectorsConfig    `mapstructure:"connectors"`
	Email      handler.EmailConfig `mapstructure:"email"`
	Metrics    MetricsConfig       `mapstructure:"metrics"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// RuntimeConfig sizes the bus, the executors and the scheduler
type RuntimeConfig struct {
	MaxHistory       int           `mapstructure:"max_history"`
	InboxSize        int           `mapstructure:"inbox_size"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	QueueSize        int           `mapstructure:"queue_size"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	CacheEntries     int64         `mapstructure:"cache_entries"`
	AutoRetry        bool          `mapstructure:"auto_retry"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Path         string        `mapstructure:"path"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	WriteRetries uint          `mapstructure:"write_retries"`
	// action history older than this is deleted by the cleanup loop, 0 keeps everything
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Stream         string        `mapstructure:"stream"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// BackendConfig describes the optional action backend process. An empty
// command runs without a backend.
type BackendConfig struct {
	Command           string        `mapstructure:"command"`
	Args              []string      `mapstructure:"args"`
	Dir               string        `mapstructure:"dir"`
	Env               []string      `mapstructure:"env"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	FailureThreshold  uint32        `mapstructure:"failure_threshold"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
}

func (c BackendConfig) Enabled() bool {
	return c.Command != ""
}

func (c BackendConfig) Process() backend.ProcessConfig {
	return backend.ProcessConfig{
		Command: c.Command,
		Args:    c.Args,
		Dir:     c.Dir,
		Env:     c.Env,
	}
}

func (c BackendConfig) Reliability() backend.ReliableOptions {
	return backend.ReliableOptions{
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		FailureThreshold:  c.FailureThreshold,
		OpenTimeout:       c.OpenTimeout,
	}
}

type ConnectorsConfig struct {
	FilesystemRoot string `mapstructure:"filesystem_root"`
	// exposes the runtime database as the "sqlite" connector
	SQL          bool    `mapstructure:"sql"`
	CommandDir   string  `mapstructure:"command_dir"`
	WebhookRate  float64 `mapstructure:"webhook_rate"`
	WebhookBurst int     `mapstructure:"webhook_burst"`
}

type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// Load reads the configuration. An empty path searches for config.yaml in
// the working directory and ./config; a missing file is not an error then.
// Environment variables such as AGENTSPACE_STORAGE_PATH override the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "agentspace")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("runtime.max_history", 1000)
	v.SetDefault("runtime.inbox_size", 100)
	v.SetDefault("runtime.subscriber_buffer", 1000)
	v.SetDefault("runtime.queue_size", 1000)
	v.SetDefault("runtime.tick_interval", time.Second)
	v.SetDefault("runtime.cache_entries", 10000)
	v.SetDefault("runtime.auto_retry", false)
	v.SetDefault("runtime.retry_delay", time.Second)
	v.SetDefault("runtime.retry_max_delay", time.Minute)
	v.SetDefault("runtime.shutdown_timeout", 30*time.Second)

	v.SetDefault("storage.path", "data/agentspace.db")
	v.SetDefault("storage.busy_timeout", 5*time.Second)
	v.SetDefault("storage.write_retries", 3)
	v.SetDefault("storage.retention_days", 30)
	v.SetDefault("storage.cleanup_interval", 24*time.Hour)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "AGENT_MESSAGES")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("backend.command", "")
	v.SetDefault("backend.requests_per_second", 10)
	v.SetDefault("backend.burst", 5)
	v.SetDefault("backend.failure_threshold", 5)
	v.SetDefault("backend.open_timeout", 30*time.Second)

	v.SetDefault("connectors.filesystem_root", "data/files")
	v.SetDefault("connectors.sql", true)
	v.SetDefault("connectors.command_dir", "")
	v.SetDefault("connectors.webhook_rate", 5)
	v.SetDefault("connectors.webhook_burst", 10)

	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "")

	v.SetDefault("metrics.listen", "127.0.0.1:9464")
	v.SetDefault("metrics.sample_interval", 30*time.Second)
}

// Validate checks the values that have no usable fallback
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("%w: logger.level %q", model.ErrValidation, c.Logger.Level)
	}
	if c.Logger.Format != "json" && c.Logger.Format != "console" {
		return fmt.Errorf("%w: logger.format must be json or console, got %q", model.ErrValidation, c.Logger.Format)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required", model.ErrValidation)
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("%w: storage.retention_days must not be negative", model.ErrValidation)
	}
	if c.Runtime.TickInterval <= 0 {
		return fmt.Errorf("%w: runtime.tick_interval must be positive", model.ErrValidation)
	}
	if c.Runtime.QueueSize <= 0 || c.Runtime.InboxSize <= 0 {
		return fmt.Errorf("%w: runtime queue and inbox sizes must be positive", model.ErrValidation)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("%w: nats.url is required when nats is enabled", model.ErrValidation)
	}
	if c.Email.Host != "" && c.Email.From == "" {
		return fmt.Errorf("%w: email.from is required when email.host is set", model.ErrValidation)
	}
	return nil
}
