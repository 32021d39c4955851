package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Inbound  InboundConfig  `mapstructure:"inbound"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"`
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

// WebhooksConfig tunes the outgoing delivery engine.
type WebhooksConfig struct {
	WorkerCount        int           `mapstructure:"worker_count"`
	QueueSize          int           `mapstructure:"queue_size"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxResponseBody    int           `mapstructure:"max_response_body"`
	RetrySweepBatch    int           `mapstructure:"retry_sweep_batch"`
	RetrySweepInterval time.Duration `mapstructure:"retry_sweep_interval"`
	DefaultMaxRetries  int           `mapstructure:"default_max_retries"`
	DefaultBackoff     string        `mapstructure:"default_backoff"`
}

// InboundConfig holds receiver settings. Secrets are keyed by provider name.
type InboundConfig struct {
	Secrets            map[string]string `mapstructure:"secrets"`
	RateLimitPerMinute int               `mapstructure:"rate_limit_per_minute"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "file:webhookd.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("jwt.access_token_ttl", 15*time.Minute)

	v.SetDefault("webhooks.worker_count", 8)
	v.SetDefault("webhooks.queue_size", 256)
	v.SetDefault("webhooks.request_timeout", 30*time.Second)
	v.SetDefault("webhooks.max_response_body", 1000)
	v.SetDefault("webhooks.retry_sweep_batch", 100)
	v.SetDefault("webhooks.retry_sweep_interval", time.Duration(0))
	v.SetDefault("webhooks.default_max_retries", 3)
	v.SetDefault("webhooks.default_backoff", "exponential")

	v.SetDefault("inbound.rate_limit_per_minute", 600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
