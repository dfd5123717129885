package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"payment-service/internal/gateway"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Database struct {
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	SSLMode       string `mapstructure:"ssl-mode"`
	MigrationsDir string `mapstructure:"migrations-dir"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	PaymentStatus string `mapstructure:"payment-status"`
}

type Kafka struct {
	Enabled bool        `mapstructure:"enabled"`
	Writer  KafkaWriter `mapstructure:"writer"`
	Broker  KafkaBroker `mapstructure:"broker"`
	Topic   KafkaTopic  `mapstructure:"topic"`
}

type Retry struct {
	MaxAttempts      int     `mapstructure:"max-attempts"`
	BackoffFactor    float64 `mapstructure:"backoff-factor"`
	InitialDelayMs   int     `mapstructure:"initial-delay-ms"`
	AttemptTimeoutMs int     `mapstructure:"attempt-timeout-ms"`
}

type Gateway struct {
	URL           string `mapstructure:"url"`
	ShopID        string `mapstructure:"shop-id"`
	SecretKey     string `mapstructure:"secret-key"`
	WebhookSecret string `mapstructure:"webhook-secret"`
	Currency      string `mapstructure:"currency"`
	ReturnURL     string `mapstructure:"return-url"`
	Retry         Retry  `mapstructure:"retry"`
}

type Server struct {
	Port              string `mapstructure:"port"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown-timeout-ms"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Storage struct {
	Type string `mapstructure:"type"`
}

type Config struct {
	Database Database `mapstructure:"database"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Gateway  Gateway  `mapstructure:"gateway"`
	Server   Server   `mapstructure:"server"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Logs     Logs     `mapstructure:"logs"`
	Storage  Storage  `mapstructure:"storage"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "payments")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")
	v.SetDefault("database.migrations-dir", "migrations")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)
	v.SetDefault("kafka.broker.url", "localhost:9092")
	v.SetDefault("kafka.topic.payment-status", "payment-status")

	v.SetDefault("gateway.url", "http://localhost:8085/v3")
	v.SetDefault("gateway.shop-id", "")
	v.SetDefault("gateway.secret-key", "")
	v.SetDefault("gateway.webhook-secret", "")
	v.SetDefault("gateway.currency", "RUB")
	v.SetDefault("gateway.return-url", "")
	v.SetDefault("gateway.retry.max-attempts", 3)
	v.SetDefault("gateway.retry.backoff-factor", 2.0)
	v.SetDefault("gateway.retry.initial-delay-ms", 500)
	v.SetDefault("gateway.retry.attempt-timeout-ms", 10_000)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown-timeout-ms", 10_000)

	v.SetDefault("metrics.url", "")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("metrics.common-labels", "")

	v.SetDefault("logs.url", "")
	v.SetDefault("logs.level", "info")

	v.SetDefault("storage.type", StoragePostgres)
}

// LoadConfig reads the yaml file at path (optional) and applies environment
// overrides: gateway.webhook-secret is read from GATEWAY_WEBHOOK_SECRET.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	return config
}

func (c *Config) Validate() error {
	if c.Gateway.WebhookSecret == "" {
		return errors.New("gateway.webhook-secret is required")
	}
	if c.Gateway.URL == "" {
		return errors.New("gateway.url is required")
	}
	if c.Gateway.Currency == "" {
		return errors.New("gateway.currency is required")
	}
	if err := c.Gateway.RetryPolicy().Validate(); err != nil {
		return errors.Wrap(err, "gateway.retry")
	}
	switch c.Storage.Type {
	case StorageMemory, StoragePostgres:
	default:
		return errors.Errorf("storage.type must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage.Type)
	}
	if c.Kafka.Enabled && c.Kafka.Topic.PaymentStatus == "" {
		return errors.New("kafka.topic.payment-status is required when kafka is enabled")
	}
	return nil
}

func (g Gateway) RetryPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{
		MaxAttempts:    g.Retry.MaxAttempts,
		BackoffFactor:  g.Retry.BackoffFactor,
		InitialDelay:   time.Duration(g.Retry.InitialDelayMs) * time.Millisecond,
		AttemptTimeout: time.Duration(g.Retry.AttemptTimeoutMs) * time.Millisecond,
	}
}

func (g Gateway) ClientConfig() gateway.ClientConfig {
	return gateway.ClientConfig{
		BaseURL:   g.URL,
		ShopID:    g.ShopID,
		SecretKey: g.SecretKey,
		Currency:  g.Currency,
	}
}
