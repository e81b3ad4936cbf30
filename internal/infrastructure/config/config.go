package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Bus           BusConfig           `mapstructure:"bus"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Saga          SagaConfig          `mapstructure:"saga"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// BusConfig tunes the event bus delivery behavior.
type BusConfig struct {
	SourceService  string        `mapstructure:"source_service"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryFactor    float64       `mapstructure:"retry_factor"`
	StreamMaxLen   int64         `mapstructure:"stream_max_len"`
	BatchSize      int64         `mapstructure:"batch_size"`
	BlockDuration  time.Duration `mapstructure:"block_duration"`
}

type PaymentConfig struct {
	Gateway             string        `mapstructure:"gateway"`
	ProcessingTimeout   time.Duration `mapstructure:"processing_timeout"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	MinAmountCents      int64         `mapstructure:"min_amount_cents"`
	MaxAmountCents      int64         `mapstructure:"max_amount_cents"`
	SupportedCurrencies []string      `mapstructure:"supported_currencies"`
}

type SagaConfig struct {
	Currency     string `mapstructure:"currency"`
	ProductStock int    `mapstructure:"product_stock"`
}

type WorkerConfig struct {
	QueueGroup      string        `mapstructure:"queue_group"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("PAYMENTS")
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/payments")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Bus.SourceService == "" {
		errs = append(errs, fmt.Errorf("bus.source_service is required"))
	}
	if c.Bus.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("bus.max_retries cannot be negative"))
	}
	if c.Bus.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("bus.retry_base_delay must be positive"))
	}
	if c.Bus.RetryFactor < 1 {
		errs = append(errs, fmt.Errorf("bus.retry_factor must be at least 1, got %v", c.Bus.RetryFactor))
	}
	if c.Bus.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("bus.batch_size must be positive"))
	}
	if c.Payment.Gateway == "" {
		errs = append(errs, fmt.Errorf("payment.gateway is required"))
	}
	if c.Payment.ProcessingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("payment.processing_timeout must be positive"))
	}
	if c.Payment.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("payment.lock_ttl must be positive"))
	}
	if c.Worker.QueueGroup == "" {
		errs = append(errs, fmt.Errorf("worker.queue_group is required"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "payments")
	v.SetDefault("database.database", "payments")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Bus defaults
	v.SetDefault("bus.source_service", "payment-service")
	v.SetDefault("bus.max_retries", 3)
	v.SetDefault("bus.retry_base_delay", "1s")
	v.SetDefault("bus.retry_factor", 2.0)
	v.SetDefault("bus.stream_max_len", 10000)
	v.SetDefault("bus.batch_size", 10)
	v.SetDefault("bus.block_duration", "1s")

	// Payment defaults
	v.SetDefault("payment.gateway", "stripe")
	v.SetDefault("payment.processing_timeout", "30s")
	v.SetDefault("payment.lock_ttl", "30s")
	v.SetDefault("payment.min_amount_cents", 50)
	v.SetDefault("payment.max_amount_cents", 100_000_000)
	v.SetDefault("payment.supported_currencies", []string{"USD", "EUR", "GBP", "BRL"})

	// Saga defaults
	v.SetDefault("saga.currency", "USD")
	v.SetDefault("saga.product_stock", 100)

	// Worker defaults
	v.SetDefault("worker.queue_group", "payment-workers")
	v.SetDefault("worker.shutdown_timeout", "30s")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.metrics_port", 9090)
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)

	// Instance ID
	v.SetDefault("instance_id", "payments-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
