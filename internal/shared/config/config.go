package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Gateways GatewaysConfig `mapstructure:"gateways"`
	Refund   RefundConfig   `mapstructure:"refund"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GatewaysConfig holds per-gateway credentials and tuning.
type GatewaysConfig struct {
	Stripe  StripeConfig  `mapstructure:"stripe"`
	PayPal  PayPalConfig  `mapstructure:"paypal"`
	Alipay  AlipayConfig  `mapstructure:"alipay"`
	Payline PaylineConfig `mapstructure:"payline"`
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	SignatureMaxSkew time.Duration `mapstructure:"signature_max_skew"`
	TestMode         bool          `mapstructure:"test_mode"`
}

// PayPalConfig holds PayPal credentials. TestMode selects the sandbox
// API host; signature verification itself is identical in both modes.
type PayPalConfig struct {
	ClientID      string        `mapstructure:"client_id"`
	Secret        string        `mapstructure:"secret"`
	WebhookID     string        `mapstructure:"webhook_id"`
	TestMode      bool          `mapstructure:"test_mode"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

// AlipayConfig holds Alipay credentials.
type AlipayConfig struct {
	AppID           string `mapstructure:"app_id"`
	PrivateKey      string `mapstructure:"private_key"`
	AlipayPublicKey string `mapstructure:"alipay_public_key"`
	TestMode        bool   `mapstructure:"test_mode"`
}

// PaylineConfig holds the regional bank gateway credentials. There is
// deliberately no switch that disables hash verification.
type PaylineConfig struct {
	MerchantID string `mapstructure:"merchant_id"`
	Salt       string `mapstructure:"salt"`
	BaseURL    string `mapstructure:"base_url"`
	TestMode   bool   `mapstructure:"test_mode"`
}

// RefundConfig holds refund worker tuning.
type RefundConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BatchSize     int           `mapstructure:"batch_size"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Concurrency   int           `mapstructure:"concurrency"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// NotifierConfig holds the internal notification service endpoint.
type NotifierConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/settld")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("SETTLD")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if password := os.Getenv("SETTLD_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("SETTLD_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if key := os.Getenv("SETTLD_STRIPE_API_KEY"); key != "" {
		cfg.Gateways.Stripe.APIKey = key
	}
	if secret := os.Getenv("SETTLD_STRIPE_WEBHOOK_SECRET"); secret != "" {
		cfg.Gateways.Stripe.WebhookSecret = secret
	}
	if secret := os.Getenv("SETTLD_PAYPAL_SECRET"); secret != "" {
		cfg.Gateways.PayPal.Secret = secret
	}
	if salt := os.Getenv("SETTLD_PAYLINE_SALT"); salt != "" {
		cfg.Gateways.Payline.Salt = salt
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.webhook_timeout", 25*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "settld")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Gateway defaults
	v.SetDefault("gateways.stripe.signature_max_skew", 5*time.Minute)
	v.SetDefault("gateways.paypal.verify_timeout", 10*time.Second)
	v.SetDefault("gateways.payline.base_url", "https://api.payline.example")

	// Refund worker defaults
	v.SetDefault("refund.max_retries", 5)
	v.SetDefault("refund.batch_size", 20)
	v.SetDefault("refund.backoff_base", 30*time.Second)
	v.SetDefault("refund.backoff_max", time.Hour)
	v.SetDefault("refund.poll_interval", 15*time.Second)
	v.SetDefault("refund.concurrency", 4)
	v.SetDefault("refund.submit_timeout", 15*time.Second)

	// Notifier defaults
	v.SetDefault("notifier.timeout", 5*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
