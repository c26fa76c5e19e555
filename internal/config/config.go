package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config aggregates application configuration values.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Security SecurityConfig `yaml:"security"`
	Notify   NotifyConfig   `yaml:"notify"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type LedgerConfig struct {
	LockTimeout          time.Duration   `yaml:"lock_timeout"`
	IdempotencyRetention time.Duration   `yaml:"idempotency_retention"`
	IdempotencyWait      time.Duration   `yaml:"idempotency_wait"`
	DefaultPageSize      int             `yaml:"default_page_size"`
	MaxPageSize          int             `yaml:"max_page_size"`
	MaxSummaryDays       int             `yaml:"max_summary_days"`
	BillerTimeout        time.Duration   `yaml:"biller_timeout"`
	OpeningBonus         decimal.Decimal `yaml:"-"`
	AllowFrozenCredits   bool            `yaml:"allow_frozen_credits"`
}

type SecurityConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	PinLength      int           `yaml:"pin_length"`
	MaxPinAttempts int           `yaml:"max_pin_attempts"`
	PinLockout     time.Duration `yaml:"pin_lockout"`
	BcryptCost     int           `yaml:"bcrypt_cost"`
	// DeviceChangeProofTTL caps the lifetime of the OTP proof accepted for a device change.
	DeviceChangeProofTTL time.Duration `yaml:"device_change_proof_ttl"`
}

type NotifyConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
}

type GatewayConfig struct {
	PaymentsURL string        `yaml:"payments_url"`
	BillsURL    string        `yaml:"bills_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"` // text|json
	IncludeCaller bool   `yaml:"include_caller"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			JanitorInterval: 10 * time.Minute,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			Name:            "wallet_ledger",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Ledger: LedgerConfig{
			LockTimeout:          5 * time.Second,
			IdempotencyRetention: 24 * time.Hour,
			IdempotencyWait:      10 * time.Second,
			DefaultPageSize:      20,
			MaxPageSize:          100,
			MaxSummaryDays:       366,
			BillerTimeout:        10 * time.Second,
			OpeningBonus:         decimal.Zero,
		},
		Security: SecurityConfig{
			PinLength:      4,
			MaxPinAttempts: 3,
			PinLockout:     30 * time.Minute,
			BcryptCost:     10,

			DeviceChangeProofTTL: 10 * time.Minute,
		},
		Notify: NotifyConfig{
			WebhookTimeout: 5 * time.Second,
			Workers:        4,
			QueueSize:      1024,
		},
		Gateway: GatewayConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads .env (when present), then the YAML file named by CONFIG_FILE
// (when set), then environment variable overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = valueOrDefault("SERVER_PORT", c.Server.Port)
	c.Database.Host = valueOrDefault("DB_HOST", c.Database.Host)
	c.Database.Port = valueOrDefault("DB_PORT", c.Database.Port)
	c.Database.User = valueOrDefault("DB_USER", c.Database.User)
	c.Database.Password = valueOrDefault("DB_PASSWORD", c.Database.Password)
	c.Database.Name = valueOrDefault("DB_NAME", c.Database.Name)
	c.Database.SSLMode = valueOrDefault("DB_SSLMODE", c.Database.SSLMode)
	c.Database.AutoMigrate = parseBoolWithDefault("DB_AUTO_MIGRATE", c.Database.AutoMigrate)
	c.Database.MaxOpenConns = parseIntWithDefault("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = parseIntWithDefault("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Ledger.DefaultPageSize = parseIntWithDefault("LEDGER_DEFAULT_PAGE_SIZE", c.Ledger.DefaultPageSize)
	c.Ledger.MaxPageSize = parseIntWithDefault("LEDGER_MAX_PAGE_SIZE", c.Ledger.MaxPageSize)
	c.Ledger.MaxSummaryDays = parseIntWithDefault("LEDGER_MAX_SUMMARY_DAYS", c.Ledger.MaxSummaryDays)
	c.Ledger.AllowFrozenCredits = parseBoolWithDefault("LEDGER_ALLOW_FROZEN_CREDITS", c.Ledger.AllowFrozenCredits)
	if v := os.Getenv("LEDGER_OPENING_BONUS"); v != "" {
		bonus, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_OPENING_BONUS: %w", err)
		}
		c.Ledger.OpeningBonus = bonus
	}

	c.Security.JWTSecret = valueOrDefault("JWT_SECRET", c.Security.JWTSecret)
	c.Security.PinLength = parseIntWithDefault("PIN_LENGTH", c.Security.PinLength)
	c.Security.MaxPinAttempts = parseIntWithDefault("PIN_MAX_ATTEMPTS", c.Security.MaxPinAttempts)
	c.Security.BcryptCost = parseIntWithDefault("PIN_BCRYPT_COST", c.Security.BcryptCost)

	c.Notify.WebhookURL = valueOrDefault("NOTIFY_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.Workers = parseIntWithDefault("NOTIFY_WORKERS", c.Notify.Workers)
	c.Notify.QueueSize = parseIntWithDefault("NOTIFY_QUEUE_SIZE", c.Notify.QueueSize)

	c.Gateway.PaymentsURL = valueOrDefault("GATEWAY_PAYMENTS_URL", c.Gateway.PaymentsURL)
	c.Gateway.BillsURL = valueOrDefault("GATEWAY_BILLS_URL", c.Gateway.BillsURL)
	c.Gateway.APIKey = valueOrDefault("GATEWAY_API_KEY", c.Gateway.APIKey)
	c.Gateway.MaxRetries = parseIntWithDefault("GATEWAY_MAX_RETRIES", c.Gateway.MaxRetries)

	c.Logging.Level = valueOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = valueOrDefault("LOG_FORMAT", c.Logging.Format)
	c.Logging.IncludeCaller = parseBoolWithDefault("LOG_INCLUDE_CALLER", c.Logging.IncludeCaller)

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", &c.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", &c.Server.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout},
		{"SERVER_JANITOR_INTERVAL", &c.Server.JanitorInterval},
		{"DB_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetime},
		{"LEDGER_LOCK_TIMEOUT", &c.Ledger.LockTimeout},
		{"LEDGER_IDEMPOTENCY_RETENTION", &c.Ledger.IdempotencyRetention},
		{"LEDGER_IDEMPOTENCY_WAIT", &c.Ledger.IdempotencyWait},
		{"LEDGER_BILLER_TIMEOUT", &c.Ledger.BillerTimeout},
		{"PIN_LOCKOUT", &c.Security.PinLockout},
		{"DEVICE_CHANGE_PROOF_TTL", &c.Security.DeviceChangeProofTTL},
		{"NOTIFY_WEBHOOK_TIMEOUT", &c.Notify.WebhookTimeout},
		{"GATEWAY_TIMEOUT", &c.Gateway.Timeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.target = parsed
		}
	}
	return nil
}

// Validate rejects values the ledger cannot operate with.
func (c *Config) Validate() error {
	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger lock timeout must be positive")
	}
	if c.Ledger.IdempotencyRetention <= 0 {
		return fmt.Errorf("idempotency retention must be positive")
	}
	if c.Ledger.DefaultPageSize <= 0 || c.Ledger.MaxPageSize < c.Ledger.DefaultPageSize {
		return fmt.Errorf("page sizes must satisfy 0 < default (%d) <= max (%d)", c.Ledger.DefaultPageSize, c.Ledger.MaxPageSize)
	}
	if c.Ledger.MaxSummaryDays <= 0 {
		return fmt.Errorf("max summary days must be positive")
	}
	if c.Ledger.OpeningBonus.IsNegative() {
		return fmt.Errorf("opening bonus must not be negative")
	}
	if c.Security.PinLength < 4 || c.Security.PinLength > 12 {
		return fmt.Errorf("pin length %d out of range", c.Security.PinLength)
	}
	if c.Security.MaxPinAttempts <= 0 {
		return fmt.Errorf("max pin attempts must be positive")
	}
	if c.Security.DeviceChangeProofTTL <= 0 {
		return fmt.Errorf("device change proof ttl must be positive")
	}
	if c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify workers and queue size must be positive")
	}
	return nil
}

// GetDBConnectionString builds the lib/pq connection string.
func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name, c.Database.SSLMode)
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}
