package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP     HTTPConfig
	Store    StoreConfig
	Payments PaymentsConfig
	Identity IdentityConfig
	Logging  LoggingConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	AllowedOriginsCSV string
}

// StoreConfig describes connectivity to the payment database. An empty URI
// selects the in-memory store, which only suits a single-instance
// deployment.
type StoreConfig struct {
	URI            string
	Database       string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

// PaymentsConfig tunes the lifecycle engine.
type PaymentsConfig struct {
	SettlementDelay time.Duration
	CaptureRate     float64
}

// IdentityConfig points at the customer identity service. An empty base URL
// disables customer enrichment on status reads.
type IdentityConfig struct {
	BaseURL string
	Timeout time.Duration
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // json|text
	IncludeCaller bool
}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8080
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultDatabase        = "food_ordering"
	defaultMaxPoolSize     = 20
	defaultConnectTimeout  = 10 * time.Second
	defaultSettlementDelay = 2 * time.Second
	defaultCaptureRate     = 0.9
	defaultIdentityTimeout = 3 * time.Second
	defaultLoggingLevel    = "info"
	defaultLoggingFormat   = "json"
)

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and environment variables, in that order of precedence
// (environment wins).
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:            defaultHost,
			Port:            defaultPort,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			IdleTimeout:     defaultIdleTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Store: StoreConfig{
			Database:       defaultDatabase,
			MaxPoolSize:    defaultMaxPoolSize,
			ConnectTimeout: defaultConnectTimeout,
		},
		Payments: PaymentsConfig{
			SettlementDelay: defaultSettlementDelay,
			CaptureRate:     defaultCaptureRate,
		},
		Identity: IdentityConfig{
			Timeout: defaultIdentityTimeout,
		},
		Logging: LoggingConfig{
			Level:  defaultLoggingLevel,
			Format: defaultLoggingFormat,
		},
	}
}

// fileConfig mirrors Config with optional fields so a YAML file only
// overrides what it names. Durations are strings in time.ParseDuration form.
type fileConfig struct {
	Server struct {
		Host            *string `yaml:"host"`
		Port            *int    `yaml:"port"`
		ReadTimeout     *string `yaml:"readTimeout"`
		WriteTimeout    *string `yaml:"writeTimeout"`
		IdleTimeout     *string `yaml:"idleTimeout"`
		ShutdownTimeout *string `yaml:"shutdownTimeout"`
		AllowedOrigins  *string `yaml:"allowedOrigins"`
	} `yaml:"server"`
	Mongo struct {
		URI            *string `yaml:"uri"`
		Database       *string `yaml:"database"`
		MaxPoolSize    *uint64 `yaml:"maxPoolSize"`
		ConnectTimeout *string `yaml:"connectTimeout"`
	} `yaml:"mongo"`
	Payments struct {
		SettlementDelay *string  `yaml:"settlementDelay"`
		CaptureRate     *float64 `yaml:"captureRate"`
	} `yaml:"payments"`
	Identity struct {
		BaseURL *string `yaml:"baseUrl"`
		Timeout *string `yaml:"timeout"`
	} `yaml:"identity"`
	Logging struct {
		Level         *string `yaml:"level"`
		Format        *string `yaml:"format"`
		IncludeCaller *bool   `yaml:"includeCaller"`
	} `yaml:"logging"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.HTTP.Host, file.Server.Host)
	setInt(&cfg.HTTP.Port, file.Server.Port)
	setString(&cfg.HTTP.AllowedOriginsCSV, file.Server.AllowedOrigins)
	setString(&cfg.Store.URI, file.Mongo.URI)
	setString(&cfg.Store.Database, file.Mongo.Database)
	setString(&cfg.Identity.BaseURL, file.Identity.BaseURL)
	setString(&cfg.Logging.Level, file.Logging.Level)
	setString(&cfg.Logging.Format, file.Logging.Format)
	if file.Mongo.MaxPoolSize != nil {
		cfg.Store.MaxPoolSize = *file.Mongo.MaxPoolSize
	}
	if file.Payments.CaptureRate != nil {
		cfg.Payments.CaptureRate = *file.Payments.CaptureRate
	}
	if file.Logging.IncludeCaller != nil {
		cfg.Logging.IncludeCaller = *file.Logging.IncludeCaller
	}

	durations := []struct {
		key   string
		value *string
		dst   *time.Duration
	}{
		{"server.readTimeout", file.Server.ReadTimeout, &cfg.HTTP.ReadTimeout},
		{"server.writeTimeout", file.Server.WriteTimeout, &cfg.HTTP.WriteTimeout},
		{"server.idleTimeout", file.Server.IdleTimeout, &cfg.HTTP.IdleTimeout},
		{"server.shutdownTimeout", file.Server.ShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
		{"mongo.connectTimeout", file.Mongo.ConnectTimeout, &cfg.Store.ConnectTimeout},
		{"payments.settlementDelay", file.Payments.SettlementDelay, &cfg.Payments.SettlementDelay},
		{"identity.timeout", file.Identity.Timeout, &cfg.Identity.Timeout},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("config file %s: invalid %s: %w", path, d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTP.Host = valueOrDefault("SERVER_HOST", cfg.HTTP.Host)
	cfg.HTTP.AllowedOriginsCSV = valueOrDefault("SERVER_ALLOWED_ORIGINS", cfg.HTTP.AllowedOriginsCSV)
	cfg.Store.URI = valueOrDefault("MONGO_URI", cfg.Store.URI)
	cfg.Store.Database = valueOrDefault("MONGO_DATABASE", cfg.Store.Database)
	cfg.Identity.BaseURL = valueOrDefault("IDENTITY_BASE_URL", cfg.Identity.BaseURL)
	cfg.Logging.Level = valueOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = valueOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.IncludeCaller = parseBoolWithDefault("LOG_INCLUDE_CALLER", cfg.Logging.IncludeCaller)

	port, err := parsePort("SERVER_PORT", cfg.HTTP.Port)
	if err != nil {
		return err
	}
	cfg.HTTP.Port = port

	if v := os.Getenv("MONGO_MAX_POOL_SIZE"); v != "" {
		size, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MONGO_MAX_POOL_SIZE value %q: %w", v, err)
		}
		cfg.Store.MaxPoolSize = size
	}
	if v := os.Getenv("SETTLEMENT_CAPTURE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid SETTLEMENT_CAPTURE_RATE value %q: %w", v, err)
		}
		cfg.Payments.CaptureRate = rate
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
		{"MONGO_CONNECT_TIMEOUT", &cfg.Store.ConnectTimeout},
		{"SETTLEMENT_DELAY", &cfg.Payments.SettlementDelay},
		{"IDENTITY_TIMEOUT", &cfg.Identity.Timeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", d.key, v, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = *value
	}
}

func setInt(dst *int, value *int) {
	if value != nil {
		*dst = *value
	}
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

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
