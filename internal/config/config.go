package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string `yaml:"environment"`
	HTTPPort    string `yaml:"http_port"`
	ServiceName string `yaml:"service_name"`

	StoreDriver         string `yaml:"store_driver"`
	DatabaseURL         string `yaml:"database_url"`
	SQLitePath          string `yaml:"sqlite_path"`
	AutoMigrate         bool   `yaml:"auto_migrate"`
	StoreConnectRetries int    `yaml:"store_connect_retries"`

	AccessTokenTTL        time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL       time.Duration `yaml:"refresh_token_ttl"`
	NearExpiryThreshold   time.Duration `yaml:"near_expiry_threshold"`
	ActivationCodeTTL     time.Duration `yaml:"activation_code_ttl"`
	TokenBytes            int           `yaml:"token_bytes"`
	DefaultDataCollection int           `yaml:"default_data_collection_minutes"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`

	AdminAPIKeys            []string `yaml:"admin_api_keys"`
	RateLimitRPM            int      `yaml:"rate_limit_rpm"`
	ActivationRatePerMinute int      `yaml:"activation_rate_per_minute"`

	MQTTBroker      string `yaml:"mqtt_broker"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	MQTTUsername    string `yaml:"mqtt_username"`
	MQTTPassword    string `yaml:"mqtt_password"`

	TelemetryEndpoint string `yaml:"otel_endpoint"`
	TelemetryInsecure bool   `yaml:"otel_insecure"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowedMethods   []string `yaml:"cors_allowed_methods"`
	CORSAllowedHeaders   []string `yaml:"cors_allowed_headers"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Environment:             "development",
		HTTPPort:                "8080",
		ServiceName:             "device-auth",
		StoreDriver:             DriverPostgres,
		SQLitePath:              "./device-auth.db",
		StoreConnectRetries:     5,
		AccessTokenTTL:          60 * time.Minute,
		RefreshTokenTTL:         7 * 24 * time.Hour,
		NearExpiryThreshold:     5 * time.Minute,
		ActivationCodeTTL:       24 * time.Hour,
		TokenBytes:              32,
		DefaultDataCollection:   15,
		SweepInterval:           5 * time.Minute,
		RateLimitRPM:            600,
		ActivationRatePerMinute: 10,
		MQTTTopicPrefix:         "cropwatch",
		TelemetryInsecure:       true,
		CORSAllowedOrigins:      []string{"*"},
		CORSAllowedMethods:      []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders:      []string{"Authorization", "Content-Type"},
	}
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and then
// environment variables, which take precedence.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.Environment = getEnv("APP_ENV", cfg.Environment)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", cfg.StoreDriver))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.AutoMigrate = getBool("AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.StoreConnectRetries = getInt("STORE_CONNECT_RETRIES", cfg.StoreConnectRetries)
	cfg.AccessTokenTTL = getDuration("ACCESS_TOKEN_TTL", cfg.AccessTokenTTL)
	cfg.RefreshTokenTTL = getDuration("REFRESH_TOKEN_TTL", cfg.RefreshTokenTTL)
	cfg.NearExpiryThreshold = getDuration("NEAR_EXPIRY_THRESHOLD", cfg.NearExpiryThreshold)
	cfg.ActivationCodeTTL = getDuration("ACTIVATION_CODE_TTL", cfg.ActivationCodeTTL)
	cfg.TokenBytes = getInt("TOKEN_BYTES", cfg.TokenBytes)
	cfg.DefaultDataCollection = getInt("DEFAULT_DATA_COLLECTION_MINUTES", cfg.DefaultDataCollection)
	cfg.SweepInterval = getDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.AdminAPIKeys = getList("ADMIN_API_KEYS", cfg.AdminAPIKeys)
	cfg.RateLimitRPM = getInt("RATE_LIMIT_RPM", cfg.RateLimitRPM)
	cfg.ActivationRatePerMinute = getInt("ACTIVATION_RATE_PER_MINUTE", cfg.ActivationRatePerMinute)
	cfg.MQTTBroker = getEnv("MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTTopicPrefix = getEnv("MQTT_TOPIC_PREFIX", cfg.MQTTTopicPrefix)
	cfg.MQTTUsername = getEnv("MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = getEnv("MQTT_PASSWORD", cfg.MQTTPassword)
	cfg.TelemetryEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.TelemetryEndpoint)
	cfg.TelemetryInsecure = getBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.TelemetryInsecure)
	cfg.CORSAllowedOrigins = getList("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowedMethods = getList("CORS_ALLOWED_METHODS", cfg.CORSAllowedMethods)
	cfg.CORSAllowedHeaders = getList("CORS_ALLOWED_HEADERS", cfg.CORSAllowedHeaders)
	cfg.CORSAllowCredentials = getBool("CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)

	if cfg.TokenBytes < 16 {
		cfg.TokenBytes = 16
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration combinations the service cannot run with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store driver %q", c.StoreDriver)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for store driver %q", c.StoreDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.ActivationCodeTTL <= 0 {
		return fmt.Errorf("token and activation code lifetimes must be positive")
	}
	if c.NearExpiryThreshold < 0 || c.NearExpiryThreshold >= c.AccessTokenTTL {
		return fmt.Errorf("NEAR_EXPIRY_THRESHOLD must be within [0, ACCESS_TOKEN_TTL)")
	}
	if c.DefaultDataCollection <= 0 {
		return fmt.Errorf("DEFAULT_DATA_COLLECTION_MINUTES must be positive")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
