package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath          = "CONFIG_PATH"
	EnvDBConnection        = "DB_CONNECTION"
	EnvJWTSecret           = "JWT_SECRET"
	EnvJWTExpiry           = "JWT_EXPIRY"
	EnvStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	EnvEstimatorURL        = "ESTIMATOR_URL"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables. A .env file in the
// working directory is applied first without overriding variables already set.
func LoadFromEnv() (AppConfig, error) {
	if errLoad := godotenv.Load(); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", errLoad)
	}
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// SchedulerConfig holds the pool and admission parameters.
type SchedulerConfig struct {
	PoolCapacity   int           `yaml:"pool-capacity"`
	ImmunityWindow time.Duration `yaml:"immunity-window"`
	CostPerGPU     int64         `yaml:"cost-per-gpu"`
	TxTimeout      time.Duration `yaml:"tx-timeout"`
}

// StripeConfig holds billing gateway settings.
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook-secret"`
}

// EstimatorConfig holds the GPU estimator endpoint.
type EstimatorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Defaults applied when the config file omits or invalidates a value.
const (
	DefaultPoolCapacity     = 8
	DefaultImmunityWindow   = 7 * 24 * time.Hour
	DefaultCostPerGPU       = int64(1)
	DefaultTxTimeout        = 10 * time.Second
	DefaultEstimatorTimeout = 10 * time.Second
	DefaultPort             = 8318
)

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	var cfg fileConfig
	if readYAML(configPath, &cfg) == nil {
		result = cfg.JWT
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}

// LoadSchedulerConfig loads pool and admission settings from the YAML config file.
func LoadSchedulerConfig(configPath string) (SchedulerConfig, error) {
	type fileConfig struct {
		Scheduler SchedulerConfig `yaml:"scheduler"`
	}

	var cfg fileConfig
	if errRead := readYAML(configPath, &cfg); errRead != nil && !errors.Is(errRead, os.ErrNotExist) {
		return SchedulerConfig{}, errRead
	}

	result := cfg.Scheduler
	if result.PoolCapacity <= 0 {
		result.PoolCapacity = DefaultPoolCapacity
	}
	if result.ImmunityWindow <= 0 {
		result.ImmunityWindow = DefaultImmunityWindow
	}
	if result.CostPerGPU <= 0 {
		result.CostPerGPU = DefaultCostPerGPU
	}
	if result.TxTimeout <= 0 {
		result.TxTimeout = DefaultTxTimeout
	}
	return result, nil
}

// LoadStripeConfig loads billing gateway settings from the YAML config file.
func LoadStripeConfig(configPath string) (StripeConfig, error) {
	type fileConfig struct {
		Stripe StripeConfig `yaml:"stripe"`
	}

	var cfg fileConfig
	_ = readYAML(configPath, &cfg)

	result := cfg.Stripe
	if secret := strings.TrimSpace(os.Getenv(EnvStripeWebhookSecret)); secret != "" {
		result.WebhookSecret = secret
	}
	return result, nil
}

// LoadEstimatorConfig loads the GPU estimator endpoint from the YAML config file.
func LoadEstimatorConfig(configPath string) (EstimatorConfig, error) {
	type fileConfig struct {
		Estimator EstimatorConfig `yaml:"estimator"`
	}

	var cfg fileConfig
	_ = readYAML(configPath, &cfg)

	result := cfg.Estimator
	if url := strings.TrimSpace(os.Getenv(EnvEstimatorURL)); url != "" {
		result.URL = url
	}
	result.URL = strings.TrimSpace(result.URL)
	if result.Timeout <= 0 {
		result.Timeout = DefaultEstimatorTimeout
	}
	return result, nil
}

// LoadServerConfig loads the HTTP listener settings, falling back to defaultPort.
func LoadServerConfig(configPath string, defaultPort int) ServerConfig {
	type fileConfig struct {
		Port int `yaml:"port"`
	}

	var cfg fileConfig
	_ = readYAML(configPath, &cfg)
	if cfg.Port > 0 && cfg.Port <= 65535 {
		return ServerConfig{Port: cfg.Port}
	}
	if defaultPort <= 0 {
		defaultPort = DefaultPort
	}
	return ServerConfig{Port: defaultPort}
}

func readYAML(configPath string, out any) error {
	data, errRead := os.ReadFile(configPath)
	if errRead != nil {
		return fmt.Errorf("read config file: %w", errRead)
	}
	if errUnmarshal := yaml.Unmarshal(data, out); errUnmarshal != nil {
		return fmt.Errorf("parse config file: %w", errUnmarshal)
	}
	return nil
}
