package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location relative to the service
// working directory.
const ConfigPath = "config.yaml"

// ProviderConfig describes one model endpoint used for generation.
type ProviderConfig struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"apiKey"`
	BaseURL     string   `yaml:"baseURL"`
	Temperature *float64 `yaml:"temperature"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string         `yaml:"port"`
	LogLevel           string         `yaml:"logLevel"`
	DatabaseURL        string         `yaml:"databaseURL"`
	RedisAddr          string         `yaml:"redisAddr"`
	RedisPassword      string         `yaml:"redisPassword"`
	MinioEndpoint      string         `yaml:"minioEndpoint"`
	MinioAccessKey     string         `yaml:"minioAccessKey"`
	MinioSecretKey     string         `yaml:"minioSecretKey"`
	MinioBucket        string         `yaml:"minioBucket"`
	MinioUseSSL        bool           `yaml:"minioUseSSL"`
	EncryptionKey      string         `yaml:"encryptionKey"`
	JWTSecret          string         `yaml:"jwtSecret"`
	JWTIssuer          string         `yaml:"jwtIssuer"`
	JWTAudience        string         `yaml:"jwtAudience"`
	JWTLeeway          string         `yaml:"jwtLeeway"`
	InitialFreeCredits int            `yaml:"initialFreeCredits"`
	Primary            ProviderConfig `yaml:"primary"`
	Fallback           ProviderConfig `yaml:"fallback"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("CREDENTIAL_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("EXPANDER_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("PRIMARY_API_KEY"); v != "" {
		cfg.Primary.APIKey = v
	}
	if v := os.Getenv("FALLBACK_API_KEY"); v != "" {
		cfg.Fallback.APIKey = v
	}
	if v := os.Getenv("EXPANDER_INITIAL_FREE_CREDITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InitialFreeCredits = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.EncryptionKey == "" {
		return errors.New("config: encryptionKey is required (set in config.yaml or CREDENTIAL_ENCRYPTION_KEY)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or EXPANDER_JWT_SECRET)")
	}
	if cfg.Primary.Provider == "" {
		return errors.New("config: primary.provider is required (set in config.yaml)")
	}
	if cfg.Primary.Model == "" {
		return errors.New("config: primary.model is required (set in config.yaml)")
	}
	if cfg.Fallback.Provider == "" {
		return errors.New("config: fallback.provider is required (set in config.yaml)")
	}
	if cfg.Fallback.Model == "" {
		return errors.New("config: fallback.model is required (set in config.yaml)")
	}
	if cfg.InitialFreeCredits < 0 {
		return errors.New("config: initialFreeCredits must not be negative")
	}
	return nil
}

// ParseJWTLeeway parses the configured token clock-skew tolerance. An empty
// value falls back to 15s.
func ParseJWTLeeway(value string) (time.Duration, error) {
	if value == "" {
		return 15 * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse jwtLeeway: %w", err)
	}
	if d < 0 {
		return 0, errors.New("jwtLeeway must not be negative")
	}
	return d, nil
}
