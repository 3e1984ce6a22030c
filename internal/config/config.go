package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Cache settings
	CacheDir     string `mapstructure:"cache-dir"`
	CacheEnabled bool   `mapstructure:"cache-enabled"`
	MaxCacheSize int64  `mapstructure:"max-cache-size"`

	// Working directory for downloads and staging
	WorkDir string `mapstructure:"work-dir"`

	// FSM configuration
	FSMDBPath     string `mapstructure:"fsm-db-path"`
	FSMMaxRetries int    `mapstructure:"fsm-max-retries"`

	// I/O settings
	ChunkSize    int    `mapstructure:"chunk-size"`
	MaxImageSize int64  `mapstructure:"max-image-size"`
	VerifyMode   string `mapstructure:"verify-mode"`

	// S3 configuration
	S3Region string `mapstructure:"s3-region"`

	// HTTP timeout in seconds, zero disables
	HTTPTimeout int `mapstructure:"http-timeout"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("cache-dir", ".artifacts/cache")
	viper.SetDefault("cache-enabled", true)
	viper.SetDefault("max-cache-size", 10*1024*1024*1024)
	viper.SetDefault("work-dir", "/tmp/flashpipe")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("chunk-size", 4*1024*1024)
	viper.SetDefault("max-image-size", 64*1024*1024*1024)
	viper.SetDefault("verify-mode", "full")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("http-timeout", 0)

	// Environment variables (FLASHPIPE_CACHE_DIR, etc.)
	viper.SetEnvPrefix("FLASHPIPE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.flashpipe")

	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir cannot be empty")
	}
	if c.MaxCacheSize <= 0 {
		return fmt.Errorf("max-cache-size must be positive")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk-size must be positive")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	if c.VerifyMode != "full" && c.VerifyMode != "checksum" {
		return fmt.Errorf("verify-mode must be full or checksum")
	}
	return nil
}
