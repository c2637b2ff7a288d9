package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Worker execution modes.
const (
	WorkerModeProcess = "process"
	WorkerModeLocal   = "local"
)

// Config represents the main configuration structure
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Storage StorageConfig `mapstructure:"storage"`
	History HistoryConfig `mapstructure:"history"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// PoolConfig contains worker pool sizing
type PoolConfig struct {
	MinWorkers  int           `mapstructure:"min_workers"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// WorkerConfig contains worker execution settings
type WorkerConfig struct {
	Mode          string `mapstructure:"mode"` // process, local
	MemoryLimitMB int    `mapstructure:"memory_limit_mb"`
	OutputDir     string `mapstructure:"output_dir"`
}

// BatchConfig contains batch coordinator settings
type BatchConfig struct {
	MaxConcurrent int  `mapstructure:"max_concurrent"`
	GlobalPause   bool `mapstructure:"global_pause"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// HistoryConfig contains retention settings
type HistoryConfig struct {
	RetentionDays   int           `mapstructure:"retention_days"` // 0 keeps everything
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	OutputMaxAge    time.Duration `mapstructure:"output_max_age"`
}

// CacheConfig contains the optional redis status cache settings
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func defaultMaxWorkers() int {
	return max(1, runtime.NumCPU()-1)
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           3001,
			ReadTimeout:    30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Pool: PoolConfig{
			MinWorkers:  1,
			MaxWorkers:  defaultMaxWorkers(),
			TaskTimeout: 5 * time.Minute,
			IdleTimeout: time.Minute,
		},
		Worker: WorkerConfig{
			Mode:          WorkerModeProcess,
			MemoryLimitMB: 512,
			OutputDir:     filepath.Join(os.TempDir(), "lossly-worker"),
		},
		Batch: BatchConfig{
			MaxConcurrent: 4,
			GlobalPause:   false,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join("data", "lossly.db"),
		},
		History: HistoryConfig{
			RetentionDays:   30,
			CleanupInterval: time.Hour,
			OutputMaxAge:    time.Hour,
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "lossly.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
			Console:    true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.lossly")
		v.AddConfigPath("/etc/lossly")
	}

	// Environment variables only bind to keys viper already knows
	setDefaults(v, config)
	v.SetEnvPrefix("LOSSLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.allowed_origins", c.Server.AllowedOrigins)

	v.SetDefault("pool.min_workers", c.Pool.MinWorkers)
	v.SetDefault("pool.max_workers", c.Pool.MaxWorkers)
	v.SetDefault("pool.task_timeout", c.Pool.TaskTimeout)
	v.SetDefault("pool.idle_timeout", c.Pool.IdleTimeout)

	v.SetDefault("worker.mode", c.Worker.Mode)
	v.SetDefault("worker.memory_limit_mb", c.Worker.MemoryLimitMB)
	v.SetDefault("worker.output_dir", c.Worker.OutputDir)

	v.SetDefault("batch.max_concurrent", c.Batch.MaxConcurrent)
	v.SetDefault("batch.global_pause", c.Batch.GlobalPause)

	v.SetDefault("storage.database_path", c.Storage.DatabasePath)

	v.SetDefault("history.retention_days", c.History.RetentionDays)
	v.SetDefault("history.cleanup_interval", c.History.CleanupInterval)
	v.SetDefault("history.output_max_age", c.History.OutputMaxAge)

	v.SetDefault("cache.enabled", c.Cache.Enabled)
	v.SetDefault("cache.addr", c.Cache.Addr)
	v.SetDefault("cache.password", c.Cache.Password)
	v.SetDefault("cache.db", c.Cache.DB)
	v.SetDefault("cache.ttl", c.Cache.TTL)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
	v.SetDefault("logging.console", c.Logging.Console)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Pool sizing
	if c.Pool.MaxWorkers <= 0 {
		c.Pool.MaxWorkers = defaultMaxWorkers()
	}
	if c.Pool.MinWorkers < 0 {
		c.Pool.MinWorkers = 0
	}
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool.min_workers (%d) exceeds pool.max_workers (%d)",
			c.Pool.MinWorkers, c.Pool.MaxWorkers)
	}
	if c.Pool.TaskTimeout <= 0 {
		c.Pool.TaskTimeout = 5 * time.Minute
	}
	if c.Pool.IdleTimeout <= 0 {
		c.Pool.IdleTimeout = time.Minute
	}

	c.Worker.Mode = strings.ToLower(c.Worker.Mode)
	if c.Worker.Mode != WorkerModeProcess && c.Worker.Mode != WorkerModeLocal {
		return fmt.Errorf("invalid worker mode: %s (valid: process, local)", c.Worker.Mode)
	}
	if c.Worker.MemoryLimitMB < 0 {
		c.Worker.MemoryLimitMB = 0
	}
	if c.Worker.OutputDir == "" {
		return fmt.Errorf("worker.output_dir is required")
	}
	c.Worker.OutputDir = expandPath(c.Worker.OutputDir)

	if c.Batch.MaxConcurrent <= 0 {
		c.Batch.MaxConcurrent = 4
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	c.Storage.DatabasePath = expandPath(c.Storage.DatabasePath)

	if c.History.RetentionDays < 0 {
		c.History.RetentionDays = 0
	}
	if c.History.CleanupInterval <= 0 {
		c.History.CleanupInterval = time.Hour
	}
	if c.History.OutputMaxAge <= 0 {
		c.History.OutputMaxAge = time.Hour
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// HistoryRetention returns the retention window, or 0 when history is kept forever.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}
