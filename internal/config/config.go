// Package config provides configuration management for the slot service.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the slot service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Registry RegistryConfig `mapstructure:"registry"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig holds authentication and rate limiting configuration.
type AuthConfig struct {
	ServiceToken   string  `mapstructure:"service_token"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// SandboxConfig holds execution host configuration.
type SandboxConfig struct {
	Mode         string        `mapstructure:"mode"` // "process" or "goroutine"
	WorkerCount  int           `mapstructure:"worker_count"`
	WorkerBinary string        `mapstructure:"worker_binary"`
	MaxMemoryMB  int           `mapstructure:"max_memory_mb"`
	MaxTimeout   time.Duration `mapstructure:"max_timeout"`
}

// RegistryConfig holds slot registry storage configuration.
type RegistryConfig struct {
	Backend  string         `mapstructure:"backend"` // "memory", "mongo", "postgres" or "none"
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// MongoConfig holds MongoDB connection configuration.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("auth.service_token", "")
	v.SetDefault("auth.rate_limit_rps", 20.0)
	v.SetDefault("auth.rate_limit_burst", 40)

	v.SetDefault("sandbox.mode", "process")
	v.SetDefault("sandbox.worker_count", 1)
	v.SetDefault("sandbox.worker_binary", "")
	v.SetDefault("sandbox.max_memory_mb", 256)
	v.SetDefault("sandbox.max_timeout", 30*time.Second)

	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("registry.mongo.database", "slotbox")
	v.SetDefault("registry.postgres.dsn", "postgres://localhost/slotbox?sslmode=disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/slotbox")
	}

	// Read environment variables
	v.SetEnvPrefix("SLOTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Try to read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
