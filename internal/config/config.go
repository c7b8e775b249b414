// Package config provides configuration management using viper.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Rate     RateConfig     `mapstructure:"rate"`
	Metering MeteringConfig `mapstructure:"metering"`
	Delegate DelegateConfig `mapstructure:"delegate"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds MySQL database settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig holds Redis settings for the rate limiter and auth cache.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig holds the shared secret and decision-cache settings.
type AuthConfig struct {
	SharedSecret string        `mapstructure:"shared_secret"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// RateConfig holds fixed-window rate limiter ceilings.
type RateConfig struct {
	WindowSeconds   int `mapstructure:"window_seconds"`
	IPLimit         int `mapstructure:"ip_limit"`
	LicenseKeyLimit int `mapstructure:"license_key_limit"`
}

// MeteringConfig holds usage meter settings.
type MeteringConfig struct {
	WorkerPoolSize int `mapstructure:"worker_pool_size"`
}

// DelegateConfig holds the downstream WordPress target for /store.
type DelegateConfig struct {
	TargetURL    string        `mapstructure:"target_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/licensegate")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("LICENSEGATE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.query_timeout", "5s")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Auth defaults
	v.SetDefault("auth.cache_ttl", "90s")

	// Rate limiter defaults (per endpoint per minute)
	v.SetDefault("rate.window_seconds", 60)
	v.SetDefault("rate.ip_limit", 30)
	v.SetDefault("rate.license_key_limit", 12)

	// Metering defaults
	v.SetDefault("metering.worker_pool_size", 8)

	// Delegate defaults
	v.SetDefault("delegate.timeout", "15s")
	v.SetDefault("delegate.max_body_bytes", 1048576)

	// Metrics defaults
	v.SetDefault("metrics.addr", ":9091")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
}
