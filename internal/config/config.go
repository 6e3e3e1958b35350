// Package config provides configuration management for the metadata service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/metastore/internal/validation"
	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds all configuration for the metadata service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Tenants     []TenantConfig    `mapstructure:"tenants" yaml:"tenants"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Async       AsyncConfig       `mapstructure:"async" yaml:"async"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// DatabaseConfig holds PostgreSQL connection settings. URL takes precedence
// over the individual fields when set.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Database        string        `mapstructure:"database" yaml:"database"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections" yaml:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ApplySchema     bool          `mapstructure:"apply_schema" yaml:"apply_schema"`
}

// StoreConfig selects the backend and bounds operations.
type StoreConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	MaxBatchSize      int           `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	MaxDefinitionSize int           `mapstructure:"max_definition_size" yaml:"max_definition_size"`
	MaxAttrsPerTag    int           `mapstructure:"max_attrs_per_tag" yaml:"max_attrs_per_tag"`
}

// TenantConfig is a tenant registered at startup if it does not exist yet.
type TenantConfig struct {
	Code        string `mapstructure:"code" yaml:"code"`
	Description string `mapstructure:"description" yaml:"description"`
}

// CacheConfig holds tag cache configuration.
type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxSize         int           `mapstructure:"max_size" yaml:"max_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// RedisConfig holds Redis connection settings for the redis cache backend.
type RedisConfig struct {
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// AsyncConfig sizes the worker pool behind the asynchronous API.
type AsyncConfig struct {
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if err := c.Database.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.backend must be one of: %s, %s", BackendPostgres, BackendMemory)
	}
	if c.Store.OperationTimeout < 0 {
		return errors.New("store.operation_timeout cannot be negative")
	}
	if c.Store.MaxBatchSize < 0 || c.Store.MaxDefinitionSize < 0 || c.Store.MaxAttrsPerTag < 0 {
		return errors.New("store limits cannot be negative")
	}

	seen := make(map[string]bool, len(c.Tenants))
	for _, tenant := range c.Tenants {
		if err := validation.ValidateTenantCode(tenant.Code); err != nil {
			return fmt.Errorf("invalid tenant %q: %w", tenant.Code, err)
		}
		if seen[tenant.Code] {
			return fmt.Errorf("duplicate tenant %q", tenant.Code)
		}
		seen[tenant.Code] = true
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case CacheBackendMemory:
			if c.Cache.MaxSize <= 0 {
				return errors.New("cache.max_size must be positive")
			}
		case CacheBackendRedis:
			if c.Redis.Host == "" {
				return errors.New("redis.host is required for the redis cache")
			}
		default:
			return fmt.Errorf("cache.backend must be one of: %s, %s", CacheBackendMemory, CacheBackendRedis)
		}
		if c.Cache.TTL <= 0 {
			return errors.New("cache.ttl must be positive")
		}
	}

	if c.Async.Workers <= 0 || c.Async.QueueSize <= 0 {
		return errors.New("async.workers and async.queue_size must be positive")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return errors.New("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return errors.New("rate limiter burst size must be positive")
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (d DatabaseConfig) validate() error {
	if d.URL == "" {
		if d.Host == "" {
			return errors.New("database.host is required")
		}
		if d.Database == "" {
			return errors.New("database.database is required")
		}
		if d.User == "" {
			return errors.New("database.user is required")
		}
	}
	if d.MaxConnections <= 0 {
		return errors.New("database.max_connections must be positive")
	}
	if d.MinConnections < 0 || d.MinConnections > d.MaxConnections {
		return errors.New("database.min_connections must be between 0 and max_connections")
	}
	return nil
}

// Dump renders the effective configuration as YAML with secrets masked.
func (c *Config) Dump() ([]byte, error) {
	masked := *c
	masked.Database.Password = mask(c.Database.Password)
	masked.Database.URL = mask(c.Database.URL)
	masked.Redis.Password = mask(c.Redis.Password)
	return yaml.Marshal(&masked)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
