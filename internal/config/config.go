// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the Redis transport's connection, generalized from
// the teacher's Redis struct to also carry the queue-keyspace prefix.
// TickInterval paces the queue-depth sampler that
// Queue.ServeObservability starts; the Redis transport's dispatch and
// delayed-promotion loops do not read it and tick every 500ms.
type Redis struct {
	URL          string        `mapstructure:"url"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// AddRatePerSecond bounds Queue.Add/Schedule throughput of this
	// process on the Redis transport (0 disables it), generalized from
	// the teacher's producer.rateLimit Redis token bucket into a
	// process-local golang.org/x/time/rate limiter; processes sharing
	// the same Redis instance are each limited separately.
	AddRatePerSecond float64 `mapstructure:"add_rate_per_second"`
	AddRateBurst     int     `mapstructure:"add_rate_burst"`
}

// Database configures the SQL transport.
type Database struct {
	Engine       string        `mapstructure:"engine"`
	URL          string        `mapstructure:"url"`
	TableName    string        `mapstructure:"table_name"`
	QueueName    string        `mapstructure:"queue_name"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
}

// Worker tunes concurrency, retry defaults and stalled-job recovery
// shared by every transport, generalized from the teacher's Worker
// struct (which only described a single Redis-list dispatch loop).
type Worker struct {
	Enabled                 bool          `mapstructure:"enabled"`
	Concurrency             int           `mapstructure:"concurrency"`
	MaxAttempts             int           `mapstructure:"max_attempts"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	RetryBackoff            string        `mapstructure:"retry_backoff"`
	DefaultPriority         int           `mapstructure:"default_priority"`
	RemoveOnComplete        int           `mapstructure:"remove_on_complete"`
	RemoveOnFail            int           `mapstructure:"remove_on_fail"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	StalledInterval         time.Duration `mapstructure:"stalled_interval"`
	MaxStalledCount         int           `mapstructure:"max_stalled_count"`
}

// Memory configures the in-process transport.
type Memory struct {
	MaxJobs         int           `mapstructure:"max_jobs"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// CircuitBreaker is carried over unmodified from the teacher
// (internal/breaker.CircuitBreaker's constructor parameters). It is
// loaded and defaulted but not read by any transport: the Redis
// transport builds its per-type claim breakers with fixed settings
// (1m window, 30s cooldown, 0.5 threshold, 20 samples), the same
// values as the defaults below.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Tracing struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort int     `mapstructure:"metrics_port"`
	LogLevel    string  `mapstructure:"log_level"`
	LogFile     string  `mapstructure:"log_file"`
	Tracing     Tracing `mapstructure:"tracing"`
}

// Config is the QueueConfig spec.md section 6 describes: an
// environment-driven surface external to core semantics, only its
// shape matters to the façade.
type Config struct {
	Transport      string         `mapstructure:"transport"`
	Redis          Redis          `mapstructure:"redis"`
	Database       Database       `mapstructure:"database"`
	Worker         Worker         `mapstructure:"worker"`
	Memory         Memory         `mapstructure:"memory"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			URL:          "redis://localhost:6379",
			PoolSize:     10,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
			KeyPrefix:    "jobqueue",
			TickInterval: 1 * time.Second,
			AddRateBurst: 0,
		},
		Database: Database{
			Engine:       "postgres",
			TableName:    "jobs",
			QueueName:    "default",
			BatchSize:    20,
			PollInterval: 2 * time.Second,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Worker: Worker{
			Enabled:                 true,
			Concurrency:             16,
			MaxAttempts:             3,
			RetryDelay:              1 * time.Second,
			RetryBackoff:            "fixed",
			DefaultPriority:         0,
			RemoveOnComplete:        1000,
			RemoveOnFail:            1000,
			GracefulShutdownTimeout: 30 * time.Second,
			StalledInterval:         30 * time.Second,
			MaxStalledCount:         3,
		},
		Memory: Memory{
			MaxJobs:         100000,
			CleanupInterval: 1 * time.Minute,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false, SamplingStrategy: "probabilistic", SamplingRate: 0.1},
		},
	}
}

// Load reads configuration from an (optional) YAML file and env
// overrides, the same viper wiring as the teacher's internal/config.Load.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("JOBQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Transport == "" {
		cfg.Transport = detectTransport(&cfg)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.url", def.Redis.URL)
	v.SetDefault("redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)
	v.SetDefault("redis.key_prefix", def.Redis.KeyPrefix)
	v.SetDefault("redis.tick_interval", def.Redis.TickInterval)
	v.SetDefault("redis.add_rate_per_second", def.Redis.AddRatePerSecond)
	v.SetDefault("redis.add_rate_burst", def.Redis.AddRateBurst)

	v.SetDefault("database.engine", def.Database.Engine)
	v.SetDefault("database.table_name", def.Database.TableName)
	v.SetDefault("database.queue_name", def.Database.QueueName)
	v.SetDefault("database.batch_size", def.Database.BatchSize)
	v.SetDefault("database.poll_interval", def.Database.PollInterval)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)

	v.SetDefault("worker.enabled", def.Worker.Enabled)
	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.max_attempts", def.Worker.MaxAttempts)
	v.SetDefault("worker.retry_delay", def.Worker.RetryDelay)
	v.SetDefault("worker.retry_backoff", def.Worker.RetryBackoff)
	v.SetDefault("worker.default_priority", def.Worker.DefaultPriority)
	v.SetDefault("worker.remove_on_complete", def.Worker.RemoveOnComplete)
	v.SetDefault("worker.remove_on_fail", def.Worker.RemoveOnFail)
	v.SetDefault("worker.graceful_shutdown_timeout", def.Worker.GracefulShutdownTimeout)
	v.SetDefault("worker.stalled_interval", def.Worker.StalledInterval)
	v.SetDefault("worker.max_stalled_count", def.Worker.MaxStalledCount)

	v.SetDefault("memory.max_jobs", def.Memory.MaxJobs)
	v.SetDefault("memory.cleanup_interval", def.Memory.CleanupInterval)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)
}

// detectTransport resolves spec.md section 4.1's "transport selection":
// explicit config wins (handled by the caller before this runs), else
// a redis.url other than the built-in default, else database.url, else
// memory.
func detectTransport(cfg *Config) string {
	if cfg.Redis.URL != "" && cfg.Redis.URL != defaultConfig().Redis.URL {
		return "redis"
	}
	if cfg.Database.URL != "" {
		return "database"
	}
	return "memory"
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Concurrency < 1 || cfg.Worker.Concurrency > 100 {
		return fmt.Errorf("worker.concurrency must be 1..100")
	}
	if cfg.Worker.MaxAttempts < 1 || cfg.Worker.MaxAttempts > 10 {
		return fmt.Errorf("worker.max_attempts must be 1..10")
	}
	if cfg.Worker.RetryDelay < time.Second || cfg.Worker.RetryDelay > 300*time.Second {
		return fmt.Errorf("worker.retry_delay must be 1s..300s")
	}
	switch cfg.Worker.RetryBackoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("worker.retry_backoff must be fixed or exponential")
	}
	if cfg.Worker.GracefulShutdownTimeout < 5*time.Second || cfg.Worker.GracefulShutdownTimeout > 120*time.Second {
		return fmt.Errorf("worker.graceful_shutdown_timeout must be 5s..120s")
	}
	if cfg.Database.PollInterval < time.Second || cfg.Database.PollInterval > 60*time.Second {
		return fmt.Errorf("database.poll_interval must be 1s..60s")
	}
	if cfg.Database.URL != "" {
		switch cfg.Database.Engine {
		case "postgres", "postgresql", "mysql":
		default:
			return fmt.Errorf("database.engine must be postgres or mysql, got %q", cfg.Database.Engine)
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Transport != "" {
		switch cfg.Transport {
		case "memory", "redis", "database":
		default:
			return fmt.Errorf("transport must be memory, redis or database, got %q", cfg.Transport)
		}
	}
	return nil
}
