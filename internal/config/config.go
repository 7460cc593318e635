package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "ROSTERHUB"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "rosterhub.db"
	defaultLogLevel      = "info"
	defaultStoreMode     = "sqlite"
	defaultStoreTimeout  = 5 * time.Second
	defaultBatchSize     = 25
	defaultFlushInterval = 100 * time.Millisecond
	defaultWorkerCount   = 8
	defaultQueueCapacity = 256
	defaultRateLimit     = 20.0
	defaultRateBurst     = 40
	defaultPoolCapacity  = 1024
	defaultStrategy      = "heuristic"
	defaultConfidence    = 0.75
	defaultShutdownGrace = 10 * time.Second
	defaultPingInterval  = 30 * time.Second
)

// AppConfig captures runtime configuration for the synchronization service.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	LogLevel      string

	StoreMode    string // "sqlite" or "remote"
	StoreBaseURL string
	StoreToken   string
	StoreTimeout time.Duration
	DatabasePath string

	BatchSize           int
	FlushInterval       time.Duration
	WorkerCount         int
	QueueCapacity       int
	RateLimitPerSecond  float64
	RateLimitBurst      int
	PoolCapacity        int
	Strategy            string
	ConfidenceThreshold float64
	ShutdownGrace       time.Duration
	PingInterval        time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.mode", defaultStoreMode)
	configViper.SetDefault("store.base_url", "")
	configViper.SetDefault("store.timeout", defaultStoreTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("batch.size", defaultBatchSize)
	configViper.SetDefault("batch.flush_interval", defaultFlushInterval)
	configViper.SetDefault("workers.count", defaultWorkerCount)
	configViper.SetDefault("workers.queue_capacity", defaultQueueCapacity)
	configViper.SetDefault("ratelimit.per_second", defaultRateLimit)
	configViper.SetDefault("ratelimit.burst", defaultRateBurst)
	configViper.SetDefault("pool.capacity", defaultPoolCapacity)
	configViper.SetDefault("conflict.strategy", defaultStrategy)
	configViper.SetDefault("conflict.confidence_threshold", defaultConfidence)
	configViper.SetDefault("shutdown.grace", defaultShutdownGrace)
	configViper.SetDefault("heartbeat.ping_interval", defaultPingInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		LogLevel:            configViper.GetString("log.level"),
		StoreMode:           configViper.GetString("store.mode"),
		StoreBaseURL:        configViper.GetString("store.base_url"),
		StoreToken:          configViper.GetString("store.token"),
		StoreTimeout:        configViper.GetDuration("store.timeout"),
		DatabasePath:        configViper.GetString("database.path"),
		BatchSize:           configViper.GetInt("batch.size"),
		FlushInterval:       configViper.GetDuration("batch.flush_interval"),
		WorkerCount:         configViper.GetInt("workers.count"),
		QueueCapacity:       configViper.GetInt("workers.queue_capacity"),
		RateLimitPerSecond:  configViper.GetFloat64("ratelimit.per_second"),
		RateLimitBurst:      configViper.GetInt("ratelimit.burst"),
		PoolCapacity:        configViper.GetInt("pool.capacity"),
		Strategy:            configViper.GetString("conflict.strategy"),
		ConfidenceThreshold: configViper.GetFloat64("conflict.confidence_threshold"),
		ShutdownGrace:       configViper.GetDuration("shutdown.grace"),
		PingInterval:        configViper.GetDuration("heartbeat.ping_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.StoreMode {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required when store.mode is sqlite")
		}
	case "remote":
		if strings.TrimSpace(c.StoreBaseURL) == "" {
			return fmt.Errorf("store.base_url is required when store.mode is remote")
		}
		if strings.TrimSpace(c.StoreToken) == "" {
			return fmt.Errorf("store.token is required when store.mode is remote")
		}
	default:
		return fmt.Errorf("store.mode must be sqlite or remote, got %q", c.StoreMode)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch.size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("batch.flush_interval must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("workers.count must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("workers.queue_capacity must be positive")
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("ratelimit.per_second must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("ratelimit.burst must be positive")
	}
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive")
	}
	switch c.Strategy {
	case "last_writer_wins", "first_writer_wins", "merge", "user_choice", "heuristic":
	default:
		return fmt.Errorf("conflict.strategy must be one of last_writer_wins, first_writer_wins, merge, user_choice, heuristic, got %q", c.Strategy)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("conflict.confidence_threshold must be within [0, 1]")
	}
	return nil
}
