package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/balloon-tracker-service/internal/validation"
)

// Config holds service configuration loaded from YAML, secrets and env.
type Config struct {
	ServerPort     string
	AllowedOrigins []string

	APRSAPIKey     string
	APRSAPIURL     string
	APRSAPITimeout time.Duration
	StationName    string

	SyncEnabled    bool
	SyncInterval   time.Duration
	SyncStagger    time.Duration
	SyncRunOnStart bool

	DedupWindow time.Duration

	StoreBackend         string // "memory", "sqlite" or "postgres"
	SQLitePath           string
	PostgresURL          string
	StoreMaxOpenConns    int
	StoreConnMaxLifetime time.Duration

	RequestTimeout  time.Duration
	CacheBackend    string // "in_memory", "memcached" or "none"
	CacheTTL        time.Duration
	CoalesceTimeout time.Duration
	WarmInterval    time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	ReadyDelay           time.Duration
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	EventsEnabled bool
	AMQPURL       string
	AMQPExchange  string

	MQTTEnabled  bool
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTQoS      byte
	MQTTUsername string
	MQTTPassword string
}

type fileConfig struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	APRSAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
		Station string `yaml:"station"`
	} `yaml:"aprs_api"`

	Sync struct {
		Enabled    *bool  `yaml:"enabled"`
		Interval   string `yaml:"interval"`
		Stagger    string `yaml:"stagger"`
		RunOnStart *bool  `yaml:"run_on_start"`
	} `yaml:"sync"`

	Dedup struct {
		Window string `yaml:"window"`
	} `yaml:"dedup"`

	Store struct {
		Backend         string `yaml:"backend"`
		SQLitePath      string `yaml:"sqlite_path"`
		PostgresURL     string `yaml:"postgres_url"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	} `yaml:"store"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		WarmInterval    string `yaml:"warm_interval"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		ReadyDelay           string `yaml:"ready_delay"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Events struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"events"`

	MQTT struct {
		Enabled  bool   `yaml:"enabled"`
		Broker   string `yaml:"broker"`
		Topic    string `yaml:"topic"`
		ClientID string `yaml:"client_id"`
		QoS      *int   `yaml:"qos"`
		Username string `yaml:"username"`
	} `yaml:"mqtt"`
}

type secretsFile struct {
	APRSAPIKey   string `yaml:"aprs_api_key"`
	DatabaseURL  string `yaml:"database_url"`
	AMQPURL      string `yaml:"amqp_url"`
	MQTTPassword string `yaml:"mqtt_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory is loaded first; it never overrides variables already
// set. Secrets come from env (APRS_API_KEY, DATABASE_URL, AMQP_URL, MQTT_PASSWORD) or the
// secrets file. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	var sec secretsFile
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(secretsData, &sec); err != nil {
			return nil, fmt.Errorf("parse secrets file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.AllowedOrigins = fc.Server.AllowedOrigins

	cfg.APRSAPIKey = firstNonEmpty(os.Getenv("APRS_API_KEY"), sec.APRSAPIKey)
	cfg.APRSAPIURL = firstNonEmpty(fc.APRSAPI.URL, "https://api.aprs.fi/api/get")
	cfg.APRSAPITimeout = parseDurationOrZero(fc.APRSAPI.Timeout, 5*time.Second)
	cfg.StationName = firstNonEmpty(os.Getenv("STATION_NAME"), fc.APRSAPI.Station, "DL7HMX-15")

	cfg.SyncEnabled = boolOr(fc.Sync.Enabled, true)
	cfg.SyncInterval = parseDuration(fc.Sync.Interval, 2*time.Minute)
	cfg.SyncStagger = parseDurationOrZero(fc.Sync.Stagger, 10*time.Second)
	cfg.SyncRunOnStart = boolOr(fc.Sync.RunOnStart, true)

	cfg.DedupWindow = parseDuration(fc.Dedup.Window, time.Hour)

	cfg.StoreBackend = lower(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, "sqlite"))
	cfg.SQLitePath = firstNonEmpty(fc.Store.SQLitePath, "data/tracker.db")
	cfg.PostgresURL = firstNonEmpty(os.Getenv("DATABASE_URL"), sec.DatabaseURL, fc.Store.PostgresURL)
	cfg.StoreMaxOpenConns = fc.Store.MaxOpenConns
	if cfg.StoreMaxOpenConns <= 0 {
		cfg.StoreMaxOpenConns = 10
	}
	cfg.StoreConnMaxLifetime = parseDuration(fc.Store.ConnMaxLifetime, 30*time.Minute)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.CacheBackend = lower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 30*time.Second)
	cfg.CoalesceTimeout = parseDuration(fc.Cache.CoalesceTimeout, 5*time.Second)
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 500*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = boolOr(cb.Enabled, true)
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 1
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 5*time.Minute)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.ReadyDelay = parseDurationOrZero(fc.Lifecycle.ReadyDelay, 3*time.Second)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 15*time.Minute)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	cfg.EventsEnabled = fc.Events.Enabled
	cfg.AMQPURL = firstNonEmpty(os.Getenv("AMQP_URL"), sec.AMQPURL, fc.Events.URL)
	cfg.AMQPExchange = firstNonEmpty(fc.Events.Exchange, "tracker.events")

	cfg.MQTTEnabled = fc.MQTT.Enabled
	cfg.MQTTBroker = firstNonEmpty(os.Getenv("MQTT_BROKER"), fc.MQTT.Broker)
	cfg.MQTTTopic = firstNonEmpty(fc.MQTT.Topic, "balloon/sensor")
	cfg.MQTTClientID = fc.MQTT.ClientID
	cfg.MQTTQoS = 1
	if fc.MQTT.QoS != nil {
		cfg.MQTTQoS = byte(*fc.MQTT.QoS)
	}
	cfg.MQTTUsername = fc.MQTT.Username
	cfg.MQTTPassword = firstNonEmpty(os.Getenv("MQTT_PASSWORD"), sec.MQTTPassword)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation and normalisation of configuration values.
func validate(cfg *Config) error {
	station, err := validation.ValidateStation(cfg.StationName)
	if err != nil {
		return fmt.Errorf("aprs_api.station %q: %w", cfg.StationName, err)
	}
	cfg.StationName = station

	if cfg.SyncEnabled {
		if cfg.APRSAPIKey == "" {
			return fmt.Errorf("APRS_API_KEY required when sync is enabled (set env or config/secrets.yaml aprs_api_key)")
		}
		if cfg.APRSAPITimeout <= 0 {
			return fmt.Errorf("aprs_api.timeout must be positive")
		}
	}
	if cfg.SyncStagger < 0 {
		cfg.SyncStagger = 0
	}
	if cfg.SyncStagger >= cfg.SyncInterval {
		return fmt.Errorf("sync.stagger (%s) must be shorter than sync.interval (%s)", cfg.SyncStagger, cfg.SyncInterval)
	}
	if cfg.ReadyDelay < 0 {
		cfg.ReadyDelay = 0
	}

	switch cfg.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if cfg.PostgresURL == "" {
			return fmt.Errorf("DATABASE_URL required for store.backend postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite or postgres, got %q", cfg.StoreBackend)
	}

	switch cfg.CacheBackend {
	case "in_memory", "memcached", "none":
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or none, got %q", cfg.CacheBackend)
	}

	if cfg.EventsEnabled && cfg.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL required when events are enabled")
	}
	if cfg.MQTTEnabled {
		if cfg.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER required when mqtt is enabled")
		}
		if cfg.MQTTQoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTTQoS)
		}
	}
	return nil
}
