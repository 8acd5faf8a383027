package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"MetaCore/pkg/util"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreClickHouse = "clickhouse"
	StoreMemory     = "memory"

	SourceStatic = "static"
	SourceRedis  = "redis"
	SourceHTTP   = "http"

	CacheMemory  = "memory"
	CacheLayered = "layered"

	PolicyDrop       = "drop"
	PolicyDeadLetter = "dead_letter"
)

type Config struct {
	Environment string `yaml:"environment"`
	Verbose     bool   `yaml:"verbose"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		SlowThreshold   time.Duration `yaml:"slow_threshold"`
		RateLimit       struct {
			Burst     float64 `yaml:"burst"`
			PerSecond float64 `yaml:"per_second"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		Collector struct {
			Topic     string        `yaml:"topic"`
			Interval  time.Duration `yaml:"interval"`
			Threshold int           `yaml:"threshold"`
		} `yaml:"collector"`
	} `yaml:"log"`
	Feed struct {
		URL              string        `yaml:"url"`
		Origin           string        `yaml:"origin"`
		ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		Fields           []string      `yaml:"fields"`
	} `yaml:"feed"`
	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		Token       string   `yaml:"token"`
		Topic       string   `yaml:"topic"`
		Compression string   `yaml:"compression"`
		Consumer    struct {
			GroupID     string        `yaml:"group_id"`
			StartLatest bool          `yaml:"start_latest"`
			BufferSize  int           `yaml:"buffer_size"`
			RetryMax    int           `yaml:"retry_max"`
			BackoffMin  time.Duration `yaml:"backoff_min"`
			BackoffMax  time.Duration `yaml:"backoff_max"`
			DLQTopic    string        `yaml:"dlq_topic"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Pipeline struct {
		MaxRPS int `yaml:"max_rps"`
	} `yaml:"pipeline"`
	Buffer struct {
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		FlushTimeout  time.Duration `yaml:"flush_timeout"`
		FailurePolicy string        `yaml:"failure_policy"`
	} `yaml:"buffer"`
	DeadLetter struct {
		Workers    int           `yaml:"workers"`
		Retries    int           `yaml:"retries"`
		RetryDelay time.Duration `yaml:"retry_delay"`
	} `yaml:"dead_letter"`
	Liveness struct {
		Period         time.Duration `yaml:"period"`
		StaleAfter     time.Duration `yaml:"stale_after"`
		StaleCooldown  time.Duration `yaml:"stale_cooldown"`
		SilentCooldown time.Duration `yaml:"silent_cooldown"`
	} `yaml:"liveness"`
	Store struct {
		Backend   string `yaml:"backend"`
		Bootstrap bool   `yaml:"bootstrap"`
	} `yaml:"store"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Redis struct {
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		PoolSize     int    `yaml:"pool_size"`
		MinIdleConns int    `yaml:"min_idle_conns"`
	} `yaml:"redis"`
	Instruments struct {
		Source    string   `yaml:"source"`
		Static    []string `yaml:"static"`
		RedisKey  string   `yaml:"redis_key"`
		HTTPURL   string   `yaml:"http_url"`
		HTTPToken string   `yaml:"http_token"`
	} `yaml:"instruments"`
	Cache struct {
		Enabled    bool          `yaml:"enabled"`
		Backend    string        `yaml:"backend"`
		TTL        time.Duration `yaml:"ttl"`
		MaxEntries int           `yaml:"max_entries"`
	} `yaml:"cache"`
}

// Load reads and parses a YAML configuration file, fills defaults and validates.
func Load(path string) (*Config, error) {
	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads .env when present, then the YAML file, then applies
// environment overrides before validating.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c, err := parse(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.LookupEnv)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func parse(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.setDefaults()
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.SlowThreshold == 0 {
		c.Server.SlowThreshold = time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Log.Collector.Interval == 0 {
		c.Log.Collector.Interval = 30 * time.Second
	}
	if c.Log.Collector.Threshold == 0 {
		c.Log.Collector.Threshold = 100
	}
	if c.Feed.URL == "" {
		c.Feed.URL = "wss://data.tradingview.com/socket.io/websocket"
	}
	if c.Feed.Origin == "" {
		c.Feed.Origin = "https://data.tradingview.com"
	}
	if c.Feed.ReconnectDelay == 0 {
		c.Feed.ReconnectDelay = 5 * time.Second
	}
	if c.Feed.HeartbeatTimeout == 0 {
		c.Feed.HeartbeatTimeout = 30 * time.Second
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "ticks"
	}
	if c.Kafka.Consumer.GroupID == "" {
		c.Kafka.Consumer.GroupID = "metacore"
	}
	if c.Buffer.BatchSize == 0 {
		c.Buffer.BatchSize = 1000
	}
	if c.Buffer.FlushInterval == 0 {
		c.Buffer.FlushInterval = 500 * time.Millisecond
	}
	if c.Buffer.FlushTimeout == 0 {
		c.Buffer.FlushTimeout = 10 * time.Second
	}
	if c.Buffer.FailurePolicy == "" {
		c.Buffer.FailurePolicy = PolicyDrop
	}
	if c.DeadLetter.Workers == 0 {
		c.DeadLetter.Workers = 1
	}
	if c.DeadLetter.Retries == 0 {
		c.DeadLetter.Retries = 5
	}
	if c.DeadLetter.RetryDelay == 0 {
		c.DeadLetter.RetryDelay = 30 * time.Second
	}
	if c.Liveness.Period == 0 {
		c.Liveness.Period = 60 * time.Second
	}
	if c.Liveness.StaleAfter == 0 {
		c.Liveness.StaleAfter = 60 * time.Second
	}
	if c.Liveness.StaleCooldown == 0 {
		c.Liveness.StaleCooldown = 60 * time.Second
	}
	if c.Liveness.SilentCooldown == 0 {
		c.Liveness.SilentCooldown = 300 * time.Second
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreClickHouse
	}
	if c.ClickHouse.Host == "" {
		c.ClickHouse.Host = "localhost"
	}
	if c.ClickHouse.Port == 0 {
		c.ClickHouse.Port = 9000
	}
	if c.ClickHouse.Database == "" {
		c.ClickHouse.Database = "default"
	}
	if c.ClickHouse.User == "" {
		c.ClickHouse.User = "default"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MinIdleConns <= 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Instruments.Source == "" {
		c.Instruments.Source = SourceStatic
	}
	if c.Instruments.RedisKey == "" {
		c.Instruments.RedisKey = "metacore:instruments"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Second
	}
}

// applyEnv overrides file values with the process environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			*dst = util.ParseIntDefault(v, *dst)
		}
	}

	num("PORT", &c.Server.Port)
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("VERBOSE"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Verbose = b
		}
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = util.SplitList(v)
	}
	str("KAFKA_TOKEN", &c.Kafka.Token)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	num("BATCH_SIZE", &c.Buffer.BatchSize)
	if v, ok := lookup("BATCH_INTERVAL_MS"); ok {
		if ms := util.ParseIntDefault(v, 0); ms > 0 {
			c.Buffer.FlushInterval = time.Duration(ms) * time.Millisecond
		}
	}
	str("CH_HOST", &c.ClickHouse.Host)
	str("CH_USER", &c.ClickHouse.User)
	str("CH_PASSWORD", &c.ClickHouse.Password)
	str("CH_DB", &c.ClickHouse.Database)
	str("REDIS_ADDR", &c.Redis.Addr)
	if v, ok := lookup("INSTRUMENTS"); ok && v != "" {
		c.Instruments.Source = SourceStatic
		c.Instruments.Static = util.SplitList(v)
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required")
	}
	if c.Buffer.BatchSize <= 0 {
		return fmt.Errorf("buffer.batch_size must be positive, got %d", c.Buffer.BatchSize)
	}
	if c.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("buffer.flush_interval must be positive")
	}

	switch c.Buffer.FailurePolicy {
	case PolicyDrop, PolicyDeadLetter:
	default:
		return fmt.Errorf("buffer.failure_policy must be '%s' or '%s', got '%s'", PolicyDrop, PolicyDeadLetter, c.Buffer.FailurePolicy)
	}
	switch c.Store.Backend {
	case StoreClickHouse, StoreMemory:
	default:
		return fmt.Errorf("store.backend must be '%s' or '%s', got '%s'", StoreClickHouse, StoreMemory, c.Store.Backend)
	}

	switch c.Instruments.Source {
	case SourceStatic:
		if len(c.Instruments.Static) == 0 {
			return fmt.Errorf("instruments.static cannot be empty")
		}
	case SourceRedis:
	case SourceHTTP:
		if c.Instruments.HTTPURL == "" {
			return fmt.Errorf("instruments.http_url is required for the http source")
		}
	default:
		return fmt.Errorf("instruments.source must be static, redis or http, got '%s'", c.Instruments.Source)
	}

	if c.Cache.Enabled && c.Cache.Backend != CacheMemory && c.Cache.Backend != CacheLayered {
		return fmt.Errorf("cache.backend must be '%s' or '%s', got '%s'", CacheMemory, CacheLayered, c.Cache.Backend)
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Instruments.Source == SourceRedis ||
		c.Buffer.FailurePolicy == PolicyDeadLetter ||
		(c.Cache.Enabled && c.Cache.Backend == CacheLayered)
}
