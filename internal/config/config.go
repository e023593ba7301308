package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Stream         StreamConfig         `mapstructure:"stream"`
	Decoder        DecoderConfig        `mapstructure:"decoder"`
	Batch          BatchConfig          `mapstructure:"batch"`
	FlushRetry     RetryConfig          `mapstructure:"flush_retry"`
	Reconnect      ReconnectConfig      `mapstructure:"reconnect"`
	Supervisor     SupervisorConfig     `mapstructure:"supervisor"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Checkpoint     CheckpointConfig     `mapstructure:"checkpoint"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Labels         LabelsConfig         `mapstructure:"labels"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Health         HealthConfig         `mapstructure:"health"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	Port         int             `mapstructure:"port"`
	ReadTimeout  time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout time.Duration   `mapstructure:"write_timeout"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type StreamConfig struct {
	// ConnectionString is the shared access descriptor of the event hub:
	// Endpoint=sb://host/;SharedAccessKeyName=..;SharedAccessKey=..;EntityPath=..
	ConnectionString string        `mapstructure:"connection_string"`
	Topic            string        `mapstructure:"topic"`
	Brokers          []string      `mapstructure:"brokers"`
	ConsumerGroups   []string      `mapstructure:"consumer_groups"`
	Partitions       []int         `mapstructure:"partitions"`
	StartPosition    string        `mapstructure:"start_position"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	Proxy            ProxyConfig   `mapstructure:"proxy"`
	TLS              TLSConfig     `mapstructure:"tls"`

	// GroupDevices names the device a consumer group reads for when a
	// message carries no identity of its own.
	GroupDevices map[string]string `mapstructure:"group_devices"`
}

type ProxyConfig struct {
	URL          string `mapstructure:"url"`
	NoProxy      string `mapstructure:"no_proxy"`
	ForceNoProxy bool   `mapstructure:"force_no_proxy"`
}

type TLSConfig struct {
	// Verify is "true", "false" or a path to a PEM CA bundle.
	Verify string `mapstructure:"verify"`
	// Plaintext disables TLS and SASL, for plain Kafka brokers in development.
	Plaintext bool `mapstructure:"plaintext"`
}

type DecoderConfig struct {
	AllowedDevices   []string `mapstructure:"allowed_devices"`
	FallbackDeviceID string   `mapstructure:"fallback_device_id"`
	UTCOffset        string   `mapstructure:"utc_offset"`
}

// Location returns the fixed zone described by UTCOffset ("-05:00").
func (c DecoderConfig) Location() (*time.Location, error) {
	return ParseUTCOffset(c.UTCOffset)
}

type BatchConfig struct {
	MaxRecords    int           `mapstructure:"max_records"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type SupervisorConfig struct {
	RestartCooldown   time.Duration `mapstructure:"restart_cooldown"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	FinalFlushTimeout time.Duration `mapstructure:"final_flush_timeout"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

func (c PostgresConfig) Configured() bool {
	return c.Host != ""
}

// DSN renders a lib/pq keyword/value connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Configured() bool {
	return c.Host != ""
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

func (c MongoDBConfig) Configured() bool {
	return c.URI != ""
}

type CheckpointConfig struct {
	// Store is one of postgres, redis or memory.
	Store     string `mapstructure:"store"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type StorageConfig struct {
	// Type is one of postgres or memory.
	Type string `mapstructure:"type"`
}

type LabelsConfig struct {
	Static          map[string]string `mapstructure:"static"`
	MongoCollection string            `mapstructure:"mongo_collection"`
	RefreshInterval time.Duration     `mapstructure:"refresh_interval"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Format           string        `mapstructure:"format"`
	DecodeErrorEvery time.Duration `mapstructure:"decode_error_every"`
}

type HealthConfig struct {
	ReportInterval time.Duration `mapstructure:"report_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}

// ParseUTCOffset turns "+HH:MM", "-HH:MM", "-05" or "UTC" into a fixed zone.
func ParseUTCOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "UTC") || s == "Z" {
		return time.UTC, nil
	}

	sign := 1
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("utc offset %q must start with + or -", s)
	}

	hh, mm, found := strings.Cut(s[1:], ":")
	hours, err := strconv.Atoi(hh)
	if err != nil || hours > 14 {
		return nil, fmt.Errorf("invalid utc offset hours in %q", s)
	}
	minutes := 0
	if found {
		minutes, err = strconv.Atoi(mm)
		if err != nil || minutes < 0 || minutes > 59 {
			return nil, fmt.Errorf("invalid utc offset minutes in %q", s)
		}
	}

	offset := sign * (hours*3600 + minutes*60)
	return time.FixedZone(s, offset), nil
}
