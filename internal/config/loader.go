package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"aire/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.enabled", true)
	viper.SetDefault("server.port", constants.DefaultStatusPort)
	viper.SetDefault("server.read_timeout", constants.DefaultHTTPTimeout)
	viper.SetDefault("server.write_timeout", constants.DefaultHTTPTimeout)
	viper.SetDefault("server.rate_limit.rps", 10.0)
	viper.SetDefault("server.rate_limit.burst", 20)
	viper.SetDefault("server.rate_limit.cleanup_interval", "5m")
	viper.SetDefault("server.rate_limit.max_age", "10m")

	viper.SetDefault("stream.consumer_groups", []string{constants.DefaultConsumerGroup})
	viper.SetDefault("stream.start_position", constants.StartPositionLatest)
	viper.SetDefault("stream.poll_interval", constants.DefaultPollInterval)
	viper.SetDefault("stream.dial_timeout", constants.DefaultDialTimeout)
	viper.SetDefault("stream.max_bytes", constants.DefaultFetchMaxBytes)
	viper.SetDefault("stream.tls.verify", "true")

	viper.SetDefault("decoder.utc_offset", constants.DefaultUTCOffset)

	viper.SetDefault("batch.max_records", constants.DefaultBatchMaxRecords)
	viper.SetDefault("batch.flush_interval", constants.DefaultFlushInterval)

	viper.SetDefault("flush_retry.max_attempts", 5)
	viper.SetDefault("flush_retry.initial_interval", "1s")
	viper.SetDefault("flush_retry.max_interval", "30s")
	viper.SetDefault("flush_retry.multiplier", 2.0)

	viper.SetDefault("reconnect.initial_interval", constants.DefaultReconnectInitial)
	viper.SetDefault("reconnect.max_interval", constants.DefaultReconnectMax)
	viper.SetDefault("reconnect.multiplier", 2.0)

	viper.SetDefault("supervisor.restart_cooldown", constants.DefaultRestartCooldown)
	viper.SetDefault("supervisor.shutdown_grace", constants.ShutdownTimeout)
	viper.SetDefault("supervisor.final_flush_timeout", constants.DefaultFinalFlushTimeout)

	viper.SetDefault("checkpoint.store", "postgres")
	viper.SetDefault("checkpoint.key_prefix", constants.CheckpointKeyPrefix)
	viper.SetDefault("storage.type", "postgres")
	viper.SetDefault("labels.mongo_collection", constants.DeviceLabelsCollection)
	viper.SetDefault("labels.refresh_interval", "5m")
	viper.SetDefault("database.mongodb.database", constants.DefaultMongoDBName)
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.redis.port", 6379)

	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", "60s")
	viper.SetDefault("circuit_breaker.timeout", "30s")
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 5)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.decode_error_every", "1s")

	viper.SetDefault("health.report_interval", constants.DefaultReportInterval)
	viper.SetDefault("health.stale_after", constants.DefaultStaleAfter)

	viper.SetDefault("tracing.service_name", constants.ServiceName)
	viper.SetDefault("tracing.otlp.endpoint", "localhost:4317")
	viper.SetDefault("tracing.sampler.type", "parentbased_traceidratio")
	viper.SetDefault("tracing.sampler.param", 0.1)
}

func bindEnvVariables() {
	viper.BindEnv("stream.connection_string", "STREAM_CONNECTION_STRING", "EVENTHUB_CONNECTION_STRING")
	viper.BindEnv("stream.topic", "STREAM_TOPIC", "EVENTHUB_NAME")
	viper.BindEnv("stream.start_position", "STREAM_START_POSITION", "EVENTHUB_START_POSITION")
	viper.BindEnv("stream.proxy.url", "STREAM_PROXY_URL", "EVENTHUB_PROXY")
	viper.BindEnv("stream.proxy.no_proxy", "STREAM_PROXY_NO_PROXY", "NO_PROXY", "no_proxy")
	viper.BindEnv("stream.proxy.force_no_proxy", "STREAM_PROXY_FORCE_NO_PROXY", "FORCE_NO_PROXY")
	viper.BindEnv("stream.tls.verify", "STREAM_TLS_VERIFY", "EVENTHUB_VERIFY")

	viper.BindEnv("decoder.fallback_device_id", "DECODER_FALLBACK_DEVICE_ID", "DEVICE_ID")
	viper.BindEnv("decoder.utc_offset", "DECODER_UTC_OFFSET")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func applyEnvOverrides(cfg *Config) error {
	if v := viper.GetString("ALLOWED_DEVICES"); v != "" {
		cfg.Decoder.AllowedDevices = splitCSV(v)
	}

	if v := viper.GetString("CONSUMER_GROUPS"); v != "" {
		if groups := splitCSV(v); len(groups) > 0 {
			cfg.Stream.ConsumerGroups = groups
		}
	}

	if v := viper.GetString("STREAM_BROKERS"); v != "" {
		if brokers := splitCSV(v); len(brokers) > 0 {
			cfg.Stream.Brokers = brokers
		}
	}

	if cfg.Stream.Proxy.URL == "" {
		for _, key := range []string{"HTTPS_PROXY", "HTTP_PROXY"} {
			if v := strings.TrimSpace(viper.GetString(key)); v != "" {
				cfg.Stream.Proxy.URL = v
				break
			}
		}
	}

	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
