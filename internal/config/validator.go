package config

import (
	"errors"
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateStream(c.Stream) },
		func(c *Config) error { return validateDecoder(c.Decoder) },
		func(c *Config) error { return validateBatch(c.Batch) },
		func(c *Config) error { return validateRetry("flush_retry", c.FlushRetry) },
		func(c *Config) error { return validateReconnect(c.Reconnect) },
		func(c *Config) error { return validateDatabase(c.Database) },
		validateStores,
		func(c *Config) error { return validateLogging(c.Logging) },
	}

	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateServer(cfg ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeout <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateStream(cfg StreamConfig) error {
	if cfg.ConnectionString == "" && len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "stream.connection_string",
			Message: "a connection string or at least one broker is required",
		}
	}

	if cfg.ConnectionString != "" && cfg.Topic == "" &&
		!strings.Contains(strings.ToLower(cfg.ConnectionString), "entitypath=") {
		return &ValidationError{
			Field:   "stream.connection_string",
			Message: "connection string has no EntityPath and no topic is configured",
		}
	}

	if cfg.ConnectionString == "" && cfg.Topic == "" {
		return &ValidationError{
			Field:   "stream.topic",
			Message: "topic is required when brokers are given without a connection string",
		}
	}

	for i, broker := range cfg.Brokers {
		if strings.TrimSpace(broker) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("stream.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if len(cfg.ConsumerGroups) == 0 {
		return &ValidationError{
			Field:   "stream.consumer_groups",
			Message: "at least one consumer group is required",
		}
	}

	seen := make(map[string]bool, len(cfg.ConsumerGroups))
	for i, group := range cfg.ConsumerGroups {
		if group == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("stream.consumer_groups[%d]", i),
				Message: "consumer group cannot be empty",
			}
		}
		if seen[group] {
			return &ValidationError{
				Field:   fmt.Sprintf("stream.consumer_groups[%d]", i),
				Message: fmt.Sprintf("duplicate consumer group %q", group),
			}
		}
		seen[group] = true
	}

	for i, p := range cfg.Partitions {
		if p < 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("stream.partitions[%d]", i),
				Message: "partition must be non-negative",
			}
		}
	}

	if cfg.PollInterval <= 0 {
		return &ValidationError{
			Field:   "stream.poll_interval",
			Message: "poll interval must be positive",
		}
	}

	return nil
}

func validateDecoder(cfg DecoderConfig) error {
	if _, err := cfg.Location(); err != nil {
		return &ValidationError{
			Field:   "decoder.utc_offset",
			Message: err.Error(),
		}
	}
	return nil
}

func validateBatch(cfg BatchConfig) error {
	if cfg.MaxRecords < 1 {
		return &ValidationError{
			Field:   "batch.max_records",
			Message: fmt.Sprintf("max_records must be at least 1, got %d", cfg.MaxRecords),
		}
	}

	if cfg.FlushInterval <= 0 {
		return &ValidationError{
			Field:   "batch.flush_interval",
			Message: "flush interval must be positive",
		}
	}

	return nil
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 1 {
		return &ValidationError{
			Field:   prefix + ".max_attempts",
			Message: "max_attempts must be at least 1",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   prefix + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   prefix + ".multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateReconnect(cfg ReconnectConfig) error {
	if cfg.InitialInterval <= 0 {
		return &ValidationError{
			Field:   "reconnect.initial_interval",
			Message: "initial_interval must be positive",
		}
	}

	if cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   "reconnect.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Configured() {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Configured() {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.Configured() {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

// validateStores checks that every selected backend has its database configured.
func validateStores(cfg *Config) error {
	switch cfg.Storage.Type {
	case "postgres":
		if !cfg.Database.Postgres.Configured() {
			return &ValidationError{Field: "storage.type", Message: "postgres storage requires database.postgres"}
		}
	case "memory":
	default:
		return &ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("unknown storage type: %s (supported: postgres, memory)", cfg.Storage.Type),
		}
	}

	switch cfg.Checkpoint.Store {
	case "postgres":
		if !cfg.Database.Postgres.Configured() {
			return &ValidationError{Field: "checkpoint.store", Message: "postgres checkpoint store requires database.postgres"}
		}
	case "redis":
		if !cfg.Database.Redis.Configured() {
			return &ValidationError{Field: "checkpoint.store", Message: "redis checkpoint store requires database.redis"}
		}
	case "memory":
	default:
		return &ValidationError{
			Field:   "checkpoint.store",
			Message: fmt.Sprintf("unknown checkpoint store: %s (supported: postgres, redis, memory)", cfg.Checkpoint.Store),
		}
	}

	return nil
}

func validateLogging(cfg LoggingConfig) error {
	switch strings.ToLower(cfg.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s", cfg.Level),
		}
	}

	switch cfg.Format {
	case "", "json", "console":
	default:
		return &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: json, console)", cfg.Format),
		}
	}

	return nil
}
