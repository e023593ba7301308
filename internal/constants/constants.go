package constants

import "time"

const (
	ServiceName = "ingest-service"
)

const (
	DefaultStatusPort  = 8080
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	DefaultConsumerGroup = "$Default"
	DefaultPollInterval  = 1 * time.Second
	DefaultDialTimeout   = 30 * time.Second
	DefaultFetchMaxBytes = 1 << 20

	// EventHubKafkaPort is the Kafka-compatible listener of an event hub namespace.
	EventHubKafkaPort = 9093
	// EventHubSASLUser is the fixed SASL PLAIN user; the password is the connection string.
	EventHubSASLUser = "$ConnectionString"
	// DeviceIDHeader carries the producer identity stamped by the IoT hub.
	DeviceIDHeader = "iothub-connection-device-id"
)

const (
	StartPositionLatest   = "latest"
	StartPositionEarliest = "earliest"
	StartPositionResume   = "resume"
)

const (
	DefaultUTCOffset       = "-05:00"
	UnknownDeviceID        = "unknown"
	DefaultBatchMaxRecords = 50
	DefaultFlushInterval   = 30 * time.Second
)

const (
	DefaultReconnectInitial  = 1 * time.Second
	DefaultReconnectMax      = 60 * time.Second
	DefaultRestartCooldown   = 30 * time.Second
	DefaultFinalFlushTimeout = 15 * time.Second
	DefaultReportInterval    = 60 * time.Second
)

const (
	ShutdownTimeout     = 30 * time.Second
	HTTPShutdownTimeout = 5 * time.Second
	// DefaultStaleAfter flags a connected task that has delivered nothing for this long.
	DefaultStaleAfter = 10 * time.Minute
)

const (
	CheckpointKeyPrefix    = "aire:checkpoint:"
	MeasurementsTable      = "measurements"
	CheckpointsTable       = "stream_checkpoints"
	DeviceLabelsCollection = "device_labels"
	DefaultMongoDBName     = "aire"
)

const (
	DatabasePostgres = "postgres"
	DatabaseRedis    = "redis"
	DatabaseMongoDB  = "mongodb"
	DatabaseMemory   = "memory"
)
