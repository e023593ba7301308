package models

import (
	"fmt"
	"time"
)

// RawMessage is a transport message as handed to the decoder.
type RawMessage struct {
	Body         []byte
	Partition    int
	Offset       int64
	EnqueuedAt   time.Time
	ProducerHint string
	Headers      map[string]string
}

type StartMode int

const (
	StartLatest StartMode = iota
	StartEarliest
	StartTimestamp
)

func (m StartMode) String() string {
	switch m {
	case StartEarliest:
		return "earliest"
	case StartTimestamp:
		return "timestamp"
	default:
		return "latest"
	}
}

// StartPosition is where a reader starts when it first opens a partition.
// An explicit timestamp wins over a durable checkpoint; latest and earliest
// only apply when no checkpoint exists.
type StartPosition struct {
	Mode      StartMode
	Timestamp time.Time
}

func (p StartPosition) String() string {
	if p.Mode == StartTimestamp {
		return fmt.Sprintf("timestamp(%s)", p.Timestamp.Format(time.RFC3339))
	}
	return p.Mode.String()
}

// PartitionKey names one reader task.
type PartitionKey struct {
	ConsumerGroup string
	Partition     int
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s/%d", k.ConsumerGroup, k.Partition)
}
