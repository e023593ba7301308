package broker

import (
	"context"
	"errors"
	"fmt"

	"aire/pkg/models"
)

// ErrIdle is returned by Fetch when no message arrived within the poll
// interval. It is not a transport failure.
var ErrIdle = errors.New("no message within poll interval")

// Position is where a partition reader begins. An exact offset wins over
// the start position.
type Position struct {
	Offset int64
	Exact  bool
	Start  models.StartPosition
}

// AtOffset positions a reader on the given offset (the next one to read).
func AtOffset(offset int64) Position {
	return Position{Offset: offset, Exact: true}
}

func FromStart(start models.StartPosition) Position {
	return Position{Start: start}
}

func (p Position) String() string {
	if p.Exact {
		return fmt.Sprintf("offset(%d)", p.Offset)
	}
	return p.Start.String()
}

// PartitionReader reads one partition of the stream for one consumer group.
type PartitionReader interface {
	// Fetch blocks until a message arrives, the poll interval elapses
	// (ErrIdle) or the transport fails.
	Fetch(ctx context.Context) (models.RawMessage, error)
	// Lag is the number of messages behind the partition head, or -1.
	Lag() int64
	Close() error
}

// Transport opens partition readers on the stream.
type Transport interface {
	Topic() string
	Partitions(ctx context.Context) ([]int, error)
	Open(ctx context.Context, consumerGroup string, partition int, pos Position) (PartitionReader, error)
	Close() error
}
