package batch

import (
	"time"

	"github.com/jonboulle/clockwork"

	"aire/internal/constants"
	"aire/pkg/models"
)

// Batch is a point-in-time copy of a buffer, ready to be persisted.
type Batch struct {
	Records []models.MeasurementRecord
	// Offset is the highest stream offset whose records are all in Records.
	// HasOffset is false when no message was consumed since the last reset.
	Offset    int64
	HasOffset bool
}

func (b Batch) Empty() bool {
	return len(b.Records) == 0 && !b.HasOffset
}

// Buffer accumulates records keyed by natural key, last write wins. It is
// owned by a single reader task and is not safe for concurrent use.
type Buffer struct {
	maxRecords    int
	flushInterval time.Duration
	clock         clockwork.Clock

	records   map[models.NaturalKey]models.MeasurementRecord
	order     []models.NaturalKey
	offset    int64
	hasOffset bool
	openedAt  time.Time
}

func NewBuffer(maxRecords int, flushInterval time.Duration, clock clockwork.Clock) *Buffer {
	if maxRecords <= 0 {
		maxRecords = constants.DefaultBatchMaxRecords
	}
	if flushInterval <= 0 {
		flushInterval = constants.DefaultFlushInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Buffer{
		maxRecords:    maxRecords,
		flushInterval: flushInterval,
		clock:         clock,
		records:       make(map[models.NaturalKey]models.MeasurementRecord, maxRecords),
	}
}

// Add stores rec and reports whether it replaced a record with the same key.
func (b *Buffer) Add(rec models.MeasurementRecord) bool {
	b.open()

	key := rec.Key()
	_, replaced := b.records[key]
	if !replaced {
		b.order = append(b.order, key)
	}
	b.records[key] = rec
	return replaced
}

// MarkOffset records that every record of the message at offset has been
// added. Filtered and empty messages are marked too so their offsets commit.
func (b *Buffer) MarkOffset(offset int64) {
	b.open()
	if !b.hasOffset || offset > b.offset {
		b.offset = offset
		b.hasOffset = true
	}
}

func (b *Buffer) open() {
	if b.openedAt.IsZero() {
		b.openedAt = b.clock.Now()
	}
}

func (b *Buffer) Len() int {
	return len(b.records)
}

func (b *Buffer) Empty() bool {
	return len(b.records) == 0 && !b.hasOffset
}

// Full reports whether the record threshold has been reached.
func (b *Buffer) Full() bool {
	return len(b.records) >= b.maxRecords
}

// Age is the time since the first record or offset after the last reset.
func (b *Buffer) Age() time.Duration {
	if b.openedAt.IsZero() {
		return 0
	}
	return b.clock.Since(b.openedAt)
}

// Due reports whether a non-empty buffer has been open for the flush interval.
func (b *Buffer) Due() bool {
	return !b.Empty() && b.Age() >= b.flushInterval
}

func (b *Buffer) ShouldFlush() bool {
	return b.Full() || b.Due()
}

// Snapshot copies the buffer without clearing it. Records keep insertion order.
func (b *Buffer) Snapshot() Batch {
	records := make([]models.MeasurementRecord, 0, len(b.order))
	for _, key := range b.order {
		records = append(records, b.records[key])
	}
	return Batch{Records: records, Offset: b.offset, HasOffset: b.hasOffset}
}

// Reset clears the buffer after its snapshot was persisted.
func (b *Buffer) Reset() {
	b.records = make(map[models.NaturalKey]models.MeasurementRecord, b.maxRecords)
	b.order = b.order[:0]
	b.offset = 0
	b.hasOffset = false
	b.openedAt = time.Time{}
}

func (b *Buffer) FlushInterval() time.Duration {
	return b.flushInterval
}

func (b *Buffer) MaxRecords() int {
	return b.maxRecords
}
