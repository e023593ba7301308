package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aire/internal/broker"
	"aire/internal/storage"
	"aire/pkg/models"
)

var bogota = time.FixedZone("-05:00", -5*3600)

// reading builds a message body for device at minute m past 10:00 local.
func reading(device string, m int, offset int64) models.RawMessage {
	body := fmt.Sprintf(`{"DeviceId":%q,"temp":24.5,"hr":60,"n1025Um1":%d,"n25100Um1":18,"FechaH":"2025-01-01T10:%02d:00"}`,
		device, 10+m, m)
	return models.RawMessage{
		Body:       []byte(body),
		Offset:     offset,
		EnqueuedAt: time.Date(2025, 1, 1, 15, m, 0, 0, time.UTC),
	}
}

func anonymous(m int, offset int64) models.RawMessage {
	body := fmt.Sprintf(`{"n1025Um1":12,"FechaH":"2025-01-01T11:%02d:00"}`, m)
	return models.RawMessage{Body: []byte(body), Offset: offset}
}

type openCall struct {
	group     string
	partition int
	pos       broker.Position
}

type fakeTransport struct {
	mu         sync.Mutex
	partitions []int
	messages   map[int][]models.RawMessage
	opens      []openCall

	// failOpens fails that many Open calls before succeeding.
	failOpens int
	// breakAfter makes the first reader of a partition fail after that many messages.
	breakAfter map[int]int
	broken     map[int]bool
}

func newFakeTransport(partitions ...int) *fakeTransport {
	return &fakeTransport{
		partitions: partitions,
		messages:   make(map[int][]models.RawMessage),
		breakAfter: make(map[int]int),
		broken:     make(map[int]bool),
	}
}

func (f *fakeTransport) add(partition int, msgs ...models.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.Partition = partition
		f.messages[partition] = append(f.messages[partition], m)
	}
}

func (f *fakeTransport) Topic() string { return "telemetry" }

func (f *fakeTransport) Partitions(context.Context) ([]int, error) {
	return f.partitions, nil
}

func (f *fakeTransport) Open(_ context.Context, group string, partition int, pos broker.Position) (broker.PartitionReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens = append(f.opens, openCall{group: group, partition: partition, pos: pos})
	if f.failOpens > 0 {
		f.failOpens--
		return nil, errors.New("dial tcp: connection refused")
	}

	r := &fakeReader{transport: f, partition: partition, failAfter: -1}
	if n, ok := f.breakAfter[partition]; ok && !f.broken[partition] {
		f.broken[partition] = true
		r.failAfter = n
	}

	msgs := f.messages[partition]
	switch {
	case pos.Exact:
		r.next = len(msgs)
		for i, m := range msgs {
			if m.Offset >= pos.Offset {
				r.next = i
				break
			}
		}
	case pos.Start.Mode == models.StartLatest:
		r.next = len(msgs)
	case pos.Start.Mode == models.StartTimestamp:
		r.next = len(msgs)
		for i, m := range msgs {
			if !m.EnqueuedAt.Before(pos.Start.Timestamp) {
				r.next = i
				break
			}
		}
	}
	return r, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) openCalls() []openCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openCall(nil), f.opens...)
}

type fakeReader struct {
	transport *fakeTransport
	partition int
	next      int
	delivered int
	failAfter int
}

func (r *fakeReader) Fetch(ctx context.Context) (models.RawMessage, error) {
	if r.failAfter >= 0 && r.delivered >= r.failAfter {
		return models.RawMessage{}, errors.New("read tcp: connection reset by peer")
	}

	r.transport.mu.Lock()
	msgs := r.transport.messages[r.partition]
	r.transport.mu.Unlock()

	if r.next >= len(msgs) {
		select {
		case <-ctx.Done():
			return models.RawMessage{}, ctx.Err()
		case <-time.After(2 * time.Millisecond):
			return models.RawMessage{}, broker.ErrIdle
		}
	}

	m := msgs[r.next]
	r.next++
	r.delivered++
	return m, nil
}

func (r *fakeReader) Lag() int64 { return -1 }

func (r *fakeReader) Close() error { return nil }

// failingGateway fails every write until healed.
type failingGateway struct {
	*storage.MemoryGateway
	mu    sync.Mutex
	fail  bool
	calls int
	block chan struct{}
}

func (g *failingGateway) SaveBatch(ctx context.Context, records []models.MeasurementRecord) (storage.SaveResult, error) {
	g.mu.Lock()
	g.calls++
	fail, block := g.fail, g.block
	g.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return storage.SaveResult{}, errors.New("pq: connection refused")
	}
	return g.MemoryGateway.SaveBatch(ctx, records)
}

func (g *failingGateway) heal() {
	g.mu.Lock()
	g.fail = false
	g.mu.Unlock()
}

func (g *failingGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// rejectingGateway refuses any batch that holds a record of a poisoned
// device, the way a postgres data exception aborts a whole statement.
type rejectingGateway struct {
	*storage.MemoryGateway
	poisoned string
	mu       sync.Mutex
	calls    int
}

func (g *rejectingGateway) SaveBatch(ctx context.Context, records []models.MeasurementRecord) (storage.SaveResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	for _, rec := range records {
		if rec.DeviceID == g.poisoned {
			return storage.SaveResult{}, fmt.Errorf("insert %d measurements: %w", len(records), storage.ErrRejectedRecord)
		}
	}
	return g.MemoryGateway.SaveBatch(ctx, records)
}

func (g *rejectingGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
