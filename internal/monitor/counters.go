package monitor

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"aire/internal/decoder"
	"aire/pkg/metrics"
	"aire/pkg/models"
)

// State is the lifecycle state of a reader task. The numeric values are the
// ones exported by the ingest_task_state gauge.
type State int32

const (
	StateStarting State = iota
	StateConnected
	StateReconnecting
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the task has finished running.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// TaskCounters are the health counters of one reader task. All methods are
// safe for concurrent use; readers call Snapshot.
type TaskCounters struct {
	key   models.PartitionKey
	clock clockwork.Clock

	startedAt time.Time

	received      atomic.Int64
	decoded       atomic.Int64
	records       atomic.Int64
	filtered      atomic.Int64
	noData        atomic.Int64
	decodeErrors  atomic.Int64
	dedupLocal    atomic.Int64
	saved         atomic.Int64
	duplicates    atomic.Int64
	persistErrors atomic.Int64
	rejected      atomic.Int64
	batches       atomic.Int64
	reconnects    atomic.Int64
	restarts      atomic.Int64
	lag           atomic.Int64
	lastOffset    atomic.Int64
	lastActivity  atomic.Int64
	state         atomic.Int32
	lastDevice    atomic.Value
}

func newTaskCounters(key models.PartitionKey, clock clockwork.Clock) *TaskCounters {
	c := &TaskCounters{
		key:       key,
		clock:     clock,
		startedAt: clock.Now(),
	}
	c.lag.Store(-1)
	c.lastOffset.Store(-1)
	c.lastDevice.Store("")
	return c
}

func (c *TaskCounters) Key() models.PartitionKey {
	return c.key
}

func (c *TaskCounters) touch() {
	c.lastActivity.Store(c.clock.Now().UnixNano())
}

// Received counts a message handed over by the transport.
func (c *TaskCounters) Received(offset int64) {
	c.received.Add(1)
	c.lastOffset.Store(offset)
	c.touch()
}

// Decoded counts the outcome of decoding one message.
func (c *TaskCounters) Decoded(res decoder.Result) {
	group, partition := c.key.ConsumerGroup, c.key.Partition
	metrics.IncMessages(group, partition, res.Outcome.String())

	switch res.Outcome {
	case decoder.OutcomeRecords:
		c.decoded.Add(1)
		c.records.Add(int64(len(res.Records)))
		if res.DeviceID != "" {
			c.lastDevice.Store(res.DeviceID)
		}
	case decoder.OutcomeFiltered:
		c.filtered.Add(1)
		metrics.AddRecords(group, "filtered", 1)
	case decoder.OutcomeNoData:
		c.noData.Add(1)
	case decoder.OutcomeDecodeError:
		c.decodeErrors.Add(1)
	}
}

// DedupLocal counts records that replaced an equal-key record in the buffer.
func (c *TaskCounters) DedupLocal(n int) {
	if n <= 0 {
		return
	}
	c.dedupLocal.Add(int64(n))
	metrics.AddRecords(c.key.ConsumerGroup, "dedup_local", n)
}

// Flushed counts a successful batch write.
func (c *TaskCounters) Flushed(saved, duplicates int, size int, duration time.Duration) {
	c.batches.Add(1)
	c.saved.Add(int64(saved))
	c.duplicates.Add(int64(duplicates))
	c.touch()

	group := c.key.ConsumerGroup
	metrics.ObserveFlush(group, "success", size, duration)
	metrics.AddRecords(group, "saved", saved)
	metrics.AddRecords(group, "duplicate", duplicates)
}

// PersistFailed counts a batch whose write was abandoned.
func (c *TaskCounters) PersistFailed(size int, duration time.Duration) {
	c.persistErrors.Add(1)
	metrics.ObserveFlush(c.key.ConsumerGroup, "error", size, duration)
}

// Rejected counts records the store refused because of their content. They
// are dropped so the rest of their batch can be written.
func (c *TaskCounters) Rejected(n int) {
	if n <= 0 {
		return
	}
	c.rejected.Add(int64(n))
	metrics.AddRecords(c.key.ConsumerGroup, "rejected", n)
}

func (c *TaskCounters) Reconnected() {
	c.reconnects.Add(1)
	metrics.IncReconnects(c.key.ConsumerGroup, c.key.Partition)
}

func (c *TaskCounters) SetLag(lag int64) {
	c.lag.Store(lag)
	if lag >= 0 {
		metrics.SetPartitionLag(c.key.ConsumerGroup, c.key.Partition, lag)
	}
}

func (c *TaskCounters) SetState(s State) {
	c.state.Store(int32(s))
	metrics.SetTaskState(c.key.ConsumerGroup, c.key.Partition, int(s))
}

func (c *TaskCounters) State() State {
	return State(c.state.Load())
}

// LastActivity is the time of the last received message or successful flush.
func (c *TaskCounters) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Snapshot is a point-in-time copy of a task's counters.
type Snapshot struct {
	ConsumerGroup string    `json:"consumer_group"`
	Partition     int       `json:"partition"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	Uptime        string    `json:"uptime"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
	LastOffset    int64     `json:"last_offset"`
	LastDevice    string    `json:"last_device,omitempty"`
	LastLabel     string    `json:"last_label,omitempty"`
	Lag           int64     `json:"lag"`

	Received      int64 `json:"received"`
	Decoded       int64 `json:"decoded"`
	Records       int64 `json:"records"`
	Filtered      int64 `json:"filtered"`
	NoData        int64 `json:"no_data"`
	DecodeErrors  int64 `json:"decode_errors"`
	DedupLocal    int64 `json:"dedup_local"`
	Saved         int64 `json:"saved"`
	Duplicates    int64 `json:"duplicates"`
	PersistErrors int64 `json:"persist_errors"`
	Rejected      int64 `json:"rejected"`
	Batches       int64 `json:"batches"`
	Reconnects    int64 `json:"reconnects"`
	Restarts      int64 `json:"restarts"`
}

func (c *TaskCounters) Snapshot() Snapshot {
	return Snapshot{
		ConsumerGroup: c.key.ConsumerGroup,
		Partition:     c.key.Partition,
		State:         c.State().String(),
		StartedAt:     c.startedAt,
		Uptime:        c.clock.Since(c.startedAt).Truncate(time.Second).String(),
		LastActivity:  c.LastActivity(),
		LastOffset:    c.lastOffset.Load(),
		LastDevice:    c.lastDevice.Load().(string),
		Lag:           c.lag.Load(),

		Received:      c.received.Load(),
		Decoded:       c.decoded.Load(),
		Records:       c.records.Load(),
		Filtered:      c.filtered.Load(),
		NoData:        c.noData.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
		DedupLocal:    c.dedupLocal.Load(),
		Saved:         c.saved.Load(),
		Duplicates:    c.duplicates.Load(),
		PersistErrors: c.persistErrors.Load(),
		Rejected:      c.rejected.Load(),
		Batches:       c.batches.Load(),
		Reconnects:    c.reconnects.Load(),
		Restarts:      c.restarts.Load(),
	}
}
