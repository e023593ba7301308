package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"aire/internal/logger"
	"aire/pkg/models"
)

// Labeler resolves a device id to its friendly name.
type Labeler interface {
	Label(deviceID string) string
}

// Monitor owns the counters of every reader task.
type Monitor struct {
	clock   clockwork.Clock
	labels  Labeler
	mu      sync.RWMutex
	tasks   map[models.PartitionKey]*TaskCounters
	started time.Time
}

func New(clock clockwork.Clock, labels Labeler) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		clock:   clock,
		labels:  labels,
		tasks:   make(map[models.PartitionKey]*TaskCounters),
		started: clock.Now(),
	}
}

// Register returns fresh counters for a task. Counters are reset each time
// a task (re)starts; the restart count carries over.
func (m *Monitor) Register(key models.PartitionKey) *TaskCounters {
	c := newTaskCounters(key, m.clock)

	m.mu.Lock()
	if prev, ok := m.tasks[key]; ok {
		c.restarts.Store(prev.restarts.Load() + 1)
	}
	m.tasks[key] = c
	m.mu.Unlock()

	c.SetState(StateStarting)
	return c
}

func (m *Monitor) Task(key models.PartitionKey) (*TaskCounters, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.tasks[key]
	return c, ok
}

// Snapshot returns all task snapshots ordered by group and partition.
func (m *Monitor) Snapshot() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.tasks))
	for _, c := range m.tasks {
		out = append(out, c.Snapshot())
	}
	m.mu.RUnlock()

	for i := range out {
		if out[i].LastDevice != "" && m.labels != nil {
			out[i].LastLabel = m.labels.Label(out[i].LastDevice)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsumerGroup != out[j].ConsumerGroup {
			return out[i].ConsumerGroup < out[j].ConsumerGroup
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Totals sums the counters of all tasks.
type Totals struct {
	Tasks         int   `json:"tasks"`
	Active        int   `json:"active"`
	Received      int64 `json:"received"`
	Records       int64 `json:"records"`
	Filtered      int64 `json:"filtered"`
	DecodeErrors  int64 `json:"decode_errors"`
	Saved         int64 `json:"saved"`
	Duplicates    int64 `json:"duplicates"`
	PersistErrors int64 `json:"persist_errors"`
	Rejected      int64 `json:"rejected"`
	Batches       int64 `json:"batches"`
	Reconnects    int64 `json:"reconnects"`
}

func Sum(snaps []Snapshot) Totals {
	t := Totals{Tasks: len(snaps)}
	for _, s := range snaps {
		if s.State != StateStopped.String() && s.State != StateFailed.String() {
			t.Active++
		}
		t.Received += s.Received
		t.Records += s.Records
		t.Filtered += s.Filtered
		t.DecodeErrors += s.DecodeErrors
		t.Saved += s.Saved
		t.Duplicates += s.Duplicates
		t.PersistErrors += s.PersistErrors
		t.Rejected += s.Rejected
		t.Batches += s.Batches
		t.Reconnects += s.Reconnects
	}
	return t
}

func (m *Monitor) Uptime() time.Duration {
	return m.clock.Since(m.started)
}

// Stale returns the tasks that saw no activity for longer than d. Tasks
// that never saw any activity are measured from their start.
func (m *Monitor) Stale(d time.Duration) []models.PartitionKey {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PartitionKey
	for key, c := range m.tasks {
		if c.State().Terminal() {
			continue
		}
		last := c.LastActivity()
		if last.IsZero() {
			last = c.startedAt
		}
		if now.Sub(last) > d {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Reporter periodically logs one line per task.
type Reporter struct {
	monitor  *Monitor
	logger   logger.Logger
	interval time.Duration
	clock    clockwork.Clock
}

func NewReporter(m *Monitor, log logger.Logger, interval time.Duration) *Reporter {
	return &Reporter{monitor: m, logger: log, interval: interval, clock: m.clock}
}

func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.Report()
		}
	}
}

// Report logs the current snapshot.
func (r *Reporter) Report() {
	snaps := r.monitor.Snapshot()
	for _, s := range snaps {
		r.logger.Infow("Reader task status",
			"consumer_group", s.ConsumerGroup,
			"partition", s.Partition,
			"state", s.State,
			"device", s.LastDevice,
			"label", s.LastLabel,
			"received", s.Received,
			"records", s.Records,
			"filtered", s.Filtered,
			"decode_errors", s.DecodeErrors,
			"dedup_local", s.DedupLocal,
			"saved", s.Saved,
			"duplicates", s.Duplicates,
			"persist_errors", s.PersistErrors,
			"batches", s.Batches,
			"reconnects", s.Reconnects,
			"lag", s.Lag,
			"last_activity", s.LastActivity,
		)
	}

	totals := Sum(snaps)
	r.logger.Infow("Pipeline status",
		"tasks", totals.Tasks,
		"active", totals.Active,
		"saved", totals.Saved,
		"duplicates", totals.Duplicates,
		"persist_errors", totals.PersistErrors,
		"rejected", totals.Rejected,
		"uptime", r.monitor.Uptime().Truncate(time.Second).String(),
	)
}
