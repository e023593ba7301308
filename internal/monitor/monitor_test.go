package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"aire/internal/decoder"
	"aire/internal/labels"
	"aire/internal/logger"
	"aire/pkg/models"
)

func TestTaskCountersSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(clock, labels.NewDirectory(nil, nil))
	c := m.Register(models.PartitionKey{ConsumerGroup: "asa-s1", Partition: 0})

	c.SetState(StateConnected)
	c.Received(10)
	c.Decoded(decoder.Result{Outcome: decoder.OutcomeRecords, DeviceID: "S1_PMTHVD", Records: make([]models.MeasurementRecord, 2)})
	c.Received(11)
	c.Decoded(decoder.Result{Outcome: decoder.OutcomeFiltered, DeviceID: "S9"})
	c.Received(12)
	c.Decoded(decoder.Result{Outcome: decoder.OutcomeDecodeError})
	c.Received(13)
	c.Decoded(decoder.Result{Outcome: decoder.OutcomeNoData})
	c.DedupLocal(1)
	c.Flushed(1, 0, 1, 5*time.Millisecond)
	c.PersistFailed(3, time.Second)
	c.Rejected(1)
	c.Reconnected()
	c.SetLag(7)

	clock.Advance(90 * time.Second)

	snaps := m.Snapshot()
	require.Len(t, snaps, 1)
	s := snaps[0]

	assert.Equal(t, "connected", s.State)
	assert.Equal(t, int64(4), s.Received)
	assert.Equal(t, int64(1), s.Decoded)
	assert.Equal(t, int64(2), s.Records)
	assert.Equal(t, int64(1), s.Filtered)
	assert.Equal(t, int64(1), s.DecodeErrors)
	assert.Equal(t, int64(1), s.NoData)
	assert.Equal(t, int64(1), s.DedupLocal)
	assert.Equal(t, int64(1), s.Saved)
	assert.Equal(t, int64(1), s.PersistErrors)
	assert.Equal(t, int64(1), s.Rejected)
	assert.Equal(t, int64(1), s.Batches)
	assert.Equal(t, int64(1), s.Reconnects)
	assert.Equal(t, int64(13), s.LastOffset)
	assert.Equal(t, int64(7), s.Lag)
	assert.Equal(t, "S1_PMTHVD", s.LastDevice)
	assert.Equal(t, "Colegio Parnaso", s.LastLabel)
	assert.Equal(t, "1m30s", s.Uptime)
}

func TestRegisterResetsAndCountsRestarts(t *testing.T) {
	m := New(clockwork.NewFakeClock(), nil)
	key := models.PartitionKey{ConsumerGroup: "$Default", Partition: 1}

	c := m.Register(key)
	c.Received(1)
	c.SetState(StateFailed)

	c = m.Register(key)
	s := c.Snapshot()
	assert.Equal(t, int64(0), s.Received)
	assert.Equal(t, int64(1), s.Restarts)
	assert.Equal(t, "starting", s.State)
}

func TestSnapshotOrderAndTotals(t *testing.T) {
	m := New(clockwork.NewFakeClock(), nil)
	b1 := m.Register(models.PartitionKey{ConsumerGroup: "b", Partition: 1})
	m.Register(models.PartitionKey{ConsumerGroup: "b", Partition: 0})
	a := m.Register(models.PartitionKey{ConsumerGroup: "a", Partition: 3})

	a.Flushed(4, 1, 5, time.Millisecond)
	b1.Flushed(2, 0, 2, time.Millisecond)
	b1.SetState(StateStopped)

	snaps := m.Snapshot()
	require.Len(t, snaps, 3)
	assert.Equal(t, "a", snaps[0].ConsumerGroup)
	assert.Equal(t, 0, snaps[1].Partition)
	assert.Equal(t, 1, snaps[2].Partition)

	totals := Sum(snaps)
	assert.Equal(t, 3, totals.Tasks)
	assert.Equal(t, 2, totals.Active)
	assert.Equal(t, int64(6), totals.Saved)
	assert.Equal(t, int64(1), totals.Duplicates)
	assert.Equal(t, int64(2), totals.Batches)
}

func TestCountersConcurrent(t *testing.T) {
	m := New(clockwork.NewRealClock(), nil)
	c := m.Register(models.PartitionKey{ConsumerGroup: "g", Partition: 0})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Received(int64(j))
				_ = m.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), c.Snapshot().Received)
}

func TestStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(clock, nil)
	quiet := m.Register(models.PartitionKey{ConsumerGroup: "g", Partition: 0})
	quiet.SetState(StateConnected)
	busy := m.Register(models.PartitionKey{ConsumerGroup: "g", Partition: 1})
	done := m.Register(models.PartitionKey{ConsumerGroup: "g", Partition: 2})
	done.SetState(StateStopped)

	clock.Advance(10 * time.Minute)
	busy.Received(1)

	assert.Equal(t, []models.PartitionKey{quiet.Key()}, m.Stale(5*time.Minute))
}

func TestReporterLogsEachTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(clock, nil)
	m.Register(models.PartitionKey{ConsumerGroup: "g", Partition: 0})

	core, logs := observer.New(zap.InfoLevel)
	r := NewReporter(m, logger.NewFromCore(core), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("Pipeline status").Len() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("Reader task status").Len())

	cancel()
	<-done
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateDraining.Terminal())
	assert.Equal(t, "unknown", State(42).String())
}
