package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aire/internal/broker"
	"aire/internal/checkpoint"
	"aire/internal/config"
	"aire/internal/decoder"
	"aire/internal/logger"
	"aire/internal/monitor"
	"aire/internal/storage"
	apperrors "aire/pkg/errors"
	"aire/pkg/models"
	"aire/pkg/retry"
)

const group = "$Default"

var fastFlush = retry.Policy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	Multiplier:      2,
}

func newDeps(tr broker.Transport, gw storage.Gateway, allowed ...string) (Deps, *checkpoint.MemoryStore) {
	store := checkpoint.NewMemoryStore()
	return Deps{
		Transport:   tr,
		Decoder:     decoder.New(decoder.Options{AllowedDevices: allowed, Location: bogota}),
		Gateway:     gw,
		Checkpoints: checkpoint.NewManager(store, logger.NopLogger(), fastFlush),
		Monitor:     monitor.New(clockwork.NewRealClock(), nil),
		Logger:      logger.NopLogger(),
	}, store
}

func taskConfig(maxRecords int, start models.StartMode) TaskConfig {
	return TaskConfig{
		Key:               models.PartitionKey{ConsumerGroup: group, Partition: 0},
		Start:             models.StartPosition{Mode: start},
		Batch:             config.BatchConfig{MaxRecords: maxRecords, FlushInterval: time.Hour},
		FlushPolicy:       fastFlush,
		Reconnect:         config.ReconnectConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
		FinalFlushTimeout: time.Second,
	}
}

func runAsync(ctx context.Context, run func(context.Context) error) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()
	return errCh
}

func wait(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
		return nil
	}
}

func snapshot(t *testing.T, m *monitor.Monitor) monitor.Snapshot {
	t.Helper()
	c, ok := m.Task(models.PartitionKey{ConsumerGroup: group, Partition: 0})
	require.True(t, ok)
	return c.Snapshot()
}

func TestTaskFlushesAndCheckpoints(t *testing.T) {
	tr := newFakeTransport(0)
	for i := 0; i < 5; i++ {
		tr.add(0, reading("S1", i, int64(i)))
	}
	gw := storage.NewMemoryGateway()
	deps, store := newDeps(tr, gw)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(taskConfig(2, models.StartEarliest), deps).Run)

	require.Eventually(t, func() bool { return gw.Len() == 4 }, 2*time.Second, 5*time.Millisecond)
	offset, ok, err := store.Load(context.Background(), group, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), offset)

	cancel()
	require.NoError(t, wait(t, errCh))

	assert.Equal(t, 5, gw.Len(), "final flush persists the remainder")
	offset, _, _ = store.Load(context.Background(), group, 0)
	assert.Equal(t, int64(4), offset)

	s := snapshot(t, deps.Monitor)
	assert.Equal(t, "stopped", s.State)
	assert.Equal(t, int64(3), s.Batches)
	assert.Equal(t, int64(5), s.Saved)
}

func TestTaskResumesAfterCheckpoint(t *testing.T) {
	tr := newFakeTransport(0)
	for i := 0; i < 5; i++ {
		tr.add(0, reading("S1", i, int64(i)))
	}
	gw := storage.NewMemoryGateway()
	deps, store := newDeps(tr, gw)
	require.NoError(t, store.Commit(context.Background(), group, 0, 2))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(taskConfig(2, models.StartLatest), deps).Run)

	require.Eventually(t, func() bool { return gw.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, errCh))

	opens := tr.openCalls()
	require.NotEmpty(t, opens)
	assert.Equal(t, broker.AtOffset(3), opens[0].pos)
}

func TestTaskTimestampBeatsCheckpoint(t *testing.T) {
	tr := newFakeTransport(0)
	for i := 0; i < 5; i++ {
		tr.add(0, reading("S1", i, int64(i)))
	}
	gw := storage.NewMemoryGateway()
	deps, store := newDeps(tr, gw)
	require.NoError(t, store.Commit(context.Background(), group, 0, 0))

	cfg := taskConfig(10, models.StartTimestamp)
	cfg.Start.Timestamp = time.Date(2025, 1, 1, 15, 3, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(cfg, deps).Run)

	require.Eventually(t, func() bool { return snapshot(t, deps.Monitor).Received == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, errCh))

	assert.Equal(t, 2, gw.Len())
	opens := tr.openCalls()
	require.NotEmpty(t, opens)
	assert.False(t, opens[0].pos.Exact)
	assert.Equal(t, models.StartTimestamp, opens[0].pos.Start.Mode)
}

func TestTaskReconnectsAndKeepsBuffer(t *testing.T) {
	tr := newFakeTransport(0)
	for i := 0; i < 5; i++ {
		tr.add(0, reading("S1", i, int64(10+i)))
	}
	tr.breakAfter[0] = 3
	gw := storage.NewMemoryGateway()
	deps, _ := newDeps(tr, gw)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(taskConfig(10, models.StartEarliest), deps).Run)

	require.Eventually(t, func() bool { return snapshot(t, deps.Monitor).Received == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, gw.Len(), "nothing is flushed before the buffer fills")

	cancel()
	require.NoError(t, wait(t, errCh))

	assert.Equal(t, 5, gw.Len())
	opens := tr.openCalls()
	require.Len(t, opens, 2)
	assert.Equal(t, broker.AtOffset(10), opens[1].pos, "reopens at the first unflushed offset")

	s := snapshot(t, deps.Monitor)
	assert.Equal(t, int64(1), s.Reconnects)
	assert.Equal(t, int64(3), s.DedupLocal)
}

func TestTaskRetriesOpen(t *testing.T) {
	tr := newFakeTransport(0)
	tr.failOpens = 2
	deps, _ := newDeps(tr, storage.NewMemoryGateway())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(taskConfig(10, models.StartLatest), deps).Run)

	require.Eventually(t, func() bool { return snapshot(t, deps.Monitor).State == "connected" }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, errCh))

	assert.Len(t, tr.openCalls(), 3)
	assert.Equal(t, int64(2), snapshot(t, deps.Monitor).Reconnects)
}

func TestTaskFailsWhenFlushRetriesExhausted(t *testing.T) {
	tr := newFakeTransport(0)
	tr.add(0, reading("S1", 0, 0), reading("S1", 1, 1))
	gw := &failingGateway{MemoryGateway: storage.NewMemoryGateway(), fail: true}
	deps, store := newDeps(tr, gw)

	err := wait(t, runAsync(context.Background(), NewTask(taskConfig(2, models.StartEarliest), deps).Run))
	require.Error(t, err)
	assert.True(t, apperrors.IsPersistence(err))

	assert.Equal(t, 3, gw.callCount())
	_, ok, _ := store.Load(context.Background(), group, 0)
	assert.False(t, ok, "no checkpoint without a durable write")

	s := snapshot(t, deps.Monitor)
	assert.Equal(t, "failed", s.State)
	assert.Equal(t, int64(1), s.PersistErrors)
}

func TestTaskSkipsBadAndFilteredMessages(t *testing.T) {
	tr := newFakeTransport(0)
	tr.add(0,
		models.RawMessage{Body: []byte(`not json`), Offset: 0},
		reading("S1", 0, 1),
		reading("S9", 1, 2),
		models.RawMessage{Body: []byte(`{"DeviceId":"S1","temp":20}`), Offset: 3},
	)
	gw := storage.NewMemoryGateway()
	deps, store := newDeps(tr, gw, "S1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(taskConfig(1, models.StartEarliest), deps).Run)

	require.Eventually(t, func() bool { return snapshot(t, deps.Monitor).Received == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, errCh))

	assert.Equal(t, 1, gw.Len())
	offset, ok, _ := store.Load(context.Background(), group, 0)
	require.True(t, ok)
	assert.Equal(t, int64(3), offset, "skipped messages still advance the checkpoint")

	s := snapshot(t, deps.Monitor)
	assert.Equal(t, int64(1), s.DecodeErrors)
	assert.Equal(t, int64(1), s.Filtered)
	assert.Equal(t, int64(1), s.NoData)
}

func TestTaskFlushesQuietPartitionOnTimer(t *testing.T) {
	tr := newFakeTransport(0)
	tr.add(0, reading("S1", 0, 0), reading("S1", 1, 1))
	gw := storage.NewMemoryGateway()
	deps, store := newDeps(tr, gw)
	clock := clockwork.NewFakeClock()
	deps.Clock = clock

	cfg := taskConfig(10, models.StartEarliest)
	cfg.Batch.FlushInterval = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(cfg, deps).Run)

	require.Eventually(t, func() bool { return snapshot(t, deps.Monitor).Received == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, gw.Len(), "below the record threshold nothing is written yet")

	clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool { return gw.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	offset, ok, err := store.Load(context.Background(), group, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), offset)

	s := snapshot(t, deps.Monitor)
	assert.Equal(t, "connected", s.State)
	assert.Equal(t, int64(1), s.Batches)

	cancel()
	require.NoError(t, wait(t, errCh))
}

func TestTaskDropsRecordsTheStoreRejects(t *testing.T) {
	tr := newFakeTransport(0)
	tr.add(0, reading("S1", 0, 0), reading("S13", 1, 1), reading("S1", 2, 2))
	gw := &rejectingGateway{MemoryGateway: storage.NewMemoryGateway(), poisoned: "S13"}
	deps, store := newDeps(tr, gw)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(taskConfig(3, models.StartEarliest), deps).Run)

	require.Eventually(t, func() bool { return snapshot(t, deps.Monitor).Batches == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, errCh))

	devices := map[string]int{}
	for _, r := range gw.Records() {
		devices[r.DeviceID]++
	}
	assert.Equal(t, map[string]int{"S1": 2}, devices)

	offset, ok, _ := store.Load(context.Background(), group, 0)
	require.True(t, ok)
	assert.Equal(t, int64(2), offset, "the partition moves past the refused record")

	// whole batch, two halves, then the poisoned half split in two; refused
	// content is never retried
	assert.Equal(t, 5, gw.callCount())

	s := snapshot(t, deps.Monitor)
	assert.Equal(t, "stopped", s.State)
	assert.Equal(t, int64(1), s.Rejected)
	assert.Equal(t, int64(2), s.Saved)
	assert.Equal(t, int64(0), s.PersistErrors)
}

func TestTaskFinishesFlushInFlightOnCancel(t *testing.T) {
	tr := newFakeTransport(0)
	tr.add(0, reading("S1", 0, 0))
	block := make(chan struct{})
	gw := &failingGateway{MemoryGateway: storage.NewMemoryGateway(), block: block}
	deps, store := newDeps(tr, gw)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, NewTask(taskConfig(1, models.StartEarliest), deps).Run)

	require.Eventually(t, func() bool { return gw.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	close(block)
	require.NoError(t, wait(t, errCh))

	assert.Equal(t, 1, gw.callCount(), "the batch is written once")
	assert.Equal(t, 1, gw.Len())
	offset, ok, _ := store.Load(context.Background(), group, 0)
	require.True(t, ok)
	assert.Equal(t, int64(0), offset)
}

func orchestratorSettings(groups ...string) Settings {
	cfg := taskConfig(1, models.StartEarliest)
	return Settings{
		ConsumerGroups:    groups,
		Start:             cfg.Start,
		Batch:             cfg.Batch,
		FlushPolicy:       cfg.FlushPolicy,
		Reconnect:         cfg.Reconnect,
		RestartCooldown:   10 * time.Millisecond,
		ShutdownGrace:     2 * time.Second,
		FinalFlushTimeout: time.Second,
	}
}

func TestOrchestratorRunsTaskPerGroupAndPartition(t *testing.T) {
	tr := newFakeTransport(0, 1)
	tr.add(0, anonymous(0, 0))
	tr.add(1, anonymous(1, 0))
	gw := storage.NewMemoryGateway()
	deps, _ := newDeps(tr, gw)

	settings := orchestratorSettings("asa-s1", "asa-s2")
	settings.GroupDevices = map[string]string{"asa-s1": "S1_PMTHVD", "asa-s2": "S2_PMTHVD"}
	o := NewOrchestrator(settings, deps)

	require.Error(t, o.Check(context.Background()), "not healthy before start")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, o.Run)

	require.Eventually(t, func() bool { return gw.Len() == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return o.Check(context.Background()) == nil }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, errCh))

	devices := map[string]int{}
	for _, r := range gw.Records() {
		devices[r.DeviceID]++
	}
	assert.Equal(t, map[string]int{"S1_PMTHVD": 2, "S2_PMTHVD": 2}, devices)

	snaps := deps.Monitor.Snapshot()
	require.Len(t, snaps, 4)
	for _, s := range snaps {
		assert.Equal(t, "stopped", s.State)
	}
}

func TestOrchestratorRestartsFailedTask(t *testing.T) {
	tr := newFakeTransport(0)
	tr.add(0, reading("S1", 0, 0))
	gw := &failingGateway{MemoryGateway: storage.NewMemoryGateway(), fail: true}
	deps, _ := newDeps(tr, gw)

	settings := orchestratorSettings(group)
	settings.FlushPolicy.MaxAttempts = 1
	o := NewOrchestrator(settings, deps)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, o.Run)

	require.Eventually(t, func() bool { return gw.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	gw.heal()
	require.Eventually(t, func() bool { return gw.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, errCh))
	assert.GreaterOrEqual(t, snapshot(t, deps.Monitor).Restarts, int64(1))
}

func TestOrchestratorRestartResumesUnflushedRecords(t *testing.T) {
	tr := newFakeTransport(0)
	gw := &failingGateway{MemoryGateway: storage.NewMemoryGateway(), fail: true}
	deps, store := newDeps(tr, gw)

	settings := orchestratorSettings(group)
	settings.Start = models.StartPosition{Mode: models.StartLatest}
	settings.Batch.MaxRecords = 2
	settings.FlushPolicy.MaxAttempts = 1
	o := NewOrchestrator(settings, deps)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, o.Run)

	require.Eventually(t, func() bool {
		c, ok := deps.Monitor.Task(models.PartitionKey{ConsumerGroup: group, Partition: 0})
		return ok && c.State() == monitor.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	tr.add(0, reading("S1", 0, 0), reading("S1", 1, 1))

	require.Eventually(t, func() bool { return gw.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	gw.heal()
	require.Eventually(t, func() bool { return gw.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, errCh))

	opens := tr.openCalls()
	require.GreaterOrEqual(t, len(opens), 2)
	assert.Equal(t, models.StartLatest, opens[0].pos.Start.Mode)
	for _, open := range opens[1:] {
		assert.Equal(t, broker.AtOffset(0), open.pos, "restarted task reopens at the first unflushed offset")
	}

	offset, ok, _ := store.Load(context.Background(), group, 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), offset)
}

func TestOrchestratorShutdownGraceExceeded(t *testing.T) {
	tr := newFakeTransport(0)
	tr.add(0, reading("S1", 0, 0))
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	gw := &failingGateway{MemoryGateway: storage.NewMemoryGateway(), block: block}
	deps, _ := newDeps(tr, gw)

	settings := orchestratorSettings(group)
	settings.Batch.MaxRecords = 10
	settings.ShutdownGrace = 20 * time.Millisecond
	o := NewOrchestrator(settings, deps)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, o.Run)

	require.Eventually(t, func() bool {
		c, ok := deps.Monitor.Task(models.PartitionKey{ConsumerGroup: group, Partition: 0})
		return ok && c.Snapshot().Received == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	err := wait(t, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grace period")
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Stream.ConsumerGroups = []string{"asa-s1"}
	cfg.Stream.StartPosition = "2025-01-01 08:00"
	cfg.FlushRetry.MaxAttempts = 7

	s := SettingsFromConfig(cfg, bogota, logger.NopLogger())
	assert.Equal(t, models.StartTimestamp, s.Start.Mode)
	assert.Equal(t, time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC), s.Start.Timestamp.UTC())
	assert.Equal(t, 7, s.FlushPolicy.MaxAttempts)

	cfg.Stream.StartPosition = "whenever"
	s = SettingsFromConfig(cfg, bogota, logger.NopLogger())
	assert.Equal(t, models.StartEarliest, s.Start.Mode)
}
