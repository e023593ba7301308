package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"aire/internal/batch"
	"aire/internal/broker"
	"aire/internal/checkpoint"
	"aire/internal/config"
	"aire/internal/decoder"
	"aire/internal/logger"
	"aire/internal/monitor"
	"aire/internal/storage"
	apperrors "aire/pkg/errors"
	"aire/pkg/logging"
	"aire/pkg/metrics"
	"aire/pkg/models"
	"aire/pkg/retry"
	"aire/pkg/tracing"
)

// TaskConfig holds the per-task knobs derived from the service config.
type TaskConfig struct {
	Key               models.PartitionKey
	Start             models.StartPosition
	Batch             config.BatchConfig
	FlushPolicy       retry.Policy
	Reconnect         config.ReconnectConfig
	FinalFlushTimeout time.Duration

	// Resume is where a restarted task continues after its predecessor
	// failed. It wins over every configured start position.
	Resume *broker.Position
}

// Deps are the collaborators shared by all tasks.
type Deps struct {
	Transport   broker.Transport
	Decoder     *decoder.Decoder
	Gateway     storage.Gateway
	Checkpoints *checkpoint.Manager
	Monitor     *monitor.Monitor
	Logger      logger.Logger
	DecodeLog   *logger.Throttled
	Clock       clockwork.Clock
}

// Task reads one partition for one consumer group, decodes, buffers and
// flushes records, and checkpoints after every successful flush.
type Task struct {
	cfg  TaskConfig
	deps Deps

	buffer      *batch.Buffer
	counters    *monitor.TaskCounters
	reconnect   *retry.Reconnect
	reader      broker.PartitionReader
	firstOffset int64
}

func NewTask(cfg TaskConfig, deps Deps) *Task {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.DecodeLog == nil {
		deps.DecodeLog = logger.NewThrottled(deps.Logger, time.Second, 5)
	}
	return &Task{
		cfg:         cfg,
		deps:        deps,
		buffer:      batch.NewBuffer(cfg.Batch.MaxRecords, cfg.Batch.FlushInterval, deps.Clock),
		reconnect:   retry.NewReconnect(cfg.Reconnect.InitialInterval, cfg.Reconnect.MaxInterval, cfg.Reconnect.Multiplier, deps.Clock),
		firstOffset: -1,
	}
}

func (t *Task) Key() models.PartitionKey {
	return t.cfg.Key
}

// Run blocks until ctx is cancelled, in which case it drains and returns
// nil, or until the flush path gives up, in which case it returns the
// persistence error. Transport failures never end the task.
func (t *Task) Run(ctx context.Context) (err error) {
	key := t.cfg.Key
	ctx = logging.WithConsumerGroup(ctx, key.ConsumerGroup)
	ctx = logging.WithPartition(ctx, key.Partition)

	t.counters = t.deps.Monitor.Register(key)
	log := t.deps.Logger

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r, "reader task "+key.String())
			t.counters.SetState(monitor.StateFailed)
			log.ErrorwCtx(ctx, "Reader task panicked", "error", err)
		}
		t.closeReader(ctx)
	}()

	pos := t.initialPosition(ctx)
	log.InfowCtx(ctx, "Reader task starting", "position", pos.String())

	for {
		if ctx.Err() != nil {
			return t.drain(ctx)
		}

		if t.reader == nil {
			if !t.connect(ctx, pos) {
				continue
			}
		}

		msg, fetchErr := t.reader.Fetch(ctx)
		switch {
		case fetchErr == nil:
			t.handle(ctx, msg)
		case errors.Is(fetchErr, broker.ErrIdle):
		case ctx.Err() != nil:
			return t.drain(ctx)
		default:
			log.WarnwCtx(ctx, "Stream transport failed, reconnecting", "error", fetchErr)
			t.closeReader(ctx)
			pos = t.resumePosition()
			t.counters.SetState(monitor.StateReconnecting)
			if err := t.flushIfDue(ctx); err != nil {
				if ctx.Err() != nil {
					return t.drain(ctx)
				}
				return t.fail(ctx, err)
			}
			t.waitReconnect(ctx)
			continue
		}

		if t.reader != nil {
			t.counters.SetLag(t.reader.Lag())
		}

		if err := t.flushIfDue(ctx); err != nil {
			if ctx.Err() != nil {
				return t.drain(ctx)
			}
			return t.fail(ctx, err)
		}
	}
}

// connect opens the partition reader. On failure it waits out the reconnect
// backoff and reports false.
func (t *Task) connect(ctx context.Context, pos broker.Position) bool {
	key := t.cfg.Key
	reader, err := t.deps.Transport.Open(ctx, key.ConsumerGroup, key.Partition, pos)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		t.counters.SetState(monitor.StateReconnecting)
		t.deps.Logger.WarnwCtx(ctx, "Failed to open partition reader",
			"error", err,
			"position", pos.String(),
			"attempt", t.reconnect.Attempts()+1,
		)
		// A buffer left over from a previous connection can still be persisted.
		if err := t.flushIfDue(ctx); err != nil && ctx.Err() == nil {
			t.deps.Logger.WarnwCtx(ctx, "Flush while disconnected failed", "error", err)
		}
		t.waitReconnect(ctx)
		return false
	}

	if t.reconnect.Attempts() > 0 {
		t.deps.Logger.InfowCtx(ctx, "Partition reader reconnected",
			"position", pos.String(),
			"attempts", t.reconnect.Attempts(),
		)
	} else {
		t.deps.Logger.InfowCtx(ctx, "Partition reader connected", "position", pos.String())
	}

	t.reader = reader
	t.reconnect.Reset()
	t.counters.SetState(monitor.StateConnected)
	return true
}

func (t *Task) waitReconnect(ctx context.Context) {
	t.counters.Reconnected()
	delay, ok := t.reconnect.Wait(ctx)
	if ok {
		t.deps.Logger.DebugwCtx(ctx, "Reconnect backoff elapsed", "delay", delay)
	}
}

func (t *Task) handle(ctx context.Context, msg models.RawMessage) {
	t.counters.Received(msg.Offset)
	if t.firstOffset < 0 {
		t.firstOffset = msg.Offset
	}

	res := t.deps.Decoder.Decode(msg)
	t.counters.Decoded(res)

	switch res.Outcome {
	case decoder.OutcomeDecodeError:
		t.deps.DecodeLog.WarnwCtx(ctx, "Skipping undecodable message",
			"offset", msg.Offset,
			"error", res.Err,
		)
	case decoder.OutcomeFiltered:
		t.deps.Logger.DebugwCtx(ctx, "Device not allowed, message skipped",
			"device_id", res.DeviceID,
			"offset", msg.Offset,
		)
	}

	replaced := 0
	for _, rec := range res.Records {
		if t.buffer.Add(rec) {
			replaced++
		}
	}
	t.counters.DedupLocal(replaced)
	t.buffer.MarkOffset(msg.Offset)
}

// flushIfDue runs a due flush to completion even when ctx is cancelled
// meanwhile; the flush policy bounds how long that takes.
func (t *Task) flushIfDue(ctx context.Context) error {
	if !t.buffer.ShouldFlush() {
		return nil
	}
	return t.flush(context.WithoutCancel(ctx))
}

// flush persists the buffer and then commits its offset. The buffer is only
// cleared once the records are durable, so a failed flush keeps them.
func (t *Task) flush(ctx context.Context) error {
	b := t.buffer.Snapshot()
	if b.Empty() {
		return nil
	}

	key := t.cfg.Key
	start := t.deps.Clock.Now()

	var saved storage.SaveResult
	if len(b.Records) > 0 {
		spanCtx, span := tracing.StartFlush(ctx, key.ConsumerGroup, key.Partition, len(b.Records))
		res, rejected, err := t.saveIsolating(spanCtx, b.Records)
		tracing.EndFlush(span, res.Saved, res.Duplicates, err)
		if err != nil {
			t.counters.PersistFailed(len(b.Records), t.deps.Clock.Since(start))
			return apperrors.Wrap(err, apperrors.ErrPersistence.
				WithMessage("batch flush failed").
				WithDetail("batch_size", len(b.Records)).
				AsFatal())
		}
		saved = res
		t.counters.Rejected(rejected)
		t.counters.Flushed(saved.Saved, saved.Duplicates, len(b.Records), t.deps.Clock.Since(start))
	}

	if b.HasOffset {
		// The manager logs and swallows store failures; a stale checkpoint
		// only causes harmless re-reads.
		_ = t.deps.Checkpoints.Commit(ctx, key.ConsumerGroup, key.Partition, b.Offset)
	}

	t.buffer.Reset()

	if len(b.Records) > 0 {
		t.deps.Logger.InfowCtx(ctx, "Batch flushed",
			"batch_size", len(b.Records),
			"saved", saved.Saved,
			"duplicates", saved.Duplicates,
			"offset", b.Offset,
			"duration", t.deps.Clock.Since(start),
		)
	}
	return nil
}

// saveIsolating writes records. When the store refuses the content of the
// batch, it is halved until each refused record stands alone; those are
// dropped and counted, everything else is written.
func (t *Task) saveIsolating(ctx context.Context, records []models.MeasurementRecord) (storage.SaveResult, int, error) {
	res, err := t.save(ctx, records)
	if err == nil || !storage.IsDataError(err) {
		return res, 0, err
	}

	if len(records) == 1 {
		rec := records[0]
		t.deps.Logger.WarnwCtx(ctx, "Store rejected record, dropping it",
			"device_id", rec.DeviceID,
			"channel", string(rec.Channel),
			"observed_at", rec.ObservedAt,
			"error", err,
		)
		return storage.SaveResult{}, 1, nil
	}

	mid := len(records) / 2
	left, leftRejected, err := t.saveIsolating(ctx, records[:mid])
	if err != nil {
		return storage.SaveResult{}, 0, err
	}
	right, rightRejected, err := t.saveIsolating(ctx, records[mid:])
	if err != nil {
		return storage.SaveResult{}, 0, err
	}
	return left.Add(right), leftRejected + rightRejected, nil
}

// save retries unavailability of the store. A refused record fails at once.
func (t *Task) save(ctx context.Context, records []models.MeasurementRecord) (storage.SaveResult, error) {
	key := t.cfg.Key

	var saved storage.SaveResult
	err := retry.Do(ctx, t.cfg.FlushPolicy, func() error {
		res, err := t.deps.Gateway.SaveBatch(ctx, records)
		if err != nil {
			if storage.IsDataError(err) {
				return apperrors.Wrap(err, apperrors.ErrPersistence.WithMessage("record rejected by store").AsFatal())
			}
			return err
		}
		saved = res
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempts(key.ConsumerGroup, "flush")
		t.deps.Logger.WarnwCtx(ctx, "Retrying batch flush",
			"attempt", attempt,
			"max_attempts", t.cfg.FlushPolicy.MaxAttempts,
			"next_delay", nextDelay,
			"batch_size", len(records),
			"error", err,
		)
	})
	return saved, err
}

// drain performs the final best-effort flush with a fresh deadline.
func (t *Task) drain(ctx context.Context) error {
	t.counters.SetState(monitor.StateDraining)
	t.closeReader(ctx)

	timeout := t.cfg.FinalFlushTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := t.flush(flushCtx); err != nil {
		t.deps.Logger.ErrorwCtx(ctx, "Final flush failed, records will be re-read on restart",
			"error", err,
			"buffered", t.buffer.Len(),
		)
	}

	t.counters.SetState(monitor.StateStopped)
	t.logSummary(ctx)
	return nil
}

func (t *Task) fail(ctx context.Context, err error) error {
	t.counters.SetState(monitor.StateFailed)
	t.deps.Logger.ErrorwCtx(ctx, "Reader task failed",
		"error", err,
		"buffered", t.buffer.Len(),
	)
	t.logSummary(ctx)
	return err
}

func (t *Task) closeReader(ctx context.Context) {
	if t.reader == nil {
		return
	}
	if err := t.reader.Close(); err != nil {
		t.deps.Logger.DebugwCtx(ctx, "Error closing partition reader", "error", err)
	}
	t.reader = nil
}

func (t *Task) logSummary(ctx context.Context) {
	s := t.counters.Snapshot()
	t.deps.Logger.InfowCtx(ctx, "Reader task summary",
		"state", s.State,
		"uptime", s.Uptime,
		"received", s.Received,
		"records", s.Records,
		"saved", s.Saved,
		"duplicates", s.Duplicates,
		"batches", s.Batches,
		"decode_errors", s.DecodeErrors,
		"persist_errors", s.PersistErrors,
		"rejected", s.Rejected,
		"reconnects", s.Reconnects,
	)
}

// initialPosition applies the start precedence: the position handed over by
// a failed predecessor, an explicit timestamp, the durable checkpoint, then
// the configured latest/earliest.
func (t *Task) initialPosition(ctx context.Context) broker.Position {
	if t.cfg.Resume != nil {
		return *t.cfg.Resume
	}
	if t.cfg.Start.Mode == models.StartTimestamp {
		return broker.FromStart(t.cfg.Start)
	}

	key := t.cfg.Key
	offset, ok, err := t.deps.Checkpoints.Load(ctx, key.ConsumerGroup, key.Partition)
	if err != nil {
		t.deps.Logger.WarnwCtx(ctx, "Failed to load checkpoint, using start position",
			"error", err,
			"start", t.cfg.Start.String(),
		)
		return broker.FromStart(t.cfg.Start)
	}
	if ok {
		return broker.AtOffset(offset + 1)
	}
	return broker.FromStart(t.cfg.Start)
}

// ResumePosition is the first offset that is not known to be durable: right
// after the checkpoint, else the first offset this task saw, else the
// position this task was resumed at. It reports false when the task has
// nothing to continue from.
func (t *Task) ResumePosition() (broker.Position, bool) {
	key := t.cfg.Key
	if offset, ok := t.deps.Checkpoints.Committed(key.ConsumerGroup, key.Partition); ok {
		return broker.AtOffset(offset + 1), true
	}
	if t.firstOffset >= 0 {
		return broker.AtOffset(t.firstOffset), true
	}
	if t.cfg.Resume != nil {
		return *t.cfg.Resume, true
	}
	return broker.Position{}, false
}

// resumePosition picks where to reopen after a transport failure.
func (t *Task) resumePosition() broker.Position {
	if pos, ok := t.ResumePosition(); ok {
		return pos
	}
	return broker.FromStart(t.cfg.Start)
}
