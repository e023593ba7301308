package checkpoint

import (
	"context"
	"sync"
	"time"

	"aire/internal/logger"
	apperrors "aire/pkg/errors"
	"aire/pkg/logging"
	"aire/pkg/metrics"
	"aire/pkg/models"
	"aire/pkg/retry"
)

// Manager fronts a Store for all reader tasks. It remembers the highest
// offset committed in this process so repeated commits skip the store.
type Manager struct {
	store  Store
	log    logger.Logger
	policy retry.Policy

	mu        sync.RWMutex
	committed map[models.PartitionKey]int64
}

func NewManager(store Store, log logger.Logger, policy retry.Policy) *Manager {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Manager{
		store:     store,
		log:       log,
		policy:    policy,
		committed: make(map[models.PartitionKey]int64),
	}
}

// Load returns the last committed offset, or found=false if none exists.
func (m *Manager) Load(ctx context.Context, group string, partition int) (int64, bool, error) {
	offset, found, err := m.store.Load(ctx, group, partition)
	if err != nil {
		return 0, false, apperrors.ErrCheckpoint.
			WithCause(err).
			WithDetail("consumer_group", group).
			WithDetail("partition", partition)
	}

	if found {
		m.remember(models.PartitionKey{ConsumerGroup: group, Partition: partition}, offset)
	}
	return offset, found, nil
}

// Commit advances the checkpoint. Offsets at or below the last known value
// are ignored. A failure after retries is logged and returned; callers treat
// it as a warning since a stale checkpoint only causes re-reads.
func (m *Manager) Commit(ctx context.Context, group string, partition int, offset int64) error {
	key := models.PartitionKey{ConsumerGroup: group, Partition: partition}
	if cur, ok := m.Committed(group, partition); ok && offset <= cur {
		return nil
	}

	err := retry.Do(ctx, m.policy, func() error {
		return m.store.Commit(ctx, group, partition, offset)
	}, func(attempt int, err error, next time.Duration) {
		metrics.IncRetryAttempts(group, "checkpoint_commit")
		m.log.DebugwCtx(ctx, "Retrying checkpoint commit",
			"attempt", attempt, "offset", offset, "next_delay", next.String(), "error", err.Error())
	})
	if err != nil {
		wrapped := apperrors.ErrCheckpoint.
			WithCause(err).
			WithDetail("consumer_group", group).
			WithDetail("partition", partition).
			WithDetail("offset", offset)
		m.log.WarnwCtx(logging.WithPartition(logging.WithConsumerGroup(ctx, group), partition),
			"Checkpoint commit failed, keeping previous checkpoint",
			"offset", offset, "error", err.Error())
		return wrapped
	}

	m.remember(key, offset)
	metrics.SetCheckpointOffset(group, partition, offset)
	return nil
}

// Committed returns the highest offset this process has seen committed.
func (m *Manager) Committed(group string, partition int) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offset, ok := m.committed[models.PartitionKey{ConsumerGroup: group, Partition: partition}]
	return offset, ok
}

func (m *Manager) remember(key models.PartitionKey, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.committed[key]; !ok || offset > cur {
		m.committed[key] = offset
	}
}
