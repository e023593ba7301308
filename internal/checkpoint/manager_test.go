package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aire/internal/logger"
	apperrors "aire/pkg/errors"
	"aire/pkg/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1.5}
}

type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	commits  int
	loadErr  error
}

func (s *flakyStore) Commit(ctx context.Context, group string, partition int, offset int64) error {
	s.mu.Lock()
	s.commits++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection refused")
	}
	s.mu.Unlock()
	return s.MemoryStore.Commit(ctx, group, partition, offset)
}

func (s *flakyStore) Load(ctx context.Context, group string, partition int) (int64, bool, error) {
	if s.loadErr != nil {
		return 0, false, s.loadErr
	}
	return s.MemoryStore.Load(ctx, group, partition)
}

func TestMemoryStoreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, found, err := s.Load(ctx, "g", 0)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Commit(ctx, "g", 0, 10))
	require.NoError(t, s.Commit(ctx, "g", 0, 5))

	offset, found, err := s.Load(ctx, "g", 0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(10), offset)

	_, found, _ = s.Load(ctx, "g", 1)
	assert.False(t, found, "partitions are independent")
	_, found, _ = s.Load(ctx, "other", 0)
	assert.False(t, found, "groups are independent")
}

func TestManagerCommitMonotonic(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	m := NewManager(store, logger.NopLogger(), fastPolicy())

	require.NoError(t, m.Commit(ctx, "g", 0, 10))
	require.NoError(t, m.Commit(ctx, "g", 0, 5))
	require.NoError(t, m.Commit(ctx, "g", 0, 10))

	offset, found, err := m.Load(ctx, "g", 0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(10), offset)
	assert.Equal(t, 1, store.commits, "lower and equal offsets skip the store")

	committed, ok := m.Committed("g", 0)
	assert.True(t, ok)
	assert.Equal(t, int64(10), committed)
}

func TestManagerCommitRetries(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	m := NewManager(store, logger.NopLogger(), fastPolicy())

	require.NoError(t, m.Commit(ctx, "g", 3, 42))
	assert.Equal(t, 3, store.commits)

	offset, _, _ := store.MemoryStore.Load(ctx, "g", 3)
	assert.Equal(t, int64(42), offset)
}

func TestManagerCommitGivesUp(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	m := NewManager(store, logger.NopLogger(), fastPolicy())

	err := m.Commit(ctx, "g", 0, 7)
	require.Error(t, err)
	assert.True(t, apperrors.IsCheckpoint(err))

	_, ok := m.Committed("g", 0)
	assert.False(t, ok, "failed commit is not remembered")
}

func TestManagerLoadError(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), loadErr: errors.New("timeout")}
	m := NewManager(store, nil, fastPolicy())

	_, _, err := m.Load(context.Background(), "g", 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsCheckpoint(err))
}

func TestManagerConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), logger.NopLogger(), fastPolicy())

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		for i := int64(1); i <= 50; i++ {
			wg.Add(1)
			go func(p int, off int64) {
				defer wg.Done()
				_ = m.Commit(ctx, "g", p, off)
			}(p, i)
		}
	}
	wg.Wait()

	for p := 0; p < 4; p++ {
		offset, found, err := m.Load(ctx, "g", p)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(50), offset)
	}
}
