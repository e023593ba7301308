package checkpoint

import (
	"context"
	"sync"

	"aire/pkg/models"
)

// Store persists the last safely flushed offset per consumer group and
// partition. Commit must only ever move an offset forward; a lower offset
// than the stored one is a no-op. Implementations are safe for concurrent use.
type Store interface {
	Load(ctx context.Context, group string, partition int) (offset int64, found bool, err error)
	Commit(ctx context.Context, group string, partition int, offset int64) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[models.PartitionKey]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[models.PartitionKey]int64)}
}

func (s *MemoryStore) Load(_ context.Context, group string, partition int) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset, ok := s.offsets[models.PartitionKey{ConsumerGroup: group, Partition: partition}]
	return offset, ok, nil
}

func (s *MemoryStore) Commit(_ context.Context, group string, partition int, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.PartitionKey{ConsumerGroup: group, Partition: partition}
	if cur, ok := s.offsets[key]; ok && cur >= offset {
		return nil
	}
	s.offsets[key] = offset
	return nil
}
