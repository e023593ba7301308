//go:build integration

package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aire/internal/testinfra"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, found, err := store.Load(ctx, "asa-s1", 0)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Commit(ctx, "asa-s1", 0, 41))
	require.NoError(t, store.Commit(ctx, "asa-s1", 0, 40))
	require.NoError(t, store.Commit(ctx, "asa-s2", 0, 7))

	offset, found, err := store.Load(ctx, "asa-s1", 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(41), offset, "older offsets never move the checkpoint back")

	offset, _, err = store.Load(ctx, "asa-s2", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), offset, "consumer groups are checkpointed independently")

	require.NoError(t, store.Commit(ctx, "asa-s1", 0, 50))
	offset, _, err = store.Load(ctx, "asa-s1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(50), offset)
}

func TestPostgresStore(t *testing.T) {
	exerciseStore(t, NewPostgresStore(testinfra.Postgres(t)))
}

func TestRedisStore(t *testing.T) {
	exerciseStore(t, NewRedisStore(testinfra.Redis(t), "aire:test:"))
}
