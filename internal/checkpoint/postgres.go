package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aire/internal/constants"
	"aire/pkg/metrics"
)

const (
	loadCheckpointSQL = `SELECT offset_value FROM ` + constants.CheckpointsTable + `
WHERE consumer_group = $1 AND partition_id = $2`

	// GREATEST keeps the stored offset monotonic when two writers race.
	commitCheckpointSQL = `INSERT INTO ` + constants.CheckpointsTable + ` (consumer_group, partition_id, offset_value, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (consumer_group, partition_id) DO UPDATE
SET offset_value = GREATEST(` + constants.CheckpointsTable + `.offset_value, EXCLUDED.offset_value),
    updated_at = CASE WHEN EXCLUDED.offset_value > ` + constants.CheckpointsTable + `.offset_value
                      THEN NOW() ELSE ` + constants.CheckpointsTable + `.updated_at END`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, group string, partition int) (int64, bool, error) {
	start := time.Now()
	var offset int64
	err := s.db.QueryRowContext(ctx, loadCheckpointSQL, group, partition).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.ObserveDatabaseQuery(constants.DatabasePostgres, "checkpoint_load", nil, time.Since(start))
		return 0, false, nil
	}
	metrics.ObserveDatabaseQuery(constants.DatabasePostgres, "checkpoint_load", err, time.Since(start))
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s/%d: %w", group, partition, err)
	}
	return offset, true, nil
}

func (s *PostgresStore) Commit(ctx context.Context, group string, partition int, offset int64) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, commitCheckpointSQL, group, partition, offset)
	metrics.ObserveDatabaseQuery(constants.DatabasePostgres, "checkpoint_commit", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("commit checkpoint %s/%d: %w", group, partition, err)
	}
	return nil
}
