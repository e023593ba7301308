package storage

import (
	"context"

	"aire/pkg/models"
)

type SaveResult struct {
	Saved      int
	Duplicates int
}

func (r SaveResult) Add(o SaveResult) SaveResult {
	return SaveResult{Saved: r.Saved + o.Saved, Duplicates: r.Duplicates + o.Duplicates}
}

// Gateway persists measurement batches. SaveBatch is idempotent per natural
// key: a record whose key is already stored counts as a duplicate, never as
// an error or a second row. Implementations are safe for concurrent use.
type Gateway interface {
	SaveBatch(ctx context.Context, records []models.MeasurementRecord) (SaveResult, error)
}
