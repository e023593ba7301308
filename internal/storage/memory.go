package storage

import (
	"context"
	"sort"
	"sync"

	"aire/pkg/models"
)

type MemoryGateway struct {
	mu      sync.Mutex
	records map[models.NaturalKey]models.MeasurementRecord
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{records: make(map[models.NaturalKey]models.MeasurementRecord)}
}

func (g *MemoryGateway) SaveBatch(ctx context.Context, records []models.MeasurementRecord) (SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return SaveResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var res SaveResult
	for _, rec := range records {
		key := rec.Key()
		if _, exists := g.records[key]; exists {
			res.Duplicates++
			continue
		}
		g.records[key] = rec
		res.Saved++
	}
	return res, nil
}

func (g *MemoryGateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

// Records returns stored records ordered by device, channel and time.
func (g *MemoryGateway) Records() []models.MeasurementRecord {
	g.mu.Lock()
	out := make([]models.MeasurementRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.ObservedAt < b.ObservedAt
	})
	return out
}
