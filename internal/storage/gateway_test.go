package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aire/internal/config"
	"aire/pkg/models"
)

var local = time.FixedZone("-05:00", -5*3600)

func measurement(device string, ch models.Channel, at time.Time) models.MeasurementRecord {
	pm := 12.0
	return models.MeasurementRecord{DeviceID: device, Channel: ch, ObservedAt: at, PM25: &pm}
}

func TestMemoryGatewayIdempotent(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	r := measurement("S1", models.ChannelPrimary, time.Date(2025, 1, 1, 10, 0, 0, 0, local))

	res, err := g.SaveBatch(ctx, []models.MeasurementRecord{r})
	require.NoError(t, err)
	assert.Equal(t, SaveResult{Saved: 1}, res)

	res, err = g.SaveBatch(ctx, []models.MeasurementRecord{r})
	require.NoError(t, err)
	assert.Equal(t, SaveResult{Saved: 0, Duplicates: 1}, res)
	assert.Equal(t, 1, g.Len())
}

func TestMemoryGatewayConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway()
	r := measurement("S1", models.ChannelPrimary, time.Date(2025, 1, 1, 10, 0, 0, 0, local))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total SaveResult
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.SaveBatch(ctx, []models.MeasurementRecord{r})
			assert.NoError(t, err)
			mu.Lock()
			total = total.Add(res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, SaveResult{Saved: 1, Duplicates: 7}, total)
}

func TestMemoryGatewayRecordsOrdered(t *testing.T) {
	g := NewMemoryGateway()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, local)
	_, err := g.SaveBatch(context.Background(), []models.MeasurementRecord{
		measurement("S2", models.ChannelPrimary, t0),
		measurement("S1", models.ChannelSecondary, t0),
		measurement("S1", models.ChannelPrimary, t0.Add(time.Second)),
		measurement("S1", models.ChannelPrimary, t0),
	})
	require.NoError(t, err)

	recs := g.Records()
	require.Len(t, recs, 4)
	assert.Equal(t, "S1", recs[0].DeviceID)
	assert.Equal(t, models.ChannelPrimary, recs[0].Channel)
	assert.True(t, recs[0].ObservedAt.Equal(t0))
	assert.True(t, recs[1].ObservedAt.Equal(t0.Add(time.Second)))
	assert.Equal(t, models.ChannelSecondary, recs[2].Channel)
	assert.Equal(t, "S2", recs[3].DeviceID)
}

func TestBuildInsert(t *testing.T) {
	at := time.Date(2025, 1, 1, 23, 30, 0, 0, local)
	r1 := measurement("S1", models.ChannelPrimary, at)
	r1.RawPayload = json.RawMessage(`{"DeviceId":"S1"}`)
	r2 := measurement("S1", models.ChannelSecondary, at)

	query, args := buildInsert([]models.MeasurementRecord{r1, r2})

	cols := len(measurementColumns)
	assert.Len(t, args, 2*cols)
	assert.True(t, strings.HasPrefix(query, "INSERT INTO measurements (device_id, channel, observed_at, observed_date,"))
	assert.Contains(t, query, "($1, $2, $3")
	assert.Contains(t, query, "$30)")
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (device_id, channel, observed_at) DO NOTHING"))

	assert.Equal(t, "S1", args[0])
	assert.Equal(t, "Um1", args[1])
	assert.Equal(t, "2025-01-01", args[3], "date follows the local zone, not UTC")
	assert.Equal(t, `{"DeviceId":"S1"}`, args[cols-1])
	assert.Equal(t, "Um2", args[cols+1])
	assert.Nil(t, args[2*cols-1])
}

type failingGateway struct {
	calls int
	err   error
}

func (f *failingGateway) SaveBatch(ctx context.Context, records []models.MeasurementRecord) (SaveResult, error) {
	f.calls++
	if f.err != nil {
		return SaveResult{}, f.err
	}
	return SaveResult{Saved: len(records)}, nil
}

func TestCircuitBreakerGatewayDisabled(t *testing.T) {
	inner := &failingGateway{}
	g := NewCircuitBreakerGateway(inner, config.CircuitBreakerConfig{Enabled: false})

	res, err := g.SaveBatch(context.Background(), make([]models.MeasurementRecord, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Saved)
	assert.Equal(t, "disabled", g.State())
	assert.False(t, g.IsOpen())
}

func TestCircuitBreakerGatewayOpens(t *testing.T) {
	inner := &failingGateway{err: errors.New("connection refused")}
	g := NewCircuitBreakerGateway(inner, config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Hour,
		FailureRatio: 0.5,
		MinRequests:  3,
	})

	for i := 0; i < 3; i++ {
		_, err := g.SaveBatch(context.Background(), nil)
		require.Error(t, err)
	}
	assert.True(t, g.IsOpen())

	_, err := g.SaveBatch(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, 3, inner.calls, "open breaker does not reach the store")
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := &failingGateway{err: context.DeadlineExceeded}
	g := NewCircuitBreakerGateway(inner, config.CircuitBreakerConfig{
		Enabled: true, FailureRatio: 0.5, MinRequests: 2, Timeout: time.Hour,
	})

	for i := 0; i < 5; i++ {
		_, _ = g.SaveBatch(context.Background(), nil)
	}
	assert.False(t, g.IsOpen())
}

func TestCircuitBreakerIgnoresRejectedRecords(t *testing.T) {
	inner := &failingGateway{err: fmt.Errorf("insert 1 measurements: %w", &pq.Error{Code: "22P05"})}
	g := NewCircuitBreakerGateway(inner, config.CircuitBreakerConfig{
		Enabled: true, FailureRatio: 0.5, MinRequests: 2, Timeout: time.Hour,
	})

	for i := 0; i < 5; i++ {
		_, err := g.SaveBatch(context.Background(), nil)
		require.Error(t, err)
		assert.True(t, IsDataError(err))
	}
	assert.False(t, g.IsOpen())
}

func TestIsDataError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"untranslatable character", &pq.Error{Code: "22P05"}, true},
		{"invalid byte sequence wrapped", fmt.Errorf("insert 3 measurements: %w", &pq.Error{Code: "22021"}), true},
		{"rejected record", fmt.Errorf("device S13: %w", ErrRejectedRecord), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"connection failure", &pq.Error{Code: "08006"}, false},
		{"plain error", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDataError(tt.err))
		})
	}
}
