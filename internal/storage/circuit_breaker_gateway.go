package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"aire/internal/config"
	"aire/pkg/circuitbreaker"
	"aire/pkg/models"
)

const breakerName = "measurement-store"

// CircuitBreakerGateway stops hammering an unreachable store. While open,
// SaveBatch fails fast and the flush retry policy backs off.
type CircuitBreakerGateway struct {
	gateway Gateway
	cb      *circuitbreaker.Wrapper
}

func NewCircuitBreakerGateway(gateway Gateway, cfg config.CircuitBreakerConfig) *CircuitBreakerGateway {
	if !cfg.Enabled {
		return &CircuitBreakerGateway{gateway: gateway}
	}

	cbConfig := circuitbreaker.DefaultConfig(breakerName)
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		}
	}
	// A cancelled flush or a rejected record says nothing about store health.
	cbConfig.IsSuccessful = func(err error) bool {
		return err == nil ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) ||
			IsDataError(err)
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		cb:      circuitbreaker.NewWrapper(cbConfig),
	}
}

func (g *CircuitBreakerGateway) SaveBatch(ctx context.Context, records []models.MeasurementRecord) (SaveResult, error) {
	if g.cb == nil {
		return g.gateway.SaveBatch(ctx, records)
	}

	result, err := g.cb.Execute(ctx, func() (interface{}, error) {
		return g.gateway.SaveBatch(ctx, records)
	})
	if err != nil {
		if g.cb.IsOpen() {
			return SaveResult{}, fmt.Errorf("circuit breaker is open for %s: %w", breakerName, err)
		}
		return SaveResult{}, err
	}

	res, ok := result.(SaveResult)
	if !ok {
		return SaveResult{}, fmt.Errorf("gateway returned invalid result type")
	}
	return res, nil
}

func (g *CircuitBreakerGateway) State() string {
	if g.cb == nil {
		return "disabled"
	}
	return g.cb.State().String()
}

func (g *CircuitBreakerGateway) IsOpen() bool {
	if g.cb == nil {
		return false
	}
	return g.cb.IsOpen()
}
