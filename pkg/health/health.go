package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"aire/internal/constants"
	"aire/pkg/metrics"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 5 * time.Second

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type degradedError struct {
	err error
}

func (e *degradedError) Error() string { return e.err.Error() }
func (e *degradedError) Unwrap() error { return e.err }

// Degraded marks a check failure that leaves the service partially working.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return &degradedError{err: err}
}

func IsDegraded(err error) bool {
	var d *degradedError
	return errors.As(err, &d)
}

type CheckerRegistry struct {
	mu       sync.RWMutex
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]Checker, 0),
	}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checker)
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	allHealthy := true
	anyDegraded := false

	for _, checker := range checkers {
		err := checker.Check(ctx)
		result := CheckResult{
			Timestamp: time.Now(),
		}

		switch {
		case err == nil:
			result.Status = StatusHealthy
		case IsDegraded(err):
			result.Status = StatusDegraded
			result.Message = err.Error()
			anyDegraded = true
		default:
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			allHealthy = false
		}

		results[checker.Name()] = result
	}

	overallStatus := StatusHealthy
	if !allHealthy {
		overallStatus = StatusUnhealthy
	} else if anyDegraded {
		overallStatus = StatusDegraded
	}

	return Health{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// FuncChecker adapts a function to the Checker interface.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) error
}

func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) Check(ctx context.Context) error {
	return c.fn(ctx)
}

// pingChecker pings a backing store and records the round trip.
type pingChecker struct {
	name     string
	database string
	ping     func(ctx context.Context) error
	// degrade marks stores the pipeline can run without.
	degrade bool
}

func (c *pingChecker) Name() string {
	return c.name
}

func (c *pingChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.ping(ctx)
	metrics.ObserveDatabaseQuery(c.database, "health_ping", err, time.Since(start))
	if err == nil {
		return nil
	}

	err = fmt.Errorf("%s ping failed: %w", c.name, err)
	if c.degrade {
		return Degraded(err)
	}
	return err
}

func NewPostgreSQLChecker(db *sql.DB) Checker {
	return &pingChecker{name: "postgresql", database: constants.DatabasePostgres, ping: db.PingContext}
}

func NewRedisChecker(client *redis.Client) Checker {
	return &pingChecker{
		name:     "redis",
		database: constants.DatabaseRedis,
		ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// NewMongoDBChecker reports failures as degraded since labels are optional.
func NewMongoDBChecker(client *mongo.Client) Checker {
	return &pingChecker{
		name:     "mongodb",
		database: constants.DatabaseMongoDB,
		ping: func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		},
		degrade: true,
	}
}
