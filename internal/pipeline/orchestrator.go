package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"aire/internal/broker"
	"aire/internal/config"
	"aire/internal/constants"
	"aire/internal/logger"
	"aire/internal/monitor"
	"aire/pkg/health"
	"aire/pkg/models"
	"aire/pkg/retry"
)

// Settings are the orchestrator knobs taken from the service config.
type Settings struct {
	ConsumerGroups    []string
	GroupDevices      map[string]string
	Start             models.StartPosition
	Batch             config.BatchConfig
	FlushPolicy       retry.Policy
	Reconnect         config.ReconnectConfig
	RestartCooldown   time.Duration
	ShutdownGrace     time.Duration
	FinalFlushTimeout time.Duration
}

// SettingsFromConfig normalizes the start position in loc; an unparseable
// value falls back to earliest with a warning.
func SettingsFromConfig(cfg *config.Config, loc *time.Location, log logger.Logger) Settings {
	start, ok := broker.ParseStartPosition(cfg.Stream.StartPosition, loc)
	if !ok {
		log.Warnw("Could not parse start position, using earliest", "start_position", cfg.Stream.StartPosition)
	}

	return Settings{
		ConsumerGroups: cfg.Stream.ConsumerGroups,
		GroupDevices:   cfg.Stream.GroupDevices,
		Start:          start,
		Batch:          cfg.Batch,
		FlushPolicy: retry.Policy{
			MaxAttempts:     cfg.FlushRetry.MaxAttempts,
			InitialInterval: cfg.FlushRetry.InitialInterval,
			MaxInterval:     cfg.FlushRetry.MaxInterval,
			Multiplier:      cfg.FlushRetry.Multiplier,
			MaxElapsedTime:  cfg.FlushRetry.MaxElapsedTime,
		},
		Reconnect:         cfg.Reconnect,
		RestartCooldown:   cfg.Supervisor.RestartCooldown,
		ShutdownGrace:     cfg.Supervisor.ShutdownGrace,
		FinalFlushTimeout: cfg.Supervisor.FinalFlushTimeout,
	}
}

// Orchestrator runs one task per consumer group and partition and restarts
// failed tasks after a cooldown. A failing task never affects its siblings.
type Orchestrator struct {
	settings Settings
	deps     Deps
	started  atomic.Bool
	tasks    atomic.Int64
}

func NewOrchestrator(settings Settings, deps Deps) *Orchestrator {
	if len(settings.ConsumerGroups) == 0 {
		settings.ConsumerGroups = []string{constants.DefaultConsumerGroup}
	}
	if settings.RestartCooldown <= 0 {
		settings.RestartCooldown = constants.DefaultRestartCooldown
	}
	if settings.ShutdownGrace <= 0 {
		settings.ShutdownGrace = constants.ShutdownTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.DecodeLog == nil {
		deps.DecodeLog = logger.NewThrottled(deps.Logger, time.Second, 5)
	}
	return &Orchestrator{settings: settings, deps: deps}
}

// Run blocks until ctx is cancelled and every task has drained, or the
// shutdown grace period runs out.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := o.deps.Logger

	partitions, err := o.discover(ctx)
	if err != nil {
		return err
	}

	log.Infow("Starting reader tasks",
		"topic", o.deps.Transport.Topic(),
		"consumer_groups", o.settings.ConsumerGroups,
		"partitions", partitions,
		"start", o.settings.Start.String(),
	)

	var g errgroup.Group
	for _, group := range o.settings.ConsumerGroups {
		deps := o.deps
		deps.Decoder = o.deps.Decoder.WithFallback(o.settings.GroupDevices[group])

		for _, partition := range partitions {
			key := models.PartitionKey{ConsumerGroup: group, Partition: partition}
			o.tasks.Add(1)
			g.Go(func() error {
				defer o.tasks.Add(-1)
				o.supervise(ctx, key, deps)
				return nil
			})
		}
	}
	o.started.Store(true)

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	log.Infow("Shutdown requested, draining reader tasks", "grace", o.settings.ShutdownGrace.String())

	timer := o.deps.Clock.NewTimer(o.settings.ShutdownGrace)
	defer timer.Stop()

	select {
	case err := <-done:
		log.Info("All reader tasks stopped")
		return err
	case <-timer.Chan():
		remaining := o.tasks.Load()
		log.Errorw("Shutdown grace period exceeded", "running_tasks", remaining)
		return fmt.Errorf("shutdown grace period of %s exceeded with %d tasks running",
			o.settings.ShutdownGrace, remaining)
	}
}

func (o *Orchestrator) supervise(ctx context.Context, key models.PartitionKey, deps Deps) {
	cfg := TaskConfig{
		Key:               key,
		Start:             o.settings.Start,
		Batch:             o.settings.Batch,
		FlushPolicy:       o.settings.FlushPolicy,
		Reconnect:         o.settings.Reconnect,
		FinalFlushTimeout: o.settings.FinalFlushTimeout,
	}

	for {
		task := NewTask(cfg, deps)
		err := task.Run(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}

		// The replacement continues where this task stopped, so records it
		// read but could not persist are read again.
		if pos, ok := task.ResumePosition(); ok {
			cfg.Resume = &pos
		}

		deps.Logger.Errorw("Reader task failed, restarting after cooldown",
			"consumer_group", key.ConsumerGroup,
			"partition", key.Partition,
			"cooldown", o.settings.RestartCooldown.String(),
			"resume", resumeString(cfg.Resume),
			"error", err,
		)
		if !retry.Sleep(ctx, deps.Clock, o.settings.RestartCooldown) {
			return
		}
	}
}

func resumeString(pos *broker.Position) string {
	if pos == nil {
		return "start position"
	}
	return pos.String()
}

// discover lists partitions, retrying with the reconnect backoff.
func (o *Orchestrator) discover(ctx context.Context) ([]int, error) {
	r := o.settings.Reconnect
	backoff := retry.NewReconnect(r.InitialInterval, r.MaxInterval, r.Multiplier, o.deps.Clock)

	for {
		partitions, err := o.deps.Transport.Partitions(ctx)
		if err == nil && len(partitions) > 0 {
			return partitions, nil
		}
		if err == nil {
			err = errors.New("topic has no partitions")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		o.deps.Logger.Warnw("Partition discovery failed, retrying",
			"error", err,
			"attempt", backoff.Attempts()+1,
		)
		if _, ok := backoff.Wait(ctx); !ok {
			return nil, ctx.Err()
		}
	}
}

// Check reports pipeline health: unhealthy before start or when no task is
// connected, degraded while some tasks reconnect or restart.
func (o *Orchestrator) Check(_ context.Context) error {
	if !o.started.Load() {
		return errors.New("reader tasks not started")
	}

	snaps := o.deps.Monitor.Snapshot()
	connected, troubled := 0, 0
	for _, s := range snaps {
		switch s.State {
		case monitor.StateConnected.String():
			connected++
		case monitor.StateReconnecting.String(), monitor.StateFailed.String(), monitor.StateStarting.String():
			troubled++
		}
	}

	if connected == 0 && len(snaps) > 0 {
		return fmt.Errorf("no reader task connected (%d tasks)", len(snaps))
	}
	if troubled > 0 {
		return health.Degraded(fmt.Errorf("%d of %d reader tasks not connected", troubled, len(snaps)))
	}
	return nil
}
