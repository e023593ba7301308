package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"aire/internal/checkpoint"
	"aire/internal/config"
	"aire/internal/constants"
	"aire/internal/decoder"
	"aire/internal/labels"
	"aire/internal/logger"
	"aire/internal/monitor"
	"aire/internal/pipeline"
	"aire/internal/status"
	"aire/internal/storage"
	"aire/pkg/bootstrap"
	"aire/pkg/health"
	"aire/pkg/metrics"
	"aire/pkg/ratelimit"
	"aire/pkg/retry"
	"aire/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	instanceID     string
	clock          clockwork.Clock
	dbConnector    *bootstrap.DatabaseConnector
	stores         bootstrap.Stores
	tracerProvider *tracing.TracerProvider

	labels       *labels.Directory
	monitor      *monitor.Monitor
	reporter     *monitor.Reporter
	orchestrator *pipeline.Orchestrator
	health       *health.CheckerRegistry
	limiter      *ratelimit.Limiter
	status       *status.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		instanceID:  uuid.NewString(),
		clock:       clockwork.NewRealClock(),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) InstanceID() string {
	return a.instanceID
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.RegisterIngestMetrics()

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, a.instanceID)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	if err := a.InitTransport(); err != nil {
		return err
	}

	a.initLabels(ctx)

	if err := a.initPipeline(); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	a.initStatusServer()
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.stores.Postgres = db
	if db != nil {
		a.health.Register(health.NewPostgreSQLChecker(db))
	}

	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.stores.Redis = rdb
	if rdb != nil {
		a.health.Register(health.NewRedisChecker(rdb))
	}

	// Labels only decorate reports, so MongoDB is never required.
	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "MongoDB connection failed, continuing with static labels", "error", err)
	} else if mongoClient != nil {
		a.stores.Mongo = mongoClient
		a.health.Register(health.NewMongoDBChecker(mongoClient))
	}

	return nil
}

func (a *App) initLabels(ctx context.Context) {
	var source labels.Source
	if db := a.stores.MongoDatabase(a.Config.Database.MongoDB.Database); db != nil {
		source = labels.NewMongoSource(db, a.Config.Labels.MongoCollection)
	}

	a.labels = labels.NewDirectory(a.Config.Labels.Static, source)
	if err := a.labels.Refresh(ctx); err != nil {
		a.Logger.WarnwCtx(ctx, "Failed to load device labels, using static labels", "error", err)
	}
}

func (a *App) newGateway() (storage.Gateway, error) {
	var gw storage.Gateway
	switch a.Config.Storage.Type {
	case constants.DatabasePostgres:
		if a.stores.Postgres == nil {
			return nil, errors.New("postgres storage selected but database.postgres is not configured")
		}
		gw = storage.NewPostgresGateway(a.stores.Postgres)
	case constants.DatabaseMemory:
		a.Logger.Warn("Using in-memory measurement storage, records are lost on exit")
		gw = storage.NewMemoryGateway()
	default:
		return nil, fmt.Errorf("unknown storage type: %s", a.Config.Storage.Type)
	}

	return storage.NewCircuitBreakerGateway(gw, a.Config.CircuitBreaker), nil
}

func (a *App) newCheckpointStore() (checkpoint.Store, error) {
	switch a.Config.Checkpoint.Store {
	case constants.DatabasePostgres:
		if a.stores.Postgres == nil {
			return nil, errors.New("postgres checkpoint store selected but database.postgres is not configured")
		}
		return checkpoint.NewPostgresStore(a.stores.Postgres), nil
	case constants.DatabaseRedis:
		if a.stores.Redis == nil {
			return nil, errors.New("redis checkpoint store selected but database.redis is not configured")
		}
		return checkpoint.NewRedisStore(a.stores.Redis, a.Config.Checkpoint.KeyPrefix), nil
	case constants.DatabaseMemory:
		a.Logger.Warn("Using in-memory checkpoints, reading restarts from the start position on every run")
		return checkpoint.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint store: %s", a.Config.Checkpoint.Store)
	}
}

func (a *App) initPipeline() error {
	loc, err := a.Config.Decoder.Location()
	if err != nil {
		return err
	}

	gateway, err := a.newGateway()
	if err != nil {
		return err
	}

	store, err := a.newCheckpointStore()
	if err != nil {
		return err
	}

	a.monitor = monitor.New(a.clock, a.labels)
	a.reporter = monitor.NewReporter(a.monitor, a.Logger, a.Config.Health.ReportInterval)

	deps := pipeline.Deps{
		Transport: a.Transport,
		Decoder: decoder.New(decoder.Options{
			AllowedDevices:   a.Config.Decoder.AllowedDevices,
			FallbackDeviceID: a.Config.Decoder.FallbackDeviceID,
			Location:         loc,
		}),
		Gateway:     gateway,
		Checkpoints: checkpoint.NewManager(store, a.Logger, retry.DefaultCheckpointPolicy()),
		Monitor:     a.monitor,
		Logger:      a.Logger,
		DecodeLog:   logger.NewThrottled(a.Logger, a.Config.Logging.DecodeErrorEvery, 5),
		Clock:       a.clock,
	}

	a.orchestrator = pipeline.NewOrchestrator(pipeline.SettingsFromConfig(a.Config, loc, a.Logger), deps)
	a.health.Register(health.NewFuncChecker("pipeline", a.orchestrator.Check))

	a.Logger.Infow("Pipeline configured",
		"topic", a.Transport.Topic(),
		"consumer_groups", a.Config.Stream.ConsumerGroups,
		"allowed_devices", a.Config.Decoder.AllowedDevices,
		"storage", a.Config.Storage.Type,
		"checkpoint_store", a.Config.Checkpoint.Store,
		"batch_max_records", a.Config.Batch.MaxRecords,
		"batch_flush_interval", a.Config.Batch.FlushInterval.String(),
		"utc_offset", loc.String(),
	)
	return nil
}

func (a *App) initStatusServer() {
	if !a.Config.Server.Enabled {
		return
	}

	if a.Config.Server.RateLimit.Enabled {
		a.limiter = ratelimit.New(a.Config.Server.RateLimit)
	}

	a.status = status.NewServer(a.Config.Server, status.Options{
		InstanceID: a.instanceID,
		Monitor:    a.monitor,
		Labels:     a.labels,
		Health:     a.health,
		Limiter:    a.limiter,
		Tracing:    a.Config.Tracing.Enabled,
		StaleAfter: a.Config.Health.StaleAfter,
	}, a.Logger)
}

// Run blocks until ctx is cancelled and the reader tasks have drained. The
// status server and reporter outlive the pipeline so the drain stays
// observable.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	auxCtx, stopAux := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAux()

	var g errgroup.Group

	if a.status != nil {
		g.Go(func() error {
			if err := a.status.Run(auxCtx); err != nil {
				cancelRun()
				return err
			}
			return nil
		})
	}

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(auxCtx)
			return nil
		})
	}

	g.Go(func() error {
		return a.reporter.Run(auxCtx)
	})

	g.Go(func() error {
		a.labels.Watch(auxCtx, a.clock, a.Config.Labels.RefreshInterval, func(err error) {
			a.Logger.WarnwCtx(auxCtx, "Failed to refresh device labels", "error", err)
		})
		return nil
	})

	pipelineErr := a.orchestrator.Run(runCtx)
	a.reporter.Report()

	stopAux()
	auxErr := g.Wait()

	return errors.Join(pipelineErr, auxErr)
}

func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.stores.Close(ctx)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
