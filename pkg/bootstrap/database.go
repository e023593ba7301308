package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"aire/internal/config"
	"aire/internal/constants"
	"aire/internal/logger"
	"aire/pkg/migrations"
)

// Postgres connections are recycled so a failover behind a stable hostname
// is picked up without a restart.
const (
	postgresConnMaxLifetime = 30 * time.Minute
	postgresConnMaxIdleTime = 5 * time.Minute
	mongoSelectionTimeout   = 10 * time.Second
)

// Stores holds the backing stores that were configured. Unconfigured stores
// stay nil.
type Stores struct {
	Postgres *sql.DB
	Redis    *redis.Client
	Mongo    *mongo.Client
}

// MongoDatabase returns nil when MongoDB is not connected.
func (s *Stores) MongoDatabase(name string) *mongo.Database {
	if s.Mongo == nil {
		return nil
	}
	return s.Mongo.Database(name)
}

// Close releases every open store and collects the failures.
func (s *Stores) Close(ctx context.Context) []error {
	var errs []error
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if s.Postgres != nil {
		if err := s.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}
	if s.Mongo != nil {
		if err := s.Mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}
	return errs
}

type DatabaseConnector struct {
	cfg              config.DatabaseConfig
	labelsCollection string
	log              logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		cfg:              cfg.Database,
		labelsCollection: cfg.Labels.MongoCollection,
		log:              log,
	}
}

// InitPostgreSQL returns nil without error when postgres is not configured.
// Migrations run here when database.run_migrations is set.
func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	pg := dc.cfg.Postgres
	if !pg.Configured() {
		return nil, nil
	}

	db, err := sql.Open("postgres", pg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if pg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pg.MaxOpenConns)
		db.SetMaxIdleConns(pg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(postgresConnMaxLifetime)
	db.SetConnMaxIdleTime(postgresConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres at %s:%d: %w", pg.Host, pg.Port, err)
	}

	if dc.cfg.RunMigrations {
		if err := migrations.Up(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		dc.log.Infow("Measurement schema migrated", "database", pg.DBName)
	}

	dc.log.Infow("PostgreSQL connected", "host", pg.Host, "database", pg.DBName, "max_open_conns", pg.MaxOpenConns)
	return db, nil
}

// InitRedis returns nil without error when redis is not configured.
func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	rc := dc.cfg.Redis
	if !rc.Configured() {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:       rc.Addr(),
		Password:   rc.Password,
		DB:         rc.DB,
		ClientName: constants.ServiceName,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", rc.Addr(), err)
	}

	dc.log.Infow("Redis connected", "addr", rc.Addr(), "db", rc.DB)
	return client, nil
}

// InitMongoDB returns nil without error when mongodb is not configured. The
// label collection and its index are created when migrations are enabled.
func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	mc := dc.cfg.MongoDB
	if !mc.Configured() {
		return nil, nil
	}

	opts := options.Client().
		ApplyURI(mc.URI).
		SetAppName(constants.ServiceName).
		SetServerSelectionTimeout(mongoSelectionTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to reach mongodb: %w", err)
	}

	if dc.cfg.RunMigrations {
		if err := migrations.EnsureMongoCollection(ctx, client.Database(mc.Database), dc.labelsCollection); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
	}

	dc.log.Infow("MongoDB connected", "database", mc.Database)
	return client, nil
}
