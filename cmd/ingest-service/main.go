package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aire/internal/broker"
	"aire/internal/config"
	"aire/internal/constants"
	"aire/internal/logger"
	"aire/pkg/bootstrap"
	"aire/pkg/logging"
	"aire/pkg/migrations"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.ServiceName,
		Short: "Air quality telemetry ingestion service",
		Long:  "Reads station telemetry from the event hub, deduplicates it and stores it in PostgreSQL",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(partitionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves --config or CONFIG_FILE and builds the logger.
func loadConfig() (*config.Config, logger.Logger, error) {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingest service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, log)
			ctx = logging.WithInstanceID(ctx, app.InstanceID())
			log.InfowCtx(ctx, "Starting Ingest Service")

			initCtx, initCancel := context.WithTimeout(ctx, 60*time.Second)
			defer initCancel()
			if err := app.Initialize(initCtx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				_ = app.Shutdown(context.Background())
				return err
			}

			runErr := app.Run(ctx)
			if runErr != nil {
				log.ErrorwCtx(ctx, "Application error", "error", runErr)
			}

			if err := app.Shutdown(context.Background()); err != nil {
				log.ErrorwCtx(ctx, "Shutdown error", "error", err)
				if runErr == nil {
					runErr = err
				}
			}
			return runErr
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL migrations and MongoDB indexes, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			cfg.Database.RunMigrations = true
			connector := bootstrap.NewDatabaseConnector(cfg, log)

			db, err := connector.InitPostgreSQL(ctx)
			if err != nil {
				return err
			}
			mongoClient, err := connector.InitMongoDB(ctx)
			if err != nil {
				log.Warnw("MongoDB migration skipped", "error", err)
			}
			stores := bootstrap.Stores{Postgres: db, Mongo: mongoClient}
			defer stores.Close(ctx)

			if db != nil {
				version, dirty, err := migrations.Version(db)
				if err != nil {
					return err
				}
				log.Infow("PostgreSQL schema ready", "version", version, "dirty", dirty)
			}
			return nil
		},
	}
}

func partitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List the partitions of the configured event hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			transport, err := broker.NewKafkaTransport(cfg.Stream, log)
			if err != nil {
				return err
			}
			defer transport.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Stream.DialTimeout)
			defer cancel()

			partitions, err := transport.Partitions(ctx)
			if err != nil {
				return err
			}
			sort.Ints(partitions)

			fmt.Fprintf(cmd.OutOrStdout(), "topic %s: %d partitions %v\n", transport.Topic(), len(partitions), partitions)
			return nil
		},
	}
}
