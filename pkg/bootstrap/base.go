package bootstrap

import (
	"context"
	"fmt"

	"aire/internal/broker"
	"aire/internal/config"
	"aire/internal/logger"
)

type Base struct {
	Config    *config.Config
	Logger    logger.Logger
	Transport broker.Transport
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitTransport builds the stream transport. Nothing is dialed until
// partitions are listed or a reader is opened.
func (b *Base) InitTransport() error {
	transport, err := broker.NewKafkaTransport(b.Config.Stream, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create stream transport: %w", err)
	}
	b.Transport = transport
	return nil
}

func (b *Base) ShutdownTransport() []error {
	if b.Transport == nil {
		return nil
	}
	if err := b.Transport.Close(); err != nil {
		return []error{fmt.Errorf("transport close error: %w", err)}
	}
	return nil
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	errs = append(errs, b.ShutdownTransport()...)

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
