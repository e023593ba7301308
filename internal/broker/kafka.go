package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"aire/internal/config"
	"aire/internal/constants"
	"aire/internal/logger"
	apperrors "aire/pkg/errors"
	"aire/pkg/models"
)

type KafkaTransport struct {
	cfg      config.StreamConfig
	endpoint Endpoint
	dialer   *kafka.Dialer
	logger   logger.Logger

	mu      sync.Mutex
	readers map[*KafkaPartitionReader]struct{}
}

func NewKafkaTransport(cfg config.StreamConfig, log logger.Logger) (*KafkaTransport, error) {
	ep, err := ResolveEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	dialer, err := NewDialer(cfg, ep, log)
	if err != nil {
		return nil, err
	}

	log.Infow("Stream transport configured",
		"brokers", ep.Brokers,
		"topic", ep.Topic,
		"tls", dialer.TLS != nil,
		"sasl", dialer.SASLMechanism != nil,
	)

	return &KafkaTransport{
		cfg:      cfg,
		endpoint: ep,
		dialer:   dialer,
		logger:   log,
		readers:  make(map[*KafkaPartitionReader]struct{}),
	}, nil
}

func (t *KafkaTransport) Topic() string {
	return t.endpoint.Topic
}

// Partitions returns the configured partitions, or discovers them.
func (t *KafkaTransport) Partitions(ctx context.Context) ([]int, error) {
	if len(t.cfg.Partitions) > 0 {
		out := append([]int(nil), t.cfg.Partitions...)
		sort.Ints(out)
		return out, nil
	}

	var lastErr error
	for _, broker := range t.endpoint.Brokers {
		parts, err := t.dialer.LookupPartitions(ctx, "tcp", broker, t.endpoint.Topic)
		if err != nil {
			lastErr = err
			continue
		}
		ids := make([]int, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, p.ID)
		}
		sort.Ints(ids)
		return ids, nil
	}

	return nil, apperrors.ErrTransport.
		WithMessage("failed to discover partitions").
		WithCause(lastErr).
		WithDetail("topic", t.endpoint.Topic)
}

func (t *KafkaTransport) Open(ctx context.Context, consumerGroup string, partition int, pos Position) (PartitionReader, error) {
	dialer := *t.dialer
	dialer.ClientID = constants.ServiceName + "-" + consumerGroup

	pollInterval := t.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = constants.DefaultPollInterval
	}
	maxBytes := t.cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = constants.DefaultFetchMaxBytes
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.endpoint.Brokers,
		Topic:       t.endpoint.Topic,
		Partition:   partition,
		Dialer:      &dialer,
		MinBytes:    1,
		MaxBytes:    maxBytes,
		MaxWait:     pollInterval,
		ErrorLogger: kafka.LoggerFunc(t.logger.Debugf),
	})

	if err := applyPosition(ctx, reader, pos); err != nil {
		reader.Close()
		return nil, apperrors.ErrTransport.
			WithMessage("failed to position partition reader").
			WithCause(err).
			WithDetail("consumer_group", consumerGroup).
			WithDetail("partition", partition).
			WithDetail("position", pos.String())
	}

	r := &KafkaPartitionReader{
		reader:    reader,
		partition: partition,
		poll:      pollInterval,
		owner:     t,
	}

	t.mu.Lock()
	t.readers[r] = struct{}{}
	t.mu.Unlock()

	return r, nil
}

func applyPosition(ctx context.Context, reader *kafka.Reader, pos Position) error {
	if pos.Exact {
		return reader.SetOffset(pos.Offset)
	}
	switch pos.Start.Mode {
	case models.StartEarliest:
		return reader.SetOffset(kafka.FirstOffset)
	case models.StartTimestamp:
		return reader.SetOffsetAt(ctx, pos.Start.Timestamp)
	default:
		return reader.SetOffset(kafka.LastOffset)
	}
}

// Close closes every reader still open.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	readers := make([]*KafkaPartitionReader, 0, len(t.readers))
	for r := range t.readers {
		readers = append(readers, r)
	}
	t.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *KafkaTransport) forget(r *KafkaPartitionReader) {
	t.mu.Lock()
	delete(t.readers, r)
	t.mu.Unlock()
}

type KafkaPartitionReader struct {
	reader    *kafka.Reader
	partition int
	poll      time.Duration
	owner     *KafkaTransport
	closeOnce sync.Once
	closeErr  error
}

func (r *KafkaPartitionReader) Fetch(ctx context.Context) (models.RawMessage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.poll)
	defer cancel()

	m, err := r.reader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return models.RawMessage{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return models.RawMessage{}, ErrIdle
		}
		return models.RawMessage{}, apperrors.ErrTransport.
			WithCause(err).
			WithDetail("partition", r.partition)
	}

	return toRawMessage(m), nil
}

func (r *KafkaPartitionReader) Lag() int64 {
	return r.reader.Lag()
}

func (r *KafkaPartitionReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.reader.Close()
		if r.owner != nil {
			r.owner.forget(r)
		}
	})
	return r.closeErr
}

func toRawMessage(m kafka.Message) models.RawMessage {
	msg := models.RawMessage{
		Body:       m.Value,
		Partition:  m.Partition,
		Offset:     m.Offset,
		EnqueuedAt: m.Time,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
		msg.ProducerHint = msg.Headers[constants.DeviceIDHeader]
	}
	return msg
}
