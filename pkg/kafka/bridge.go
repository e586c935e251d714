package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/http-producer/pkg/httpproducer"
	"github.com/ava-labs/http-producer/pkg/metrics"
)

// ErrNoDeadLetterTopic is returned when a delivery fails and no dead letter
// topic is configured. The record stays uncommitted and is consumed again
// after a restart.
var ErrNoDeadLetterTopic = errors.New("delivery failed and no dead letter topic is configured")

// Sender is the part of *httpproducer.Handler the bridge drives.
type Sender interface {
	Produce(payload []byte, flags httpproducer.Flags, opaque any) error
	GetReports(fn httpproducer.ReportFunc, timeout time.Duration) int64
	Flush(ctx context.Context, fn httpproducer.ReportFunc) error
}

// deadLetters publishes records whose delivery failed.
type deadLetters interface {
	Publish(ctx context.Context, d DeadLetter) error
}

// Bridge forwards every record of a Kafka topic to an HTTP endpoint. The
// record value is the payload and the record itself is the opaque, so its
// offset is marked done only once its delivery report was handled. Failed
// deliveries go to the dead letter topic before their offset is released.
type Bridge struct {
	cfg     BridgeConfig
	sender  Sender
	offsets *OffsetManager
	dlq     deadLetters
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	consumer    *kafka.Consumer
	dlqProducer *Producer

	errCh chan error
}

// NewBridge connects to Kafka. ctx bounds the dead letter producer's
// background goroutines.
func NewBridge(
	ctx context.Context,
	log *zap.SugaredLogger,
	cfg BridgeConfig,
	sender Sender,
	m *metrics.Metrics,
) (*Bridge, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	consumer, err := kafka.NewConsumer(cfg.consumerConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	b := newBridge(cfg, sender, NewOffsetManager(consumer, cfg.CommitInterval, m, log.Named("offsets")), nil, m, log)
	b.consumer = consumer

	if cfg.DLQTopic != "" && cfg.DLQPartitions > 0 {
		if err := ensureDLQTopic(ctx, consumer, cfg, log); err != nil {
			consumer.Close() //nolint:errcheck // already failing
			return nil, err
		}
	}
	if cfg.DLQTopic != "" {
		p, err := NewProducer(ctx, cfg.dlqConfigMap(), cfg.DLQTopic, m, log.Named("dlq"))
		if err != nil {
			consumer.Close() //nolint:errcheck // already failing
			return nil, err
		}
		b.dlqProducer = p
		b.dlq = p
	}
	return b, nil
}

func ensureDLQTopic(ctx context.Context, consumer *kafka.Consumer, cfg BridgeConfig, log *zap.SugaredLogger) error {
	admin, err := kafka.NewAdminClientFromConsumer(consumer)
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer admin.Close()

	return EnsureTopic(ctx, admin, TopicConfig{
		Name:              cfg.DLQTopic,
		NumPartitions:     cfg.DLQPartitions,
		ReplicationFactor: cfg.DLQReplicas,
	}, log)
}

func newBridge(cfg BridgeConfig, sender Sender, offsets *OffsetManager, dlq deadLetters, m *metrics.Metrics, log *zap.SugaredLogger) *Bridge {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bridge{
		cfg:     cfg.WithDefaults(),
		sender:  sender,
		offsets: offsets,
		dlq:     dlq,
		metrics: m,
		log:     log,
		errCh:   make(chan error, 1),
	}
}

// Start consumes until ctx is done or a fatal error occurs, then flushes
// outstanding deliveries, commits what was delivered and closes the
// clients.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.consumer.SubscribeTopics([]string{b.cfg.Topic}, func(_ *kafka.Consumer, ev kafka.Event) error {
		return b.offsets.Rebalance(ev)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.cfg.Topic, err)
	}
	b.log.Infow("bridge started", "topic", b.cfg.Topic, "group", b.cfg.GroupID, "dlqTopic", b.cfg.DLQTopic)

	g, gctx := errgroup.WithContext(ctx)
	if b.cfg.EnableLogs {
		g.Go(func() error {
			b.printKafkaLogs(gctx)
			return nil
		})
	}
	g.Go(func() error { return b.offsets.Run(gctx) })
	g.Go(func() error { return b.reportLoop(gctx) })
	g.Go(func() error { return b.pollLoop(gctx) })
	runErr := g.Wait()

	return errors.Join(runErr, b.close())
}

func (b *Bridge) pollLoop(ctx context.Context) error {
	pollMs := int(b.cfg.PollTimeout.Milliseconds())
	var dlqErrs <-chan error
	if b.dlqProducer != nil {
		dlqErrs = b.dlqProducer.Errors()
	}

	for {
		select {
		case <-ctx.Done():
			b.log.Info("context done, stopping consumption")
			return nil
		case err := <-dlqErrs:
			return fmt.Errorf("dead letter producer failed: %w", err)
		case err := <-b.errCh:
			return err
		default:
		}

		switch ev := b.consumer.Poll(pollMs).(type) {
		case nil:
		case *kafka.Message:
			b.metrics.RecordRecordReceived(ev.TopicPartition.Partition)
			if err := b.forward(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case kafka.Error:
			b.metrics.RecordKafkaError(ev.IsFatal())
			if ev.IsFatal() {
				return fmt.Errorf("fatal kafka error: %w", ev)
			}
			b.log.Warnw("kafka error", "code", ev.Code(), "error", ev)
		default:
			b.log.Debugw("ignoring kafka event", "event", ev)
		}
	}
}

// forward hands record to the sender. While the in-flight limit is reached
// it handles reports instead, so a slow endpoint stalls consumption rather
// than dropping records.
func (b *Bridge) forward(ctx context.Context, record *kafka.Message) error {
	for {
		err := b.sender.Produce(record.Value, 0, record)
		if err == nil {
			return nil
		}
		if !errors.Is(err, httpproducer.ErrQueueFull) {
			return fmt.Errorf("failed to enqueue record %v: %w", record.TopicPartition, err)
		}
		b.sender.GetReports(b.reportFunc(ctx), *b.cfg.PollTimeout)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (b *Bridge) reportLoop(ctx context.Context) error {
	fn := b.reportFunc(ctx)
	for ctx.Err() == nil {
		b.sender.GetReports(fn, *b.cfg.PollTimeout)
	}
	return nil
}

func (b *Bridge) reportFunc(ctx context.Context) httpproducer.ReportFunc {
	return func(r httpproducer.DeliveryReport) {
		if err := b.handleReport(ctx, r); err != nil {
			b.fail(err)
		}
	}
}

// handleReport releases the offset of a delivered record. A failed record
// is dead-lettered first; if that fails its offset is held back.
func (b *Bridge) handleReport(ctx context.Context, r httpproducer.DeliveryReport) error {
	record, ok := r.Opaque.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected report opaque %T", r.Opaque)
	}

	if !r.OK() {
		b.log.Warnw("delivery failed",
			"partition", record.TopicPartition.Partition,
			"offset", record.TopicPartition.Offset,
			"status", r.StatusCode,
			"error", r.Status(),
		)
		if b.dlq == nil {
			return fmt.Errorf("%w: %v: %s", ErrNoDeadLetterTopic, record.TopicPartition, r.Status())
		}
		if err := b.dlq.Publish(ctx, DeadLetter{Record: record, StatusCode: r.StatusCode, Err: r.Err}); err != nil {
			return fmt.Errorf("failed to dead-letter %v: %w", record.TopicPartition, err)
		}
	}
	return b.offsets.MarkDone(ctx, record.TopicPartition)
}

func (b *Bridge) fail(err error) {
	select {
	case b.errCh <- err:
	default:
		b.log.Errorw("bridge error", "error", err)
	}
}

// drain waits up to the flush timeout for outstanding reports and commits
// every delivered record.
func (b *Bridge) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), *b.cfg.FlushTimeout)
	defer cancel()

	err := b.sender.Flush(ctx, b.reportFunc(ctx))
	b.offsets.Commit()
	if err != nil {
		return fmt.Errorf("undelivered records will be consumed again: %w", err)
	}
	return nil
}

func (b *Bridge) close() error {
	err := b.drain()
	if b.dlqProducer != nil {
		b.dlqProducer.Close(*b.cfg.FlushTimeout)
	}
	if b.consumer != nil {
		if cerr := b.consumer.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close kafka consumer: %w", cerr))
		}
	}
	b.log.Info("bridge stopped")
	return err
}

func (b *Bridge) printKafkaLogs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-b.consumer.Logs():
			if !ok {
				return
			}
			b.log.Debugw("librdkafka", "level", entry.Level, "tag", entry.Tag, "message", entry.Message)
		}
	}
}
