package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/http-producer/pkg/metrics"
)

// Headers added to every dead-lettered record.
const (
	HeaderHTTPStatus      = "x-http-status"
	HeaderDeliveryError   = "x-delivery-error"
	HeaderSourceTopic     = "x-source-topic"
	HeaderSourcePartition = "x-source-partition"
	HeaderSourceOffset    = "x-source-offset"
)

const queueFullRetryDelay = time.Second

// DeadLetter is a record whose HTTP delivery failed.
type DeadLetter struct {
	Record     *kafka.Message
	StatusCode int
	Err        error
}

// headers returns the original record headers followed by the failure
// description.
func (d DeadLetter) headers() []kafka.Header {
	hdrs := make([]kafka.Header, 0, len(d.Record.Headers)+5)
	hdrs = append(hdrs, d.Record.Headers...)
	hdrs = append(hdrs, kafka.Header{Key: HeaderHTTPStatus, Value: []byte(strconv.Itoa(d.StatusCode))})
	if d.Err != nil {
		hdrs = append(hdrs, kafka.Header{Key: HeaderDeliveryError, Value: []byte(d.Err.Error())})
	}
	tp := d.Record.TopicPartition
	if tp.Topic != nil {
		hdrs = append(hdrs, kafka.Header{Key: HeaderSourceTopic, Value: []byte(*tp.Topic)})
	}
	hdrs = append(hdrs,
		kafka.Header{Key: HeaderSourcePartition, Value: []byte(strconv.Itoa(int(tp.Partition)))},
		kafka.Header{Key: HeaderSourceOffset, Value: []byte(tp.Offset.String())},
	)
	return hdrs
}

// Producer publishes dead letters synchronously: Publish returns once the
// broker acknowledged the record.
//
// Close MUST be called to stop background goroutines and flush.
type Producer struct {
	producer   *kafka.Producer
	topic      string
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

// NewProducer creates a dead letter producer for topic. ctx bounds the
// lifetime of the background goroutines.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, topic string, m *metrics.Metrics, log *zap.SugaredLogger) (*Producer, error) {
	if topic == "" {
		return nil, errors.New("dead letter topic must not be empty")
	}
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logsEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}

	q := &Producer{
		producer:   p,
		topic:      topic,
		metrics:    m,
		log:        log,
		errCh:      make(chan error, 1),
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	if enabled, _ := logsEnabled.(bool); enabled {
		go q.printKafkaLogs(ctx)
	} else {
		close(q.logsDone)
	}
	go q.monitorEvents(ctx)
	return q, nil
}

// Publish produces d to the dead letter topic and waits for the delivery
// receipt or ctx. On ctx expiry the record may still be delivered later.
func (q *Producer) Publish(ctx context.Context, d DeadLetter) error {
	start := time.Now()
	err := q.publish(ctx, d)
	q.metrics.RecordDLQProduction(err, time.Since(start).Seconds())
	return err
}

func (q *Producer) publish(ctx context.Context, d DeadLetter) error {
	deliveryCh := make(chan kafka.Event, 1)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &q.topic, Partition: kafka.PartitionAny},
		Key:            d.Record.Key,
		Value:          d.Record.Value,
		Headers:        d.headers(),
	}
	if err := q.produceWithRetry(ctx, msg, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-deliveryCh:
		e, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %T", ev)
		}
		if e.TopicPartition.Error != nil {
			return fmt.Errorf("dead letter delivery failed: %w", e.TopicPartition.Error)
		}
		q.log.Debugw("dead letter delivered",
			"topic", q.topic,
			"partition", e.TopicPartition.Partition,
			"offset", e.TopicPartition.Offset,
		)
		return nil
	}
}

func (q *Producer) produceWithRetry(ctx context.Context, msg *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := q.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		var kafkaErr kafka.Error
		if !errors.As(err, &kafkaErr) {
			return fmt.Errorf("failed to produce: %w", err)
		}
		switch kafkaErr.Code() {
		case kafka.ErrQueueFull:
			q.log.Warnw("producer queue full, retrying", "delay", queueFullRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullRetryDelay):
			}
		case kafka.ErrBrokerNotAvailable:
			return fmt.Errorf("broker not available: %w", err)
		case kafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		case kafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

// Errors delivers at most one fatal producer error. After it fires the
// producer must be closed.
func (q *Producer) Errors() <-chan error {
	return q.errCh
}

// Close stops the background goroutines and flushes queued records,
// waiting at most timeout. Repeated calls do nothing.
func (q *Producer) Close(timeout time.Duration) {
	q.once.Do(func() {
		close(q.closedCh)
		<-q.eventsDone
		<-q.logsDone

		if pending := q.producer.Flush(int(timeout.Milliseconds())); pending > 0 {
			q.log.Warnw("dead letter flush incomplete, records lost", "pending", pending)
		}
		q.producer.Close()
		q.log.Info("dead letter producer closed")
	})
}

func (q *Producer) monitorEvents(ctx context.Context) {
	defer close(q.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case ev, ok := <-q.producer.Events():
			if !ok {
				q.fatal(errors.New("kafka producer event channel closed"))
				return
			}
			switch e := ev.(type) {
			case kafka.Error:
				fatal := e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown
				q.metrics.RecordKafkaError(fatal)
				if fatal {
					q.fatal(fmt.Errorf("fatal producer error %#x: %w", e.Code(), e))
					return
				}
				q.log.Warnw("kafka producer error", "code", e.Code(), "error", e)
			case *kafka.Message:
				q.log.Warnw("unexpected delivery receipt on the events channel", "partition", e.TopicPartition)
			default:
				q.log.Debugw("ignoring kafka producer event", "event", e)
			}
		}
	}
}

func (q *Producer) fatal(err error) {
	select {
	case q.errCh <- err:
	default:
		q.log.Warnw("dropping producer error, one is already pending", "error", err)
	}
}

func (q *Producer) printKafkaLogs(ctx context.Context) {
	defer close(q.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case entry, ok := <-q.producer.Logs():
			if !ok {
				return
			}
			q.log.Debugw("librdkafka", "level", entry.Level, "tag", entry.Tag, "message", entry.Message)
		}
	}
}
