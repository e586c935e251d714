package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// topicAdmin is the slice of *kafka.AdminClient used to manage topics.
type topicAdmin interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
	CreatePartitions(ctx context.Context, partitions []kafka.PartitionsSpecification, options ...kafka.CreatePartitionsAdminOption) ([]kafka.TopicResult, error)
}

// TopicConfig describes a topic the bridge writes to.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

// Validate checks that the topic can be created.
func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// EnsureTopic creates the topic when missing and grows its partition count
// when below the configured one. A replication factor mismatch is only
// logged since Kafka cannot change it in place.
func EnsureTopic(ctx context.Context, admin topicAdmin, tc TopicConfig, log *zap.SugaredLogger) error {
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	md, err := admin.GetMetadata(&tc.Name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to get metadata for topic %q: %w", tc.Name, err)
	}
	topic, exists := md.Topics[tc.Name]
	if !exists || topic.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return createTopic(ctx, admin, tc, log)
	}
	if topic.Error.Code() != kafka.ErrNoError {
		return fmt.Errorf("topic %q has error: %w", tc.Name, topic.Error)
	}

	partitions := len(topic.Partitions)
	if rf := replicationFactor(topic); rf != tc.ReplicationFactor {
		log.Warnw("topic replication factor differs from config",
			"topic", tc.Name,
			"current", rf,
			"desired", tc.ReplicationFactor,
		)
	}

	switch {
	case partitions < tc.NumPartitions:
		results, err := admin.CreatePartitions(ctx, []kafka.PartitionsSpecification{{
			Topic:      tc.Name,
			IncreaseTo: tc.NumPartitions,
		}})
		if err != nil {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", tc.Name, err)
		}
		if err := resultError(results); err != nil {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", tc.Name, err)
		}
		log.Infow("increased topic partitions", "topic", tc.Name, "from", partitions, "to", tc.NumPartitions)
	case partitions > tc.NumPartitions:
		log.Warnw("topic has more partitions than configured, keeping them",
			"topic", tc.Name,
			"current", partitions,
			"desired", tc.NumPartitions,
		)
	default:
		log.Debugw("topic up to date", "topic", tc.Name, "partitions", partitions)
	}
	return nil
}

func createTopic(ctx context.Context, admin topicAdmin, tc TopicConfig, log *zap.SugaredLogger) error {
	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             tc.Name,
		NumPartitions:     tc.NumPartitions,
		ReplicationFactor: tc.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", tc.Name, err)
	}
	for _, r := range results {
		if r.Error.Code() == kafka.ErrTopicAlreadyExists {
			log.Infow("topic created concurrently", "topic", r.Topic)
			return nil
		}
	}
	if err := resultError(results); err != nil {
		return fmt.Errorf("failed to create topic %q: %w", tc.Name, err)
	}
	log.Infow("created topic",
		"topic", tc.Name,
		"partitions", tc.NumPartitions,
		"replicationFactor", tc.ReplicationFactor,
	)
	return nil
}

func resultError(results []kafka.TopicResult) error {
	var errs []error
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError {
			errs = append(errs, r.Error)
		}
	}
	return errors.Join(errs...)
}

func replicationFactor(md kafka.TopicMetadata) int {
	if len(md.Partitions) == 0 {
		return 0
	}
	return len(md.Partitions[0].Replicas)
}
