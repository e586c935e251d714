//go:build e2e

package e2e

import (
	"fmt"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ava-labs/http-producer/pkg/httpproducer"
	"github.com/ava-labs/http-producer/pkg/metrics"
	"github.com/ava-labs/http-producer/pkg/sink"
	"github.com/ava-labs/http-producer/pkg/utils"
)

func getEnvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// durationPtr returns a pointer to a time.Duration.
func durationPtr(d time.Duration) *time.Duration {
	return &d
}

func newLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	log, err := utils.NewSugaredLogger(true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Desugar().Sync() }) //nolint:errcheck
	return log
}

func newMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	m, err := metrics.NewWithLabels(prometheus.NewRegistry(), metrics.Labels{
		Destination:   "sink",
		Environment:   "test",
		Region:        "local",
		CloudProvider: "local",
	})
	require.NoError(t, err)
	return m
}

// startSink serves s on a local port and returns its ingest URL.
func startSink(t *testing.T, s *sink.Sink) string {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv.URL + "/ingest"
}

// startHandler runs a handler delivering to url.
func startHandler(t *testing.T, log *zap.SugaredLogger, url string, m *metrics.Metrics, mode httpproducer.Mode) *httpproducer.Handler {
	t.Helper()
	o := httpproducer.DefaultOptions()
	o.URL = url
	o.Mode = mode
	o.Connections = 2
	o.MaxMessages = 16
	o.MaxBatchMessages = 4
	o.PostTimeout = 200 * time.Millisecond

	h, err := httpproducer.New(log.Named("producer"), url, httpproducer.WithOptions(o), httpproducer.WithMetrics(m))
	require.NoError(t, err)
	require.NoError(t, h.Run())
	t.Cleanup(h.Destroy)
	return h
}

// produceRecords writes values to topic, keyed by their index, and waits for
// every delivery report.
func produceRecords(t *testing.T, brokers, topic string, values [][]byte) {
	t.Helper()

	producer, err := ckafka.NewProducer(&ckafka.ConfigMap{
		"bootstrap.servers": brokers,
		"client.id":         "e2e-test-producer",
	})
	require.NoError(t, err)
	defer producer.Close()

	deliveryChan := make(chan ckafka.Event, len(values))
	for i, v := range values {
		err = producer.Produce(&ckafka.Message{
			TopicPartition: ckafka.TopicPartition{Topic: &topic, Partition: ckafka.PartitionAny},
			Key:            []byte(fmt.Sprintf("%d", i)),
			Value:          v,
		}, deliveryChan)
		require.NoError(t, err)
	}

	for range values {
		m := (<-deliveryChan).(*ckafka.Message)
		require.NoError(t, m.TopicPartition.Error, "delivery failed")
	}
	producer.Flush(5000)
	t.Logf("Produced %d records to Kafka topic %s", len(values), topic)
}

// consumeRecords reads n records from topic with a throwaway group.
func consumeRecords(t *testing.T, brokers, topic string, n int, timeout time.Duration) []*ckafka.Message {
	t.Helper()

	consumer, err := ckafka.NewConsumer(&ckafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          fmt.Sprintf("e2e-verifier-%d", time.Now().UnixNano()),
		"auto.offset.reset": "earliest",
	})
	require.NoError(t, err)
	defer consumer.Close()
	require.NoError(t, consumer.Subscribe(topic, nil))

	var out []*ckafka.Message
	deadline := time.Now().Add(timeout)
	for len(out) < n && time.Now().Before(deadline) {
		switch e := consumer.Poll(500).(type) {
		case *ckafka.Message:
			out = append(out, e)
		case ckafka.Error:
			require.False(t, e.IsFatal(), "fatal kafka error: %v", e)
		}
	}
	require.Len(t, out, n, "records read from %s", topic)
	return out
}

// committedOffsets returns the committed offset per partition of topic for
// groupID.
func committedOffsets(t *testing.T, brokers, groupID, topic string) map[int32]int64 {
	t.Helper()

	consumer, err := ckafka.NewConsumer(&ckafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          groupID,
	})
	require.NoError(t, err)
	defer consumer.Close()

	metadata, err := consumer.GetMetadata(&topic, false, 5000)
	require.NoError(t, err)
	topicMetadata, ok := metadata.Topics[topic]
	require.True(t, ok, "topic %s not found in metadata", topic)

	partitions := make([]ckafka.TopicPartition, 0, len(topicMetadata.Partitions))
	for _, p := range topicMetadata.Partitions {
		partitions = append(partitions, ckafka.TopicPartition{Topic: &topic, Partition: p.ID})
	}
	committed, err := consumer.Committed(partitions, 5000)
	require.NoError(t, err)

	offsets := make(map[int32]int64, len(committed))
	for _, tp := range committed {
		if tp.Offset >= 0 {
			offsets[tp.Partition] = int64(tp.Offset)
		}
	}
	return offsets
}

func sumOffsets(offsets map[int32]int64) int64 {
	var total int64
	for _, o := range offsets {
		total += o
	}
	return total
}
