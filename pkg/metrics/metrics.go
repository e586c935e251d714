package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "http_producer"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	// Report outcome label values
	OutcomeDelivered      = "delivered"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"

	Delivery    = "delivery"
	Batch       = "batch"
	KafkaOffset = "kafka_offset"
	Bridge      = "bridge"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple producer instances.
type Labels struct {
	Destination   string // Logical name of the HTTP endpoint (e.g., "events-api")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Destination != "" {
		labels["destination"] = l.Destination
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Enqueue path
	produced  prometheus.Counter
	queueFull prometheus.Counter
	inFlight  prometheus.Gauge
	queued    prometheus.Gauge

	// Completion path
	reports         *prometheus.CounterVec   // by outcome
	requests        *prometheus.CounterVec   // by mode, status
	requestDuration *prometheus.HistogramVec // by mode

	// Chunked batches
	batchMessages     prometheus.Histogram
	uncompressedBytes prometheus.Counter
	compressedBytes   prometheus.Counter

	// Kafka bridge
	recordsReceived *prometheus.CounterVec // by partition
	lastCommitted   *prometheus.GaugeVec
	offsetWindow    *prometheus.GaugeVec
	offsetCommits   *prometheus.CounterVec // by partition, status
	assigned        prometheus.Gauge
	dlqProduced     *prometheus.CounterVec // by status
	dlqDuration     prometheus.Histogram
	kafkaErrors     *prometheus.CounterVec // by severity
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., destination), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		produced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "produced_total",
			Help:      "Total messages accepted by Produce",
		}),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "queue_full_total",
			Help:      "Total Produce calls rejected because the in-flight limit was reached",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "in_flight",
			Help:      "Messages enqueued whose report has not been delivered yet",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queued",
			Help:      "Messages waiting in worker queues",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "reports_total",
			Help:      "Delivery reports handed to the callback by outcome",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "requests_total",
			Help:      "HTTP requests completed by mode and status",
		}, []string{"mode", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Delivery,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   latencyBuckets,
		}, []string{"mode"}),
		batchMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Batch,
			Name:      "messages",
			Help:      "Messages carried by each chunked request",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 13),
		}),
		uncompressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Batch,
			Name:      "uncompressed_bytes_total",
			Help:      "Payload bytes fed to the compressor",
		}),
		compressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Batch,
			Name:      "compressed_bytes_total",
			Help:      "Compressed bytes written to request bodies",
		}),
		recordsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Bridge,
			Name:      "records_received_total",
			Help:      "Kafka records consumed by partition",
		}, []string{"partition"}),
		lastCommitted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "last_committed",
			Help:      "Last offset committed to Kafka for each partition",
		}, []string{"partition"}),
		offsetWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "window_size",
			Help:      "Delivered offsets waiting for a contiguous commit for each partition",
		}, []string{"partition"}),
		offsetCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "commits_total",
			Help:      "Offset commit attempts by partition and status",
		}, []string{"partition", "status"}),
		assigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Bridge,
			Name:      "assigned_partitions",
			Help:      "Partitions currently assigned to this consumer",
		}),
		dlqProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Bridge,
			Name:      "dlq_produced_total",
			Help:      "Undeliverable records published to the dead letter topic by status",
		}, []string{"status"}),
		dlqDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Bridge,
			Name:      "dlq_duration_seconds",
			Help:      "Time to publish a record to the dead letter topic",
			Buckets:   latencyBuckets,
		}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Bridge,
			Name:      "kafka_errors_total",
			Help:      "Kafka errors received by severity (fatal/non_fatal)",
		}, []string{"severity"}),
	}

	err := errors.Join(
		reg.Register(m.produced),
		reg.Register(m.queueFull),
		reg.Register(m.inFlight),
		reg.Register(m.queued),
		reg.Register(m.reports),
		reg.Register(m.requests),
		reg.Register(m.requestDuration),
		reg.Register(m.batchMessages),
		reg.Register(m.uncompressedBytes),
		reg.Register(m.compressedBytes),
		reg.Register(m.recordsReceived),
		reg.Register(m.lastCommitted),
		reg.Register(m.offsetWindow),
		reg.Register(m.offsetCommits),
		reg.Register(m.assigned),
		reg.Register(m.dlqProduced),
		reg.Register(m.dlqDuration),
		reg.Register(m.kafkaErrors),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordProduced counts an accepted message.
func (m *Metrics) RecordProduced() {
	if m == nil {
		return
	}
	m.produced.Inc()
}

// RecordQueueFull counts a rejected Produce call.
func (m *Metrics) RecordQueueFull() {
	if m == nil {
		return
	}
	m.queueFull.Inc()
}

// SetBacklog updates the in-flight and queued gauges.
func (m *Metrics) SetBacklog(inFlight int64, queued int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(inFlight))
	m.queued.Set(float64(queued))
}

// RecordReports counts n delivery reports sharing one request outcome.
func (m *Metrics) RecordReports(err error, statusCode, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reports.WithLabelValues(Outcome(err, statusCode)).Add(float64(n))
}

// RecordRequest records an HTTP request outcome.
func (m *Metrics) RecordRequest(mode string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.requests.WithLabelValues(mode, status).Inc()
	m.requestDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordBatch records the size of a completed chunked request.
func (m *Metrics) RecordBatch(messages int, uncompressed, compressed int64) {
	if m == nil {
		return
	}
	m.batchMessages.Observe(float64(messages))
	m.uncompressedBytes.Add(float64(uncompressed))
	m.compressedBytes.Add(float64(compressed))
}

// RecordRecordReceived counts a consumed Kafka record.
func (m *Metrics) RecordRecordReceived(partition int32) {
	if m == nil {
		return
	}
	m.recordsReceived.WithLabelValues(strconv.Itoa(int(partition))).Inc()
}

// UpdateOffsetMetrics updates the committed offset and window gauges of a partition.
func (m *Metrics) UpdateOffsetMetrics(partition int32, lastCommitted int64, windowSize int) {
	if m == nil {
		return
	}
	p := strconv.Itoa(int(partition))
	m.lastCommitted.WithLabelValues(p).Set(float64(lastCommitted))
	m.offsetWindow.WithLabelValues(p).Set(float64(windowSize))
}

// RecordOffsetCommit records an offset commit attempt.
func (m *Metrics) RecordOffsetCommit(partition int32, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.offsetCommits.WithLabelValues(strconv.Itoa(int(partition)), status).Inc()
}

// AddAssignedPartitions adjusts the assigned partitions gauge by delta.
func (m *Metrics) AddAssignedPartitions(delta int) {
	if m == nil {
		return
	}
	m.assigned.Add(float64(delta))
}

// RecordDLQProduction records a dead letter publish.
func (m *Metrics) RecordDLQProduction(err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.dlqProduced.WithLabelValues(status).Inc()
	m.dlqDuration.Observe(durationSeconds)
}

// RecordKafkaError counts a Kafka error event.
func (m *Metrics) RecordKafkaError(fatal bool) {
	if m == nil {
		return
	}
	severity := "non_fatal"
	if fatal {
		severity = "fatal"
	}
	m.kafkaErrors.WithLabelValues(severity).Inc()
}

// Outcome classifies a request result for the reports counter.
func Outcome(err error, statusCode int) string {
	switch {
	case err != nil:
		return OutcomeTransportError
	case statusCode >= 200 && statusCode < 300:
		return OutcomeDelivered
	default:
		return OutcomeHTTPError
	}
}
