package kafka

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/http-producer/pkg/metrics"
)

const (
	OffsetManagerCommitInterval = 5 * time.Second

	// WindowLengthWarningThreshold is the number of delivered but uncommitted
	// offsets on one partition above which every commit pass logs a warning.
	WindowLengthWarningThreshold = 10000

	brokerQueryTimeoutMs = 5000
)

// committer is the slice of *kafka.Consumer the offset manager talks to.
type committer interface {
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Committed(partitions []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error)
	QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error)
}

type offsetState struct {
	window        []kafka.TopicPartition
	lastCommitted kafka.Offset
}

// OffsetManager tracks offsets of records whose HTTP delivery report has
// been handled and commits, per partition, the highest offset below which
// every record is done. Reports arrive in any order across workers, so the
// window holds the offsets that are ahead of a gap.
//
// One OffsetManager serves a single topic subscription.
type OffsetManager struct {
	consumer        committer
	interval        time.Duration
	partitionStates map[int32]*offsetState
	mutex           sync.Mutex
	metrics         *metrics.Metrics
	log             *zap.SugaredLogger
}

// NewOffsetManager creates an OffsetManager. Commits happen in Run.
func NewOffsetManager(consumer committer, interval time.Duration, m *metrics.Metrics, log *zap.SugaredLogger) *OffsetManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if interval <= 0 {
		interval = OffsetManagerCommitInterval
	}
	return &OffsetManager{
		consumer:        consumer,
		interval:        interval,
		partitionStates: make(map[int32]*offsetState),
		metrics:         m,
		log:             log,
	}
}

// Run commits on every interval until ctx is done.
func (om *OffsetManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(om.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			om.Commit()
		case <-ctx.Done():
			return nil
		}
	}
}

// Commit scans every partition window for the contiguous run that starts
// right after lastCommitted and commits its end. Offsets at or below
// lastCommitted are swallowed into the run.
func (om *OffsetManager) Commit() {
	om.mutex.Lock()
	defer om.mutex.Unlock()
	om.commitLocked()
}

func (om *OffsetManager) commitLocked() {
	for partition, state := range om.partitionStates {
		window := state.window
		if len(window) == 0 || window[0].Offset > state.lastCommitted+1 {
			om.observe(partition, state)
			continue
		}

		end := 0
		for i := 1; i < len(window); i++ {
			if window[i].Offset <= state.lastCommitted {
				end = i
				continue
			}
			if window[i].Offset != window[i-1].Offset+1 {
				break
			}
			end = i
		}

		_, err := om.consumer.CommitOffsets([]kafka.TopicPartition{window[end]})
		om.metrics.RecordOffsetCommit(partition, err)
		if err != nil {
			om.log.Errorw("failed to commit offset",
				"partition", partition,
				"offset", window[end].Offset,
				"error", err,
			)
			continue
		}

		om.log.Debugw("committed offset", "partition", partition, "offset", window[end].Offset)
		state.lastCommitted = window[end].Offset
		state.window = slices.Clone(window[end+1:])
		om.observe(partition, state)
	}
}

func (om *OffsetManager) observe(partition int32, state *offsetState) {
	om.metrics.UpdateOffsetMetrics(partition, int64(state.lastCommitted), len(state.window))
	if len(state.window) > WindowLengthWarningThreshold {
		om.log.Warnw("partition offset window is large",
			"partition", partition,
			"windowLength", len(state.window),
			"lastCommitted", state.lastCommitted,
		)
	}
}

// InsertOffset records that everything before offset.Offset on
// offset.Partition may be committed once earlier offsets are done. Pass
// the delivered record's offset plus one.
func (om *OffsetManager) InsertOffset(ctx context.Context, offset kafka.TopicPartition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	om.mutex.Lock()
	defer om.mutex.Unlock()

	state := om.partitionStates[offset.Partition]
	if state == nil {
		om.log.Warnw("offset for unassigned partition ignored",
			"partition", offset.Partition,
			"offset", offset.Offset,
		)
		return nil
	}

	// No usable committed offset: start the window at the first record
	// handled, which need not be the first one fetched.
	if state.lastCommitted < 0 {
		state.lastCommitted = offset.Offset - 1
		om.log.Infow("initialized partition offset", "partition", offset.Partition, "lastCommitted", state.lastCommitted)
	}

	i := sort.Search(len(state.window), func(j int) bool {
		return state.window[j].Offset >= offset.Offset
	})
	if i < len(state.window) && state.window[i].Offset == offset.Offset {
		return nil
	}
	state.window = slices.Insert(state.window, i, offset)
	return nil
}

// MarkDone inserts the offset following record.
func (om *OffsetManager) MarkDone(ctx context.Context, record kafka.TopicPartition) error {
	return om.InsertOffset(ctx, kafka.TopicPartition{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset + 1,
	})
}

// Rebalance resets partition state on assignment and drops it on
// revocation. It must run inside the consumer rebalance callback.
func (om *OffsetManager) Rebalance(event kafka.Event) error {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	switch ev := event.(type) {
	case kafka.AssignedPartitions:
		// Assignment offsets are often kafka.OffsetInvalid when joining an
		// existing group, so ask the broker.
		committed, err := om.consumer.Committed(ev.Partitions, brokerQueryTimeoutMs)
		if err != nil {
			return fmt.Errorf("failed to get committed offsets: %w", err)
		}

		assigned := make([]string, len(committed))
		for i, tp := range committed {
			state := &offsetState{lastCommitted: tp.Offset}
			if tp.Topic != nil {
				low, _, err := om.consumer.QueryWatermarkOffsets(*tp.Topic, tp.Partition, brokerQueryTimeoutMs)
				if err != nil {
					return fmt.Errorf("failed to query watermark offsets for partition %d: %w", tp.Partition, err)
				}
				// A stored offset below the retention low watermark makes
				// librdkafka fall back to auto.offset.reset.
				if tp.Offset < kafka.Offset(low) {
					state.lastCommitted = kafka.OffsetInvalid
				}
			}
			if state.lastCommitted < 0 {
				state.lastCommitted = kafka.OffsetInvalid
			}
			om.partitionStates[tp.Partition] = state
			assigned[i] = fmt.Sprintf("%d@%d", tp.Partition, state.lastCommitted)
		}
		om.metrics.AddAssignedPartitions(len(committed))
		om.log.Infow("partitions assigned", "partitions", strings.Join(assigned, ","))

	case kafka.RevokedPartitions:
		om.commitLocked()
		revoked := make([]string, len(ev.Partitions))
		for i, tp := range ev.Partitions {
			revoked[i] = strconv.Itoa(int(tp.Partition))
			delete(om.partitionStates, tp.Partition)
		}
		om.metrics.AddAssignedPartitions(-len(ev.Partitions))
		om.log.Infow("partitions revoked", "partitions", strings.Join(revoked, ","))

	default:
		om.log.Warnw("unknown rebalance event", "event", event)
	}
	return nil
}

// LastCommitted returns the last committed offset of partition and whether
// the partition is assigned.
func (om *OffsetManager) LastCommitted(partition int32) (kafka.Offset, bool) {
	om.mutex.Lock()
	defer om.mutex.Unlock()
	state, ok := om.partitionStates[partition]
	if !ok {
		return kafka.OffsetInvalid, false
	}
	return state.lastCommitted, true
}

// WindowLength returns the number of uncommitted offsets held for partition.
func (om *OffsetManager) WindowLength(partition int32) int {
	om.mutex.Lock()
	defer om.mutex.Unlock()
	if state, ok := om.partitionStates[partition]; ok {
		return len(state.window)
	}
	return 0
}
