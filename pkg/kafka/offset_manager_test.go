package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeCommitter stands in for *kafka.Consumer. Committed echoes the
// assignment and QueryWatermarkOffsets reports low for every partition.
type fakeCommitter struct {
	mu        sync.Mutex
	commits   []kafka.TopicPartition
	commitErr error
	low       int64
}

func (f *fakeCommitter) CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	f.commits = append(f.commits, offsets...)
	return offsets, nil
}

func (f *fakeCommitter) Committed(partitions []kafka.TopicPartition, _ int) ([]kafka.TopicPartition, error) {
	return partitions, nil
}

func (f *fakeCommitter) QueryWatermarkOffsets(string, int32, int) (int64, int64, error) {
	return f.low, f.low + 1000, nil
}

func (f *fakeCommitter) committed() []kafka.TopicPartition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.TopicPartition(nil), f.commits...)
}

func newTestOffsetManager(t *testing.T, assignment ...kafka.TopicPartition) (*OffsetManager, *fakeCommitter) {
	t.Helper()
	fc := &fakeCommitter{}
	om := NewOffsetManager(fc, time.Hour, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, om.Rebalance(kafka.AssignedPartitions{Partitions: assignment}))
	return om, fc
}

func insert(t *testing.T, om *OffsetManager, partition int32, offsets ...kafka.Offset) {
	t.Helper()
	for _, o := range offsets {
		require.NoError(t, om.InsertOffset(t.Context(), kafka.TopicPartition{Partition: partition, Offset: o}))
	}
}

// Out of order inserts with an offset 0 present are all committed.
func TestOffsetManager_UnorderedOffsets(t *testing.T) {
	t.Parallel()
	om, fc := newTestOffsetManager(t, kafka.TopicPartition{Partition: 0, Offset: 0})

	insert(t, om, 0, 20, 3, 1, 0, 2)
	om.Commit()

	last, ok := om.LastCommitted(0)
	require.True(t, ok)
	require.Equal(t, kafka.Offset(3), last)
	require.Equal(t, 1, om.WindowLength(0))
	require.Equal(t, []kafka.TopicPartition{{Partition: 0, Offset: 3}}, fc.committed())
}

func TestOffsetManager_OrderedOffsets(t *testing.T) {
	t.Parallel()
	om, _ := newTestOffsetManager(t, kafka.TopicPartition{Partition: 1, Offset: 3})

	// 0 and 2 are below the committed offset and swallowed by the run
	insert(t, om, 1, 0, 2, 3, 4)
	om.Commit()
	last, _ := om.LastCommitted(1)
	require.Equal(t, kafka.Offset(4), last)
	require.Zero(t, om.WindowLength(1))

	insert(t, om, 1, 5, 6)
	om.Commit()
	last, _ = om.LastCommitted(1)
	require.Equal(t, kafka.Offset(6), last)
	require.Zero(t, om.WindowLength(1))
}

func TestOffsetManager_GapHoldsCommit(t *testing.T) {
	t.Parallel()
	om, fc := newTestOffsetManager(t, kafka.TopicPartition{Partition: 2, Offset: 0})

	insert(t, om, 2, 3, 4, 5)
	om.Commit()
	last, _ := om.LastCommitted(2)
	require.Equal(t, kafka.Offset(0), last)
	require.Equal(t, 3, om.WindowLength(2))
	require.Empty(t, fc.committed())

	insert(t, om, 2, 2)
	om.Commit()
	insert(t, om, 2, 1)
	om.Commit()
	last, _ = om.LastCommitted(2)
	require.Equal(t, kafka.Offset(5), last)
	require.Zero(t, om.WindowLength(2))
}

func TestOffsetManager_MultiplePartitions(t *testing.T) {
	t.Parallel()
	om, _ := newTestOffsetManager(t,
		kafka.TopicPartition{Partition: 0, Offset: 0},
		kafka.TopicPartition{Partition: 3, Offset: 5},
	)

	insert(t, om, 0, 0, 1, 2, 3)
	insert(t, om, 3, 3, 4, 5, 6)
	om.Commit()

	last, _ := om.LastCommitted(0)
	require.Equal(t, kafka.Offset(3), last)
	last, _ = om.LastCommitted(3)
	require.Equal(t, kafka.Offset(6), last)
}

func TestOffsetManager_DuplicateInsert(t *testing.T) {
	t.Parallel()
	om, _ := newTestOffsetManager(t, kafka.TopicPartition{Partition: 0, Offset: 0})

	insert(t, om, 0, 5, 5, 5)
	require.Equal(t, 1, om.WindowLength(0))
}

func TestOffsetManager_UninitializedPartition(t *testing.T) {
	t.Parallel()
	om, _ := newTestOffsetManager(t, kafka.TopicPartition{Partition: 0, Offset: kafka.OffsetInvalid})

	last, ok := om.LastCommitted(0)
	require.True(t, ok)
	require.Equal(t, kafka.OffsetInvalid, last)

	// the first handled record anchors the window
	insert(t, om, 0, 42, 41)
	last, _ = om.LastCommitted(0)
	require.Equal(t, kafka.Offset(41), last)

	om.Commit()
	last, _ = om.LastCommitted(0)
	require.Equal(t, kafka.Offset(42), last)
}

func TestOffsetManager_StoredOffsetBelowLowWatermark(t *testing.T) {
	t.Parallel()
	fc := &fakeCommitter{low: 100}
	om := NewOffsetManager(fc, time.Hour, nil, nil)
	topic := "events"
	require.NoError(t, om.Rebalance(kafka.AssignedPartitions{Partitions: []kafka.TopicPartition{
		{Topic: &topic, Partition: 0, Offset: 10},
		{Topic: &topic, Partition: 1, Offset: 150},
	}}))

	last, _ := om.LastCommitted(0)
	require.Equal(t, kafka.OffsetInvalid, last)
	last, _ = om.LastCommitted(1)
	require.Equal(t, kafka.Offset(150), last)
}

func TestOffsetManager_CommitFailureKeepsWindow(t *testing.T) {
	t.Parallel()
	om, fc := newTestOffsetManager(t, kafka.TopicPartition{Partition: 0, Offset: 0})
	fc.commitErr = errors.New("coordinator not available")

	insert(t, om, 0, 1, 2)
	om.Commit()
	last, _ := om.LastCommitted(0)
	require.Equal(t, kafka.Offset(0), last)
	require.Equal(t, 2, om.WindowLength(0))

	fc.mu.Lock()
	fc.commitErr = nil
	fc.mu.Unlock()
	om.Commit()
	last, _ = om.LastCommitted(0)
	require.Equal(t, kafka.Offset(2), last)
}

func TestOffsetManager_Rebalance(t *testing.T) {
	t.Parallel()
	om, fc := newTestOffsetManager(t, kafka.TopicPartition{Partition: 0, Offset: 0})

	insert(t, om, 0, 0, 1, 2)
	om.Commit()

	require.NoError(t, om.Rebalance(kafka.AssignedPartitions{
		Partitions: []kafka.TopicPartition{{Partition: 3, Offset: 5}},
	}))
	last, _ := om.LastCommitted(0)
	require.Equal(t, kafka.Offset(2), last, "existing partition state must survive an assignment")
	last, _ = om.LastCommitted(3)
	require.Equal(t, kafka.Offset(5), last)

	insert(t, om, 3, 5, 6)
	insert(t, om, 0, 3)

	// revocation commits what is ready before dropping the state
	require.NoError(t, om.Rebalance(kafka.RevokedPartitions{
		Partitions: []kafka.TopicPartition{{Partition: 0}},
	}))
	require.Contains(t, fc.committed(), kafka.TopicPartition{Partition: 0, Offset: 3})
	_, ok := om.LastCommitted(0)
	require.False(t, ok)

	// offsets for a revoked partition are ignored
	insert(t, om, 0, 8)
	require.Zero(t, om.WindowLength(0))

	require.NoError(t, om.Rebalance(kafka.RevokedPartitions{
		Partitions: []kafka.TopicPartition{{Partition: 3}},
	}))
	_, ok = om.LastCommitted(3)
	require.False(t, ok)
	require.Contains(t, fc.committed(), kafka.TopicPartition{Partition: 3, Offset: 6})
}

func TestOffsetManager_Run(t *testing.T) {
	t.Parallel()
	fc := &fakeCommitter{}
	om := NewOffsetManager(fc, 5*time.Millisecond, nil, nil)
	require.NoError(t, om.Rebalance(kafka.AssignedPartitions{
		Partitions: []kafka.TopicPartition{{Partition: 0, Offset: 0}},
	}))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- om.Run(ctx) }()

	require.NoError(t, om.MarkDone(t.Context(), kafka.TopicPartition{Partition: 0, Offset: 0}))
	require.Eventually(t, func() bool {
		last, _ := om.LastCommitted(0)
		return last == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestOffsetManager_InsertAfterCancel(t *testing.T) {
	t.Parallel()
	om, _ := newTestOffsetManager(t, kafka.TopicPartition{Partition: 0, Offset: 0})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, om.InsertOffset(ctx, kafka.TopicPartition{Partition: 0, Offset: 1}), context.Canceled)
}
