package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()
	q := New[int]()
	for i := range 5 {
		require.NoError(t, q.Push(i))
	}
	require.Equal(t, 5, q.Len())

	for i := range 5 {
		v, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	require.False(t, ok)
	require.Zero(t, q.Len())
}

func TestQueue_PopTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		push    bool
		timeout time.Duration
		wantOK  bool
	}{
		{name: "item available", push: true, timeout: 10 * time.Millisecond, wantOK: true},
		{name: "empty times out", push: false, timeout: 10 * time.Millisecond, wantOK: false},
		{name: "zero timeout does not wait", push: false, timeout: 0, wantOK: false},
		{name: "zero timeout returns ready item", push: true, timeout: 0, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := New[string]()
			if tt.push {
				require.NoError(t, q.Push("a"))
			}
			start := time.Now()
			v, ok := q.PopTimeout(tt.timeout)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				require.Equal(t, "a", v)
			} else {
				require.GreaterOrEqual(t, time.Since(start), tt.timeout)
			}
		})
	}
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	t.Parallel()
	q := New[int]()

	got := make(chan int, 1)
	go func() {
		v, err := q.Pop(t.Context())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push(42))

	select {
	case v := <-got:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by push")
	}
}

func TestQueue_PopContextCanceled(t *testing.T) {
	t.Parallel()
	q := New[int]()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()
	q := New[int]()
	require.NoError(t, q.Push(1))

	done := make(chan error, 1)
	waiter := New[int]()
	go func() {
		_, err := waiter.Pop(context.Background())
		done <- err
	}()

	q.Close()
	waiter.Close()
	q.Close() // idempotent

	require.True(t, q.Closed())
	require.ErrorIs(t, q.Push(2), ErrClosed)

	// remaining items are still delivered after close
	v, err := q.Pop(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, v)

	_, err = q.Pop(t.Context())
	require.ErrorIs(t, err, ErrClosed)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked consumer was not woken by close")
	}
}

func TestQueue_Drain(t *testing.T) {
	t.Parallel()
	q := New[int]()
	for i := range 3 {
		require.NoError(t, q.Push(i))
	}
	q.Close()

	require.Equal(t, []int{0, 1, 2}, q.Drain())
	require.Empty(t, q.Drain())
	require.Zero(t, q.Len())
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()
	const (
		producers = 8
		perProd   = 500
		consumers = 4
	)
	q := New[int]()

	var (
		mu   sync.Mutex
		seen = make(map[int]int, producers*perProd)
		wg   sync.WaitGroup
	)
	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(t.Context())
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}

	var pwg sync.WaitGroup
	for p := range producers {
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			for i := range perProd {
				_ = q.Push(p*perProd + i)
			}
		}()
	}
	pwg.Wait()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 5*time.Second, time.Millisecond)
	q.Close()
	wg.Wait()

	require.Len(t, seen, producers*perProd)
	for v, n := range seen {
		require.Equal(t, 1, n, "item %d popped %d times", v, n)
	}
}
