package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MetaCore/internal/domain/models"
)

func tick(symbol string, price float64, ts int64) models.Tick {
	return models.Tick{Symbol: symbol, Price: price, Timestamp: ts}
}

func TestTickBuffer_DrainSwapsBatch(t *testing.T) {
	b := NewTickBuffer()
	for i := 0; i < 3; i++ {
		b.Append(tick("BTCUSDT", float64(i), int64(i+1)))
	}

	batch := b.Drain()
	require.Len(t, batch, 3)

	b.Append(tick("BTCUSDT", 9, 9))
	assert.Len(t, batch, 3, "drained slice must not see later appends")
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, []models.Tick{tick("BTCUSDT", 9, 9)}, b.Drain())
	assert.Empty(t, b.Drain())
}

func TestTickBuffer_CacheTickOverwrites(t *testing.T) {
	b := NewTickBuffer()
	_, ok := b.LastTick("ETHUSDT")
	assert.False(t, ok)

	got := b.CacheTick(tick("ETHUSDT", 1, 10))
	assert.Zero(t, got.Volume)
	b.CacheTick(tick("ETHUSDT", 2, 11))

	last, ok := b.LastTick("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 2.0, last.Price)
	assert.Zero(t, b.Pending(), "caching does not queue")
}

func TestBatchFlusher_FlushWritesExactlyDrainedBatch(t *testing.T) {
	store := &fakeStorage{}
	f := NewBatchFlusher(NewTickBuffer(), store, FlusherConfig{BatchSize: 100, Interval: time.Hour}, nil)

	for i := 0; i < 5; i++ {
		f.Add(tick("X", float64(i), int64(i+1)))
	}
	n, err := f.Flush(context.Background(), FlushReasonInterval)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int{5}, store.batchSizes())

	n, err = f.Flush(context.Background(), FlushReasonInterval)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBatchFlusher_ConcurrentFlushIsSkipped(t *testing.T) {
	store := &fakeStorage{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := NewBatchFlusher(NewTickBuffer(), store, FlusherConfig{BatchSize: 100, Interval: time.Hour}, nil)
	f.Add(tick("X", 1, 1))
	f.Add(tick("X", 2, 2))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := f.Flush(context.Background(), FlushReasonInterval)
		assert.NoError(t, err)
		assert.Equal(t, 2, n)
	}()
	<-store.entered

	f.Add(tick("X", 3, 3))
	n, err := f.Flush(context.Background(), FlushReasonInterval)
	require.NoError(t, err)
	assert.Zero(t, n, "second flush must skip, not wait")
	assert.Equal(t, 1, f.Buffer().Pending())

	close(store.block)
	wg.Wait()

	store.entered = nil
	n, err = f.Flush(context.Background(), FlushReasonInterval)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "tick added during the first flush goes into the next")
	assert.Equal(t, []int{2, 1}, store.batchSizes())
}

func TestBatchFlusher_SizeTrigger(t *testing.T) {
	store := &fakeStorage{}
	f := NewBatchFlusher(NewTickBuffer(), store, FlusherConfig{BatchSize: 3, Interval: time.Hour}, nil)

	f.Add(tick("X", 1, 1))
	f.Add(tick("X", 2, 2))
	assert.Zero(t, store.total())
	f.Add(tick("X", 3, 3))

	require.Eventually(t, func() bool { return store.total() == 3 }, time.Second, 5*time.Millisecond)
}

func TestBatchFlusher_DropPolicyDiscardsFailedBatch(t *testing.T) {
	store := &fakeStorage{fails: 1}
	dl := &recordingDeadLetter{}
	f := NewBatchFlusher(NewTickBuffer(), store, FlusherConfig{BatchSize: 100, Interval: time.Hour}, nil, WithDeadLetter(dl))

	f.Add(tick("X", 1, 1))
	f.Add(tick("X", 2, 2))
	_, err := f.Flush(context.Background(), FlushReasonInterval)
	require.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, f.Buffer().Pending(), "failed batch is not re-queued")
	assert.Empty(t, dl.batches, "drop policy never dead-letters")

	n, err := f.Flush(context.Background(), FlushReasonInterval)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBatchFlusher_DeadLetterPolicy(t *testing.T) {
	store := &fakeStorage{fails: 1}
	dl := &recordingDeadLetter{}
	f := NewBatchFlusher(NewTickBuffer(), store, FlusherConfig{BatchSize: 100, Interval: time.Hour, Policy: PolicyDeadLetter}, nil, WithDeadLetter(dl))

	f.Add(tick("X", 1, 1))
	_, err := f.Flush(context.Background(), FlushReasonSize)
	require.Error(t, err)
	require.Len(t, dl.batches, 1)
	assert.Equal(t, FlushReasonSize, dl.reasons[0])
	assert.Len(t, dl.batches[0], 1)
}

func TestBatchFlusher_RecoversPanic(t *testing.T) {
	store := &fakeStorage{panics: true}
	f := NewBatchFlusher(NewTickBuffer(), store, FlusherConfig{BatchSize: 100, Interval: time.Hour}, nil)
	f.Add(tick("X", 1, 1))

	_, err := f.Flush(context.Background(), FlushReasonInterval)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	store.panics = false
	f.Add(tick("X", 2, 2))
	n, err := f.Flush(context.Background(), FlushReasonInterval)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "flush slot must be released after a panic")
}

func TestBatchFlusher_RunIntervalAndFinalFlush(t *testing.T) {
	store := &fakeStorage{}
	f := NewBatchFlusher(NewTickBuffer(), store, FlusherConfig{BatchSize: 100, Interval: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	f.Add(tick("X", 1, 1))
	require.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	f.Add(tick("X", 2, 2))
	assert.Equal(t, 1, store.total())

	ctx2, cancel2 := context.WithCancel(context.Background())
	f2 := NewBatchFlusher(NewTickBuffer(), store, FlusherConfig{BatchSize: 100, Interval: time.Hour}, nil)
	f2.Add(tick("Y", 1, 1))
	done2 := make(chan struct{})
	go func() {
		f2.Run(ctx2)
		close(done2)
	}()
	cancel2()
	<-done2
	assert.Equal(t, 2, store.total(), "shutdown flushes what is pending")
}

type recordingDeadLetter struct {
	mu      sync.Mutex
	batches [][]models.Tick
	reasons []string
}

func (d *recordingDeadLetter) Push(_ context.Context, ticks []models.Tick, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, ticks)
	d.reasons = append(d.reasons, reason)
	return nil
}
