package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	"MetaCore/pkg/logger"
)

// TickBuffer holds the last tick per symbol and the batch waiting to be flushed.
type TickBuffer struct {
	mu      sync.Mutex
	last    map[string]models.Tick
	pending []models.Tick
}

func NewTickBuffer() *TickBuffer {
	return &TickBuffer{last: make(map[string]models.Tick)}
}

// CacheTick normalizes t and records it as the symbol's latest tick.
func (b *TickBuffer) CacheTick(t models.Tick) models.Tick {
	if t.Volume < 0 {
		t.Volume = 0
	}
	b.mu.Lock()
	b.last[t.Symbol] = t
	b.mu.Unlock()
	return t
}

// Append queues t for the next flush and returns the pending length.
func (b *TickBuffer) Append(t models.Tick) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, t)
	return len(b.pending)
}

// Drain swaps out the pending batch. Ticks appended afterwards land in the next batch.
func (b *TickBuffer) Drain() []models.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *TickBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *TickBuffer) LastTick(symbol string) (models.Tick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.last[symbol]
	return t, ok
}

var _ domrepo.LastTickReader = (*TickBuffer)(nil)

// FailurePolicy decides what happens to a batch the store rejected.
type FailurePolicy string

const (
	PolicyDrop       FailurePolicy = "drop"
	PolicyDeadLetter FailurePolicy = "dead_letter"
)

const (
	FlushReasonSize     = "size"
	FlushReasonInterval = "interval"
	FlushReasonShutdown = "shutdown"
)

// DeadLetter receives batches that failed to insert.
type DeadLetter interface {
	Push(ctx context.Context, ticks []models.Tick, reason string) error
}

type FlusherConfig struct {
	BatchSize    int
	Interval     time.Duration
	FlushTimeout time.Duration
	Policy       FailurePolicy
}

func (c *FlusherConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.Policy == "" {
		c.Policy = PolicyDrop
	}
}

// BatchFlusher moves buffered ticks into TickStorage on size or interval.
// Only one flush runs at a time; a trigger that finds a flush in progress is skipped.
type BatchFlusher struct {
	buf     *TickBuffer
	store   domrepo.TickStorage
	cfg     FlusherConfig
	log     *logger.Logger
	metrics domrepo.Metrics
	dl      DeadLetter

	flushing atomic.Bool
	wg       sync.WaitGroup
}

type FlusherOption func(*BatchFlusher)

func WithDeadLetter(dl DeadLetter) FlusherOption {
	return func(f *BatchFlusher) { f.dl = dl }
}

func WithFlusherMetrics(m domrepo.Metrics) FlusherOption {
	return func(f *BatchFlusher) {
		if m != nil {
			f.metrics = m
		}
	}
}

func NewBatchFlusher(buf *TickBuffer, store domrepo.TickStorage, cfg FlusherConfig, l *logger.Logger, opts ...FlusherOption) *BatchFlusher {
	cfg.setDefaults()
	if l == nil {
		l = logger.NewNop()
	}
	f := &BatchFlusher{
		buf:     buf,
		store:   store,
		cfg:     cfg,
		log:     l,
		metrics: domrepo.NopMetrics{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *BatchFlusher) Buffer() *TickBuffer { return f.buf }

// Add caches and queues t, flushing in the background once the batch size is reached.
func (f *BatchFlusher) Add(t models.Tick) models.Tick {
	t = f.buf.CacheTick(t)
	if f.buf.Append(t) >= f.cfg.BatchSize && !f.flushing.Load() {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), f.cfg.FlushTimeout)
			defer cancel()
			_, _ = f.Flush(ctx, FlushReasonSize)
		}()
	}
	return t
}

// Flush writes the drained batch and returns how many ticks it carried.
// It returns (0, nil) when another flush holds the slot or nothing is pending.
func (f *BatchFlusher) Flush(ctx context.Context, reason string) (n int, err error) {
	if !f.flushing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer f.flushing.Store(false)

	batch := f.buf.Drain()
	if len(batch) == 0 {
		return 0, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush panic: %v", r)
			f.onFailure(ctx, batch, reason, err)
		}
	}()

	start := time.Now()
	if err := f.store.InsertTicks(ctx, batch); err != nil {
		f.onFailure(ctx, batch, reason, err)
		return 0, fmt.Errorf("insert ticks: %w", err)
	}
	f.metrics.RecordBatch(reason, len(batch))
	f.metrics.RecordLatency("flush_insert", time.Since(start).Seconds())
	return len(batch), nil
}

func (f *BatchFlusher) onFailure(ctx context.Context, batch []models.Tick, reason string, err error) {
	f.metrics.RecordError("flush_insert")
	f.log.Error("failed to batch insert price ticks",
		logger.String("reason", reason),
		logger.Int("count", len(batch)),
		logger.String("policy", string(f.cfg.Policy)),
		logger.Error(err))

	if f.cfg.Policy != PolicyDeadLetter || f.dl == nil {
		return
	}
	if dlErr := f.dl.Push(ctx, batch, reason); dlErr != nil {
		f.metrics.RecordError("flush_dead_letter")
		f.log.Error("dead letter push failed",
			logger.Int("count", len(batch)),
			logger.Error(dlErr))
	}
}

// Run flushes on every interval until ctx is done, then performs a final flush.
func (f *BatchFlusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.wg.Wait()
			final, cancel := context.WithTimeout(context.Background(), f.cfg.FlushTimeout)
			n, _ := f.Flush(final, FlushReasonShutdown)
			cancel()
			f.log.Info("tick flusher stopped", logger.Int("final_batch", n))
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, f.cfg.FlushTimeout)
			_, _ = f.Flush(flushCtx, FlushReasonInterval)
			cancel()
		}
	}
}
