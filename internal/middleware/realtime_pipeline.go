package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
)

var ErrInvalidTick = errors.New("invalid tick")

// RealtimePipeline sits between the feed and the broker. It validates ticks,
// optionally throttles each symbol, and publishes what survives.
type RealtimePipeline struct {
	pub       domrepo.Publisher
	metrics   domrepo.Metrics
	maxRPS    int
	now       func() time.Time
	transform func(models.Tick) models.Tick

	mu       sync.Mutex
	lastSeen map[string]time.Time // per-symbol last accepted time
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS caps accepted ticks per second per symbol. Zero disables the cap.
func WithMaxRPS(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n >= 0 {
			p.maxRPS = n
		}
	}
}

// WithTransform rewrites ticks before validation.
func WithTransform(fn func(models.Tick) models.Tick) PipelineOption {
	return func(p *RealtimePipeline) { p.transform = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *RealtimePipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func NewRealtimePipeline(pub domrepo.Publisher, metrics domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	p := &RealtimePipeline{
		pub:      pub,
		metrics:  metrics,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process reports whether t was published. Throttled ticks are dropped without error.
func (p *RealtimePipeline) Process(ctx context.Context, t models.Tick) (bool, error) {
	start := p.now()
	if p.transform != nil {
		t = p.transform(t)
	}
	if err := ValidateTick(t); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return false, err
	}
	if !p.allow(t.Symbol, start) {
		p.metrics.RecordError("pipeline_throttle")
		return false, nil
	}

	if err := p.pub.Publish(ctx, t); err != nil {
		p.metrics.RecordError("pipeline_publish")
		return false, fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordMessageSent("kafka", t.Symbol)
	p.metrics.RecordLastPrice(t.Symbol, t.Price)
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return true, nil
}

func ValidateTick(t models.Tick) error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: symbol empty", ErrInvalidTick)
	}
	if t.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp invalid", ErrInvalidTick)
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price < 0 || t.Volume < 0 {
		return fmt.Errorf("%w: bad price/volume", ErrInvalidTick)
	}
	return nil
}

func (p *RealtimePipeline) allow(symbol string, now time.Time) bool {
	if p.maxRPS <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastSeen[symbol]
	if ok && now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		return false
	}
	p.lastSeen[symbol] = now
	return true
}
