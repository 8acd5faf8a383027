package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	"MetaCore/pkg/logger"
)

// Resubscribe is the feed operation the liveness loop drives.
type Resubscribe interface {
	Resubscribe(items []models.Instrument) error
}

type ResubscriberConfig struct {
	Period         time.Duration
	StaleAfter     time.Duration
	StaleCooldown  time.Duration
	SilentCooldown time.Duration
}

func (c *ResubscriberConfig) setDefaults() {
	if c.Period <= 0 {
		c.Period = 60 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.StaleCooldown <= 0 {
		c.StaleCooldown = 60 * time.Second
	}
	if c.SilentCooldown <= 0 {
		c.SilentCooldown = 300 * time.Second
	}
}

// Resubscriber re-arms instruments whose ticks went stale or never arrived.
// Silent instruments use the longer cooldown so permanently dead symbols do not churn the feed.
type Resubscriber struct {
	registry domrepo.InstrumentRegistry
	ticks    domrepo.LastTickReader
	feed     Resubscribe
	cfg      ResubscriberConfig
	log      *logger.Logger
	metrics  domrepo.Metrics
	now      func() time.Time

	mu          sync.Mutex
	lastAttempt map[string]int64 // symbol -> unix seconds
}

type ResubscriberOption func(*Resubscriber)

func WithResubscriberClock(now func() time.Time) ResubscriberOption {
	return func(r *Resubscriber) {
		if now != nil {
			r.now = now
		}
	}
}

func WithResubscriberMetrics(m domrepo.Metrics) ResubscriberOption {
	return func(r *Resubscriber) {
		if m != nil {
			r.metrics = m
		}
	}
}

func NewResubscriber(registry domrepo.InstrumentRegistry, ticks domrepo.LastTickReader, feed Resubscribe, cfg ResubscriberConfig, l *logger.Logger, opts ...ResubscriberOption) *Resubscriber {
	cfg.setDefaults()
	if l == nil {
		l = logger.NewNop()
	}
	r := &Resubscriber{
		registry:    registry,
		ticks:       ticks,
		feed:        feed,
		cfg:         cfg,
		log:         l,
		metrics:     domrepo.NopMetrics{},
		now:         time.Now,
		lastAttempt: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Check runs one pass and returns the instruments it resubscribed.
func (r *Resubscriber) Check(ctx context.Context) ([]models.Instrument, error) {
	items, err := r.registry.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	now := r.now().Unix()
	stale := r.selectStale(items, now)
	if len(stale) == 0 {
		return nil, nil
	}

	symbols := make([]string, len(stale))
	for i, it := range stale {
		symbols[i] = it.Symbol
	}
	r.log.Debug("resubscribing stale instruments", logger.Strings("symbols", symbols))

	if err := r.feed.Resubscribe(stale); err != nil {
		return stale, fmt.Errorf("resubscribe: %w", err)
	}
	r.metrics.RecordResubscribed(len(stale))
	return stale, nil
}

func (r *Resubscriber) selectStale(items []models.Instrument, now int64) []models.Instrument {
	staleAfter := int64(r.cfg.StaleAfter / time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []models.Instrument
	for _, it := range items {
		tick, ok := r.ticks.LastTick(it.Symbol)
		if ok && now-tick.Timestamp <= staleAfter {
			continue
		}
		cooldown := r.cfg.SilentCooldown
		if ok {
			cooldown = r.cfg.StaleCooldown
		}
		if now-r.lastAttempt[it.Symbol] < int64(cooldown/time.Second) {
			continue
		}
		r.lastAttempt[it.Symbol] = now
		stale = append(stale, it)
	}
	return stale
}

// Run checks on every period until ctx is done. A failing pass is logged and the loop continues.
func (r *Resubscriber) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeCheck(ctx)
		}
	}
}

func (r *Resubscriber) safeCheck(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("resubscribe pass panicked", logger.Any("panic", rec))
		}
	}()
	if _, err := r.Check(ctx); err != nil {
		r.metrics.RecordError("resubscribe")
		r.log.Warn("resubscribe pass failed", logger.Error(err))
	}
}
