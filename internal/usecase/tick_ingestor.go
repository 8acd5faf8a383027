package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	mid "MetaCore/internal/middleware"
	"MetaCore/internal/service/tradingview"
	"MetaCore/pkg/logger"
)

var ErrFeedNotReady = errors.New("feed session not open yet")

// TickIngestor observes the feed session: it subscribes the registry on every
// open and turns price packets into published ticks.
type TickIngestor struct {
	registry domrepo.InstrumentRegistry
	pipe     *mid.RealtimePipeline
	log      *logger.Logger
	metrics  domrepo.Metrics
	verbose  bool
	now      func() time.Time

	mu   sync.RWMutex
	subs tradingview.Subscriptions
}

type IngestorOption func(*TickIngestor)

func WithIngestorVerbose(v bool) IngestorOption {
	return func(i *TickIngestor) { i.verbose = v }
}

func WithIngestorMetrics(m domrepo.Metrics) IngestorOption {
	return func(i *TickIngestor) {
		if m != nil {
			i.metrics = m
		}
	}
}

func WithIngestorClock(now func() time.Time) IngestorOption {
	return func(i *TickIngestor) {
		if now != nil {
			i.now = now
		}
	}
}

func NewTickIngestor(registry domrepo.InstrumentRegistry, pipe *mid.RealtimePipeline, l *logger.Logger, opts ...IngestorOption) *TickIngestor {
	if l == nil {
		l = logger.NewNop()
	}
	i := &TickIngestor{
		registry: registry,
		pipe:     pipe,
		log:      l,
		metrics:  domrepo.NopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// OnOpen subscribes the full instrument set on the fresh connection.
func (i *TickIngestor) OnOpen(ctx context.Context, subs tradingview.Subscriptions) {
	i.mu.Lock()
	i.subs = subs
	i.mu.Unlock()

	items, err := i.registry.ListInstruments(ctx)
	if err != nil {
		i.metrics.RecordError("registry_list")
		i.log.Error("list instruments on open", logger.Error(err))
		return
	}
	i.log.Info("subscribing to instruments", logger.Int("count", len(items)))
	if err := subs.Subscribe(items); err != nil {
		i.metrics.RecordError("feed_subscribe")
		i.log.Error("subscribe on open", logger.Error(err))
	}
}

func (i *TickIngestor) OnPrice(pkt *tradingview.Packet) {
	q, ok := tradingview.ParseQuote(pkt)
	if !ok || q.Symbol == "" {
		return
	}
	tick := models.Tick{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Timestamp: i.now().Unix(),
	}
	if i.verbose {
		i.log.Debug("price update from ingestor",
			logger.String("symbol", tick.Symbol),
			logger.Float64("price", tick.Price),
			logger.Int64("timestamp", tick.Timestamp))
	}
	if _, err := i.pipe.Process(context.Background(), tick); err != nil {
		i.log.Warn("tick rejected",
			logger.String("symbol", tick.Symbol),
			logger.Error(err))
	}
}

func (i *TickIngestor) OnError(pkt *tradingview.Packet) {
	symbol, msg := tradingview.ErrorMessage(pkt)
	i.metrics.RecordError("feed_symbol_error")
	i.log.Warn("feed reported error",
		logger.String("symbol", symbol),
		logger.String("message", msg))
}

func (i *TickIngestor) OnCompleted(pkt *tradingview.Packet) {
	if !i.verbose {
		return
	}
	var symbol string
	if pkt != nil && len(pkt.P) > 1 {
		_ = json.Unmarshal(pkt.P[1], &symbol)
	}
	i.log.Debug("quote completed", logger.String("symbol", symbol))
}

// Track subscribes instruments added after startup.
func (i *TickIngestor) Track(items []models.Instrument) error {
	subs := i.current()
	if subs == nil {
		return ErrFeedNotReady
	}
	return subs.Subscribe(items)
}

// Untrack removes instruments from the live feed.
func (i *TickIngestor) Untrack(items []models.Instrument) error {
	subs := i.current()
	if subs == nil {
		return ErrFeedNotReady
	}
	return subs.Unsubscribe(items)
}

func (i *TickIngestor) current() tradingview.Subscriptions {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.subs
}

var _ tradingview.Handler = (*TickIngestor)(nil)
