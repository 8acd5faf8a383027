package repository

import (
	"context"

	"MetaCore/internal/domain/models"
)

// Publisher pushes normalized ticks onto the broker topic.
type Publisher interface {
	Publish(ctx context.Context, t models.Tick) error
	Close() error
}

// TickStorage is the durable write target for drained batches.
type TickStorage interface {
	InsertTicks(ctx context.Context, ticks []models.Tick) error
	Health(ctx context.Context) error
}

// CandleQuery selects candles for one symbol. Before is an inclusive upper bound in unix seconds.
type CandleQuery struct {
	Symbol     string
	Interval   int64
	OutputSize int
	Before     *int64
}

// CandleStore returns candles newest first, at most OutputSize rows.
// GetLastCandle returns nil, nil when nothing is stored for the symbol.
type CandleStore interface {
	GetCandles(ctx context.Context, q CandleQuery) ([]models.Candle, error)
	GetLastCandle(ctx context.Context, symbol string, interval int64) (*models.Candle, error)
}

// PriceStore answers latest-price lookups from durable data. Both return nil, nil when empty.
type PriceStore interface {
	LastTick(ctx context.Context, symbol string) (*models.Tick, error)
	LastClose(ctx context.Context, symbol string) (*models.Tick, error)
}

// InstrumentRegistry lists every instrument the process should track.
type InstrumentRegistry interface {
	ListInstruments(ctx context.Context) ([]models.Instrument, error)
}

// LastTickReader exposes the in-memory last-value cache.
type LastTickReader interface {
	LastTick(symbol string) (models.Tick, bool)
}

type Metrics interface {
	RecordMessageSent(backend, symbol string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	RecordBatch(reason string, size int)
	RecordResubscribed(count int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordMessageSent(string, string) {}
func (NopMetrics) RecordError(string) {}
func (NopMetrics) RecordLastPrice(string, float64) {}
func (NopMetrics) RecordLatency(string, float64) {}
func (NopMetrics) RecordBatch(string, int) {}
func (NopMetrics) RecordResubscribed(int) {}
