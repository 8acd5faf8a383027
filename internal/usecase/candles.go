package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	"MetaCore/pkg/cache"
	"MetaCore/pkg/logger"
)

var (
	ErrInvalidInterval   = errors.New("interval must be at least 60 seconds")
	ErrInvalidOutputSize = errors.New("outputsize must be at least 1")
	ErrSymbolRequired    = errors.New("symbol required")
)

// CandlesUseCase serves candle reads in time-ascending order.
type CandlesUseCase struct {
	store domrepo.CandleStore
	cache cache.Service
	ttl   time.Duration
	log   *logger.Logger
}

type CandlesOption func(*CandlesUseCase)

// WithCandleCache caches responses for ttl. A nil cache disables caching.
func WithCandleCache(c cache.Service, ttl time.Duration) CandlesOption {
	return func(uc *CandlesUseCase) {
		uc.cache = c
		uc.ttl = ttl
	}
}

func WithCandlesLogger(l *logger.Logger) CandlesOption {
	return func(uc *CandlesUseCase) {
		if l != nil {
			uc.log = l
		}
	}
}

func NewCandlesUseCase(store domrepo.CandleStore, opts ...CandlesOption) *CandlesUseCase {
	uc := &CandlesUseCase{store: store, log: logger.NewNop()}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func validateQuery(symbol string, interval int64) error {
	if symbol == "" {
		return ErrSymbolRequired
	}
	if interval < domrepo.MinInterval {
		return ErrInvalidInterval
	}
	return nil
}

// GetCandles returns up to q.OutputSize candles ending at q.Before (or now), oldest first.
func (uc *CandlesUseCase) GetCandles(ctx context.Context, q domrepo.CandleQuery) ([]models.Candle, error) {
	if err := validateQuery(q.Symbol, q.Interval); err != nil {
		return nil, err
	}
	if q.OutputSize < 1 {
		return nil, ErrInvalidOutputSize
	}

	key := candlesKey(q)
	if uc.cache != nil {
		var cached []models.Candle
		if err := uc.cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			uc.log.Warn("candle cache get", logger.String("key", key), logger.Error(err))
		}
	}

	candles, err := uc.store.GetCandles(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	reverse(candles)
	if candles == nil {
		candles = []models.Candle{}
	}

	if uc.cache != nil {
		if err := uc.cache.Set(ctx, key, candles, uc.ttl); err != nil {
			uc.log.Warn("candle cache set", logger.String("key", key), logger.Error(err))
		}
	}
	return candles, nil
}

// GetLastCandle returns the most recent bucket, or nil when the symbol has no data.
func (uc *CandlesUseCase) GetLastCandle(ctx context.Context, symbol string, interval int64) (*models.Candle, error) {
	if err := validateQuery(symbol, interval); err != nil {
		return nil, err
	}
	c, err := uc.store.GetLastCandle(ctx, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("get last candle: %w", err)
	}
	return c, nil
}

func candlesKey(q domrepo.CandleQuery) string {
	before := "now"
	if q.Before != nil {
		before = fmt.Sprint(*q.Before)
	}
	return cache.GenerateKeyWithParams("candles", q.Symbol, q.Interval, q.OutputSize, before)
}

func reverse(c []models.Candle) {
	for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
		c[i], c[j] = c[j], c[i]
	}
}
