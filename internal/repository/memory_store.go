package repository

import (
	"context"
	"sort"
	"sync"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
)

// partial is the mergeable state of one bucket: earliest/latest by time,
// max, min and sum.
type partial struct {
	open, close       float64
	openTs, closeTs   int64
	high, low, volume float64
}

func newPartial(price, volume float64, ts int64) partial {
	return partial{open: price, close: price, openTs: ts, closeTs: ts, high: price, low: price, volume: volume}
}

func (p *partial) merge(o partial) {
	if o.openTs < p.openTs {
		p.open, p.openTs = o.open, o.openTs
	}
	if o.closeTs >= p.closeTs {
		p.close, p.closeTs = o.close, o.closeTs
	}
	if o.high > p.high {
		p.high = o.high
	}
	if o.low < p.low {
		p.low = o.low
	}
	p.volume += o.volume
}

func floorBucket(ts, width int64) int64 {
	r := ts % width
	if r < 0 {
		r += width
	}
	return ts - r
}

// MemoryStore keeps the same per-rung partial state the ClickHouse views
// materialize, in process. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	last     map[string]models.Tick
	rungs    map[int64]map[string]map[int64]*partial
	inserted int
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		last:  make(map[string]models.Tick),
		rungs: make(map[int64]map[string]map[int64]*partial),
	}
	for _, iv := range domrepo.StandardIntervals() {
		s.rungs[iv] = make(map[string]map[int64]*partial)
	}
	return s
}

var (
	_ domrepo.TickStorage = (*MemoryStore)(nil)
	_ domrepo.CandleStore = (*MemoryStore)(nil)
	_ domrepo.PriceStore  = (*MemoryStore)(nil)
)

func (s *MemoryStore) InsertTicks(_ context.Context, ticks []models.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ticks {
		if t.Symbol == "" || t.Timestamp == 0 {
			continue
		}
		if prev, ok := s.last[t.Symbol]; !ok || t.Timestamp >= prev.Timestamp {
			s.last[t.Symbol] = t
		}
		for iv, bySymbol := range s.rungs {
			buckets, ok := bySymbol[t.Symbol]
			if !ok {
				buckets = make(map[int64]*partial)
				bySymbol[t.Symbol] = buckets
			}
			b := floorBucket(t.Timestamp, iv)
			p := newPartial(t.Price, t.Volume, t.Timestamp)
			if cur, ok := buckets[b]; ok {
				cur.merge(p)
			} else {
				buckets[b] = &p
			}
		}
		s.inserted++
	}
	return nil
}

// Inserted reports how many ticks were accepted.
func (s *MemoryStore) Inserted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserted
}

func (s *MemoryStore) GetCandles(_ context.Context, q domrepo.CandleQuery) ([]models.Candle, error) {
	base := domrepo.ResolveBaseInterval(q.Interval)

	s.mu.RLock()
	buckets := s.rungs[base][q.Symbol]
	merged := make(map[int64]partial, len(buckets))
	for b, p := range buckets {
		if q.Before != nil && b > *q.Before {
			continue
		}
		key := b
		if base != q.Interval {
			key = floorBucket(b, q.Interval)
		}
		if cur, ok := merged[key]; ok {
			cur.merge(*p)
			merged[key] = cur
		} else {
			merged[key] = *p
		}
	}
	s.mu.RUnlock()

	keys := make([]int64, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	if q.OutputSize > 0 && len(keys) > q.OutputSize {
		keys = keys[:q.OutputSize]
	}

	out := make([]models.Candle, 0, len(keys))
	for _, k := range keys {
		p := merged[k]
		out = append(out, models.Candle{
			Symbol: q.Symbol,
			Time:   k,
			Open:   p.open,
			High:   p.high,
			Low:    p.low,
			Close:  p.close,
			Volume: p.volume,
		})
	}
	return out, nil
}

func (s *MemoryStore) GetLastCandle(ctx context.Context, symbol string, interval int64) (*models.Candle, error) {
	candles, err := s.GetCandles(ctx, domrepo.CandleQuery{Symbol: symbol, Interval: interval, OutputSize: 1})
	if err != nil || len(candles) == 0 {
		return nil, err
	}
	return &candles[0], nil
}

func (s *MemoryStore) LastTick(_ context.Context, symbol string) (*models.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[symbol]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *MemoryStore) LastClose(_ context.Context, symbol string) (*models.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest int64
		found  bool
		p      *partial
	)
	for b, cur := range s.rungs[domrepo.MinInterval][symbol] {
		if !found || b > latest {
			latest, p, found = b, cur, true
		}
	}
	if !found {
		return nil, nil
	}
	return &models.Tick{Symbol: symbol, Price: p.close, Timestamp: latest}, nil
}

func (s *MemoryStore) Health(context.Context) error { return nil }
