package usecase

import (
	"context"
	"errors"
	"sync"

	"MetaCore/internal/domain/models"
)

var errStoreDown = errors.New("store down")

type fakeStorage struct {
	mu      sync.Mutex
	batches [][]models.Tick
	fails   int // remaining calls that fail
	block   chan struct{}
	entered chan struct{}
	panics  bool
}

func (s *fakeStorage) InsertTicks(_ context.Context, ticks []models.Tick) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("driver exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errStoreDown
	}
	s.batches = append(s.batches, append([]models.Tick(nil), ticks...))
	return nil
}

func (s *fakeStorage) Health(context.Context) error { return nil }

func (s *fakeStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeStorage) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}
	return out
}

type fakePublisher struct {
	mu    sync.Mutex
	ticks []models.Tick
}

func (p *fakePublisher) Publish(_ context.Context, t models.Tick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks = append(p.ticks, t)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []models.Tick {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Tick(nil), p.ticks...)
}

type fakeRegistry struct {
	items []models.Instrument
	err   error
}

func (r *fakeRegistry) ListInstruments(context.Context) ([]models.Instrument, error) {
	return r.items, r.err
}

func instruments(keys ...string) []models.Instrument {
	out := make([]models.Instrument, 0, len(keys))
	for _, k := range keys {
		it, err := models.ParseInstrumentKey(k)
		if err != nil {
			panic(err)
		}
		out = append(out, it)
	}
	return out
}
