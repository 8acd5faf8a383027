package repository

import (
	"context"
	"testing"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-01-01T00:00:00Z, aligned to every rung and to 2700s.
const epoch int64 = 1704067200

func seedMinutes(t *testing.T, s *MemoryStore, symbol string, minutes int) {
	t.Helper()
	ticks := make([]models.Tick, 0, minutes)
	for i := 0; i < minutes; i++ {
		ticks = append(ticks, models.Tick{
			Symbol:    symbol,
			Price:     float64(10000 + i),
			Volume:    1,
			Timestamp: epoch + int64(i)*60,
		})
	}
	require.NoError(t, s.InsertTicks(context.Background(), ticks))
}

func TestMemoryStoreHourCandle(t *testing.T) {
	s := NewMemoryStore()
	seedMinutes(t, s, "TESTBTCUSDT", 60)

	candles, err := s.GetCandles(context.Background(), domrepo.CandleQuery{Symbol: "TESTBTCUSDT", Interval: 3600, OutputSize: 10})
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, models.Candle{
		Symbol: "TESTBTCUSDT", Time: epoch,
		Open: 10000, High: 10059, Low: 10000, Close: 10059, Volume: 60,
	}, candles[0])
}

func TestMemoryStoreRebucketsNonStandardInterval(t *testing.T) {
	s := NewMemoryStore()
	seedMinutes(t, s, "TESTBTCUSDT", 45)

	candles, err := s.GetCandles(context.Background(), domrepo.CandleQuery{Symbol: "TESTBTCUSDT", Interval: 2700, OutputSize: 10})
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, models.Candle{
		Symbol: "TESTBTCUSDT", Time: epoch,
		Open: 10000, High: 10044, Low: 10000, Close: 10044, Volume: 45,
	}, candles[0])
}

func TestMemoryStoreOrderLimitAndBefore(t *testing.T) {
	s := NewMemoryStore()
	seedMinutes(t, s, "AAPL", 120)
	ctx := context.Background()

	candles, err := s.GetCandles(ctx, domrepo.CandleQuery{Symbol: "AAPL", Interval: 300, OutputSize: 3})
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, epoch+115*60, candles[0].Time)
	assert.Equal(t, epoch+110*60, candles[1].Time)
	assert.Equal(t, epoch+105*60, candles[2].Time)
	assert.Equal(t, float64(10115), candles[0].Open)
	assert.Equal(t, float64(10119), candles[0].Close)

	before := epoch + 30*60
	candles, err = s.GetCandles(ctx, domrepo.CandleQuery{Symbol: "AAPL", Interval: 60, OutputSize: 100, Before: &before})
	require.NoError(t, err)
	require.Len(t, candles, 31)
	assert.Equal(t, before, candles[0].Time)

	// 90s resolves to the 1m table and re-buckets into 90s windows
	candles, err = s.GetCandles(ctx, domrepo.CandleQuery{Symbol: "AAPL", Interval: 90, OutputSize: 1})
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, int64(0), candles[0].Time%90)
}

func TestMemoryStoreOutOfOrderTicks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertTicks(ctx, []models.Tick{
		{Symbol: "X", Price: 3, Volume: 1, Timestamp: epoch + 50},
		{Symbol: "X", Price: 1, Volume: 1, Timestamp: epoch + 10},
		{Symbol: "X", Price: 5, Volume: 1, Timestamp: epoch + 30},
	}))

	c, err := s.GetLastCandle(ctx, "X", 60)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, float64(1), c.Open)
	assert.Equal(t, float64(3), c.Close)
	assert.Equal(t, float64(5), c.High)
	assert.Equal(t, float64(1), c.Low)
	assert.Equal(t, float64(3), c.Volume)

	last, err := s.LastTick(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, epoch+50, last.Timestamp)
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c, err := s.GetLastCandle(ctx, "NOPE", 60)
	require.NoError(t, err)
	assert.Nil(t, c)

	candles, err := s.GetCandles(ctx, domrepo.CandleQuery{Symbol: "NOPE", Interval: 300, OutputSize: 5})
	require.NoError(t, err)
	assert.Empty(t, candles)

	tick, err := s.LastTick(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, tick)

	tick, err = s.LastClose(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, tick)
}

func TestMemoryStoreLastClose(t *testing.T) {
	s := NewMemoryStore()
	seedMinutes(t, s, "AAPL", 3)

	tick, err := s.LastClose(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, tick)
	assert.Equal(t, float64(10002), tick.Price)
	assert.Equal(t, epoch+120, tick.Timestamp)
	assert.Zero(t, tick.Volume)
}

func TestMemoryStoreSkipsInvalidTicks(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertTicks(context.Background(), []models.Tick{
		{Symbol: "", Price: 1, Timestamp: epoch},
		{Symbol: "A", Price: 1},
		{Symbol: "A", Price: 1, Timestamp: epoch},
	}))
	assert.Equal(t, 1, s.Inserted())
}
