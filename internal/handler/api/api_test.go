package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MetaCore/internal/domain/models"
	"MetaCore/internal/repository"
	"MetaCore/internal/service/ratelimit"
	"MetaCore/internal/usecase"
	xhttp "MetaCore/pkg/http"
	xlogger "MetaCore/pkg/logger"
)

const epoch = int64(1704067200)

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func newTestEcho(t *testing.T, mw ...echo.MiddlewareFunc) *echo.Echo {
	t.Helper()
	store := repository.NewMemoryStore()
	ticks := make([]models.Tick, 0, 60)
	for i := 0; i < 60; i++ {
		ticks = append(ticks, models.Tick{Symbol: "BTCUSDT", Price: float64(10000 + i), Volume: 1, Timestamp: epoch + int64(i*60)})
	}
	require.NoError(t, store.InsertTicks(context.Background(), ticks))

	e := echo.New()
	l := xlogger.NewNop()
	NewCandlesHandler(l, usecase.NewCandlesUseCase(store), mw...).RegisterRoutes(e)
	NewPricesHandler(l, usecase.NewPricesUseCase(store), mw...).RegisterRoutes(e)
	NewHealthHandler(store, nil).RegisterRoutes(e)
	return e
}

func get(t *testing.T, e *echo.Echo, target string) envelope {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestCandles_HourBucket(t *testing.T) {
	e := newTestEcho(t)

	env := get(t, e, "/candles?symbol=BTCUSDT&interval=3600&outputsize=1")
	require.Equal(t, http.StatusOK, env.Status)
	var candles []models.Candle
	require.NoError(t, json.Unmarshal(env.Data, &candles))
	require.Len(t, candles, 1)
	assert.Equal(t, models.Candle{Symbol: "BTCUSDT", Time: epoch, Open: 10000, High: 10059, Low: 10000, Close: 10059, Volume: 60}, candles[0])
}

func TestCandles_AscendingWithDefaultsAndBefore(t *testing.T) {
	e := newTestEcho(t)

	env := get(t, e, "/candles?symbol=BTCUSDT&interval=60")
	var candles []models.Candle
	require.NoError(t, json.Unmarshal(env.Data, &candles))
	require.Len(t, candles, 50, "outputsize defaults to 50")
	assert.Less(t, candles[0].Time, candles[49].Time)

	env = get(t, e, "/candles?symbol=BTCUSDT&interval=60&outputsize=2&before=2024-01-01T00:05:00Z")
	require.NoError(t, json.Unmarshal(env.Data, &candles))
	require.Len(t, candles, 2)
	assert.Equal(t, epoch+5*60, candles[1].Time)
}

func TestCandles_RejectsBadInput(t *testing.T) {
	e := newTestEcho(t)

	for _, target := range []string{
		"/candles?symbol=BTCUSDT&interval=30",
		"/candles?interval=60",
		"/candles?symbol=BTCUSDT&interval=60&outputsize=0",
		"/candles?symbol=BTCUSDT&interval=60&before=tomorrow",
		"/candles/last?symbol=BTCUSDT&interval=59",
	} {
		env := get(t, e, target)
		assert.Equal(t, http.StatusBadRequest, env.Status, target)
	}
}

func TestCandles_ExplicitZeroOutputSizeIsRejected(t *testing.T) {
	e := newTestEcho(t)

	for _, target := range []string{
		"/candles?symbol=BTCUSDT&interval=60&outputsize=0",
		"/candles?symbol=BTCUSDT&interval=60&outputsize=-3",
	} {
		env := get(t, e, target)
		require.Equal(t, http.StatusBadRequest, env.Status, target)
		var errs []xhttp.ValidationError
		require.NoError(t, json.Unmarshal(env.Data, &errs))
		require.Len(t, errs, 1)
		assert.Equal(t, "ERR_GTE", errs[0].Code)
		assert.Equal(t, "outputsize", errs[0].Field)
	}
}

func TestLastCandle(t *testing.T) {
	e := newTestEcho(t)

	env := get(t, e, "/candles/last?symbol=BTCUSDT&interval=2700")
	require.Equal(t, http.StatusOK, env.Status)
	var c models.Candle
	require.NoError(t, json.Unmarshal(env.Data, &c))
	assert.Equal(t, epoch, c.Time)
	assert.Equal(t, 10000.0, c.Open)
	assert.Equal(t, 10059.0, c.Close, "the second 30m base bucket folds into the same 45m bucket")

	env = get(t, e, "/candles/last?symbol=NOPE&interval=60")
	assert.Equal(t, http.StatusNotFound, env.Status)
}

func TestPrices(t *testing.T) {
	e := newTestEcho(t)

	env := get(t, e, "/prices?symbol=BTCUSDT")
	require.Equal(t, http.StatusOK, env.Status)
	var p models.LastPrice
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, models.LastPrice{Value: 10059, Timestamp: epoch + 59*60, Volume: 1}, p)

	env = get(t, e, "/prices?symbol=NOPE")
	assert.Equal(t, http.StatusNotFound, env.Status)
}

type downStore struct{}

func (downStore) Health(context.Context) error { return errors.New("clickhouse unreachable") }

type upFeed struct{}

func (upFeed) IsConnected() bool { return true }

func TestHealth(t *testing.T) {
	e := newTestEcho(t)
	env := get(t, e, "/health")
	assert.Equal(t, http.StatusOK, env.Status)
	assert.JSONEq(t, `{"store":"ok","feed":"disconnected"}`, string(env.Data))

	e2 := echo.New()
	NewHealthHandler(downStore{}, upFeed{}).RegisterRoutes(e2)
	env = get(t, e2, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, env.Status)
	assert.JSONEq(t, `{"store":"clickhouse unreachable","feed":"connected"}`, string(env.Data))
}

func TestRateLimit(t *testing.T) {
	e := newTestEcho(t, RateLimit(ratelimit.New(), 1, 0.001))

	assert.Equal(t, http.StatusOK, get(t, e, "/prices?symbol=BTCUSDT").Status)
	assert.Equal(t, http.StatusTooManyRequests, get(t, e, "/prices?symbol=BTCUSDT").Status)
	assert.Equal(t, http.StatusOK, get(t, e, "/health").Status, "health is not limited")
}
