package repository

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"MetaCore/internal/domain/models"
	pkghttp "MetaCore/pkg/http"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry([]string{"nasdaq:aapl", "BINANCE:BTCUSDT", "broken", "NASDAQ:AAPL", ":X"}, nil)
	got, err := r.ListInstruments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Instrument{
		{Symbol: "AAPL", Exchange: "NASDAQ"},
		{Symbol: "BTCUSDT", Exchange: "BINANCE"},
	}, got)
}

func TestRedisRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	r := NewRedisRegistry(rdb, "metacore:instruments", nil)

	got, err := r.ListInstruments(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, r.Add(ctx,
		models.Instrument{Symbol: "AAPL", Exchange: "NASDAQ"},
		models.Instrument{Symbol: "BTCUSDT", Exchange: "BINANCE"},
	))
	_, err = mr.SAdd("metacore:instruments", "garbage")
	require.NoError(t, err)

	got, err = r.ListInstruments(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Instrument{
		{Symbol: "AAPL", Exchange: "NASDAQ"},
		{Symbol: "BTCUSDT", Exchange: "BINANCE"},
	}, got)

	require.NoError(t, r.Remove(ctx, models.Instrument{Symbol: "AAPL", Exchange: "NASDAQ"}))
	got, err = r.ListInstruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Instrument{{Symbol: "BTCUSDT", Exchange: "BINANCE"}}, got)
}

func TestRedisRegistryError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.SetError("boom")

	_, err := NewRedisRegistry(rdb, "k", nil).ListInstruments(context.Background())
	assert.Error(t, err)
}

func TestHTTPRegistry(t *testing.T) {
	cases := map[string]string{
		"bare array": `[{"symbol":"aapl","exchange":"nasdaq"},{"symbol":"","exchange":"X"}]`,
		"envelope":   `{"status":200,"message":"ok","data":[{"symbol":"aapl","exchange":"nasdaq"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			r := NewHTTPRegistry(pkghttp.NewClient(), srv.URL, "tok", nil)
			got, err := r.ListInstruments(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []models.Instrument{{Symbol: "AAPL", Exchange: "NASDAQ"}}, got)
		})
	}
}

func TestHTTPRegistryUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPRegistry(pkghttp.NewClient(), srv.URL, "", nil).ListInstruments(context.Background())
	var se *pkghttp.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
}
