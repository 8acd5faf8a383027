package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	applogger "MetaCore/pkg/logger"
)

// insertChunkSize bounds rows per multi-row INSERT.
const insertChunkSize = 2000

// ClickHouseTickStorage writes raw ticks and answers latest-price lookups.
type ClickHouseTickStorage struct {
	db *sql.DB
	l  *applogger.Logger
}

func NewClickHouseTickStorage(db *sql.DB, l *applogger.Logger) *ClickHouseTickStorage {
	if l == nil {
		l = applogger.NewNop()
	}
	return &ClickHouseTickStorage{db: db, l: l}
}

var (
	_ domrepo.TickStorage = (*ClickHouseTickStorage)(nil)
	_ domrepo.PriceStore  = (*ClickHouseTickStorage)(nil)
)

// InsertTicks writes all ticks, chunked into multi-row VALUES inserts.
// Ticks without a symbol or timestamp are skipped.
func (s *ClickHouseTickStorage) InsertTicks(ctx context.Context, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	start := time.Now()
	written := 0
	for from := 0; from < len(ticks); from += insertChunkSize {
		to := from + insertChunkSize
		if to > len(ticks) {
			to = len(ticks)
		}
		q, args := buildTickInsert(ticks[from:to])
		if len(args) == 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse insert_ticks error",
				applogger.Int("chunk_rows", len(args)/4),
				applogger.Int("written", written),
				applogger.Error(err),
			)
			return fmt.Errorf("insert ticks: %w", err)
		}
		written += len(args) / 4
	}
	s.l.Debug("clickhouse insert_ticks ok",
		applogger.Int("rows", written),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

func buildTickInsert(ticks []models.Tick) (string, []interface{}) {
	values := make([]string, 0, len(ticks))
	args := make([]interface{}, 0, len(ticks)*4)
	for _, t := range ticks {
		if t.Symbol == "" || t.Timestamp == 0 {
			continue
		}
		values = append(values, "(?, ?, ?, ?)")
		args = append(args, t.Symbol, t.Price, t.Volume, time.Unix(t.Timestamp, 0).UTC())
	}
	return "INSERT INTO ticks (symbol, price, volume, timestamp) VALUES " + strings.Join(values, ","), args
}

// LastTick returns the most recent raw tick, or nil when the symbol has none.
func (s *ClickHouseTickStorage) LastTick(ctx context.Context, symbol string) (*models.Tick, error) {
	const q = `
        SELECT symbol, price, toInt64(toUnixTimestamp(timestamp)) AS ts, volume
        FROM ticks
        WHERE symbol = ?
        ORDER BY timestamp DESC
        LIMIT 1
    `
	var t models.Tick
	err := s.db.QueryRowContext(ctx, q, symbol).Scan(&t.Symbol, &t.Price, &t.Timestamp, &t.Volume)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.l.Error("clickhouse last_tick error", applogger.String("symbol", symbol), applogger.Error(err))
		return nil, fmt.Errorf("last tick: %w", err)
	}
	return &t, nil
}

// LastClose returns the latest 1m close as a zero-volume tick, or nil.
func (s *ClickHouseTickStorage) LastClose(ctx context.Context, symbol string) (*models.Tick, error) {
	const q = `
        SELECT argMaxMerge(close) AS price, toInt64(toUnixTimestamp(time)) AS ts
        FROM candles_1m
        WHERE symbol = ?
        GROUP BY time
        ORDER BY time DESC
        LIMIT 1
    `
	t := models.Tick{Symbol: symbol}
	err := s.db.QueryRowContext(ctx, q, symbol).Scan(&t.Price, &t.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.l.Error("clickhouse last_close error", applogger.String("symbol", symbol), applogger.Error(err))
		return nil, fmt.Errorf("last close: %w", err)
	}
	return &t, nil
}

func (s *ClickHouseTickStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
