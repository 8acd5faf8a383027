package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	applogger "MetaCore/pkg/logger"
)

// CHCandleStore reads candles from the per-interval aggregating tables.
type CHCandleStore struct {
	db *sql.DB
	l  *applogger.Logger
}

func NewCHCandleStore(db *sql.DB, l *applogger.Logger) *CHCandleStore {
	if l == nil {
		l = applogger.NewNop()
	}
	return &CHCandleStore{db: db, l: l}
}

var _ domrepo.CandleStore = (*CHCandleStore)(nil)

// mergeColumns finalizes the partial states of one base bucket.
const mergeColumns = `argMinMerge(open) AS o,
            max(high) AS h,
            min(low) AS l,
            argMaxMerge(close) AS c,
            sum(volume) AS v`

// BuildCandlesQuery returns SQL and args for q. When q.Interval is a standard
// rung the base table is read directly; otherwise merged base buckets are
// re-bucketed to q.Interval.
func BuildCandlesQuery(q domrepo.CandleQuery) (string, []interface{}, error) {
	table, err := domrepo.TableForInterval(q.Interval)
	if err != nil {
		return "", nil, err
	}
	base := domrepo.ResolveBaseInterval(q.Interval)

	var where strings.Builder
	where.WriteString("symbol = ?")
	args := []interface{}{q.Symbol}
	if q.Before != nil {
		where.WriteString(" AND toUnixTimestamp(time) <= ?")
		args = append(args, *q.Before)
	}
	args = append(args, q.OutputSize)

	if base == q.Interval {
		sqlText := fmt.Sprintf(`
        SELECT symbol, toInt64(toUnixTimestamp(time)) AS ts,
            %s
        FROM %s
        WHERE %s
        GROUP BY symbol, time
        ORDER BY time DESC
        LIMIT ?`, mergeColumns, table, where.String())
		return sqlText, args, nil
	}

	sqlText := fmt.Sprintf(`
        SELECT symbol, toInt64(toUnixTimestamp(toStartOfInterval(bucket, INTERVAL %d SECOND))) AS ts,
            argMin(o, bucket) AS open,
            max(h) AS high,
            min(l) AS low,
            argMax(c, bucket) AS close,
            sum(v) AS volume
        FROM (
            SELECT symbol, time AS bucket,
                %s
            FROM %s
            WHERE %s
            GROUP BY symbol, time
        )
        GROUP BY symbol, ts
        ORDER BY ts DESC
        LIMIT ?`, q.Interval, mergeColumns, table, where.String())
	return sqlText, args, nil
}

// GetCandles returns at most q.OutputSize candles, newest first.
func (s *CHCandleStore) GetCandles(ctx context.Context, q domrepo.CandleQuery) ([]models.Candle, error) {
	start := time.Now()
	query, args, err := BuildCandlesQuery(q)
	if err != nil {
		return nil, err
	}
	fields := []applogger.Field{
		applogger.String("symbol", q.Symbol),
		applogger.Int64("interval", q.Interval),
		applogger.Int("limit", q.OutputSize),
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.l.Error("clickhouse get_candles query error", append(fields, applogger.Error(err))...)
		return nil, fmt.Errorf("get candles: %w", err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, q.OutputSize)
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Symbol, &c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			s.l.Error("clickhouse get_candles scan error", append(fields, applogger.Error(err))...)
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		s.l.Error("clickhouse get_candles rows error", append(fields, applogger.Error(err))...)
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Debug("clickhouse get_candles ok", append(fields,
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)...)
	return out, nil
}

// GetLastCandle is GetCandles with one row; nil when the symbol has no data.
func (s *CHCandleStore) GetLastCandle(ctx context.Context, symbol string, interval int64) (*models.Candle, error) {
	candles, err := s.GetCandles(ctx, domrepo.CandleQuery{Symbol: symbol, Interval: interval, OutputSize: 1})
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}
	return &candles[0], nil
}
