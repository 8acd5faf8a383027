package repository

import (
	"fmt"

	domrepo "MetaCore/internal/domain/repository"
)

const ticksDDL = `
CREATE TABLE IF NOT EXISTS ticks (
    symbol String,
    price Float64,
    volume Float64,
    timestamp DateTime
) ENGINE = MergeTree()
PARTITION BY toYYYYMMDD(timestamp)
ORDER BY (symbol, timestamp)`

const candleTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
    symbol String,
    time DateTime,
    open AggregateFunction(argMin, Float64, DateTime),
    high SimpleAggregateFunction(max, Float64),
    low SimpleAggregateFunction(min, Float64),
    close AggregateFunction(argMax, Float64, DateTime),
    volume SimpleAggregateFunction(sum, Float64)
) ENGINE = AggregatingMergeTree
PARTITION BY toYYYYMM(time)
ORDER BY (symbol, time)`

const candleViewDDL = `
CREATE MATERIALIZED VIEW IF NOT EXISTS %s_mv TO %s AS
SELECT
    symbol,
    toStartOfInterval(timestamp, INTERVAL %d SECOND) AS time,
    argMinState(price, timestamp) AS open,
    max(price) AS high,
    min(price) AS low,
    argMaxState(price, timestamp) AS close,
    sum(volume) AS volume
FROM ticks
GROUP BY symbol, time`

// SchemaStatements returns the idempotent DDL for the raw tick table and one
// aggregating table plus materialized view per standard interval.
func SchemaStatements() []string {
	stmts := []string{ticksDDL}
	for _, iv := range domrepo.StandardIntervals() {
		table, _ := domrepo.TableForInterval(iv)
		stmts = append(stmts,
			fmt.Sprintf(candleTableDDL, table),
			fmt.Sprintf(candleViewDDL, table, table, iv),
		)
	}
	return stmts
}
