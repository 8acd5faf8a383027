package repository

import (
	"fmt"
	"sort"
)

// MinInterval is the smallest candle width served, in seconds.
const MinInterval int64 = 60

// intervalTables maps each materialized rung to its table name.
var intervalTables = map[int64]string{
	60:    "candles_1m",
	300:   "candles_5m",
	900:   "candles_15m",
	1800:  "candles_30m",
	3600:  "candles_1h",
	14400: "candles_4h",
	86400: "candles_1d",
}

// standardIntervals is the ladder sorted ascending.
var standardIntervals = func() []int64 {
	out := make([]int64, 0, len(intervalTables))
	for k := range intervalTables {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}()

// StandardIntervals returns a copy of the ladder, ascending.
func StandardIntervals() []int64 {
	return append([]int64(nil), standardIntervals...)
}

// ResolveBaseInterval picks the largest standard interval <= requested,
// or the smallest one when requested is below the ladder.
func ResolveBaseInterval(requested int64) int64 {
	for i := len(standardIntervals) - 1; i >= 0; i-- {
		if standardIntervals[i] <= requested {
			return standardIntervals[i]
		}
	}
	return standardIntervals[0]
}

// IsStandardInterval reports whether interval is a materialized rung.
func IsStandardInterval(interval int64) bool {
	_, ok := intervalTables[interval]
	return ok
}

// TableForInterval returns the table backing the base interval of requested.
func TableForInterval(requested int64) (string, error) {
	table, ok := intervalTables[ResolveBaseInterval(requested)]
	if !ok {
		return "", fmt.Errorf("unsupported interval: %d", requested)
	}
	return table, nil
}
