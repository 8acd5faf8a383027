package models

import (
	"fmt"
	"strings"
)

// Instrument identifies a tradable symbol on an exchange.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Key returns the feed subscription key, EXCHANGE:SYMBOL, upper-cased.
func (i Instrument) Key() string {
	return strings.ToUpper(strings.TrimSpace(i.Exchange)) + ":" + strings.ToUpper(strings.TrimSpace(i.Symbol))
}

// ParseInstrumentKey parses EXCHANGE:SYMBOL into an Instrument.
func ParseInstrumentKey(key string) (Instrument, error) {
	exchange, symbol, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || exchange == "" || symbol == "" {
		return Instrument{}, fmt.Errorf("invalid instrument key %q", key)
	}
	return Instrument{
		Symbol:   strings.ToUpper(symbol),
		Exchange: strings.ToUpper(exchange),
	}, nil
}
