package models

// Tick is one observed price sample. Timestamp is unix seconds.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
	Volume    float64 `json:"volume"`
}

// LastPrice is the latest-price lookup result.
type LastPrice struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Volume    float64 `json:"volume"`
}
