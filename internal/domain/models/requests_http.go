package models

// Requests for the public HTTP endpoints.

// DefaultOutputSize applies when outputsize is absent from the query.
const DefaultOutputSize = 50

type CandlesRequest struct {
	Symbol     string `query:"symbol" json:"symbol" validate:"required"`
	Interval   int64  `query:"interval" json:"interval" validate:"required,gte=60"`
	OutputSize int    `query:"outputsize" json:"outputsize" validate:"gte=1,lte=5000"`
	Before     string `query:"before" json:"before"`
}

type LastCandleRequest struct {
	Symbol   string `query:"symbol" json:"symbol" validate:"required"`
	Interval int64  `query:"interval" json:"interval" validate:"required,gte=60"`
}

type PriceRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required"`
}
