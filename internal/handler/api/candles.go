package api

import (
	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
	"MetaCore/internal/usecase"
	xhttp "MetaCore/pkg/http"
	xlogger "MetaCore/pkg/logger"

	"github.com/labstack/echo/v4"
)

// CandlesHandler serves OHLCV reads.
type CandlesHandler struct {
	logger  *xlogger.Logger
	candles *usecase.CandlesUseCase
	mw      []echo.MiddlewareFunc
}

func NewCandlesHandler(logger *xlogger.Logger, candles *usecase.CandlesUseCase, mw ...echo.MiddlewareFunc) *CandlesHandler {
	return &CandlesHandler{logger: logger, candles: candles, mw: mw}
}

func (h *CandlesHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/candles", h.mw...)
	g.GET("", h.Candles)
	g.GET("/last", h.LastCandle)
}

func (h *CandlesHandler) Candles(c echo.Context) error {
	// prefilled so an explicit outputsize=0 still reaches validation
	req := &models.CandlesRequest{OutputSize: models.DefaultOutputSize}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	q := domrepo.CandleQuery{Symbol: req.Symbol, Interval: req.Interval, OutputSize: req.OutputSize}
	if req.Before != "" {
		t, ok := xhttp.ParseTime(req.Before)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.InvalidParam("INVALID", "before", "before must be unix seconds or RFC3339"))
		}
		before := t.Unix()
		q.Before = &before
	}

	candles, err := h.candles.GetCandles(c.Request().Context(), q)
	if err != nil {
		err = toAppError(err)
		h.logger.Error("candles usecase error", xlogger.String("symbol", req.Symbol), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, candles)
}

func (h *CandlesHandler) LastCandle(c echo.Context) error {
	req := &models.LastCandleRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	candle, err := h.candles.GetLastCandle(c.Request().Context(), req.Symbol, req.Interval)
	if err != nil {
		err = toAppError(err)
		h.logger.Error("last candle usecase error", xlogger.String("symbol", req.Symbol), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	if candle == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no candles for %s", req.Symbol))
	}
	return xhttp.SuccessResponse(c, candle)
}
