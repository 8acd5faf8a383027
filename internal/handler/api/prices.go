package api

import (
	"MetaCore/internal/domain/models"
	"MetaCore/internal/usecase"
	xhttp "MetaCore/pkg/http"
	xlogger "MetaCore/pkg/logger"

	"github.com/labstack/echo/v4"
)

type PricesHandler struct {
	logger *xlogger.Logger
	prices *usecase.PricesUseCase
	mw     []echo.MiddlewareFunc
}

func NewPricesHandler(logger *xlogger.Logger, prices *usecase.PricesUseCase, mw ...echo.MiddlewareFunc) *PricesHandler {
	return &PricesHandler{logger: logger, prices: prices, mw: mw}
}

func (h *PricesHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/prices", h.LastPrice, h.mw...)
}

func (h *PricesHandler) LastPrice(c echo.Context) error {
	req := &models.PriceRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	price, err := h.prices.GetLastPrice(c.Request().Context(), req.Symbol)
	if err != nil {
		err = toAppError(err)
		h.logger.Error("prices usecase error", xlogger.String("symbol", req.Symbol), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	if price == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no price for %s", req.Symbol))
	}
	return xhttp.SuccessResponse(c, price)
}
