package api

import (
	"net/http"

	"MetaCore/internal/service/ratelimit"
	xhttp "MetaCore/pkg/http"

	"github.com/labstack/echo/v4"
)

// RateLimit applies a token bucket per client IP. A non-positive burst disables it.
func RateLimit(l *ratelimit.Limiter, burst, perSecond float64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if l == nil || burst <= 0 {
			return next
		}
		return func(c echo.Context) error {
			if !l.Allow(c.RealIP(), burst, perSecond) {
				return xhttp.DataResponse(c, http.StatusTooManyRequests, []*xhttp.AppError{
					xhttp.NewAppError("ERR_RATE_LIMITED", "", "too many requests", http.StatusTooManyRequests),
				})
			}
			return next(c)
		}
	}
}
