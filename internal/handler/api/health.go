package api

import (
	"context"
	"net/http"
	"time"

	xhttp "MetaCore/pkg/http"

	"github.com/labstack/echo/v4"
)

// Pinger reports backend health.
type Pinger interface {
	Health(ctx context.Context) error
}

// FeedStatus reports whether the streaming feed is connected.
type FeedStatus interface {
	IsConnected() bool
}

type HealthHandler struct {
	store Pinger
	feed  FeedStatus
}

func NewHealthHandler(store Pinger, feed FeedStatus) *HealthHandler {
	return &HealthHandler{store: store, feed: feed}
}

func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
}

type healthStatus struct {
	Store string `json:"store"`
	Feed  string `json:"feed"`
}

// Health is unhealthy only when the store is down. A disconnected feed is reported
// but recovers on its own.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	st := healthStatus{Store: "ok", Feed: "disconnected"}
	if h.feed != nil && h.feed.IsConnected() {
		st.Feed = "connected"
	}
	if err := h.store.Health(ctx); err != nil {
		st.Store = err.Error()
		return xhttp.DataResponse(c, http.StatusServiceUnavailable, st)
	}
	return xhttp.SuccessResponse(c, st)
}
