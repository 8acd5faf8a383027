package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingHandler struct{}

type pingRequest struct {
	Name  string `query:"name" validate:"required"`
	Limit int    `query:"limit" default:"10" validate:"gte=1,lte=100"`
}

func (pingHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error {
		req := &pingRequest{}
		if verr := ReadAndValidateRequest(c, req); verr != nil {
			return BadRequestResponse(c, verr)
		}
		return SuccessResponse(c, req)
	})
	e.GET("/boom", func(c echo.Context) error { panic("kaboom") })
	e.GET("/missing", func(c echo.Context) error {
		return AppErrorResponse(c, NotFoundError("nothing here"))
	})
}

func serve(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServer_DefaultsAndValidation(t *testing.T) {
	s := NewServer(nil, []Handler{pingHandler{}})

	rec := serve(t, s, "/ping?name=btc")
	require.Equal(t, http.StatusOK, rec.Code)
	var ok struct {
		Status int         `json:"status"`
		Data   pingRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.Equal(t, 200, ok.Status)
	assert.Equal(t, 10, ok.Data.Limit)

	rec = serve(t, s, "/ping?limit=1000")
	var bad APIResponse400Err
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bad))
	assert.Equal(t, http.StatusBadRequest, bad.Status)
	codes := make([]string, 0, len(bad.Data))
	for _, v := range bad.Data {
		codes = append(codes, v.Code)
	}
	assert.ElementsMatch(t, []string{"ERR_REQUIRED", "ERR_LTE"}, codes)
	for _, v := range bad.Data {
		if v.Code == "ERR_LTE" {
			assert.Equal(t, "limit", v.Field)
			assert.Equal(t, "limit must be at most 100", v.Message)
			assert.Equal(t, "100", v.Params["max"])
		}
	}
}

func TestServer_RecoversPanics(t *testing.T) {
	s := NewServer(nil, []Handler{pingHandler{}})

	rec := serve(t, s, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal Server Error")
}

func TestServer_AppErrorAndMetrics(t *testing.T) {
	s := NewServer(nil, []Handler{pingHandler{}})

	rec := serve(t, s, "/missing")
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Contains(t, rec.Body.String(), "ERR_NOT_FOUND")

	rec = serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "metacore_http_requests_total"), "request counter exported")
}
