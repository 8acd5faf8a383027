package api

import (
	"errors"

	"MetaCore/internal/usecase"
	xhttp "MetaCore/pkg/http"
)

// toAppError maps usecase errors onto the HTTP error envelope. Unknown errors stay as-is
// and render as 500.
func toAppError(err error) error {
	switch {
	case errors.Is(err, usecase.ErrInvalidInterval):
		return xhttp.InvalidParam("GTE", "interval", "interval must be at least 60 seconds").WithParam("min", 60).WithError(err)
	case errors.Is(err, usecase.ErrInvalidOutputSize):
		return xhttp.InvalidParam("GTE", "outputsize", "outputsize must be at least 1").WithParam("min", 1).WithError(err)
	case errors.Is(err, usecase.ErrSymbolRequired):
		return xhttp.InvalidParam("REQUIRED", "symbol", "symbol is required").WithError(err)
	default:
		return err
	}
}
