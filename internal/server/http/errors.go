package httpserver

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/and161185/retoucher/internal/convert"
	"github.com/and161185/retoucher/internal/errs"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// StatusOf maps a domain error to its HTTP status.
func StatusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	switch errs.Kind(err) {
	case "not_found", "missing_artifact":
		return http.StatusNotFound
	case "validation", "invalid_index":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusUnauthorized
	case "lock_timeout":
		return http.StatusConflict
	case "encode_failure", "edit_failure":
		return http.StatusUnprocessableEntity
	case "tool_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders every error as {"error", "kind"}.
func errorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := StatusOf(err)
		body := convert.ToError(err)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			body.Error = fmt.Sprint(he.Message)
			body.Kind = kindForStatus(he.Code)
		}
		if code >= http.StatusInternalServerError {
			log.Error("request failed", zap.Error(err), zap.String("route", c.Path()))
			if body.Kind == "internal" {
				body.Error = "internal error"
			}
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, body)
		}
		if err != nil {
			log.Warn("write error response", zap.Error(err))
		}
	}
}

func kindForStatus(code int) string {
	switch code {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusMethodNotAllowed, http.StatusUnsupportedMediaType:
		return "validation"
	default:
		return "internal"
	}
}
