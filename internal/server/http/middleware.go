package httpserver

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Logging writes one structured line per request. Errors are rendered
// here so the logged status is the one the client sees.
func Logging(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			// metadata only, never bodies
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("dur", time.Since(start)),
				zap.String("peer", c.RealIP()),
			}
			if err != nil {
				fields = append(fields, zap.String("kind", errs.Kind(err)))
			}
			log.Info("http", fields...)
			return nil
		}
	}
}

// Recover turns handler panics into 500 responses.
func Recover(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic",
						zap.Any("reason", r),
						zap.ByteString("stack", debug.Stack()),
						zap.String("route", c.Path()),
					)
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal")
				}
			}()
			return next(c)
		}
	}
}

// Auth requires "Authorization: Bearer <token>" and puts the session id
// it names into the request context.
func Auth(sessions service.SessionService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok, err := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return err
			}
			sid, err := sessions.Verify(tok)
			if err != nil {
				return err
			}
			req := c.Request()
			c.SetRequest(req.WithContext(WithSessionID(req.Context(), sid)))
			return next(c)
		}
	}
}

func bearerToken(h string) (string, error) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		return "", fmt.Errorf("%w: missing bearer token", errs.ErrUnauthorized)
	}
	return strings.TrimSpace(tok), nil
}
