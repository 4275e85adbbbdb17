package httpserver

import (
	"net/http"
	"strconv"

	"github.com/and161185/retoucher/internal/convert"
	"github.com/and161185/retoucher/internal/service"
	"github.com/labstack/echo/v4"
)

// Export headers.
const (
	HeaderWarnings = "X-Retoucher-Warnings"
	HeaderQuality  = "X-Retoucher-Quality"
	HeaderAttempts = "X-Retoucher-Attempts"
)

// Export returns the exported file as an attachment. Warning kinds are
// listed comma separated in X-Retoucher-Warnings.
// POST /v1/export
func (s *Server) Export(c echo.Context) error {
	var in convert.ExportRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	sid := sessionID(c)
	req, err := convert.FromExportRequest(in, sid)
	if err != nil {
		return err
	}
	res, err := s.images.Export(c.Request().Context(), req)
	if err != nil {
		return err
	}
	h := c.Response().Header()
	if len(res.Warnings) > 0 {
		h.Set(HeaderWarnings, warningHeader(res.Warnings))
	}
	if res.Quality > 0 {
		h.Set(HeaderQuality, strconv.Itoa(res.Quality))
	}
	h.Set(HeaderAttempts, strconv.Itoa(res.Attempts))
	return sendBlob(c, service.Blob{Data: res.Data, ContentType: res.ContentType, Name: res.Filename}, true)
}

// ExportBatch exports several versions; items fail independently.
// POST /v1/export/batch
func (s *Server) ExportBatch(c echo.Context) error {
	var in convert.ExportBatchRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	sid := sessionID(c)
	reqs, err := convert.FromExportBatch(in, sid, s.opts.MaxBatch)
	if err != nil {
		return err
	}
	rs := s.images.ExportBatch(c.Request().Context(), sid, reqs)
	return c.JSON(http.StatusOK, convert.ToExportBatch(rs))
}
