// Package httpserver exposes the retoucher HTTP API handlers.
package httpserver

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/and161185/retoucher/internal/convert"
	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Options tunes request limits.
type Options struct {
	MaxUploadBytes int64
	MaxBatch       int
}

// Server wires services into HTTP handlers.
type Server struct {
	sessions service.SessionService
	images   service.ImageService
	opts     Options
	log      *zap.Logger
}

// New constructs the handler set with injected services.
func New(sessions service.SessionService, images service.ImageService, opts Options, log *zap.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 200 << 20
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{sessions: sessions, images: images, opts: opts, log: log}
}

// Echo builds the router with middleware and all routes registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(s.log)
	e.Use(Logging(s.log), Recover(s.log))

	e.GET("/health", s.Health)
	e.POST("/v1/sessions", s.CreateSession)

	v1 := e.Group("/v1", Auth(s.sessions))
	v1.DELETE("/sessions/current", s.DeleteSession)

	v1.POST("/images", s.Upload)
	v1.GET("/images", s.List)
	v1.GET("/images/:id", s.Get)
	v1.DELETE("/images/:id", s.Delete)
	v1.GET("/images/:id/original", s.Original)
	v1.GET("/images/:id/thumbnail", s.Thumbnail)
	v1.GET("/images/:id/current", s.Current)
	v1.GET("/images/:id/render", s.Render)
	v1.GET("/images/:id/metadata", s.Metadata)
	v1.PATCH("/images/:id/metadata", s.UpdateMetadata)

	v1.POST("/images/:id/edits", s.Edit)
	v1.GET("/images/:id/history", s.History)
	v1.POST("/images/:id/undo", s.Undo)
	v1.POST("/images/:id/redo", s.Redo)
	v1.POST("/images/:id/revert", s.Revert)
	v1.GET("/versions/:id", s.Version)

	v1.POST("/export", s.Export)
	v1.POST("/export/batch", s.ExportBatch)
	return e
}

// Health is the liveness probe.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// --- Sessions ---

// CreateSession starts an anonymous session and returns its token.
func (s *Server) CreateSession(c echo.Context) error {
	sess, err := s.sessions.Create(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, convert.ToSession(sess))
}

// DeleteSession removes every artifact and file of the caller's session.
func (s *Server) DeleteSession(c echo.Context) error {
	sid := sessionID(c)
	if err := s.images.DeleteSession(c.Request().Context(), sid); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// --- helpers ---

func sessionID(c echo.Context) string {
	id, _ := SessionIDFromCtx(c.Request().Context())
	return id
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return fmt.Errorf("validation: bad request body: %v: %w", err, errs.ErrValidation)
	}
	return nil
}

// readPart reads an uploaded form file; a missing optional part yields nil.
func readPart(c echo.Context, field string, limit int64, required bool) ([]byte, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) && !required {
			return nil, "", nil
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, "", fmt.Errorf("validation: upload exceeds %d bytes: %w", limit, errs.ErrValidation)
		}
		return nil, "", fmt.Errorf("validation: form field %q: %v: %w", field, err, errs.ErrValidation)
	}
	data, err := readFile(fh, limit)
	if err != nil {
		return nil, "", err
	}
	return data, fh.Filename, nil
}

func readFile(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	if fh.Size > limit {
		return nil, fmt.Errorf("validation: upload exceeds %d bytes: %w", limit, errs.ErrValidation)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("validation: upload exceeds %d bytes: %w", limit, errs.ErrValidation)
	}
	return data, nil
}

// limitBody caps the request body; multipart overhead gets a small allowance.
func (s *Server) limitBody(c echo.Context) {
	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, s.opts.MaxUploadBytes+1<<20)
}

func sendBlob(c echo.Context, b service.Blob, attachment bool) error {
	disp := "inline"
	if attachment {
		disp = "attachment"
	}
	if b.Name != "" {
		c.Response().Header().Set(echo.HeaderContentDisposition, contentDisposition(disp, b.Name))
	}
	return c.Blob(http.StatusOK, b.ContentType, b.Data)
}

// contentDisposition always quotes the ASCII filename. Names outside
// printable ASCII also get an RFC 5987 filename* with the exact name.
func contentDisposition(disp, name string) string {
	ascii := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	out := disp + `; filename="` + ascii + `"`
	if ascii != name {
		ext := mime.FormatMediaType(disp, map[string]string{"filename": name})
		if _, star, ok := strings.Cut(ext, "filename*="); ok {
			out += "; filename*=" + star
		}
	}
	return out
}

func warningHeader(ws []model.Warning) string {
	kinds := make([]string, 0, len(ws))
	for _, w := range ws {
		kinds = append(kinds, w.Kind)
	}
	return strings.Join(kinds, ",")
}
