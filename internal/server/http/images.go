package httpserver

import (
	"net/http"

	"github.com/and161185/retoucher/internal/convert"
	"github.com/and161185/retoucher/internal/model"
	"github.com/labstack/echo/v4"
)

// Upload stores a multipart "file" as a new artifact.
// POST /v1/images
func (s *Server) Upload(c echo.Context) error {
	s.limitBody(c)
	data, name, err := readPart(c, "file", s.opts.MaxUploadBytes, true)
	if err != nil {
		return err
	}
	a, ws, err := s.images.Upload(c.Request().Context(), sessionID(c), name, data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, convert.ToUpload(*a, ws))
}

// List returns the session's artifacts without metadata.
// GET /v1/images
func (s *Server) List(c echo.Context) error {
	as, err := s.images.List(c.Request().Context(), sessionID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"images": convert.ToArtifacts(as)})
}

// Get returns one artifact record with metadata.
// GET /v1/images/:id
func (s *Server) Get(c echo.Context) error {
	a, err := s.images.Get(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToArtifact(*a, true))
}

// Delete removes an artifact with its versions and history.
// DELETE /v1/images/:id
func (s *Server) Delete(c echo.Context) error {
	if err := s.images.Delete(c.Request().Context(), sessionID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GET /v1/images/:id/original
func (s *Server) Original(c echo.Context) error {
	b, err := s.images.Original(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return sendBlob(c, b, false)
}

// GET /v1/images/:id/thumbnail
func (s *Server) Thumbnail(c echo.Context) error {
	b, err := s.images.Thumbnail(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return sendBlob(c, b, false)
}

// GET /v1/images/:id/current
func (s *Server) Current(c echo.Context) error {
	b, err := s.images.Current(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return sendBlob(c, b, false)
}

// Render converts the active version for display; format defaults to jpg.
// GET /v1/images/:id/render?format=jpg
func (s *Server) Render(c echo.Context) error {
	f, err := convert.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return err
	}
	if f == "" {
		f = model.FormatJPEG
	}
	b, err := s.images.Render(c.Request().Context(), sessionID(c), c.Param("id"), f)
	if err != nil {
		return err
	}
	return sendBlob(c, b, false)
}

// GET /v1/images/:id/metadata
func (s *Server) Metadata(c echo.Context) error {
	md, err := s.images.Metadata(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, md)
}

// UpdateMetadata applies tag changes to the original in place.
// PATCH /v1/images/:id/metadata
func (s *Server) UpdateMetadata(c echo.Context) error {
	var in convert.MetadataUpdate
	if err := bind(c, &in); err != nil {
		return err
	}
	sid := sessionID(c)
	changes, err := convert.FromMetadataUpdate(in, sid)
	if err != nil {
		return err
	}
	md, ws, err := s.images.UpdateMetadata(c.Request().Context(), sid, c.Param("id"), changes)
	if err != nil {
		return err
	}
	if ws == nil {
		ws = []model.Warning{}
	}
	return c.JSON(http.StatusOK, convert.MetadataResult{Metadata: md, Warnings: ws})
}
