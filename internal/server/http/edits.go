package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/and161185/retoucher/internal/convert"
	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
	"github.com/labstack/echo/v4"
)

// Edit runs an AI edit on the active version. The form carries "prompt",
// optional "model" and an optional "mask" file.
// POST /v1/images/:id/edits
func (s *Server) Edit(c echo.Context) error {
	s.limitBody(c)
	prompt := strings.TrimSpace(c.FormValue("prompt"))
	if prompt == "" {
		return fmt.Errorf("validation: prompt is required: %w", errs.ErrValidation)
	}
	mask, _, err := readPart(c, "mask", s.opts.MaxUploadBytes, false)
	if err != nil {
		return err
	}
	req := model.EditRequest{Prompt: prompt, Model: strings.TrimSpace(c.FormValue("model")), Mask: mask}
	act, ws, err := s.images.Edit(c.Request().Context(), sessionID(c), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, convert.ToEdit(act, ws))
}

// GET /v1/images/:id/history
func (s *Server) History(c echo.Context) error {
	st, err := s.images.History(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToHistory(st, nil))
}

// POST /v1/images/:id/undo
func (s *Server) Undo(c echo.Context) error {
	st, err := s.images.Undo(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToHistory(st, nil))
}

// POST /v1/images/:id/redo
func (s *Server) Redo(c echo.Context) error {
	st, err := s.images.Redo(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToHistory(st, nil))
}

// Revert appends a revert action to the history entry at target_index;
// -1 names the original.
// POST /v1/images/:id/revert
func (s *Server) Revert(c echo.Context) error {
	var in convert.Revert
	if err := bind(c, &in); err != nil {
		return err
	}
	if in.TargetIndex == nil {
		return fmt.Errorf("validation: target_index is required: %w", errs.ErrValidation)
	}
	st, ws, err := s.images.Revert(c.Request().Context(), sessionID(c), c.Param("id"), *in.TargetIndex)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToHistory(st, ws))
}

// GET /v1/versions/:id
func (s *Server) Version(c echo.Context) error {
	b, err := s.images.Version(c.Request().Context(), sessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return sendBlob(c, b, false)
}
