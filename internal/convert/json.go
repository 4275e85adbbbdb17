// Package convert maps domain values to and from the JSON wire format of
// the HTTP API.
package convert

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/export"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/service"
)

// --- Sessions ---

type Session struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func ToSession(s model.Session) Session {
	return Session{SessionID: s.ID, Token: s.Token, ExpiresAt: s.ExpiresAt}
}

// --- Artifacts ---

type Artifact struct {
	ID               string          `json:"id"`
	OriginalFilename string          `json:"original_filename"`
	Format           string          `json:"format"`
	Ext              string          `json:"ext"`
	Width            int             `json:"width"`
	Height           int             `json:"height"`
	FileSize         int64           `json:"file_size"`
	Quality          int             `json:"quality,omitempty"`
	ColorSpace       string          `json:"color_space,omitempty"`
	BitDepth         int             `json:"bit_depth,omitempty"`
	Metadata         *model.Metadata `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ToArtifact converts an artifact; the metadata snapshot is included only
// when withMetadata is set.
func ToArtifact(a model.Artifact, withMetadata bool) Artifact {
	out := Artifact{
		ID:               a.ID,
		OriginalFilename: a.OriginalFilename,
		Format:           string(a.Format),
		Ext:              a.Ext,
		Width:            a.Width,
		Height:           a.Height,
		FileSize:         a.FileSize,
		Quality:          a.Quality,
		ColorSpace:       a.ColorSpace,
		BitDepth:         a.BitDepth,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
	if withMetadata {
		md := a.Metadata
		out.Metadata = &md
	}
	return out
}

func ToArtifacts(as []model.Artifact) []Artifact {
	out := make([]Artifact, 0, len(as))
	for _, a := range as {
		out = append(out, ToArtifact(a, false))
	}
	return out
}

type Upload struct {
	Artifact Artifact        `json:"artifact"`
	Warnings []model.Warning `json:"warnings"`
}

func ToUpload(a model.Artifact, w []model.Warning) Upload {
	return Upload{Artifact: ToArtifact(a, true), Warnings: nonNil(w)}
}

// --- Metadata ---

type MetadataUpdate struct {
	SessionID string         `json:"session_id,omitempty"`
	Changes   []model.Change `json:"changes"`
}

type MetadataResult struct {
	Metadata model.Metadata  `json:"metadata"`
	Warnings []model.Warning `json:"warnings"`
}

// FromMetadataUpdate checks the request shape; tag level validation is
// left to the metadata adapter.
func FromMetadataUpdate(in MetadataUpdate, sessionID string) ([]model.Change, error) {
	if err := sameSession(in.SessionID, sessionID); err != nil {
		return nil, err
	}
	for i, c := range in.Changes {
		if strings.TrimSpace(c.Section) == "" || strings.TrimSpace(c.Field) == "" {
			return nil, fmt.Errorf("validation: changes[%d] needs section and field: %w", i, errs.ErrValidation)
		}
	}
	return in.Changes, nil
}

// --- History ---

type Action struct {
	Type          string    `json:"type"`
	Prompt        string    `json:"prompt,omitempty"`
	Model         string    `json:"model,omitempty"`
	BeforeVersion string    `json:"before_version"`
	AfterVersion  string    `json:"after_version"`
	MaskVersion   string    `json:"mask_version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func ToAction(a model.Action) Action {
	return Action{
		Type:          string(a.Type),
		Prompt:        a.Prompt,
		Model:         a.Model,
		BeforeVersion: a.BeforeVersion,
		AfterVersion:  a.AfterVersion,
		MaskVersion:   a.MaskVersion,
		Timestamp:     a.Timestamp,
	}
}

type History struct {
	Actions       []Action        `json:"actions"`
	Cursor        int             `json:"cursor"`
	CanUndo       bool            `json:"can_undo"`
	CanRedo       bool            `json:"can_redo"`
	ActiveVersion string          `json:"active_version"`
	Warnings      []model.Warning `json:"warnings,omitempty"`
}

func ToHistory(st service.HistoryState, w []model.Warning) History {
	acts := make([]Action, 0, len(st.Actions))
	for _, a := range st.Actions {
		acts = append(acts, ToAction(a))
	}
	return History{
		Actions:       acts,
		Cursor:        st.Cursor,
		CanUndo:       st.CanUndo,
		CanRedo:       st.CanRedo,
		ActiveVersion: st.ActiveVersion,
		Warnings:      w,
	}
}

type Edit struct {
	Action   Action          `json:"action"`
	Warnings []model.Warning `json:"warnings"`
}

func ToEdit(a model.Action, w []model.Warning) Edit {
	return Edit{Action: ToAction(a), Warnings: nonNil(w)}
}

type Revert struct {
	TargetIndex *int `json:"target_index"`
}

// --- Export ---

type ExportRequest struct {
	SessionID        string `json:"session_id,omitempty"`
	VersionID        string `json:"version_id"`
	OriginalImageID  string `json:"original_image_id"`
	OriginalFilename string `json:"original_filename,omitempty"`
	OriginalFormat   string `json:"original_format,omitempty"`
	OriginalWidth    int    `json:"original_width,omitempty"`
	OriginalHeight   int    `json:"original_height,omitempty"`
	OriginalFileSize int64  `json:"original_file_size,omitempty"`
	OriginalQuality  int    `json:"original_quality,omitempty"`
	TargetFormat     string `json:"target_format"`
}

// FromExportRequest converts and validates an export request. The session
// always comes from the token; a differing session_id is rejected.
func FromExportRequest(in ExportRequest, sessionID string) (model.ExportRequest, error) {
	if err := sameSession(in.SessionID, sessionID); err != nil {
		return model.ExportRequest{}, err
	}
	orig, err := ParseFormat(in.OriginalFormat)
	if err != nil {
		return model.ExportRequest{}, err
	}
	target, err := ParseFormat(in.TargetFormat)
	if err != nil {
		return model.ExportRequest{}, err
	}
	if target != "" && !target.Exportable() {
		return model.ExportRequest{}, fmt.Errorf("validation: target_format must be heic or jpg: %w", errs.ErrValidation)
	}
	if in.OriginalWidth < 0 || in.OriginalHeight < 0 || in.OriginalFileSize < 0 {
		return model.ExportRequest{}, fmt.Errorf("validation: negative dimensions or size: %w", errs.ErrValidation)
	}
	if in.OriginalQuality < 0 || in.OriginalQuality > 100 {
		return model.ExportRequest{}, fmt.Errorf("validation: original_quality out of [0,100]: %w", errs.ErrValidation)
	}
	return model.ExportRequest{
		SessionID:        sessionID,
		VersionID:        in.VersionID,
		OriginalImageID:  in.OriginalImageID,
		OriginalFilename: in.OriginalFilename,
		OriginalFormat:   orig,
		OriginalWidth:    in.OriginalWidth,
		OriginalHeight:   in.OriginalHeight,
		OriginalFileSize: in.OriginalFileSize,
		OriginalQuality:  in.OriginalQuality,
		TargetFormat:     target,
	}, nil
}

type ExportBatchRequest struct {
	Items []ExportRequest `json:"items"`
}

// FromExportBatch converts every item; the first invalid item fails the batch.
func FromExportBatch(in ExportBatchRequest, sessionID string, maxItems int) ([]model.ExportRequest, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("validation: empty batch: %w", errs.ErrValidation)
	}
	if maxItems > 0 && len(in.Items) > maxItems {
		return nil, fmt.Errorf("validation: batch too large (%d > %d): %w", len(in.Items), maxItems, errs.ErrValidation)
	}
	out := make([]model.ExportRequest, 0, len(in.Items))
	for i, it := range in.Items {
		r, err := FromExportRequest(it, sessionID)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

type ExportBatchItem struct {
	Index       int             `json:"index"`
	Filename    string          `json:"filename,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Data        []byte          `json:"data,omitempty"`
	Quality     int             `json:"quality,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	Warnings    []model.Warning `json:"warnings,omitempty"`
	Error       string          `json:"error,omitempty"`
	Kind        string          `json:"kind,omitempty"`
}

type ExportBatchResponse struct {
	Items []ExportBatchItem `json:"items"`
}

func ToExportBatch(rs []export.BatchResult) ExportBatchResponse {
	out := ExportBatchResponse{Items: make([]ExportBatchItem, 0, len(rs))}
	for _, r := range rs {
		it := ExportBatchItem{Index: r.Index}
		switch {
		case r.Err != nil:
			it.Error = r.Err.Error()
			it.Kind = errs.Kind(r.Err)
		case r.Result != nil:
			it.Filename = r.Result.Filename
			it.ContentType = r.Result.ContentType
			it.Data = r.Result.Data
			it.Quality = r.Result.Quality
			it.Attempts = r.Result.Attempts
			it.Warnings = r.Result.Warnings
		}
		out.Items = append(out.Items, it)
	}
	return out
}

// --- helpers ---

// ParseFormat accepts a format name or extension ("jpeg", ".HEIC").
// Empty input yields an empty format.
func ParseFormat(s string) (model.Format, error) {
	if s == "" {
		return "", nil
	}
	f, ok := model.FormatFromExt(strings.TrimSpace(s))
	if !ok {
		return "", fmt.Errorf("validation: unknown format %q: %w", s, errs.ErrValidation)
	}
	return f, nil
}

func sameSession(body, token string) error {
	if body != "" && body != token {
		return fmt.Errorf("%w: session_id does not match token", errs.ErrUnauthorized)
	}
	return nil
}

func nonNil(w []model.Warning) []model.Warning {
	if w == nil {
		return []model.Warning{}
	}
	return w
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func ToError(err error) ErrorBody {
	if err == nil {
		err = errors.New("unknown error")
	}
	return ErrorBody{Error: err.Error(), Kind: errs.Kind(err)}
}
