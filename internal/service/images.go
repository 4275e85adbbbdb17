package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/retoucher/internal/crypto"
	"github.com/and161185/retoucher/internal/editor"
	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/export"
	"github.com/and161185/retoucher/internal/filestore"
	"github.com/and161185/retoucher/internal/history"
	"github.com/and161185/retoucher/internal/lock"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/raster"
	"github.com/and161185/retoucher/internal/repository"
)

// ImageService defines the image pipeline operations of one session.
type ImageService interface {
	// Upload stores an original, its thumbnail and metadata snapshot.
	Upload(ctx context.Context, sessionID, filename string, data []byte) (*model.Artifact, []model.Warning, error)
	// List returns the session's artifacts, oldest first.
	List(ctx context.Context, sessionID string) ([]model.Artifact, error)
	// Get returns one artifact record.
	Get(ctx context.Context, sessionID, id string) (*model.Artifact, error)
	// Original returns the stored original bytes.
	Original(ctx context.Context, sessionID, id string) (Blob, error)
	// Thumbnail returns the JPEG thumbnail.
	Thumbnail(ctx context.Context, sessionID, id string) (Blob, error)
	// Current returns the bytes of the version at the history cursor.
	Current(ctx context.Context, sessionID, id string) (Blob, error)
	// Render converts the current version into a browser-displayable format.
	Render(ctx context.Context, sessionID, id string, format model.Format) (Blob, error)
	// Metadata returns the metadata snapshot.
	Metadata(ctx context.Context, sessionID, id string) (model.Metadata, error)
	// UpdateMetadata applies changes to the stored original, all or nothing.
	UpdateMetadata(ctx context.Context, sessionID, id string, changes []model.Change) (model.Metadata, []model.Warning, error)
	// Edit runs the edit model on the current version and records the action.
	Edit(ctx context.Context, sessionID, id string, req model.EditRequest) (model.Action, []model.Warning, error)
	// History returns the edit log and cursor.
	History(ctx context.Context, sessionID, id string) (HistoryState, error)
	// Undo moves the cursor back one action.
	Undo(ctx context.Context, sessionID, id string) (HistoryState, error)
	// Redo moves the cursor forward one action.
	Redo(ctx context.Context, sessionID, id string) (HistoryState, error)
	// Revert records a revert action to the version at targetIndex.
	Revert(ctx context.Context, sessionID, id string, targetIndex int) (HistoryState, []model.Warning, error)
	// Version returns the bytes of a stored version.
	Version(ctx context.Context, sessionID, versionID string) (Blob, error)
	// Export reconciles a version against its original.
	Export(ctx context.Context, req model.ExportRequest) (*model.ExportResult, error)
	// ExportBatch exports several versions; item failures are isolated.
	ExportBatch(ctx context.Context, sessionID string, reqs []model.ExportRequest) []export.BatchResult
	// Delete removes an artifact with its thumbnail, versions and history.
	Delete(ctx context.Context, sessionID, id string) error
	// DeleteSession removes every file and record of the session.
	DeleteSession(ctx context.Context, sessionID string) error
}

// Blob is a downloadable file.
type Blob struct {
	Data        []byte
	ContentType string
	Name        string
}

// HistoryState is the history with its derived fields.
type HistoryState struct {
	Actions       []model.Action
	Cursor        int
	CanUndo       bool
	CanRedo       bool
	ActiveVersion string
}

// MetadataAdapter is the metadata tool facade used by the service.
type MetadataAdapter interface {
	ReadAll(ctx context.Context, data []byte, ext string) (model.Metadata, []model.Warning)
	ApplyChanges(ctx context.Context, data []byte, ext string, changes []model.Change) ([]byte, error)
}

// Exporter reconciles versions into export files.
type Exporter interface {
	Export(ctx context.Context, req model.ExportRequest) (*model.ExportResult, error)
	RunBatch(ctx context.Context, reqs []model.ExportRequest, do export.ExportFunc) []export.BatchResult
}

// Deps are the collaborators of ImageServiceImpl.
type Deps struct {
	Artifacts repository.ArtifactRepository
	Histories repository.HistoryRepository
	Files     *filestore.Store
	Meta      MetadataAdapter
	Codec     raster.Codec
	Editor    editor.Editor
	Exporter  Exporter
	Locker    lock.Locker
	Log       *zap.Logger

	MaxUploadBytes int64
	ThumbnailEdge  int
	// LockWait bounds how long an operation waits for an artifact lock.
	// Zero waits as long as the request context allows.
	LockWait time.Duration
}

type ImageServiceImpl struct {
	Deps
	now func() time.Time
}

// NewImageService constructs ImageService with defaults for unset limits.
func NewImageService(d Deps) *ImageServiceImpl {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 200 << 20
	}
	if d.ThumbnailEdge <= 0 {
		d.ThumbnailEdge = 320
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Editor == nil {
		d.Editor = editor.Identity{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &ImageServiceImpl{Deps: d, now: time.Now}
}

func (s *ImageServiceImpl) lock(ctx context.Context, sessionID, id string) (func(), error) {
	if s.LockWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.LockWait)
		defer cancel()
	}
	return s.Locker.Lock(ctx, lock.Key(sessionID, id))
}

// lockArtifact takes the artifact lock and then loads the artifact, so a
// caller never acts on a record deleted while it waited.
func (s *ImageServiceImpl) lockArtifact(ctx context.Context, sessionID, id string) (*model.Artifact, func(), error) {
	if sessionID == "" || id == "" {
		return nil, nil, fmt.Errorf("validation: empty session/id: %w", errs.ErrValidation)
	}
	unlock, err := s.lock(ctx, sessionID, id)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.Artifacts.Get(ctx, sessionID, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return a, unlock, nil
}

// Upload validates the name and size, then stores the original. Probe,
// thumbnail and metadata problems are warnings; only camera raw files may
// fail to probe.
func (s *ImageServiceImpl) Upload(ctx context.Context, sessionID, filename string, data []byte) (*model.Artifact, []model.Warning, error) {
	if sessionID == "" {
		return nil, nil, fmt.Errorf("validation: empty session: %w", errs.ErrValidation)
	}
	name := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(name))
	format, ok := model.FormatFromExt(ext)
	if name == "" || name == "." || !ok {
		return nil, nil, fmt.Errorf("validation: unsupported file %q: %w", filename, errs.ErrValidation)
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("validation: empty file: %w", errs.ErrValidation)
	}
	if int64(len(data)) > s.MaxUploadBytes {
		return nil, nil, fmt.Errorf("validation: file too large (%d > %d): %w", len(data), s.MaxUploadBytes, errs.ErrValidation)
	}

	var warnings []model.Warning
	info, err := s.Codec.Probe(ctx, data, ext)
	if err != nil {
		if !format.CameraNative() {
			return nil, nil, fmt.Errorf("validation: cannot decode %s: %w: %w", name, errs.ErrValidation, err)
		}
		warnings = append(warnings, model.Warning{Kind: model.WarnProbe, Message: err.Error()})
		info = raster.Info{Format: format}
	}

	id, err := crypto.NewArtifactID()
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.Files.Put(ctx, sessionID, id, ext, data)
	if err != nil {
		return nil, nil, err
	}
	warnings = append(warnings, s.refreshThumbnail(ctx, sessionID, id, data, ext)...)

	md, w := s.Meta.ReadAll(ctx, data, ext)
	warnings = append(warnings, w...)

	a := &model.Artifact{
		ID:               id,
		SessionID:        sessionID,
		OriginalFilename: name,
		Format:           format,
		Ext:              entry.Ext,
		Width:            info.Width,
		Height:           info.Height,
		FileSize:         entry.Size,
		Quality:          info.Quality,
		ColorSpace:       info.ColorSpace,
		BitDepth:         info.BitDepth,
		Metadata:         md,
	}
	if (a.Width == 0 || a.Height == 0) && md.EXIF != nil {
		a.Width, a.Height = md.EXIF.ImageWidth, md.EXIF.ImageHeight
	}
	if err := s.Artifacts.Create(ctx, a); err != nil {
		_ = s.Files.Delete(ctx, sessionID, id)
		return nil, nil, err
	}

	s.Log.Info("upload",
		zap.String("session", sessionID),
		zap.String("id", id),
		zap.String("format", string(format)),
		zap.Int64("bytes", a.FileSize),
		zap.Int("warnings", len(warnings)),
	)
	return a, warnings, nil
}

func (s *ImageServiceImpl) refreshThumbnail(ctx context.Context, sessionID, id string, data []byte, ext string) []model.Warning {
	thumb, err := s.Codec.Thumbnail(ctx, data, ext, s.ThumbnailEdge)
	if err == nil {
		err = s.Files.PutThumbnail(ctx, sessionID, id, thumb)
	}
	if err != nil {
		s.Log.Warn("thumbnail failed", zap.String("id", id), zap.Error(err))
		return []model.Warning{{Kind: model.WarnThumbnail, Message: err.Error()}}
	}
	return nil
}

// List returns the session's artifacts.
func (s *ImageServiceImpl) List(ctx context.Context, sessionID string) ([]model.Artifact, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("validation: empty session: %w", errs.ErrValidation)
	}
	return s.Artifacts.ListBySession(ctx, sessionID)
}

// Get returns one artifact.
func (s *ImageServiceImpl) Get(ctx context.Context, sessionID, id string) (*model.Artifact, error) {
	if sessionID == "" || id == "" {
		return nil, fmt.Errorf("validation: empty session/id: %w", errs.ErrValidation)
	}
	return s.Artifacts.Get(ctx, sessionID, id)
}

func (s *ImageServiceImpl) Original(ctx context.Context, sessionID, id string) (Blob, error) {
	a, err := s.Get(ctx, sessionID, id)
	if err != nil {
		return Blob{}, err
	}
	data, _, err := s.Files.Read(ctx, sessionID, id)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, ContentType: a.Format.ContentType(), Name: a.OriginalFilename}, nil
}

func (s *ImageServiceImpl) Thumbnail(ctx context.Context, sessionID, id string) (Blob, error) {
	data, err := s.Files.ReadThumbnail(ctx, sessionID, id)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, ContentType: "image/jpeg", Name: id + "_thumb.jpg"}, nil
}

func (s *ImageServiceImpl) Current(ctx context.Context, sessionID, id string) (Blob, error) {
	if _, err := s.Get(ctx, sessionID, id); err != nil {
		return Blob{}, err
	}
	h, err := s.Histories.LoadHistory(ctx, sessionID, id)
	if err != nil {
		return Blob{}, err
	}
	return s.readBlob(ctx, sessionID, history.Active(h, id))
}

// Render returns the current version as jpg or png, re-encoding only when
// the stored container differs.
func (s *ImageServiceImpl) Render(ctx context.Context, sessionID, id string, format model.Format) (Blob, error) {
	if format == "" {
		format = model.FormatJPEG
	}
	if format != model.FormatJPEG && format != model.FormatPNG {
		return Blob{}, fmt.Errorf("validation: render format %q: %w", format, errs.ErrValidation)
	}
	cur, err := s.Current(ctx, sessionID, id)
	if err != nil {
		return Blob{}, err
	}
	if cur.ContentType == format.ContentType() {
		return cur, nil
	}
	out, err := s.Codec.Encode(ctx, cur.Data, filepath.Ext(cur.Name), raster.EncodeOptions{Format: format, Quality: 90})
	if err != nil {
		return Blob{}, err
	}
	name := strings.TrimSuffix(cur.Name, filepath.Ext(cur.Name)) + format.Ext()
	return Blob{Data: out, ContentType: format.ContentType(), Name: name}, nil
}

func (s *ImageServiceImpl) readBlob(ctx context.Context, sessionID, ref string) (Blob, error) {
	data, entry, err := s.Files.Read(ctx, sessionID, ref)
	if err != nil {
		return Blob{}, err
	}
	ct := "application/octet-stream"
	if f, ok := model.FormatFromExt(entry.Ext); ok {
		ct = f.ContentType()
	}
	return Blob{Data: data, ContentType: ct, Name: ref + entry.Ext}, nil
}

func (s *ImageServiceImpl) Metadata(ctx context.Context, sessionID, id string) (model.Metadata, error) {
	a, err := s.Get(ctx, sessionID, id)
	if err != nil {
		return model.Metadata{}, err
	}
	return a.Metadata, nil
}

// UpdateMetadata rewrites the stored original with changes applied, then
// refreshes the snapshot and thumbnail. Nothing is written when any change
// fails to apply.
func (s *ImageServiceImpl) UpdateMetadata(ctx context.Context, sessionID, id string, changes []model.Change) (model.Metadata, []model.Warning, error) {
	if len(changes) == 0 {
		md, err := s.Metadata(ctx, sessionID, id)
		return md, nil, err
	}

	a, unlock, err := s.lockArtifact(ctx, sessionID, id)
	if err != nil {
		return model.Metadata{}, nil, err
	}
	defer unlock()

	data, entry, err := s.Files.Read(ctx, sessionID, id)
	if err != nil {
		return model.Metadata{}, nil, err
	}
	out, err := s.Meta.ApplyChanges(ctx, data, entry.Ext, changes)
	if err != nil {
		return model.Metadata{}, nil, err
	}
	written, err := s.Files.Put(ctx, sessionID, id, entry.Ext, out)
	if err != nil {
		return model.Metadata{}, nil, err
	}

	var warnings []model.Warning
	md, w := s.Meta.ReadAll(ctx, out, entry.Ext)
	if len(w) > 0 {
		// Keep the previous snapshot rather than storing an empty one.
		md = a.Metadata
		warnings = append(warnings, model.Warning{
			Kind:    model.WarnMetadataSnapshot,
			Message: "tags were written but could not be re-read; snapshot is stale",
		})
	}
	warnings = append(warnings, s.refreshThumbnail(ctx, sessionID, id, out, entry.Ext)...)

	if err := s.Artifacts.UpdateMetadata(ctx, sessionID, id, md, written.Size); err != nil {
		return model.Metadata{}, nil, err
	}
	s.Log.Info("metadata updated",
		zap.String("session", sessionID),
		zap.String("id", id),
		zap.Int("changes", len(changes)),
	)
	return md, warnings, nil
}

// Delete removes the catalog record first, then the files.
func (s *ImageServiceImpl) Delete(ctx context.Context, sessionID, id string) error {
	if sessionID == "" || id == "" {
		return fmt.Errorf("validation: empty session/id: %w", errs.ErrValidation)
	}
	unlock, err := s.lock(ctx, sessionID, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.Artifacts.Delete(ctx, sessionID, id); err != nil {
		return err
	}
	return s.Files.Delete(ctx, sessionID, id)
}

// DeleteSession removes each artifact under its lock, so edits in flight
// finish first and edits queued behind them find nothing to write to. The
// session namespace goes last.
func (s *ImageServiceImpl) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("validation: empty session: %w", errs.ErrValidation)
	}
	list, err := s.Artifacts.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, a := range list {
		if err := s.Delete(ctx, sessionID, a.ID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	}
	if err := s.Artifacts.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.Files.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.Log.Info("session deleted", zap.String("session", sessionID))
	return nil
}

// sniffExt maps the content signature of data to a file extension,
// falling back to fallback for containers the sniffer does not know.
func sniffExt(data []byte, fallback string) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	}
	return fallback
}
