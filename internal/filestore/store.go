// Package filestore keeps per-session image files addressed by opaque id.
//
// Each session owns a directory under <root>/sessions. An artifact is stored
// as "<id><ext>", its thumbnail as "<id>_thumb.jpg" and its edit versions as
// "<id>_v<suffix><ext>". Callers address files by id only; the extension is
// resolved on read.
//
// Writes go to a temp file under <root>/.tmp and are renamed into place, so
// readers never observe partial files.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
)

const (
	sessionsDirName = "sessions"
	tempDirName     = ".tmp"
	thumbSuffix     = "_thumb.jpg"
	versionInfix    = "_v"

	maxIDLength  = 128
	maxExtLength = 9 // including the dot
)

// ErrInvalidID is returned for ids or session ids that could escape the namespace.
var ErrInvalidID = fmt.Errorf("%w: invalid id", errs.ErrValidation)

// Entry describes a stored file.
type Entry struct {
	Path string
	Ext  string // lowercase, with leading dot
	Size int64
}

// Store is a filesystem-backed session file store. Safe for concurrent use;
// per-artifact ordering is the caller's concern.
type Store struct {
	root string
	opts Options
}

// New creates the store layout under root.
func New(root string, opts ...OptionFunc) (*Store, error) {
	options := defaultOpts
	for _, opt := range opts {
		opt(&options)
	}

	root = filepath.Clean(root)
	if err := os.MkdirAll(filepath.Join(root, sessionsDirName), options.DirMode); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, tempDirName), options.DirMode); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	return &Store{root: root, opts: options}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Put writes data as "<id><ext>" in the session, replacing any file already
// stored for id (under any extension).
func (s *Store) Put(ctx context.Context, sessionID, id, ext string, data []byte) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if err := validateID(sessionID); err != nil {
		return Entry{}, err
	}
	if err := validateID(id); err != nil {
		return Entry{}, err
	}
	ext, err := normalizeExt(ext)
	if err != nil {
		return Entry{}, err
	}

	prev, prevErr := s.Resolve(ctx, sessionID, id)

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, s.opts.DirMode); err != nil {
		return Entry{}, fmt.Errorf("creating session directory: %w", err)
	}
	path := filepath.Join(dir, id+ext)
	if err := s.writeAtomic(path, data); err != nil {
		return Entry{}, fmt.Errorf("put %s: %w", id, err)
	}
	if prevErr == nil && prev.Path != path {
		_ = os.Remove(prev.Path)
	}
	return Entry{Path: path, Ext: ext, Size: int64(len(data))}, nil
}

// Resolve locates the file stored for id. Known extensions are probed first;
// otherwise the session directory is scanned for "<id>" or "<id>.*".
// A missing id or session yields errs.ErrNotFound.
func (s *Store) Resolve(ctx context.Context, sessionID, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if err := validateID(sessionID); err != nil {
		return Entry{}, err
	}
	if err := validateID(id); err != nil {
		return Entry{}, err
	}
	dir := s.sessionDir(sessionID)

	for _, ext := range model.KnownExts() {
		p := filepath.Join(dir, id+ext)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return Entry{Path: p, Ext: ext, Size: fi.Size()}, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, fmt.Errorf("resolve %s: %w", id, errs.ErrNotFound)
		}
		return Entry{}, fmt.Errorf("resolve %s: %w", id, err)
	}
	for _, de := range entries {
		name := de.Name()
		if !de.Type().IsRegular() || !isMainFile(name, id) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		return Entry{
			Path: filepath.Join(dir, name),
			Ext:  strings.ToLower(filepath.Ext(name)),
			Size: info.Size(),
		}, nil
	}
	return Entry{}, fmt.Errorf("resolve %s: %w", id, errs.ErrNotFound)
}

// Read resolves and reads the file stored for id.
func (s *Store) Read(ctx context.Context, sessionID, id string) ([]byte, Entry, error) {
	e, err := s.Resolve(ctx, sessionID, id)
	if err != nil {
		return nil, Entry{}, err
	}
	data, err := os.ReadFile(e.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Entry{}, fmt.Errorf("read %s: %w", id, errs.ErrNotFound)
		}
		return nil, Entry{}, fmt.Errorf("read %s: %w", id, err)
	}
	e.Size = int64(len(data))
	return data, e, nil
}

// Delete removes the file(s) for id, its thumbnail, and every "<id>_v*"
// version file. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, sessionID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", id, err)
	}

	var errList []error
	for _, de := range entries {
		name := de.Name()
		if isMainFile(name, id) || name == id+thumbSuffix || strings.HasPrefix(name, id+versionInfix) {
			if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
				errList = append(errList, err)
			}
		}
	}
	if err := errors.Join(errList...); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// PutThumbnail stores the JPEG thumbnail for id.
func (s *Store) PutThumbnail(ctx context.Context, sessionID, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, s.opts.DirMode); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	return s.writeAtomic(filepath.Join(dir, id+thumbSuffix), data)
}

// ReadThumbnail returns the thumbnail bytes for id.
func (s *Store) ReadThumbnail(ctx context.Context, sessionID, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), id+thumbSuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("thumbnail %s: %w", id, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("thumbnail %s: %w", id, err)
	}
	return data, nil
}

// DeleteSession removes the session namespace. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionsDirName, sessionID)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tempDirName), "put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, s.opts.FileMode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	ok = true
	return nil
}

// isMainFile reports whether name is the primary file of id: "<id>" or
// "<id>.<ext>". Thumbnails and versions carry an underscore after the id.
func isMainFile(name, id string) bool {
	if name == id {
		return true
	}
	if !strings.HasPrefix(name, id+".") {
		return false
	}
	return name != id+thumbSuffix
}

func validateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return ErrInvalidID
	}
	for i, r := range id {
		if !isValidIDChar(r) {
			return fmt.Errorf("invalid character %q at position %d: %w", r, i, ErrInvalidID)
		}
	}
	return nil
}

func isValidIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_'
}

func normalizeExt(ext string) (string, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if len(ext) > maxExtLength {
		return "", fmt.Errorf("%w: extension too long", errs.ErrValidation)
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return "", fmt.Errorf("%w: invalid extension %q", errs.ErrValidation, ext)
		}
	}
	return ext, nil
}
