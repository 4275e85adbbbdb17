// Package memory contains in-process implementations of repository
// interfaces, used when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
)

type key struct{ session, id string }

// Store implements ArtifactRepository and HistoryRepository.
type Store struct {
	mu        sync.RWMutex
	artifacts map[key]model.Artifact
	versions  map[key]model.Version
	histories map[key]model.History
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		artifacts: make(map[key]model.Artifact),
		versions:  make(map[key]model.Version),
		histories: make(map[key]model.History),
		now:       time.Now,
	}
}

// Create inserts a new artifact record.
func (s *Store) Create(_ context.Context, a *model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{a.SessionID, a.ID}
	if _, ok := s.artifacts[k]; ok {
		return fmt.Errorf("artifact %s: %w", a.ID, errs.ErrValidation)
	}
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.artifacts[k] = *a
	return nil
}

// Get loads an artifact by session and id.
func (s *Store) Get(_ context.Context, sessionID, id string) (*model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[key{sessionID, id}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

// ListBySession returns the session's artifacts, oldest first.
func (s *Store) ListBySession(_ context.Context, sessionID string) ([]model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Artifact{}
	for k, a := range s.artifacts {
		if k.session == sessionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateMetadata replaces the metadata snapshot and stored file size.
func (s *Store) UpdateMetadata(_ context.Context, sessionID, id string, md model.Metadata, fileSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{sessionID, id}
	a, ok := s.artifacts[k]
	if !ok {
		return errs.ErrNotFound
	}
	a.Metadata = md
	a.FileSize = fileSize
	a.UpdatedAt = s.now().UTC()
	s.artifacts[k] = a
	return nil
}

// Delete removes an artifact with its versions and history.
func (s *Store) Delete(_ context.Context, sessionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{sessionID, id}
	if _, ok := s.artifacts[k]; !ok {
		return errs.ErrNotFound
	}
	delete(s.artifacts, k)
	delete(s.histories, k)
	for vk, v := range s.versions {
		if vk.session == sessionID && v.ArtifactID == id {
			delete(s.versions, vk)
		}
	}
	return nil
}

// DeleteSession removes every record of the session.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.artifacts {
		if k.session == sessionID {
			delete(s.artifacts, k)
		}
	}
	for k := range s.histories {
		if k.session == sessionID {
			delete(s.histories, k)
		}
	}
	for k := range s.versions {
		if k.session == sessionID {
			delete(s.versions, k)
		}
	}
	return nil
}

// CreateVersion records a stored version.
func (s *Store) CreateVersion(_ context.Context, v *model.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[key{v.SessionID, v.ArtifactID}]; !ok {
		return fmt.Errorf("version %s: artifact %w", v.ID, errs.ErrNotFound)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now().UTC()
	}
	s.versions[key{v.SessionID, v.ID}] = *v
	return nil
}

// GetVersion loads a version by session and id.
func (s *Store) GetVersion(_ context.Context, sessionID, id string) (*model.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[key{sessionID, id}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &v, nil
}

// DeleteVersions removes version records; unknown ids are ignored.
func (s *Store) DeleteVersions(_ context.Context, sessionID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.versions, key{sessionID, id})
	}
	return nil
}

// LoadHistory returns the artifact history, or an empty one.
func (s *Store) LoadHistory(_ context.Context, sessionID, artifactID string) (model.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.artifacts[key{sessionID, artifactID}]; !ok {
		return model.History{}, errs.ErrNotFound
	}
	h, ok := s.histories[key{sessionID, artifactID}]
	if !ok {
		return model.NewHistory(), nil
	}
	h.Actions = append([]model.Action(nil), h.Actions...)
	return h, nil
}

// SaveHistory atomically replaces the action list and cursor.
func (s *Store) SaveHistory(_ context.Context, sessionID, artifactID string, h model.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[key{sessionID, artifactID}]; !ok {
		return errs.ErrNotFound
	}
	h.Actions = append([]model.Action(nil), h.Actions...)
	s.histories[key{sessionID, artifactID}] = h
	return nil
}
