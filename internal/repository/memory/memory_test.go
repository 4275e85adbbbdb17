package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/repository"
)

var (
	_ repository.ArtifactRepository = (*Store)(nil)
	_ repository.HistoryRepository  = (*Store)(nil)
)

func seed(t *testing.T, s *Store, session, id string) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &model.Artifact{
		ID: id, SessionID: session, OriginalFilename: id + ".jpg", Format: model.FormatJPEG, Ext: ".jpg",
		Metadata: model.EmptyMetadata(),
	}))
}

func TestArtifacts_CRUD(t *testing.T) {
	s := New()
	ctx := context.Background()
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	seed(t, s, "s1", "b")
	seed(t, s, "s1", "a")
	seed(t, s, "s2", "c")

	list, err := s.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "oldest first")

	_, err = s.Get(ctx, "s2", "a")
	require.ErrorIs(t, err, errs.ErrNotFound, "sessions are isolated")

	md := model.EmptyMetadata()
	md.EXIF = &model.EXIF{Artist: "x"}
	require.NoError(t, s.UpdateMetadata(ctx, "s1", "a", md, 42))
	a, err := s.Get(ctx, "s1", "a")
	require.NoError(t, err)
	assert.Equal(t, "x", a.Metadata.EXIF.Artist)
	assert.Equal(t, int64(42), a.FileSize)

	require.ErrorIs(t, s.UpdateMetadata(ctx, "s1", "zzz", md, 1), errs.ErrNotFound)
}

func TestHistory_SaveLoadAndCascade(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "s1", "a")

	h, err := s.LoadHistory(ctx, "s1", "a")
	require.NoError(t, err)
	assert.Equal(t, model.NewHistory(), h)

	require.NoError(t, s.CreateVersion(ctx, &model.Version{ID: "a_v1", ArtifactID: "a", SessionID: "s1", Ext: ".png"}))
	h.Actions = append(h.Actions, model.Action{Type: model.ActionAIEdit, BeforeVersion: "a", AfterVersion: "a_v1"})
	h.Cursor = 0
	require.NoError(t, s.SaveHistory(ctx, "s1", "a", h))

	h.Actions[0].Prompt = "mutated after save"
	got, err := s.LoadHistory(ctx, "s1", "a")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cursor)
	assert.Empty(t, got.Actions[0].Prompt)

	require.NoError(t, s.Delete(ctx, "s1", "a"))
	_, err = s.GetVersion(ctx, "s1", "a_v1")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.LoadHistory(ctx, "s1", "a")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestVersions(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.ErrorIs(t, s.CreateVersion(ctx, &model.Version{ID: "x_v1", ArtifactID: "x", SessionID: "s1"}), errs.ErrNotFound)

	seed(t, s, "s1", "a")
	require.NoError(t, s.CreateVersion(ctx, &model.Version{ID: "a_v1", ArtifactID: "a", SessionID: "s1"}))
	require.NoError(t, s.CreateVersion(ctx, &model.Version{ID: "a_v2", ArtifactID: "a", SessionID: "s1"}))

	require.NoError(t, s.DeleteVersions(ctx, "s1", []string{"a_v1", "unknown"}))
	_, err := s.GetVersion(ctx, "s1", "a_v1")
	require.ErrorIs(t, err, errs.ErrNotFound)
	v, err := s.GetVersion(ctx, "s1", "a_v2")
	require.NoError(t, err)
	assert.False(t, v.CreatedAt.IsZero())
}

func TestDeleteSession(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, "s1", "a")
	seed(t, s, "s2", "b")

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	list, _ := s.ListBySession(ctx, "s1")
	assert.Empty(t, list)
	list, _ = s.ListBySession(ctx, "s2")
	assert.Len(t, list, 1)
}
