package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/retoucher/internal/crypto"
	"github.com/and161185/retoucher/internal/editor"
	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/history"
	"github.com/and161185/retoucher/internal/model"
)

// Edit sends the current version to the editor and appends the result as a
// new action. A mask turns the action into mask-draw. Versions orphaned by
// branch pruning are removed.
func (s *ImageServiceImpl) Edit(ctx context.Context, sessionID, id string, req model.EditRequest) (model.Action, []model.Warning, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return model.Action{}, nil, fmt.Errorf("validation: empty prompt: %w", errs.ErrValidation)
	}
	_, unlock, err := s.lockArtifact(ctx, sessionID, id)
	if err != nil {
		return model.Action{}, nil, err
	}
	defer unlock()

	h, err := s.Histories.LoadHistory(ctx, sessionID, id)
	if err != nil {
		return model.Action{}, nil, err
	}
	active := history.Active(h, id)
	src, entry, err := s.Files.Read(ctx, sessionID, active)
	if err != nil {
		return model.Action{}, nil, err
	}

	var created []string
	rollback := func() {
		for _, v := range created {
			_ = s.Files.Delete(ctx, sessionID, v)
		}
		_ = s.Histories.DeleteVersions(ctx, sessionID, created)
	}

	action := model.Action{
		Type:          model.ActionAIEdit,
		Prompt:        req.Prompt,
		Model:         req.Model,
		BeforeVersion: active,
	}
	if len(req.Mask) > 0 {
		mv, err := s.storeVersion(ctx, sessionID, id, req.Mask, sniffExt(req.Mask, ".png"))
		if err != nil {
			return model.Action{}, nil, err
		}
		created = append(created, mv.ID)
		action.Type = model.ActionMaskDraw
		action.MaskVersion = mv.ID
	}

	out, err := s.Editor.Edit(ctx, editor.Request{
		Image:    src,
		ImageExt: entry.Ext,
		Mask:     req.Mask,
		Prompt:   req.Prompt,
		Model:    req.Model,
	})
	if err != nil {
		rollback()
		return model.Action{}, nil, err
	}
	v, err := s.storeVersion(ctx, sessionID, id, out, sniffExt(out, entry.Ext))
	if err != nil {
		rollback()
		return model.Action{}, nil, err
	}
	created = append(created, v.ID)

	action.AfterVersion = v.ID
	action.Timestamp = s.now().UTC()
	pruned := history.Append(&h, action)
	if err := s.Histories.SaveHistory(ctx, sessionID, id, h); err != nil {
		rollback()
		return model.Action{}, nil, err
	}

	s.Log.Info("edit",
		zap.String("session", sessionID),
		zap.String("id", id),
		zap.String("type", string(action.Type)),
		zap.String("version", v.ID),
		zap.Int("pruned", len(pruned)),
	)
	return action, s.dropPruned(ctx, sessionID, id, h, pruned), nil
}

func (s *ImageServiceImpl) storeVersion(ctx context.Context, sessionID, id string, data []byte, ext string) (*model.Version, error) {
	vid, err := crypto.NewVersionID(id)
	if err != nil {
		return nil, err
	}
	entry, err := s.Files.Put(ctx, sessionID, vid, ext, data)
	if err != nil {
		return nil, err
	}
	v := &model.Version{
		ID:         vid,
		ArtifactID: id,
		SessionID:  sessionID,
		Ext:        entry.Ext,
		Size:       entry.Size,
		Digest:     crypto.Digest(data),
	}
	if err := s.Histories.CreateVersion(ctx, v); err != nil {
		_ = s.Files.Delete(ctx, sessionID, vid)
		return nil, err
	}
	return v, nil
}

// dropPruned deletes versions named only by pruned actions.
func (s *ImageServiceImpl) dropPruned(ctx context.Context, sessionID, id string, h model.History, pruned []model.Action) []model.Warning {
	if len(pruned) == 0 {
		return nil
	}
	refs := history.Referenced(h, id)
	var orphans []string
	for _, a := range pruned {
		for _, v := range []string{a.AfterVersion, a.MaskVersion} {
			if crypto.IsVersionID(v) && !refs[v] && !slices.Contains(orphans, v) {
				orphans = append(orphans, v)
			}
		}
	}

	var failed []error
	for _, v := range orphans {
		if err := s.Files.Delete(ctx, sessionID, v); err != nil {
			failed = append(failed, err)
		}
	}
	if err := s.Histories.DeleteVersions(ctx, sessionID, orphans); err != nil {
		failed = append(failed, err)
	}
	if len(failed) > 0 {
		err := errors.Join(failed...)
		s.Log.Warn("version cleanup failed", zap.String("id", id), zap.Error(err))
		return []model.Warning{{Kind: model.WarnVersionCleanup, Message: err.Error()}}
	}
	return nil
}

func state(h model.History, id string) HistoryState {
	return HistoryState{
		Actions:       h.Actions,
		Cursor:        h.Cursor,
		CanUndo:       history.CanUndo(h),
		CanRedo:       history.CanRedo(h),
		ActiveVersion: history.Active(h, id),
	}
}

func (s *ImageServiceImpl) History(ctx context.Context, sessionID, id string) (HistoryState, error) {
	if _, err := s.Get(ctx, sessionID, id); err != nil {
		return HistoryState{}, err
	}
	h, err := s.Histories.LoadHistory(ctx, sessionID, id)
	if err != nil {
		return HistoryState{}, err
	}
	return state(h, id), nil
}

func (s *ImageServiceImpl) Undo(ctx context.Context, sessionID, id string) (HistoryState, error) {
	return s.move(ctx, sessionID, id, history.Undo)
}

func (s *ImageServiceImpl) Redo(ctx context.Context, sessionID, id string) (HistoryState, error) {
	return s.move(ctx, sessionID, id, history.Redo)
}

func (s *ImageServiceImpl) move(ctx context.Context, sessionID, id string, step func(*model.History) bool) (HistoryState, error) {
	_, unlock, err := s.lockArtifact(ctx, sessionID, id)
	if err != nil {
		return HistoryState{}, err
	}
	defer unlock()

	h, err := s.Histories.LoadHistory(ctx, sessionID, id)
	if err != nil {
		return HistoryState{}, err
	}
	if step(&h) {
		if err := s.Histories.SaveHistory(ctx, sessionID, id, h); err != nil {
			return HistoryState{}, err
		}
	}
	return state(h, id), nil
}

func (s *ImageServiceImpl) Revert(ctx context.Context, sessionID, id string, targetIndex int) (HistoryState, []model.Warning, error) {
	_, unlock, err := s.lockArtifact(ctx, sessionID, id)
	if err != nil {
		return HistoryState{}, nil, err
	}
	defer unlock()

	h, err := s.Histories.LoadHistory(ctx, sessionID, id)
	if err != nil {
		return HistoryState{}, nil, err
	}
	_, pruned, err := history.Revert(&h, id, targetIndex, s.now().UTC())
	if err != nil {
		return HistoryState{}, nil, err
	}
	if err := s.Histories.SaveHistory(ctx, sessionID, id, h); err != nil {
		return HistoryState{}, nil, err
	}
	return state(h, id), s.dropPruned(ctx, sessionID, id, h, pruned), nil
}

// Version returns a catalogued version; ids that are not versions of this
// session are not found.
func (s *ImageServiceImpl) Version(ctx context.Context, sessionID, versionID string) (Blob, error) {
	if sessionID == "" || versionID == "" {
		return Blob{}, fmt.Errorf("validation: empty session/version: %w", errs.ErrValidation)
	}
	if _, err := s.Histories.GetVersion(ctx, sessionID, versionID); err != nil {
		return Blob{}, err
	}
	return s.readBlob(ctx, sessionID, versionID)
}
