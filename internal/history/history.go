// Package history implements the per-artifact edit log: an ordered action
// list plus a cursor selecting the displayed version.
//
// Functions operate on an explicit *model.History owned by the caller; the
// package keeps no state. Callers serialize access per artifact.
package history

import (
	"fmt"
	"time"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
)

// Append adds a at the cursor. Actions after the cursor (the redo branch)
// are discarded first and returned so the caller can drop their versions.
func Append(h *model.History, a model.Action) []model.Action {
	var pruned []model.Action
	if h.Cursor < len(h.Actions)-1 {
		keep := h.Cursor + 1
		pruned = append(pruned, h.Actions[keep:]...)
		h.Actions = h.Actions[:keep:keep]
	}
	h.Actions = append(h.Actions, a)
	h.Cursor = len(h.Actions) - 1
	return pruned
}

// Undo moves the cursor back one step. No-op at the original.
func Undo(h *model.History) bool {
	if h.Cursor <= -1 {
		return false
	}
	h.Cursor--
	return true
}

// Redo moves the cursor forward one step. No-op at the newest action.
func Redo(h *model.History) bool {
	if h.Cursor >= len(h.Actions)-1 {
		return false
	}
	h.Cursor++
	return true
}

// Revert appends a revert action restoring the version active at
// targetIndex (-1 for the original). An out-of-range index fails with
// errs.ErrInvalidIndex and leaves h untouched.
func Revert(h *model.History, originalID string, targetIndex int, now time.Time) (model.Action, []model.Action, error) {
	if targetIndex < -1 || targetIndex > len(h.Actions)-1 {
		return model.Action{}, nil, fmt.Errorf("%w: %d not in [-1, %d]", errs.ErrInvalidIndex, targetIndex, len(h.Actions)-1)
	}
	a := model.Action{
		Type:          model.ActionRevert,
		BeforeVersion: Active(*h, originalID),
		AfterVersion:  versionAt(*h, originalID, targetIndex),
		Timestamp:     now,
	}
	pruned := Append(h, a)
	return a, pruned, nil
}

// Active returns the version displayed at the cursor.
func Active(h model.History, originalID string) string {
	return versionAt(h, originalID, h.Cursor)
}

func versionAt(h model.History, originalID string, i int) string {
	if i < 0 || i >= len(h.Actions) {
		return originalID
	}
	return h.Actions[i].AfterVersion
}

// CanUndo reports whether Undo would move the cursor.
func CanUndo(h model.History) bool { return h.Cursor > -1 }

// CanRedo reports whether Redo would move the cursor.
func CanRedo(h model.History) bool { return h.Cursor < len(h.Actions)-1 }

// Referenced returns every version id the history still points at,
// including the original.
func Referenced(h model.History, originalID string) map[string]bool {
	refs := map[string]bool{originalID: true}
	for _, a := range h.Actions {
		refs[a.BeforeVersion] = true
		refs[a.AfterVersion] = true
		if a.MaskVersion != "" {
			refs[a.MaskVersion] = true
		}
	}
	return refs
}

// Validate checks the cursor range and the before/after chain.
func Validate(h model.History, originalID string) error {
	if h.Cursor < -1 || h.Cursor > len(h.Actions)-1 {
		return fmt.Errorf("history: cursor %d out of range for %d actions", h.Cursor, len(h.Actions))
	}
	prev := originalID
	for i, a := range h.Actions {
		switch a.Type {
		case model.ActionAIEdit, model.ActionMaskDraw, model.ActionRevert:
		default:
			return fmt.Errorf("history: action[%d] unknown type %q", i, a.Type)
		}
		if a.BeforeVersion != prev {
			return fmt.Errorf("history: action[%d] before=%q, want %q", i, a.BeforeVersion, prev)
		}
		if a.AfterVersion == "" {
			return fmt.Errorf("history: action[%d] empty after version", i)
		}
		prev = a.AfterVersion
	}
	return nil
}
