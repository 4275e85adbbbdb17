package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
)

const orig = "art"

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func edit(h *model.History, after string) []model.Action {
	return Append(h, model.Action{
		Type:          model.ActionAIEdit,
		Prompt:        "make it " + after,
		BeforeVersion: Active(*h, orig),
		AfterVersion:  after,
		Timestamp:     t0,
	})
}

func afters(h model.History) []string {
	out := make([]string, len(h.Actions))
	for i, a := range h.Actions {
		out[i] = a.AfterVersion
	}
	return out
}

func TestNewHistory(t *testing.T) {
	h := model.NewHistory()
	assert.Equal(t, -1, h.Cursor)
	assert.Equal(t, orig, Active(h, orig))
	assert.False(t, CanUndo(h))
	assert.False(t, CanRedo(h))
	assert.NoError(t, Validate(h, orig))
}

func TestBranchingPrunesRedo(t *testing.T) {
	h := model.NewHistory()
	edit(&h, "A")
	edit(&h, "B")
	edit(&h, "C")
	require.Equal(t, 2, h.Cursor)

	Undo(&h)
	Undo(&h)
	require.Equal(t, 0, h.Cursor)
	assert.Equal(t, "A", Active(h, orig))

	pruned := edit(&h, "D")
	assert.Equal(t, []string{"A", "D"}, afters(h))
	assert.Equal(t, 1, h.Cursor)
	require.Len(t, pruned, 2)
	assert.Equal(t, "B", pruned[0].AfterVersion)
	assert.Equal(t, "C", pruned[1].AfterVersion)

	assert.False(t, Redo(&h))
	assert.Equal(t, "D", Active(h, orig))
	assert.NoError(t, Validate(h, orig))

	refs := Referenced(h, orig)
	assert.False(t, refs["B"])
	assert.False(t, refs["C"])
	assert.True(t, refs["D"])
}

func TestAppendDoesNotAliasPrunedTail(t *testing.T) {
	h := model.NewHistory()
	edit(&h, "A")
	edit(&h, "B")
	Undo(&h)
	pruned := edit(&h, "D")
	require.Len(t, pruned, 1)
	assert.Equal(t, "B", pruned[0].AfterVersion, "pruned slice must not be overwritten by the append")
}

func TestUndoRedoBounds(t *testing.T) {
	h := model.NewHistory()
	assert.False(t, Undo(&h))
	assert.Equal(t, -1, h.Cursor)
	assert.False(t, Redo(&h))

	edit(&h, "A")
	assert.True(t, Undo(&h))
	assert.False(t, Undo(&h))
	assert.Equal(t, orig, Active(h, orig))
	assert.True(t, Redo(&h))
	assert.False(t, Redo(&h))
	assert.Equal(t, "A", Active(h, orig))
}

func TestRevert(t *testing.T) {
	h := model.NewHistory()
	edit(&h, "A")
	edit(&h, "B")
	edit(&h, "C")

	a, pruned, err := Revert(&h, orig, 0, t0)
	require.NoError(t, err)
	assert.Empty(t, pruned)
	assert.Equal(t, model.ActionRevert, a.Type)
	assert.Equal(t, "C", a.BeforeVersion)
	assert.Equal(t, "A", a.AfterVersion)
	assert.Equal(t, []string{"A", "B", "C", "A"}, afters(h))
	assert.Equal(t, 3, h.Cursor)
	assert.NoError(t, Validate(h, orig))

	a, _, err = Revert(&h, orig, -1, t0)
	require.NoError(t, err)
	assert.Equal(t, orig, a.AfterVersion)
	assert.Equal(t, orig, Active(h, orig))
}

func TestRevertPrunesRedoBranch(t *testing.T) {
	h := model.NewHistory()
	edit(&h, "A")
	edit(&h, "B")
	edit(&h, "C")
	Undo(&h)

	_, pruned, err := Revert(&h, orig, -1, t0)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, "C", pruned[0].AfterVersion)
	assert.Equal(t, []string{"A", "B", orig}, afters(h))
}

func TestRevertInvalidIndex(t *testing.T) {
	h := model.NewHistory()
	edit(&h, "A")
	before := h
	before.Actions = append([]model.Action(nil), h.Actions...)

	for _, idx := range []int{-2, 1, 99} {
		_, _, err := Revert(&h, orig, idx, t0)
		require.ErrorIs(t, err, errs.ErrInvalidIndex, fmt.Sprint(idx))
		assert.Equal(t, before, h)
	}
}

func TestValidate(t *testing.T) {
	h := model.History{Cursor: 0, Actions: []model.Action{
		{Type: model.ActionAIEdit, BeforeVersion: orig, AfterVersion: "A"},
		{Type: model.ActionMaskDraw, BeforeVersion: "X", AfterVersion: "B"},
	}}
	assert.Error(t, Validate(h, orig))

	h.Actions[1].BeforeVersion = "A"
	assert.NoError(t, Validate(h, orig))

	h.Cursor = 2
	assert.Error(t, Validate(h, orig))

	h.Cursor = 1
	h.Actions[1].Type = "paint"
	assert.Error(t, Validate(h, orig))
}
