package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/export"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/service"
)

const sid = "5b3c0ec0-6a0e-4a8f-9d6a-3f6f3b0c1a11"

func TestToArtifact_MetadataOnlyWhenAsked(t *testing.T) {
	t.Parallel()
	md := model.EmptyMetadata()
	md.EXIF = &model.EXIF{Make: "Apple"}
	a := model.Artifact{ID: "abc", Format: model.FormatHEIC, Ext: ".heic", Width: 4000, Metadata: md}

	if got := ToArtifact(a, false); got.Metadata != nil || got.Format != "heic" || got.Width != 4000 {
		t.Fatalf("unexpected list form: %+v", got)
	}
	full := ToArtifact(a, true)
	if full.Metadata == nil || full.Metadata.EXIF.Make != "Apple" {
		t.Fatalf("metadata missing: %+v", full)
	}

	list := ToArtifacts(nil)
	b, _ := json.Marshal(list)
	if string(b) != "[]" {
		t.Fatalf("empty list must encode as [], got %s", b)
	}
}

func TestFromExportRequest(t *testing.T) {
	t.Parallel()

	in := ExportRequest{
		VersionID:        "abc_v000000000001",
		OriginalImageID:  "abc",
		OriginalFormat:   "HEIC",
		OriginalWidth:    4000,
		OriginalHeight:   3000,
		OriginalFileSize: 3_200_000,
		TargetFormat:     "jpeg",
	}
	got, err := FromExportRequest(in, sid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SessionID != sid || got.OriginalFormat != model.FormatHEIC || got.TargetFormat != model.FormatJPEG {
		t.Fatalf("unexpected request: %+v", got)
	}

	bad := map[string]ExportRequest{
		"png target":    {TargetFormat: "png"},
		"unknown":       {TargetFormat: "bmpx"},
		"orig format":   {OriginalFormat: "doc"},
		"negative size": {OriginalFileSize: -1},
		"quality":       {OriginalQuality: 101},
	}
	for name, r := range bad {
		if _, err := FromExportRequest(r, sid); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("%s: want validation error, got %v", name, err)
		}
	}

	if _, err := FromExportRequest(ExportRequest{SessionID: "someone-else"}, sid); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("foreign session must be unauthorized, got %v", err)
	}
	if _, err := FromExportRequest(ExportRequest{SessionID: sid}, sid); err != nil {
		t.Fatalf("matching session rejected: %v", err)
	}
}

func TestFromExportBatch(t *testing.T) {
	t.Parallel()
	if _, err := FromExportBatch(ExportBatchRequest{}, sid, 10); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("empty batch: %v", err)
	}
	items := make([]ExportRequest, 3)
	if _, err := FromExportBatch(ExportBatchRequest{Items: items}, sid, 2); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("oversized batch: %v", err)
	}
	items[1].TargetFormat = "gif"
	_, err := FromExportBatch(ExportBatchRequest{Items: items}, sid, 10)
	if err == nil || !strings.Contains(err.Error(), "items[1]") {
		t.Fatalf("want items[1] error, got %v", err)
	}
}

func TestToExportBatch(t *testing.T) {
	t.Parallel()
	rs := []export.BatchResult{
		{Index: 0, Result: &model.ExportResult{Data: []byte{1, 2}, Filename: "a_updated.jpg", ContentType: "image/jpeg", Attempts: 1}},
		{Index: 1, Err: fmt.Errorf("version x: %w", errs.ErrMissingArtifact)},
	}
	out := ToExportBatch(rs)
	b, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"data":"AQI="`) || !strings.Contains(s, `"kind":"missing_artifact"`) {
		t.Fatalf("unexpected json: %s", s)
	}
}

func TestFromMetadataUpdate(t *testing.T) {
	t.Parallel()
	var in MetadataUpdate
	body := `{"changes":[{"section":"exif","field":"artist","value":"Ann"},{"section":"gps","field":"latitude"}]}`
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	changes, err := FromMetadataUpdate(in, sid)
	if err != nil || len(changes) != 2 {
		t.Fatalf("unexpected: %v %+v", err, changes)
	}
	if !changes[1].Value.IsNull() {
		t.Fatalf("missing value must mean delete")
	}

	in.Changes[0].Field = " "
	if _, err := FromMetadataUpdate(in, sid); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("blank field: %v", err)
	}
}

func TestToHistory(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	st := service.HistoryState{
		Actions:       []model.Action{{Type: model.ActionAIEdit, Prompt: "sky", BeforeVersion: "abc", AfterVersion: "abc_v1", Timestamp: ts}},
		Cursor:        0,
		CanUndo:       true,
		ActiveVersion: "abc_v1",
	}
	h := ToHistory(st, nil)
	b, _ := json.Marshal(h)
	s := string(b)
	for _, want := range []string{`"type":"ai-edit"`, `"cursor":0`, `"can_undo":true`, `"active_version":"abc_v1"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %s in %s", want, s)
		}
	}
	if strings.Contains(s, "mask_version") || strings.Contains(s, "warnings") {
		t.Fatalf("empty optional fields must be omitted: %s", s)
	}

	empty, _ := json.Marshal(ToHistory(service.HistoryState{Cursor: -1}, nil))
	if !strings.Contains(string(empty), `"actions":[]`) {
		t.Fatalf("empty history must list no actions: %s", empty)
	}
}

func TestToError(t *testing.T) {
	t.Parallel()
	e := ToError(fmt.Errorf("revert: %w", errs.ErrInvalidIndex))
	if e.Kind != "invalid_index" || !strings.Contains(e.Error, "revert") {
		t.Fatalf("unexpected: %+v", e)
	}
	if ToError(errors.New("x")).Kind != "internal" {
		t.Fatalf("unknown errors are internal")
	}
}
