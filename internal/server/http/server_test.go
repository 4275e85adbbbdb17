package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/export"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/service"
	"go.uber.org/zap/zaptest"
)

// fakeImages records the session it was called with and answers from fixtures.
type fakeImages struct {
	mu       sync.Mutex
	lastSID  string
	lastEdit model.EditRequest
	lastExp  []model.ExportRequest
	revertTo int
	failWith error
}

func (f *fakeImages) seen(sid string) error {
	f.mu.Lock()
	f.lastSID = sid
	f.mu.Unlock()
	return f.failWith
}

func (f *fakeImages) Upload(_ context.Context, sid, name string, data []byte) (*model.Artifact, []model.Warning, error) {
	if err := f.seen(sid); err != nil {
		return nil, nil, err
	}
	return &model.Artifact{ID: "abc123def456", OriginalFilename: name, Format: model.FormatJPEG, Ext: ".jpg", FileSize: int64(len(data))},
		[]model.Warning{{Kind: model.WarnThumbnail, Message: "x"}}, nil
}
func (f *fakeImages) List(_ context.Context, sid string) ([]model.Artifact, error) {
	return []model.Artifact{{ID: "a"}, {ID: "b"}}, f.seen(sid)
}
func (f *fakeImages) Get(_ context.Context, sid, id string) (*model.Artifact, error) {
	if err := f.seen(sid); err != nil {
		return nil, err
	}
	if id != "abc123def456" {
		return nil, fmt.Errorf("artifact %s: %w", id, errs.ErrNotFound)
	}
	return &model.Artifact{ID: id, Metadata: model.EmptyMetadata()}, nil
}
func (f *fakeImages) Original(_ context.Context, sid, id string) (service.Blob, error) {
	return service.Blob{Data: []byte("orig"), ContentType: "image/jpeg", Name: "a.jpg"}, f.seen(sid)
}
func (f *fakeImages) Thumbnail(_ context.Context, sid, _ string) (service.Blob, error) {
	return service.Blob{Data: []byte("th"), ContentType: "image/jpeg"}, f.seen(sid)
}
func (f *fakeImages) Current(_ context.Context, sid, _ string) (service.Blob, error) {
	return service.Blob{Data: []byte("cur"), ContentType: "image/png"}, f.seen(sid)
}
func (f *fakeImages) Render(_ context.Context, sid, _ string, format model.Format) (service.Blob, error) {
	return service.Blob{Data: []byte(format), ContentType: format.ContentType()}, f.seen(sid)
}
func (f *fakeImages) Metadata(_ context.Context, sid, _ string) (model.Metadata, error) {
	return model.EmptyMetadata(), f.seen(sid)
}
func (f *fakeImages) UpdateMetadata(_ context.Context, sid, _ string, changes []model.Change) (model.Metadata, []model.Warning, error) {
	md := model.EmptyMetadata()
	md.EXIF = &model.EXIF{Artist: fmt.Sprint(len(changes))}
	return md, nil, f.seen(sid)
}
func (f *fakeImages) Edit(_ context.Context, sid, _ string, req model.EditRequest) (model.Action, []model.Warning, error) {
	f.mu.Lock()
	f.lastEdit = req
	f.mu.Unlock()
	typ := model.ActionAIEdit
	if len(req.Mask) > 0 {
		typ = model.ActionMaskDraw
	}
	return model.Action{Type: typ, Prompt: req.Prompt, BeforeVersion: "abc123def456", AfterVersion: "abc123def456_v000000000001"}, nil, f.seen(sid)
}
func (f *fakeImages) History(_ context.Context, sid, _ string) (service.HistoryState, error) {
	return service.HistoryState{Cursor: -1, ActiveVersion: "abc123def456"}, f.seen(sid)
}
func (f *fakeImages) Undo(_ context.Context, sid, _ string) (service.HistoryState, error) {
	return service.HistoryState{Cursor: -1, CanRedo: true}, f.seen(sid)
}
func (f *fakeImages) Redo(_ context.Context, sid, _ string) (service.HistoryState, error) {
	return service.HistoryState{Cursor: 0, CanUndo: true}, f.seen(sid)
}
func (f *fakeImages) Revert(_ context.Context, sid, _ string, idx int) (service.HistoryState, []model.Warning, error) {
	f.mu.Lock()
	f.revertTo = idx
	f.mu.Unlock()
	if idx < -1 {
		return service.HistoryState{}, nil, fmt.Errorf("revert %d: %w", idx, errs.ErrInvalidIndex)
	}
	return service.HistoryState{Cursor: 1}, nil, f.seen(sid)
}
func (f *fakeImages) Version(_ context.Context, sid, _ string) (service.Blob, error) {
	return service.Blob{Data: []byte("v"), ContentType: "image/jpeg"}, f.seen(sid)
}
func (f *fakeImages) Export(_ context.Context, req model.ExportRequest) (*model.ExportResult, error) {
	f.mu.Lock()
	f.lastExp = []model.ExportRequest{req}
	f.mu.Unlock()
	if err := f.seen(req.SessionID); err != nil {
		return nil, err
	}
	return &model.ExportResult{
		Data: []byte("heic"), Filename: "IMG_0001_updated.heic", ContentType: "image/heic",
		Quality: 71, Attempts: 3,
		Warnings: []model.Warning{{Kind: model.WarnMetadataCopy}, {Kind: model.WarnSizeOutOfRange}},
	}, nil
}
func (f *fakeImages) ExportBatch(_ context.Context, sid string, reqs []model.ExportRequest) []export.BatchResult {
	f.mu.Lock()
	f.lastExp = reqs
	f.mu.Unlock()
	_ = f.seen(sid)
	out := make([]export.BatchResult, len(reqs))
	for i := range reqs {
		out[i].Index = i
		if i%2 == 1 {
			out[i].Err = fmt.Errorf("item %d: %w", i, errs.ErrMissingArtifact)
			continue
		}
		out[i].Result = &model.ExportResult{Data: []byte{byte(i)}, Filename: "x.jpg", ContentType: "image/jpeg", Attempts: 1}
	}
	return out
}
func (f *fakeImages) Delete(_ context.Context, sid, _ string) error { return f.seen(sid) }
func (f *fakeImages) DeleteSession(_ context.Context, sid string) error {
	return f.seen(sid)
}

var key = []byte("test-signing-key")

func newTestServer(t *testing.T) (*fakeImages, http.Handler, string, string) {
	t.Helper()
	sessions := service.NewSessionService(key, time.Hour)
	imgs := &fakeImages{}
	srv := New(sessions, imgs, Options{MaxUploadBytes: 1 << 10, MaxBatch: 3}, zaptest.NewLogger(t))
	sess, err := sessions.Create(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return imgs, srv.Echo(), sess.ID, sess.Token
}

func do(t *testing.T, h http.Handler, method, path, token string, body []byte, ctype string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("field: %v", err)
		}
	}
	for k, v := range files {
		fw, err := w.CreateFormFile(k, "IMG_0001.jpg")
		if err != nil {
			t.Fatalf("file: %v", err)
		}
		_, _ = fw.Write(v)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes(), w.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthAndSessionCreate(t *testing.T) {
	t.Parallel()
	_, h, _, _ := newTestServer(t)

	if rec := do(t, h, http.MethodGet, "/health", "", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/v1/sessions", "", nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body)
	}
	var out struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || out.SessionID == "" || out.Token == "" {
		t.Fatalf("bad session body: %s", rec.Body)
	}

	// the fresh token must open the authenticated routes
	if rec := do(t, h, http.MethodGet, "/v1/images", out.Token, nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("list with new token: %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	imgs, h, _, _ := newTestServer(t)

	for _, tok := range []string{"", "garbage"} {
		rec := do(t, h, http.MethodGet, "/v1/images", tok, nil, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: want 401, got %d", tok, rec.Code)
		}
		if decodeError(t, rec)["kind"] != "unauthorized" {
			t.Fatalf("kind mismatch: %s", rec.Body)
		}
	}

	other := service.NewSessionService([]byte("other-key"), time.Hour)
	foreign, _ := other.Create(context.Background())
	if rec := do(t, h, http.MethodGet, "/v1/images", foreign.Token, nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign key: want 401, got %d", rec.Code)
	}
	if imgs.lastSID != "" {
		t.Fatalf("service must not be reached without auth")
	}
}

func TestUploadAndRead(t *testing.T) {
	t.Parallel()
	imgs, h, sid, tok := newTestServer(t)

	body, ct := multipartBody(t, nil, map[string][]byte{"file": []byte("jpegdata")})
	rec := do(t, h, http.MethodPost, "/v1/images", tok, body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body)
	}
	if imgs.lastSID != sid {
		t.Fatalf("session not propagated: %q", imgs.lastSID)
	}
	if s := rec.Body.String(); !strings.Contains(s, `"original_filename":"IMG_0001.jpg"`) || !strings.Contains(s, `"thumbnail_failure"`) {
		t.Fatalf("upload body: %s", s)
	}

	rec = do(t, h, http.MethodGet, "/v1/images/abc123def456/original", tok, nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "orig" || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("original: %d %q %v", rec.Code, rec.Body, rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), `filename=a.jpg`) {
		t.Fatalf("disposition: %q", rec.Header().Get("Content-Disposition"))
	}

	rec = do(t, h, http.MethodGet, "/v1/images/abc123def456/render", tok, nil, "")
	if rec.Body.String() != "jpg" {
		t.Fatalf("render default format: %q", rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/v1/images/abc123def456/render?format=bogus", tok, nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("render bad format: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/images/missing", tok, nil, "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec)["kind"] != "not_found" {
		t.Fatalf("missing: %d %s", rec.Code, rec.Body)
	}
}

func TestUploadRejectsMissingAndOversized(t *testing.T) {
	t.Parallel()
	_, h, _, tok := newTestServer(t)

	body, ct := multipartBody(t, map[string]string{"note": "x"}, nil)
	if rec := do(t, h, http.MethodPost, "/v1/images", tok, body, ct); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing file: %d", rec.Code)
	}

	body, ct = multipartBody(t, nil, map[string][]byte{"file": bytes.Repeat([]byte{1}, 2<<10)})
	if rec := do(t, h, http.MethodPost, "/v1/images", tok, body, ct); rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized: %d %s", rec.Code, rec.Body)
	}
}

func TestEditAndHistory(t *testing.T) {
	t.Parallel()
	imgs, h, _, tok := newTestServer(t)

	body, ct := multipartBody(t, map[string]string{"prompt": "brighter sky", "model": "m1"}, map[string][]byte{"mask": {0xff}})
	rec := do(t, h, http.MethodPost, "/v1/images/abc123def456/edits", tok, body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("edit: %d %s", rec.Code, rec.Body)
	}
	if imgs.lastEdit.Prompt != "brighter sky" || imgs.lastEdit.Model != "m1" || len(imgs.lastEdit.Mask) != 1 {
		t.Fatalf("edit request: %+v", imgs.lastEdit)
	}
	if !strings.Contains(rec.Body.String(), `"type":"mask-draw"`) {
		t.Fatalf("edit body: %s", rec.Body)
	}

	body, ct = multipartBody(t, map[string]string{"prompt": "  "}, nil)
	if rec := do(t, h, http.MethodPost, "/v1/images/abc123def456/edits", tok, body, ct); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank prompt: %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/images/abc123def456/undo", tok, nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"can_redo":true`) {
		t.Fatalf("undo: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/v1/images/abc123def456/revert", tok, []byte(`{"target_index":-1}`), "application/json")
	if rec.Code != http.StatusOK || imgs.revertTo != -1 {
		t.Fatalf("revert to original: %d %d", rec.Code, imgs.revertTo)
	}
	rec = do(t, h, http.MethodPost, "/v1/images/abc123def456/revert", tok, []byte(`{}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("revert without index: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/images/abc123def456/revert", tok, []byte(`{"target_index":-5}`), "application/json")
	if rec.Code != http.StatusBadRequest || decodeError(t, rec)["kind"] != "invalid_index" {
		t.Fatalf("revert bad index: %d %s", rec.Code, rec.Body)
	}
}

func TestUpdateMetadata(t *testing.T) {
	t.Parallel()
	_, h, sid, tok := newTestServer(t)

	body := `{"changes":[{"section":"exif","field":"artist","value":"Ann"}]}`
	rec := do(t, h, http.MethodPatch, "/v1/images/abc123def456/metadata", tok, []byte(body), "application/json")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"warnings":[]`) {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}

	foreign := fmt.Sprintf(`{"session_id":"%s-x","changes":[]}`, sid)
	rec = do(t, h, http.MethodPatch, "/v1/images/abc123def456/metadata", tok, []byte(foreign), "application/json")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign session in body: %d", rec.Code)
	}
}

func TestExport(t *testing.T) {
	t.Parallel()
	imgs, h, sid, tok := newTestServer(t)

	body := `{"version_id":"abc123def456_v000000000001","original_image_id":"abc123def456","target_format":"heic"}`
	rec := do(t, h, http.MethodPost, "/v1/export", tok, []byte(body), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != "heic" || rec.Header().Get("Content-Type") != "image/heic" {
		t.Fatalf("export payload: %q %v", rec.Body, rec.Header())
	}
	if got := rec.Header().Get(HeaderWarnings); got != "metadata_copy_failure,size_out_of_tolerance" {
		t.Fatalf("warnings header: %q", got)
	}
	if rec.Header().Get(HeaderQuality) != "71" || rec.Header().Get(HeaderAttempts) != "3" {
		t.Fatalf("quality headers: %v", rec.Header())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="IMG_0001_updated.heic"` {
		t.Fatalf("disposition: %q", got)
	}
	if imgs.lastExp[0].SessionID != sid || imgs.lastExp[0].TargetFormat != model.FormatHEIC {
		t.Fatalf("request mapping: %+v", imgs.lastExp[0])
	}

	rec = do(t, h, http.MethodPost, "/v1/export", tok, []byte(`{"target_format":"png"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("png target: %d", rec.Code)
	}
}

func TestExportBatch(t *testing.T) {
	t.Parallel()
	_, h, _, tok := newTestServer(t)

	body := `{"items":[{"version_id":"a"},{"version_id":"b"},{"version_id":"c"}]}`
	rec := do(t, h, http.MethodPost, "/v1/export/batch", tok, []byte(body), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("batch: %d %s", rec.Code, rec.Body)
	}
	var out struct {
		Items []struct {
			Index int    `json:"index"`
			Data  []byte `json:"data"`
			Kind  string `json:"kind"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 3 || out.Items[1].Kind != "missing_artifact" || len(out.Items[2].Data) != 1 {
		t.Fatalf("items: %+v", out.Items)
	}

	tooMany := `{"items":[{},{},{},{}]}`
	if rec := do(t, h, http.MethodPost, "/v1/export/batch", tok, []byte(tooMany), "application/json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized batch: %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		code int
	}{
		{errs.ErrNotFound, http.StatusNotFound},
		{errs.ErrMissingArtifact, http.StatusNotFound},
		{errs.ErrValidation, http.StatusBadRequest},
		{errs.ErrInvalidIndex, http.StatusBadRequest},
		{errs.ErrUnauthorized, http.StatusUnauthorized},
		{errs.ErrLockTimeout, http.StatusConflict},
		{errs.ErrEncodeFailure, http.StatusUnprocessableEntity},
		{errs.ErrEditFailure, http.StatusUnprocessableEntity},
		{errs.ErrToolUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusOf(fmt.Errorf("wrapped: %w", tc.err)); got != tc.code {
			t.Fatalf("%v: want %d, got %d", tc.err, tc.code, got)
		}
	}
}

func TestServiceErrorsReachClient(t *testing.T) {
	t.Parallel()
	imgs, h, _, tok := newTestServer(t)
	imgs.failWith = fmt.Errorf("lock: %w", errs.ErrLockTimeout)

	rec := do(t, h, http.MethodDelete, "/v1/images/abc123def456", tok, nil, "")
	if rec.Code != http.StatusConflict || decodeError(t, rec)["kind"] != "lock_timeout" {
		t.Fatalf("delete under lock: %d %s", rec.Code, rec.Body)
	}

	imgs.failWith = fmt.Errorf("boom")
	rec = do(t, h, http.MethodDelete, "/v1/sessions/current", tok, nil, "")
	if rec.Code != http.StatusInternalServerError || decodeError(t, rec)["error"] != "internal error" {
		t.Fatalf("internal error must not leak: %d %s", rec.Code, rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/v1/nope", tok, nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route: %d", rec.Code)
	}
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"IMG_0001_updated.heic", `attachment; filename="IMG_0001_updated.heic"`},
		{`a"b\c.jpg`, `attachment; filename="a_b_c.jpg"`},
		{"caf\u00e9.jpg", `attachment; filename="caf_.jpg"; filename*=utf-8''caf%C3%A9.jpg`},
	}
	for _, tt := range tests {
		if got := contentDisposition("attachment", tt.name); got != tt.want {
			t.Fatalf("contentDisposition(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
