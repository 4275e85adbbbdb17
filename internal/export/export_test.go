package export

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/filestore"
	"github.com/and161185/retoucher/internal/metadata"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/raster"
)

const (
	sid        = "s1"
	origID     = "abc123def456"
	editedID   = "abc123def456_v000000000001"
	origSize   = 3_200_000
	copyMarker = "|tags-copied"
)

// sizeCodec encodes to a payload whose length is a function of quality.
type sizeCodec struct {
	mu       sync.Mutex
	size     func(q int) int
	fail     error
	calls    []raster.EncodeOptions
	inFlight int
	peak     int
}

func (c *sizeCodec) Probe(context.Context, []byte, string) (raster.Info, error) {
	return raster.Info{}, errors.New("not used")
}

func (c *sizeCodec) Thumbnail(context.Context, []byte, string, int) ([]byte, error) {
	return nil, errors.New("not used")
}

func (c *sizeCodec) Encode(_ context.Context, _ []byte, _ string, opts raster.EncodeOptions) ([]byte, error) {
	c.mu.Lock()
	c.calls = append(c.calls, opts)
	c.inFlight++
	c.peak = max(c.peak, c.inFlight)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if c.fail != nil {
		return nil, c.fail
	}
	return bytes.Repeat([]byte{byte(opts.Quality)}, c.size(opts.Quality)), nil
}

func linearSize(q int) int { return origSize * q / 85 }

// copyCall records one tag transplant performed by fakeTool.
type copyCall struct {
	srcExt    string
	dstExt    string
	overrides []metadata.Tag
}

type fakeTool struct {
	mu     sync.Mutex
	copies []copyCall
	fail   bool
}

func (f *fakeTool) ReadAll(context.Context, string) ([]byte, error) { return []byte("[{}]"), nil }

func (f *fakeTool) WriteTags(context.Context, string, []metadata.Tag) error { return nil }

func (f *fakeTool) CopyTagsFromFile(_ context.Context, src, dst string, overrides []metadata.Tag) error {
	f.mu.Lock()
	f.copies = append(f.copies, copyCall{srcExt: extOf(src), dstExt: extOf(dst), overrides: overrides})
	f.mu.Unlock()
	if f.fail {
		return errors.New("exiftool: Error: Not a valid HEIC")
	}
	fh, err := os.OpenFile(dst, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fh.WriteString(copyMarker)
	return err
}

func extOf(p string) string { return p[strings.LastIndex(p, "."):] }

type fixture struct {
	store *filestore.Store
	codec *sizeCodec
	tool  *fakeTool
	rec   *Reconciler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	codec := &sizeCodec{size: linearSize}
	tool := &fakeTool{}
	log := zaptest.NewLogger(t)
	meta := metadata.New(tool, t.TempDir(), log)
	return &fixture{store: st, codec: codec, tool: tool, rec: New(st, codec, meta, opts, log)}
}

func (f *fixture) put(t *testing.T, id, ext string, data []byte) {
	t.Helper()
	_, err := f.store.Put(context.Background(), sid, id, ext, data)
	require.NoError(t, err)
}

func heicRequest() model.ExportRequest {
	return model.ExportRequest{
		SessionID:        sid,
		VersionID:        origID,
		OriginalImageID:  origID,
		OriginalFilename: "IMG_0001.HEIC",
		OriginalFormat:   model.FormatHEIC,
		OriginalWidth:    4000,
		OriginalHeight:   3000,
		OriginalFileSize: origSize,
		OriginalQuality:  85,
		TargetFormat:     model.FormatHEIC,
	}
}

func overrideValue(tags []metadata.Tag, name string) string {
	for _, t := range tags {
		if t.Name == name && len(t.Values) == 1 {
			return t.Values[0]
		}
	}
	return ""
}

func TestExport_UneditedHEICMatchesOriginal(t *testing.T) {
	f := newFixture(t, Options{})
	f.put(t, origID, ".heic", bytes.Repeat([]byte{0xAB}, origSize))

	res, err := f.rec.Export(context.Background(), heicRequest())
	require.NoError(t, err)

	assert.Equal(t, "IMG_0001_updated.heic", res.Filename)
	assert.Equal(t, "image/heic", res.ContentType)
	assert.Equal(t, 85, res.Quality)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Warnings)

	encodedLen := len(res.Data) - len(copyMarker)
	assert.True(t, strings.HasSuffix(string(res.Data), copyMarker), "metadata copied onto result")
	assert.InDelta(t, origSize, encodedLen, origSize*0.10)

	require.Len(t, f.codec.calls, 1)
	call := f.codec.calls[0]
	assert.Equal(t, model.FormatHEIC, call.Format)
	assert.Equal(t, 4000, call.Width)
	assert.Equal(t, 3000, call.Height)

	require.Len(t, f.tool.copies, 1)
	cp := f.tool.copies[0]
	assert.Equal(t, ".heic", cp.srcExt)
	assert.Equal(t, ".heic", cp.dstExt)
	assert.Equal(t, "4000", overrideValue(cp.overrides, "ImageWidth"))
	assert.Equal(t, "3000", overrideValue(cp.overrides, "ImageHeight"))
	assert.Equal(t, "4000", overrideValue(cp.overrides, "ExifImageWidth"))
}

func TestExport_QualitySearchBisectsTowardsDesiredSize(t *testing.T) {
	f := newFixture(t, Options{})
	// The encoder is more generous than the original one: q85 overshoots by ~47%.
	f.codec.size = func(q int) int {
		return int(float64(origSize) * math.Pow(float64(q)/70, 2))
	}
	f.put(t, origID, ".heic", []byte("original"))
	f.put(t, editedID, ".png", []byte("edited"))

	req := heicRequest()
	req.VersionID = editedID
	res, err := f.rec.Export(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 71, res.Quality)
	assert.Empty(t, res.Warnings)

	var qs []int
	for _, c := range f.codec.calls {
		qs = append(qs, c.Quality)
	}
	assert.Equal(t, []int{85, 57, 71}, qs)
}

func TestExport_QualitySearchGivesUpWithWarning(t *testing.T) {
	f := newFixture(t, Options{})
	f.codec.size = func(int) int { return 10 * origSize }
	f.put(t, origID, ".heic", []byte("original"))

	res, err := f.rec.Export(context.Background(), heicRequest())
	require.NoError(t, err)

	assert.Equal(t, 6, res.Attempts)
	assert.Len(t, f.codec.calls, 6)
	assert.Equal(t, 85, res.Quality, "ties keep the first encode")
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.WarnSizeOutOfRange, res.Warnings[0].Kind)
}

func TestExport_MetadataToolFailureIsWarning(t *testing.T) {
	f := newFixture(t, Options{})
	f.tool.fail = true
	f.put(t, origID, ".heic", bytes.Repeat([]byte{1}, 1000))

	req := heicRequest()
	req.OriginalFileSize = 0
	res, err := f.rec.Export(context.Background(), req)
	require.NoError(t, err)

	require.NotEmpty(t, res.Data)
	assert.False(t, strings.HasSuffix(string(res.Data), copyMarker))
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.WarnMetadataCopy, res.Warnings[0].Kind)

	require.Len(t, f.tool.copies, 2, "retried once without overrides")
	assert.NotEmpty(t, f.tool.copies[0].overrides)
	assert.Empty(t, f.tool.copies[1].overrides)
}

func TestExport_MissingOriginalSkipsMetadata(t *testing.T) {
	f := newFixture(t, Options{})
	f.put(t, editedID, ".png", []byte("edited"))

	req := heicRequest()
	req.VersionID = editedID
	req.TargetFormat = model.FormatJPEG
	res, err := f.rec.Export(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "IMG_0001_updated.jpg", res.Filename)
	assert.Equal(t, "image/jpeg", res.ContentType)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.WarnOriginalMissing, res.Warnings[0].Kind)
	assert.Empty(t, f.tool.copies)
}

func TestExport_JPEGForcesDimensionsSingleEncode(t *testing.T) {
	f := newFixture(t, Options{})
	f.put(t, origID, ".jpg", []byte("original"))
	f.put(t, editedID, ".png", []byte("edited"))

	req := heicRequest()
	req.VersionID = editedID
	req.OriginalFormat = model.FormatJPEG
	req.OriginalQuality = 0
	req.TargetFormat = model.FormatJPEG
	res, err := f.rec.Export(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, f.codec.calls, 1)
	assert.Equal(t, raster.EncodeOptions{Format: model.FormatJPEG, Quality: 90, Width: 4000, Height: 3000}, f.codec.calls[0])
	assert.Equal(t, 90, res.Quality)
	require.Len(t, f.tool.copies, 1)
	assert.Equal(t, ".jpg", f.tool.copies[0].srcExt)
	assert.Equal(t, ".jpg", f.tool.copies[0].dstExt)
}

func TestExport_HEICFromOtherCodecEncodesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.codec.size = func(int) int { return 10 * origSize }
	f.put(t, origID, ".dng", []byte("raw"))

	req := heicRequest()
	req.OriginalFormat = model.FormatDNG
	req.OriginalQuality = 0
	res, err := f.rec.Export(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, f.codec.calls, 1)
	assert.Equal(t, 85, res.Quality)
	assert.Empty(t, res.Warnings)
}

func TestExport_Errors(t *testing.T) {
	t.Run("missing version", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.put(t, origID, ".heic", []byte("original"))
		req := heicRequest()
		req.VersionID = origID + "_v0000deadbeef"
		_, err := f.rec.Export(context.Background(), req)
		require.ErrorIs(t, err, errs.ErrMissingArtifact)
		assert.Equal(t, "missing_artifact", errs.Kind(err))
	})
	t.Run("encode failure", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.codec.fail = errors.New("magick: no decode delegate")
		f.put(t, origID, ".heic", []byte("original"))
		_, err := f.rec.Export(context.Background(), heicRequest())
		require.ErrorIs(t, err, errs.ErrEncodeFailure)
		assert.Empty(t, f.tool.copies)
	})
	t.Run("unsupported target", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := heicRequest()
		req.TargetFormat = model.FormatPNG
		_, err := f.rec.Export(context.Background(), req)
		require.ErrorIs(t, err, errs.ErrValidation)
	})
}

func TestExportBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t, Options{Workers: 2})
	f.put(t, origID, ".heic", []byte("original"))

	ok := heicRequest()
	ok.OriginalFileSize = 0
	bad := ok
	bad.VersionID = "nope"
	reqs := []model.ExportRequest{ok, bad, ok, ok, ok}

	results := f.rec.ExportBatch(context.Background(), reqs)
	require.Len(t, results, len(reqs))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if i == 1 {
			require.ErrorIs(t, r.Err, errs.ErrMissingArtifact)
			assert.Nil(t, r.Result)
			continue
		}
		require.NoError(t, r.Err)
		assert.NotEmpty(t, r.Result.Data)
	}
	assert.LessOrEqual(t, f.codec.peak, 2)
}

func TestExportBatch_CancelledContext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.rec.ExportBatch(ctx, []model.ExportRequest{heicRequest(), heicRequest()})
	for _, r := range results {
		require.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Empty(t, f.codec.calls)
}

func TestFilename(t *testing.T) {
	tests := []struct {
		original, fallback string
		target             model.Format
		want               string
	}{
		{"IMG_0001.HEIC", "id", model.FormatHEIC, "IMG_0001_updated.heic"},
		{"holiday.photo.jpg", "id", model.FormatJPEG, "holiday.photo_updated.jpg"},
		{`C:\Users\me\shot.dng`, "id", model.FormatJPEG, "shot_updated.jpg"},
		{"../../etc/passwd", "id", model.FormatHEIC, "passwd_updated.heic"},
		{"", "abc123def456", model.FormatHEIC, "abc123def456_updated.heic"},
		{"", "", model.FormatJPEG, "image_updated.jpg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Filename(tt.original, tt.fallback, tt.target), tt.original)
	}
}
