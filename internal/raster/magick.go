package raster

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/toolexec"
)

const identifyFormat = "%w %h %m %Q %z %[colorspace]\n"

// Magick drives the ImageMagick CLI.
type Magick struct {
	bin    string
	run    *toolexec.Runner
	tmpDir string
}

// NewMagick returns a codec calling bin (usually "magick") through run.
// Temp workspaces are created under tmpDir (os.TempDir when empty).
func NewMagick(bin string, run *toolexec.Runner, tmpDir string) *Magick {
	if bin == "" {
		bin = "magick"
	}
	return &Magick{bin: bin, run: run, tmpDir: tmpDir}
}

// Probe implements Codec.
func (m *Magick) Probe(ctx context.Context, data []byte, ext string) (Info, error) {
	ws, err := toolexec.NewWorkspace(m.tmpDir, "probe")
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = ws.Cleanup() }()

	in, err := ws.Write("in"+safeExt(ext), data)
	if err != nil {
		return Info{}, err
	}
	out, err := m.run.Run(ctx, m.bin, "identify", "-format", identifyFormat, in+"[0]")
	if err != nil {
		return Info{}, fmt.Errorf("probe: %w", err)
	}
	return parseIdentify(string(out))
}

// Encode implements Codec.
func (m *Magick) Encode(ctx context.Context, data []byte, ext string, opts EncodeOptions) ([]byte, error) {
	if opts.Format == "" {
		return nil, fmt.Errorf("%w: no target format", errs.ErrEncodeFailure)
	}
	ws, err := toolexec.NewWorkspace(m.tmpDir, "encode")
	if err != nil {
		return nil, err
	}
	defer func() { _ = ws.Cleanup() }()

	in, err := ws.Write("in"+safeExt(ext), data)
	if err != nil {
		return nil, err
	}
	out := ws.Path("out" + opts.Format.Ext())

	args := []string{in + "[0]"}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-resize", fmt.Sprintf("%dx%d!", opts.Width, opts.Height))
	}
	if opts.Quality > 0 {
		args = append(args, "-quality", strconv.Itoa(clampQuality(opts.Quality)))
	}
	args = append(args, magickFormat(opts.Format)+":"+out)

	if _, err := m.run.Run(ctx, m.bin, args...); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrEncodeFailure, err)
	}
	b, err := ws.Read("out" + opts.Format.Ext())
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %w", errs.ErrEncodeFailure, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty output", errs.ErrEncodeFailure)
	}
	return b, nil
}

// Thumbnail implements Codec.
func (m *Magick) Thumbnail(ctx context.Context, data []byte, ext string, maxEdge int) ([]byte, error) {
	if maxEdge <= 0 {
		maxEdge = 512
	}
	ws, err := toolexec.NewWorkspace(m.tmpDir, "thumb")
	if err != nil {
		return nil, err
	}
	defer func() { _ = ws.Cleanup() }()

	in, err := ws.Write("in"+safeExt(ext), data)
	if err != nil {
		return nil, err
	}
	out := ws.Path("thumb.jpg")
	geom := fmt.Sprintf("%dx%d>", maxEdge, maxEdge)
	if _, err := m.run.Run(ctx, m.bin, in+"[0]", "-auto-orient", "-thumbnail", geom, "-quality", "80", "JPEG:"+out); err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}
	return ws.Read("thumb.jpg")
}

func parseIdentify(out string) (Info, error) {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	f := strings.Fields(line)
	if len(f) < 3 {
		return Info{}, fmt.Errorf("probe: unexpected identify output %q", line)
	}
	w, err := strconv.Atoi(f[0])
	if err != nil {
		return Info{}, fmt.Errorf("probe: width %q: %w", f[0], err)
	}
	h, err := strconv.Atoi(f[1])
	if err != nil {
		return Info{}, fmt.Errorf("probe: height %q: %w", f[1], err)
	}
	info := Info{Width: w, Height: h}
	if fm, ok := model.FormatFromExt(f[2]); ok {
		info.Format = fm
	}
	if len(f) > 3 {
		info.Quality, _ = strconv.Atoi(f[3])
	}
	if len(f) > 4 {
		info.BitDepth, _ = strconv.Atoi(f[4])
	}
	if len(f) > 5 {
		info.ColorSpace = strings.Join(f[5:], " ")
	}
	return info, nil
}

func magickFormat(f model.Format) string {
	if f == model.FormatJPEG {
		return "JPEG"
	}
	return strings.ToUpper(string(f))
}

func clampQuality(q int) int {
	switch {
	case q < 1:
		return 1
	case q > 100:
		return 100
	}
	return q
}

func safeExt(ext string) string {
	if f, ok := model.FormatFromExt(ext); ok {
		return f.Ext()
	}
	return ""
}
