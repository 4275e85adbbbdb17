// Package metadata reads, edits and transplants embedded image tags through an
// external metadata tool, and normalizes them into model.Metadata.
package metadata

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
	"github.com/and161185/retoucher/internal/toolexec"
)

// Overrides are dimensions forced onto the target after a tag copy. Zero means none.
type Overrides struct {
	Width  int
	Height int
}

func (o Overrides) tags() []Tag {
	if o.Width <= 0 || o.Height <= 0 {
		return nil
	}
	w, h := fmt.Sprint(o.Width), fmt.Sprint(o.Height)
	return []Tag{
		{Group: "EXIF", Name: "ImageWidth", Values: []string{w}},
		{Group: "EXIF", Name: "ImageHeight", Values: []string{h}},
		{Group: "EXIF", Name: "ExifImageWidth", Values: []string{w}},
		{Group: "EXIF", Name: "ExifImageHeight", Values: []string{h}},
	}
}

// Adapter works on in-memory image bytes; each call stages files in a
// private workspace that is removed before returning.
type Adapter struct {
	tool   Tool
	tmpDir string
	log    *zap.Logger
}

// New returns an Adapter over tool.
func New(tool Tool, tmpDir string, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{tool: tool, tmpDir: tmpDir, log: log}
}

// ReadAll extracts every tag from data. It never fails: on any error it
// returns model.EmptyMetadata and a metadata_read_failure warning.
func (a *Adapter) ReadAll(ctx context.Context, data []byte, ext string) (model.Metadata, []model.Warning) {
	md, err := a.readAll(ctx, data, ext)
	if err != nil {
		a.log.Warn("metadata read failed", zap.Error(err))
		return model.EmptyMetadata(), []model.Warning{{Kind: model.WarnMetadataRead, Message: err.Error()}}
	}
	return md, nil
}

func (a *Adapter) readAll(ctx context.Context, data []byte, ext string) (model.Metadata, error) {
	ws, err := toolexec.NewWorkspace(a.tmpDir, "meta-read")
	if err != nil {
		return model.Metadata{}, err
	}
	defer func() { _ = ws.Cleanup() }()

	path, err := ws.Write("in"+ext, data)
	if err != nil {
		return model.Metadata{}, err
	}
	out, err := a.tool.ReadAll(ctx, path)
	if err != nil {
		return model.Metadata{}, err
	}
	raw, err := ParseJSON(out)
	if err != nil {
		return model.Metadata{}, err
	}
	return structure(raw), nil
}

// ParseJSON decodes the tool's JSON dump (an array holding one object) into
// an ordered Raw. SourceFile is dropped and "base64:" strings become byte
// values. A tool-reported error entry is returned as an error.
func ParseJSON(out []byte) (model.Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	v, err := model.DecodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("parse metadata json: %w", err)
	}
	if v.Kind == model.KindList {
		if len(v.List) == 0 {
			return model.Raw{}, nil
		}
		v = v.List[0]
	}
	if v.Kind != model.KindMap {
		return nil, errors.New("parse metadata json: expected an object")
	}

	raw := make(model.Raw, 0, len(v.Map))
	for _, e := range v.Map {
		if e.Key == "SourceFile" {
			continue
		}
		if e.Key == "ExifTool:Error" || e.Key == "Error" {
			return nil, fmt.Errorf("metadata tool: %s", e.Value.Text())
		}
		raw = append(raw, model.Entry{Key: e.Key, Value: decodeBinary(e.Value)})
	}
	return raw, nil
}

func decodeBinary(v model.Value) model.Value {
	switch v.Kind {
	case model.KindString:
		if s, ok := strings.CutPrefix(v.Str, "base64:"); ok {
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				return model.Bytes(b)
			}
		}
	case model.KindList:
		for i := range v.List {
			v.List[i] = decodeBinary(v.List[i])
		}
	case model.KindMap:
		for i := range v.Map {
			v.Map[i].Value = decodeBinary(v.Map[i].Value)
		}
	}
	return v
}

// ApplyChanges writes changes into a copy of data and returns the new bytes.
// The batch is all-or-nothing: on failure the input bytes are returned along
// with an error wrapping errs.ErrMetadataWrite. No changes returns data as is.
func (a *Adapter) ApplyChanges(ctx context.Context, data []byte, ext string, changes []model.Change) ([]byte, error) {
	if len(changes) == 0 {
		return data, nil
	}
	tags, err := translate(changes)
	if err != nil {
		return data, err
	}

	ws, err := toolexec.NewWorkspace(a.tmpDir, "meta-write")
	if err != nil {
		return data, fmt.Errorf("%w: %w", errs.ErrMetadataWrite, err)
	}
	defer func() { _ = ws.Cleanup() }()

	path, err := ws.Write("target"+ext, data)
	if err != nil {
		return data, fmt.Errorf("%w: %w", errs.ErrMetadataWrite, err)
	}
	if err := a.tool.WriteTags(ctx, path, tags); err != nil {
		return data, fmt.Errorf("%w: %w", errs.ErrMetadataWrite, err)
	}
	out, err := ws.Read("target" + ext)
	if err != nil {
		return data, fmt.Errorf("%w: %w", errs.ErrMetadataWrite, err)
	}
	return out, nil
}

// CopyAll merges every tag of source onto target. With overrides set it
// first tries a copy that forces the dimensions, then a plain copy. If both
// fail the target is returned unchanged with a metadata_copy_failure warning.
func (a *Adapter) CopyAll(ctx context.Context, source, target []byte, sourceExt, targetExt string, ov Overrides) ([]byte, []model.Warning) {
	attempts := [][]Tag{ov.tags()}
	if len(attempts[0]) > 0 {
		attempts = append(attempts, nil)
	}

	var lastErr error
	for _, overrides := range attempts {
		out, err := a.copyOnce(ctx, source, target, sourceExt, targetExt, overrides)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		a.log.Debug("metadata copy attempt failed", zap.Bool("overrides", len(overrides) > 0), zap.Error(err))
	}

	err := fmt.Errorf("%w: %w", errs.ErrMetadataCopy, lastErr)
	a.log.Warn("metadata copy failed", zap.Error(err))
	return target, []model.Warning{{Kind: model.WarnMetadataCopy, Message: err.Error()}}
}

func (a *Adapter) copyOnce(ctx context.Context, source, target []byte, sourceExt, targetExt string, overrides []Tag) ([]byte, error) {
	ws, err := toolexec.NewWorkspace(a.tmpDir, "meta-copy")
	if err != nil {
		return nil, err
	}
	defer func() { _ = ws.Cleanup() }()

	src, err := ws.Write("source"+sourceExt, source)
	if err != nil {
		return nil, err
	}
	dst, err := ws.Write("target"+targetExt, target)
	if err != nil {
		return nil, err
	}
	if err := a.tool.CopyTagsFromFile(ctx, src, dst, overrides); err != nil {
		return nil, err
	}
	return ws.Read("target" + targetExt)
}
