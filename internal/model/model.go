// Package model defines domain entities shared by the store, services and transports.
package model

import (
	"strings"
	"time"
)

// Format is a raster container format, identified by its canonical extension (no dot).
type Format string

const (
	FormatJPEG Format = "jpg"
	FormatPNG  Format = "png"
	FormatHEIC Format = "heic"
	FormatAVIF Format = "avif"
	FormatWebP Format = "webp"
	FormatTIFF Format = "tiff"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatDNG  Format = "dng"
	FormatCR2  Format = "cr2"
	FormatCR3  Format = "cr3"
	FormatNEF  Format = "nef"
	FormatARW  Format = "arw"
	FormatRAF  Format = "raf"
	FormatORF  Format = "orf"
	FormatRW2  Format = "rw2"
)

var extFormats = map[string]Format{
	"jpg": FormatJPEG, "jpeg": FormatJPEG, "jpe": FormatJPEG,
	"png":  FormatPNG,
	"heic": FormatHEIC, "heif": FormatHEIC, "hif": FormatHEIC,
	"avif": FormatAVIF,
	"webp": FormatWebP,
	"tif":  FormatTIFF, "tiff": FormatTIFF,
	"gif": FormatGIF,
	"bmp": FormatBMP,
	"dng": FormatDNG,
	"cr2": FormatCR2,
	"cr3": FormatCR3,
	"nef": FormatNEF,
	"arw": FormatARW,
	"raf": FormatRAF,
	"orf": FormatORF,
	"rw2": FormatRW2,
}

// FormatFromExt maps a file extension (with or without the leading dot, any case) to a Format.
func FormatFromExt(ext string) (Format, bool) {
	f, ok := extFormats[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return f, ok
}

// KnownExts lists every accepted extension with a leading dot, canonical ones first.
func KnownExts() []string {
	return []string{
		".jpg", ".png", ".heic", ".avif", ".webp", ".tiff", ".gif", ".bmp",
		".dng", ".cr2", ".cr3", ".nef", ".arw", ".raf", ".orf", ".rw2",
		".jpeg", ".jpe", ".heif", ".hif", ".tif",
	}
}

// Ext returns the canonical extension with a leading dot.
func (f Format) Ext() string { return "." + string(f) }

// ContentType returns the MIME type used when serving bytes of this format.
func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatHEIC:
		return "image/heic"
	case FormatAVIF:
		return "image/avif"
	case FormatWebP:
		return "image/webp"
	case FormatTIFF:
		return "image/tiff"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	case FormatDNG:
		return "image/x-adobe-dng"
	default:
		return "application/octet-stream"
	}
}

// CameraNative reports whether the format is a camera raw container that
// browsers cannot display directly.
func (f Format) CameraNative() bool {
	switch f {
	case FormatDNG, FormatCR2, FormatCR3, FormatNEF, FormatARW, FormatRAF, FormatORF, FormatRW2:
		return true
	}
	return false
}

// Exportable reports whether the format is accepted as an export target.
func (f Format) Exportable() bool { return f == FormatHEIC || f == FormatJPEG }

// Artifact is one uploaded image within a session.
type Artifact struct {
	ID               string    // 32 hex chars, fixed length
	SessionID        string    // owning session
	OriginalFilename string    // as uploaded
	Format           Format    // detected container format
	Ext              string    // stored extension, with dot
	Width            int       // ingest pixel width
	Height           int       // ingest pixel height
	FileSize         int64     // ingest byte size
	Quality          int       // encoder quality estimate, 0 if unknown
	ColorSpace       string    // e.g. sRGB, Display P3
	BitDepth         int       // bits per channel
	Metadata         Metadata  // latest snapshot
	CreatedAt        time.Time //
	UpdatedAt        time.Time //
}

// Version is an immutable snapshot of pixel bytes produced by an edit.
type Version struct {
	ID         string // <artifactID>_v<12 hex>
	ArtifactID string
	SessionID  string
	Ext        string
	Size       int64
	Digest     string // BLAKE2b-256, hex
	CreatedAt  time.Time
}

// ActionType enumerates history entry kinds.
type ActionType string

const (
	ActionAIEdit   ActionType = "ai-edit"
	ActionMaskDraw ActionType = "mask-draw"
	ActionRevert   ActionType = "revert"
)

// Action is one history entry. Version references equal to the artifact id
// denote the unedited original.
type Action struct {
	Type          ActionType
	Prompt        string
	Model         string
	BeforeVersion string
	AfterVersion  string
	MaskVersion   string
	Timestamp     time.Time
}

// History is the per-artifact edit log and its cursor. Cursor -1 means the
// unedited original is displayed.
type History struct {
	Actions []Action
	Cursor  int
}

// NewHistory returns an empty history positioned at the original.
func NewHistory() History { return History{Cursor: -1} }

// Session is an isolation boundary identified by an opaque token.
type Session struct {
	ID        string
	Token     string
	ExpiresAt time.Time
}

// Warning is a non-fatal condition reported alongside a successful result.
type Warning struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Warning kinds.
const (
	WarnMetadataRead     = "metadata_read_failure"
	WarnMetadataCopy     = "metadata_copy_failure"
	WarnOriginalMissing  = "original_missing"
	WarnThumbnail        = "thumbnail_failure"
	WarnProbe            = "probe_failure"
	WarnSizeOutOfRange   = "size_out_of_tolerance"
	WarnVersionCleanup   = "version_cleanup_failure"
	WarnMetadataSnapshot = "metadata_snapshot_failure"
)

// ExportRequest carries everything the reconciler needs about the version to
// export and the original it must resemble.
type ExportRequest struct {
	SessionID        string
	VersionID        string
	OriginalImageID  string
	OriginalFilename string
	OriginalFormat   Format
	OriginalWidth    int
	OriginalHeight   int
	OriginalFileSize int64 // 0 if unknown
	OriginalQuality  int   // 0 if unknown
	TargetFormat     Format
}

// ExportResult is the reconciled artifact ready for download.
type ExportResult struct {
	Data        []byte
	Filename    string
	ContentType string
	Quality     int // quality of the accepted encode
	Attempts    int // encoder invocations spent
	Warnings    []Warning
}

// EditRequest describes an AI edit applied to the active version.
type EditRequest struct {
	Prompt string
	Model  string
	Mask   []byte // optional; presence makes the action a mask-draw
}
