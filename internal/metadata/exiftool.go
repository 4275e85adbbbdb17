package metadata

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/and161185/retoucher/internal/toolexec"
)

// Tag is a single tag assignment. Empty Values deletes the tag; several
// values write a list.
type Tag struct {
	Group  string
	Name   string
	Values []string
}

func (t Tag) args() []string {
	key := "-" + t.Name
	if t.Group != "" {
		key = "-" + t.Group + ":" + t.Name
	}
	if len(t.Values) == 0 {
		return []string{key + "="}
	}
	out := make([]string, 0, len(t.Values))
	for _, v := range t.Values {
		out = append(out, key+"="+v)
	}
	return out
}

// Tool is the metadata tool contract.
type Tool interface {
	// ReadAll returns the tool's JSON dump of every tag in path.
	ReadAll(ctx context.Context, path string) ([]byte, error)
	// WriteTags applies tags to path in place.
	WriteTags(ctx context.Context, path string, tags []Tag) error
	// CopyTagsFromFile merges all tags of src onto dst, then applies overrides.
	CopyTagsFromFile(ctx context.Context, src, dst string, overrides []Tag) error
}

// ExifTool drives the exiftool binary.
type ExifTool struct {
	bin string
	run *toolexec.Runner
}

// NewExifTool returns a Tool calling bin (usually "exiftool") through run.
func NewExifTool(bin string, run *toolexec.Runner) *ExifTool {
	if bin == "" {
		bin = "exiftool"
	}
	return &ExifTool{bin: bin, run: run}
}

// Embedded previews are skipped; they can be megabytes and are regenerated by encoders.
var skipBinary = []string{"--PreviewImage", "--JpgFromRaw", "--ThumbnailImage", "--OtherImage"}

// ReadAll implements Tool.
func (e *ExifTool) ReadAll(ctx context.Context, path string) ([]byte, error) {
	args := []string{"-json", "-G", "-n", "-struct", "-b"}
	args = append(args, skipBinary...)
	args = append(args, path)
	out, err := e.run.Run(ctx, e.bin, args...)
	if err != nil {
		return nil, fmt.Errorf("exiftool read: %w", err)
	}
	return out, nil
}

// WriteTags implements Tool.
func (e *ExifTool) WriteTags(ctx context.Context, path string, tags []Tag) error {
	args := []string{"-overwrite_original", "-n"}
	for _, t := range tags {
		args = append(args, t.args()...)
	}
	args = append(args, path)
	out, diag, err := e.run.RunDiag(ctx, e.bin, args...)
	if err != nil {
		return fmt.Errorf("exiftool write: %w", err)
	}
	if err := checkReport(out, diag, true, nil); err != nil {
		return fmt.Errorf("exiftool write: %w", err)
	}
	return nil
}

// CopyTagsFromFile implements Tool.
func (e *ExifTool) CopyTagsFromFile(ctx context.Context, src, dst string, overrides []Tag) error {
	args := []string{"-overwrite_original", "-n", "-TagsFromFile", src, "-all:all", "-ICC_Profile", "-unsafe"}
	for _, t := range overrides {
		args = append(args, t.args()...)
	}
	args = append(args, dst)
	out, diag, err := e.run.RunDiag(ctx, e.bin, args...)
	if err != nil {
		return fmt.Errorf("exiftool copy: %w", err)
	}
	// A plain copy tolerates tags the target format cannot hold; a
	// rejected override does not.
	if err := checkReport(out, diag, false, overrides); err != nil {
		return fmt.Errorf("exiftool copy: %w", err)
	}
	return nil
}

var countLine = regexp.MustCompile(`(\d+) (image files updated|image files unchanged|files weren't updated due to errors)`)

// checkReport turns exiftool diagnostics of a zero-exit run into an error.
// In strict mode every non-minor warning fails the run; otherwise only
// warnings naming a watched tag do. Errors and a run that touched no file
// always fail.
func checkReport(stdout, stderr []byte, strict bool, watch []Tag) error {
	var problems []string
	sc := bufio.NewScanner(bytes.NewReader(stderr))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Error:"):
			problems = append(problems, line)
		case strings.HasPrefix(line, "Warning:"):
			if strings.HasPrefix(line, "Warning: [minor]") {
				continue
			}
			if strict || mentionsTag(line, watch) {
				problems = append(problems, line)
			}
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}

	var updated, unchanged, failed int
	seen := false
	for _, m := range countLine.FindAllSubmatch(stdout, -1) {
		n, _ := strconv.Atoi(string(m[1]))
		seen = true
		switch string(m[2]) {
		case "image files updated":
			updated = n
		case "image files unchanged":
			unchanged = n
		default:
			failed = n
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d files not updated", failed)
	}
	if seen && updated+unchanged == 0 {
		return errors.New("0 image files updated")
	}
	return nil
}

func mentionsTag(line string, tags []Tag) bool {
	for _, t := range tags {
		if strings.Contains(line, t.Name) {
			return true
		}
	}
	return false
}
