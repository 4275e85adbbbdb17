package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/and161185/retoucher/internal/convert"
	"github.com/and161185/retoucher/internal/model"
)

// ------- parsing -------

// parseChanges turns --set section.field=value and --unset section.field
// into metadata changes. Values that parse as JSON keep their type;
// anything else is sent as a string.
func parseChanges(sets, unsets []string) ([]model.Change, error) {
	out := make([]model.Change, 0, len(sets)+len(unsets))
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q: want section.field=value", s)
		}
		sec, field, err := splitKey(key)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Change{Section: sec, Field: field, Value: parseValue(raw)})
	}
	for _, s := range unsets {
		sec, field, err := splitKey(s)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Change{Section: sec, Field: field})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("nothing to change: use --set or --unset")
	}
	return out, nil
}

func splitKey(k string) (string, string, error) {
	sec, field, ok := strings.Cut(strings.TrimSpace(k), ".")
	if !ok || sec == "" || field == "" {
		return "", "", fmt.Errorf("%q: want section.field", k)
	}
	return strings.ToLower(sec), field, nil
}

func parseValue(raw string) model.Value {
	var v model.Value
	if !json.Valid([]byte(raw)) {
		return model.String(raw)
	}
	if err := v.UnmarshalJSON([]byte(raw)); err == nil && !v.IsNull() {
		return v
	}
	return model.String(raw)
}

// outputPath places name inside dir, or returns out verbatim when it is a file.
func outputPath(out, name string) string {
	if out == "" {
		return name
	}
	if st, err := os.Stat(out); err == nil && st.IsDir() {
		return filepath.Join(out, name)
	}
	if strings.HasSuffix(out, string(os.PathSeparator)) {
		return filepath.Join(out, name)
	}
	return out
}

func imagePath(id string, rest ...string) string {
	p := "/v1/images/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func requireID(fs *pflag.FlagSet, id string) {
	if id == "" {
		fmt.Fprintf(os.Stderr, "%s: --id is required\n", fs.Name())
		os.Exit(2)
	}
}

// ------- commands -------

// cmdSession starts a session and stores its token.
func cmdSession(addr string) {
	ctx, cancel := withTimeout()
	defer cancel()
	var s convert.Session
	if err := newClient(addr, "").call(ctx, http.MethodPost, "/v1/sessions", nil, &s); err != nil {
		fail(err)
	}
	if err := saveToken(tokenFile{SessionID: s.SessionID, Token: s.Token, ExpiresAt: s.ExpiresAt}); err != nil {
		fail(err)
	}
	fmt.Println(s.SessionID)
}

func upload(ctx context.Context, cli *client, path string) (convert.Upload, error) {
	data, err := readAll(path)
	if err != nil {
		return convert.Upload{}, err
	}
	name := path
	if path == "-" {
		name = "stdin"
	}
	var out convert.Upload
	err = cli.postForm(ctx, "/v1/images", []multipartPart{{Name: "file", Filename: name, Data: data}}, &out)
	return out, err
}

// cmdUpload uploads each file; a failed file does not stop the rest.
func cmdUpload(cli *client, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "upload: need at least one file")
		os.Exit(2)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	failed := 0
	for _, p := range args {
		res, err := upload(ctx, cli, p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p, err)
			failed++
			continue
		}
		fmt.Printf("%s\t%s\t%dx%d\n", res.Artifact.ID, res.Artifact.OriginalFilename, res.Artifact.Width, res.Artifact.Height)
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "  warning %s: %s\n", w.Kind, w.Message)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func cmdList(cli *client) {
	ctx, cancel := withTimeout()
	defer cancel()
	var out struct {
		Images []convert.Artifact `json:"images"`
	}
	if err := cli.call(ctx, http.MethodGet, "/v1/images", nil, &out); err != nil {
		fail(err)
	}
	printJSON(out.Images)
}

func cmdShow(cli *client, args []string) {
	fs := pflag.NewFlagSet("show", pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	_ = fs.Parse(args)
	requireID(fs, *id)

	ctx, cancel := withTimeout()
	defer cancel()
	var a convert.Artifact
	if err := cli.call(ctx, http.MethodGet, imagePath(*id), nil, &a); err != nil {
		fail(err)
	}
	printJSON(a)
}

// cmdGet downloads image bytes: the original, the active version, the
// thumbnail or a display rendering.
func cmdGet(cli *client, args []string) {
	fs := pflag.NewFlagSet("get", pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	what := fs.String("what", "current", "original, current, thumbnail or render")
	format := fs.String("format", "jpg", "render format (jpg or png)")
	out := fs.StringP("out", "o", "", "output file or directory")
	_ = fs.Parse(args)
	requireID(fs, *id)

	path := ""
	switch *what {
	case "original", "current", "thumbnail":
		path = imagePath(*id, *what)
	case "render":
		path = imagePath(*id, "render") + "?format=" + url.QueryEscape(*format)
	default:
		fmt.Fprintf(os.Stderr, "get: unknown --what %q\n", *what)
		os.Exit(2)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	d, err := cli.fetch(ctx, http.MethodGet, path, nil)
	if err != nil {
		fail(err)
	}
	name := d.Filename
	if name == "" {
		name = *id + "_" + *what + extFor(d.Header.Get("Content-Type"))
	}
	dst := outputPath(*out, name)
	if err := os.WriteFile(dst, d.Data, 0o600); err != nil {
		fail(err)
	}
	fmt.Println(dst)
}

func extFor(contentType string) string {
	for _, f := range []model.Format{model.FormatJPEG, model.FormatPNG, model.FormatHEIC} {
		if f.ContentType() == contentType {
			return "." + string(f)
		}
	}
	return ".bin"
}

func cmdMeta(cli *client, args []string) {
	fs := pflag.NewFlagSet("meta", pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	_ = fs.Parse(args)
	requireID(fs, *id)

	ctx, cancel := withTimeout()
	defer cancel()
	var md model.Metadata
	if err := cli.call(ctx, http.MethodGet, imagePath(*id, "metadata"), nil, &md); err != nil {
		fail(err)
	}
	printJSON(md)
}

// cmdSetMeta writes tag changes into the original.
func cmdSetMeta(cli *client, args []string) {
	fs := pflag.NewFlagSet("set-meta", pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	sets := fs.StringArray("set", nil, "section.field=value (repeatable)")
	unsets := fs.StringArray("unset", nil, "section.field to delete (repeatable)")
	_ = fs.Parse(args)
	requireID(fs, *id)

	changes, err := parseChanges(*sets, *unsets)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, cancel := withTimeout()
	defer cancel()
	var res convert.MetadataResult
	if err := cli.call(ctx, http.MethodPatch, imagePath(*id, "metadata"), convert.MetadataUpdate{Changes: changes}, &res); err != nil {
		fail(err)
	}
	printJSON(res)
}

// cmdEdit runs an AI edit, optionally restricted by a mask image.
func cmdEdit(cli *client, args []string) {
	fs := pflag.NewFlagSet("edit", pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	prompt := fs.String("prompt", "", "edit instruction")
	mdl := fs.String("model", "", "model name")
	mask := fs.String("mask", "", "mask image file")
	_ = fs.Parse(args)
	requireID(fs, *id)
	if strings.TrimSpace(*prompt) == "" {
		fmt.Fprintln(os.Stderr, "edit: --prompt is required")
		os.Exit(2)
	}

	parts := []multipartPart{{Name: "prompt", Value: *prompt}}
	if *mdl != "" {
		parts = append(parts, multipartPart{Name: "model", Value: *mdl})
	}
	if *mask != "" {
		data, err := readAll(*mask)
		if err != nil {
			fail(err)
		}
		parts = append(parts, multipartPart{Name: "mask", Filename: *mask, Data: data})
	}

	ctx, cancel := withTimeout()
	defer cancel()
	var res convert.Edit
	if err := cli.postForm(ctx, imagePath(*id, "edits"), parts, &res); err != nil {
		fail(err)
	}
	printJSON(res)
}

// cmdHistory prints the history; with move set to "undo" or "redo" it
// moves the cursor first.
func cmdHistory(cli *client, args []string, move string) {
	name := "history"
	if move != "" {
		name = move
	}
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	_ = fs.Parse(args)
	requireID(fs, *id)

	ctx, cancel := withTimeout()
	defer cancel()
	var h convert.History
	var err error
	if move == "" {
		err = cli.call(ctx, http.MethodGet, imagePath(*id, "history"), nil, &h)
	} else {
		err = cli.call(ctx, http.MethodPost, imagePath(*id, move), nil, &h)
	}
	if err != nil {
		fail(err)
	}
	printJSON(h)
}

func cmdRevert(cli *client, args []string) {
	fs := pflag.NewFlagSet("revert", pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	to := fs.Int("to", -2, "history index to restore (-1 = original)")
	_ = fs.Parse(args)
	requireID(fs, *id)
	if !fs.Changed("to") {
		fmt.Fprintln(os.Stderr, "revert: --to is required")
		os.Exit(2)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	var h convert.History
	if err := cli.call(ctx, http.MethodPost, imagePath(*id, "revert"), convert.Revert{TargetIndex: to}, &h); err != nil {
		fail(err)
	}
	printJSON(h)
}

func exportOne(ctx context.Context, cli *client, req convert.ExportRequest) (*download, error) {
	return cli.fetch(ctx, http.MethodPost, "/v1/export", req)
}

// cmdExport exports one version (the active one by default) next to the
// given output directory.
func cmdExport(cli *client, args []string) {
	fs := pflag.NewFlagSet("export", pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	ver := fs.String("version", "", "version id (default: active version)")
	format := fs.String("format", "", "heic or jpg (default: follows the original)")
	out := fs.StringP("out", "o", "", "output file or directory")
	_ = fs.Parse(args)
	requireID(fs, *id)

	ctx, cancel := withTimeout()
	defer cancel()
	d, err := exportOne(ctx, cli, convert.ExportRequest{OriginalImageID: *id, VersionID: *ver, TargetFormat: *format})
	if err != nil {
		fail(err)
	}
	dst := outputPath(*out, d.Filename)
	if err := os.WriteFile(dst, d.Data, 0o600); err != nil {
		fail(err)
	}
	if w := d.Header.Get("X-Retoucher-Warnings"); w != "" {
		fmt.Fprintf(os.Stderr, "warnings: %s\n", w)
	}
	fmt.Println(dst)
}

// cmdExportAll exports the active version of every image in the session
// through the batch endpoint.
func cmdExportAll(cli *client, args []string) {
	fs := pflag.NewFlagSet("export-all", pflag.ExitOnError)
	format := fs.String("format", "", "heic or jpg (default: follows each original)")
	out := fs.StringP("out", "o", ".", "output directory")
	_ = fs.Parse(args)

	ctx, cancel := withTimeout()
	defer cancel()
	var list struct {
		Images []convert.Artifact `json:"images"`
	}
	if err := cli.call(ctx, http.MethodGet, "/v1/images", nil, &list); err != nil {
		fail(err)
	}
	if len(list.Images) == 0 {
		fmt.Fprintln(os.Stderr, "no images in session")
		return
	}
	req := convert.ExportBatchRequest{Items: make([]convert.ExportRequest, 0, len(list.Images))}
	for _, a := range list.Images {
		req.Items = append(req.Items, convert.ExportRequest{OriginalImageID: a.ID, TargetFormat: *format})
	}
	var res convert.ExportBatchResponse
	if err := cli.call(ctx, http.MethodPost, "/v1/export/batch", req, &res); err != nil {
		fail(err)
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		fail(err)
	}
	if failed := writeBatch(*out, list.Images, res); failed > 0 {
		os.Exit(1)
	}
}

// writeBatch stores every successful item and reports the failed ones.
func writeBatch(dir string, images []convert.Artifact, res convert.ExportBatchResponse) int {
	failed := 0
	for _, it := range res.Items {
		label := fmt.Sprint(it.Index)
		if it.Index >= 0 && it.Index < len(images) {
			label = images[it.Index].ID
		}
		if it.Error != "" {
			fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", label, it.Error, it.Kind)
			failed++
			continue
		}
		dst := filepath.Join(dir, filepath.Base(it.Filename))
		if err := os.WriteFile(dst, it.Data, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
			failed++
			continue
		}
		for _, w := range it.Warnings {
			fmt.Fprintf(os.Stderr, "%s: warning %s\n", label, w.Kind)
		}
		fmt.Println(dst)
	}
	return failed
}

func cmdRemove(cli *client, args []string) {
	fs := pflag.NewFlagSet("rm", pflag.ExitOnError)
	id := fs.String("id", "", "image id")
	_ = fs.Parse(args)
	requireID(fs, *id)

	ctx, cancel := withTimeout()
	defer cancel()
	if err := cli.call(ctx, http.MethodDelete, imagePath(*id), nil, nil); err != nil {
		fail(err)
	}
	fmt.Println("ok")
}

// cmdCleanup deletes the session on the server and forgets the token.
func cmdCleanup(cli *client) {
	ctx, cancel := withTimeout()
	defer cancel()
	if err := cli.call(ctx, http.MethodDelete, "/v1/sessions/current", nil, nil); err != nil && !isUnauthorized(err) {
		fail(err)
	}
	if err := dropToken(); err != nil {
		fail(err)
	}
	fmt.Println("ok")
}
