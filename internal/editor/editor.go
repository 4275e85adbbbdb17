// Package editor calls the image edit model.
package editor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/retoucher/internal/errs"
)

// Request is one edit call.
type Request struct {
	Image    []byte
	ImageExt string
	Mask     []byte // optional
	Prompt   string
	Model    string
}

// Editor transforms pixels according to a prompt. Failures wrap errs.ErrEditFailure.
type Editor interface {
	Edit(ctx context.Context, req Request) ([]byte, error)
}

// maxResponse caps the edited image size read from the model endpoint.
const maxResponse = 256 << 20

// HTTP posts a multipart form (image, optional mask, prompt, model) to an
// endpoint that answers with the edited image bytes.
type HTTP struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTP creates a client for the edit endpoint at url.
func NewHTTP(url, apiKey string, timeout time.Duration) *HTTP {
	return &HTTP{
		url:    strings.TrimSuffix(url, "/"),
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Edit implements Editor.
func (c *HTTP) Edit(ctx context.Context, req Request) ([]byte, error) {
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("%w: empty image", errs.ErrValidation)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := writePart(mw, "image", "image"+req.ImageExt, req.Image); err != nil {
		return nil, err
	}
	if len(req.Mask) > 0 {
		if err := writePart(mw, "mask", "mask.png", req.Mask); err != nil {
			return nil, err
		}
	}
	_ = mw.WriteField("prompt", req.Prompt)
	if req.Model != "" {
		_ = mw.WriteField("model", req.Model)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %w", errs.ErrEditFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", errs.ErrEditFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: edit API error [%d]: %s", errs.ErrEditFailure, resp.StatusCode, truncate(string(respBody), 200))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") && ct != "application/octet-stream" {
		return nil, fmt.Errorf("%w: unexpected content type %q", errs.ErrEditFailure, ct)
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("%w: empty response", errs.ErrEditFailure)
	}
	return respBody, nil
}

func writePart(mw *multipart.Writer, field, filename string, data []byte) error {
	w, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Identity returns the input image unchanged. Used when no model endpoint
// is configured.
type Identity struct{}

// Edit implements Editor.
func (Identity) Edit(_ context.Context, req Request) ([]byte, error) {
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("%w: empty image", errs.ErrValidation)
	}
	out := make([]byte, len(req.Image))
	copy(out, req.Image)
	return out, nil
}
