package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const DefaultMaxRemoteOutput = 64 << 20

// Remote delegates conversion to an HTTP service that accepts a multipart
// upload with "file" and "mode" fields and answers with Markdown.
type Remote struct {
	URL    string
	Client *http.Client
	// MaxOutput caps the Markdown accepted from the service. Larger replies
	// are an error, never a truncated result.
	MaxOutput int64
}

func NewRemote(url string, timeout time.Duration) *Remote {
	return &Remote{URL: url, Client: &http.Client{Timeout: timeout}, MaxOutput: DefaultMaxRemoteOutput}
}

func (r *Remote) Convert(ctx context.Context, req Request) (*Output, error) {
	if len(req.Input) == 0 {
		return nil, Invalid(errors.New("empty document"))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("mode", string(req.Mode)); err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("file", safeName(req.Filename))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(req.Input); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, &body)
	if err != nil {
		return nil, fmt.Errorf("bad converter url: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("converter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxCommandOutput))
		msg = bytes.ToValidUTF8(bytes.TrimSpace(msg), nil)
		return nil, fmt.Errorf("converter returned %s: %s", resp.Status, msg)
	}

	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxRemoteOutput
	}
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("converter output of %d bytes exceeds the %d byte limit", resp.ContentLength, limit)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read converter response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("converter output exceeds the %d byte limit", limit)
	}
	return &Output{Markdown: data}, nil
}
