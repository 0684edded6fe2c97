// Package collab is the HTTP plumbing shared by the diarization, embedding
// and transcription service clients: multipart upload of a WAV file, JSON
// decode of the reply, and a startup health probe.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds a single collaborator call.
const DefaultTimeout = 120 * time.Second

// Client talks to one collaborator service.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the service at baseURL. name is used in
// error messages.
func NewClient(name, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Name returns the collaborator name.
func (c *Client) Name() string { return c.name }

// BaseURL returns the service root.
func (c *Client) BaseURL() string { return c.baseURL }

// PostFile uploads the file at path as the "file" form field to endpoint,
// with extra form fields, and decodes the JSON reply into out.
func (c *Client) PostFile(ctx context.Context, endpoint, path string, fields map[string]string, out interface{}) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	fd, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%s: open %s: %w", c.name, path, err)
	}
	defer fd.Close()

	if _, err := io.Copy(fw, fd); err != nil {
		return fmt.Errorf("%s: read %s: %w", c.name, path, err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s returned %s: %s", c.name, endpoint, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s response: %w", c.name, endpoint, err)
	}
	return nil
}

// Health issues GET /health and expects a 2xx.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health: %w", c.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: health returned %s", c.name, resp.Status)
	}
	return nil
}
