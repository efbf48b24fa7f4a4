package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// UploadFile uploads a local file via the Files API Resumable Upload
// protocol and returns the created file resource. The returned file may
// still be in the PROCESSING state; callers poll GetFile until it settles.
func (c *Client) UploadFile(ctx context.Context, path string) (*File, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	size := int64(len(data))
	mimeType := detectMimeType(path)

	c.logger.Debug("uploading file",
		zap.String("path", path), zap.Int64("size", size), zap.String("mime", mimeType))

	// Start the resumable session. The upload endpoint lives under
	// /upload/v1beta rather than /v1beta.
	uploadBase := strings.Replace(c.baseURL, "/v1beta", "/upload/v1beta", 1)
	url := fmt.Sprintf("%s/files?key=%s", uploadBase, c.apiKey)

	metadata := map[string]interface{}{
		"file": map[string]string{
			"displayName": filepath.Base(path),
		},
	}
	jsonMeta, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonMeta))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", fmt.Sprintf("%d", size))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload start request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload start failed (status %d): %s", resp.StatusCode, body)
	}

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return nil, fmt.Errorf("no upload URL returned in headers")
	}

	// Send the bytes and finalize in one shot.
	reqUpload, err := http.NewRequestWithContext(ctx, "POST", uploadURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	reqUpload.Header.Set("Content-Length", fmt.Sprintf("%d", size))
	reqUpload.Header.Set("X-Goog-Upload-Offset", "0")
	reqUpload.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	respUpload, err := c.httpClient.Do(reqUpload)
	if err != nil {
		return nil, fmt.Errorf("upload data failed: %w", err)
	}
	defer respUpload.Body.Close()

	if respUpload.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(respUpload.Body)
		return nil, fmt.Errorf("upload finalization failed (status %d): %s", respUpload.StatusCode, body)
	}

	var result uploadResponse
	if err := json.NewDecoder(respUpload.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse upload response: %w", err)
	}
	if result.File.URI == "" {
		return nil, fmt.Errorf("no file uri found in upload response")
	}
	if result.File.MimeType == "" {
		result.File.MimeType = mimeType
	}

	c.logger.Debug("upload finished",
		zap.String("name", result.File.Name), zap.String("state", result.File.State))
	return &result.File, nil
}

// GetFile retrieves the current metadata for an uploaded file, identified
// by its resource name ("files/...").
func (c *Client) GetFile(ctx context.Context, name string) (*File, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key required")
	}
	if !strings.HasPrefix(name, "files/") {
		name = "files/" + name
	}

	url := fmt.Sprintf("%s/%s?key=%s", c.baseURL, name, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get file failed with status %d", resp.StatusCode)
	}

	var file File
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, err
	}
	return &file, nil
}

// DeleteFile removes an uploaded file by resource name.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	if c.apiKey == "" {
		return fmt.Errorf("API key required")
	}
	if !strings.HasPrefix(name, "files/") {
		name = "files/" + name
	}

	url := fmt.Sprintf("%s/%s?key=%s", c.baseURL, name, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "DELETE", url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete file failed with status %d", resp.StatusCode)
	}
	return nil
}

func detectMimeType(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		// TypeByExtension may include parameters (e.g. "; charset=utf-8")
		// the upload endpoint does not want.
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		return mt
	}
	return "application/octet-stream"
}
