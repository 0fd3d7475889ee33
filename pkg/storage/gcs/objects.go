package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Exists reports whether bucket/path resolves to an object.
func (c *Client) Exists(ctx context.Context, bucket, path string) (bool, error) {
	u, err := c.objectURL(bucket, path)
	if err != nil {
		return false, err
	}
	u += "?fields=name"

	resp, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return false, err
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing exists body failed")

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError("gcs exists check failed", resp)
	}
}

// Download reads the whole object into memory, bounded by the configured
// maximum object size.
func (c *Client) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	u, err := c.objectURL(bucket, path)
	if err != nil {
		return nil, err
	}
	u += "?alt=media"

	resp, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, err
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing download body failed")

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, bucket, path)
	default:
		return nil, statusError("gcs download failed", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("gcs download read: %w", err)
	}
	if int64(len(data)) > c.maxObjectSize {
		return nil, fmt.Errorf("gcs object gs://%s/%s exceeds %d bytes", bucket, path, c.maxObjectSize)
	}
	return data, nil
}

// Upload writes data to bucket/path using a simple media upload.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	bucket, path, err := c.normalize(bucket, path)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	q := url.Values{}
	q.Set("uploadType", "media")
	q.Set("name", path)
	u := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?%s", c.baseURL, url.PathEscape(bucket), q.Encode())

	resp, err := c.do(ctx, http.MethodPost, u, bytes.NewReader(data), contentType)
	if err != nil {
		return err
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing upload body failed")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError("gcs upload failed", resp)
	}
	return nil
}

func (c *Client) objectURL(bucket, path string) (string, error) {
	bucket, path, err := c.normalize(bucket, path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s", c.baseURL, url.PathEscape(bucket), url.PathEscape(path)), nil
}

func (c *Client) normalize(bucket, path string) (string, string, error) {
	if c == nil || c.tokens == nil {
		return "", "", errors.New("gcs client not initialized")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		bucket = c.defaultBucket
	}
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if bucket == "" || path == "" {
		return "", "", errors.New("gcs bucket and object path are required")
	}
	return bucket, path, nil
}
