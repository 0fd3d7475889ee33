package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	scope          = "https://www.googleapis.com/auth/devstorage.read_write"
	defaultBaseURL = "https://storage.googleapis.com"
	pingTimeout    = 5 * time.Second
	defaultMaxMB   = 50
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("gcs: object not found")

type Client struct {
	httpClient    *http.Client
	baseURL       string
	defaultBucket string
	maxObjectSize int64
	tokens        oauth2.TokenSource
	logg          *logger.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the transport used for JSON API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTokenSource overrides credential discovery.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		if ts != nil {
			c.tokens = ts
		}
	}
}

// WithBaseURL points the client at an emulator or proxy.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.baseURL = base
		}
	}
}

func closeBody(ctx context.Context, logg *logger.Logger, body io.Closer, msg string) {
	if body == nil {
		return
	}
	if err := body.Close(); err != nil && logg != nil {
		logg.Warn(ctx, msg)
	}
}

func NewClient(ctx context.Context, cfg config.GCSConfig, gcp config.GCPConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	client, err := newClient(cfg, logg, opts...)
	if err != nil {
		return nil, err
	}

	if client.tokens == nil {
		ts, err := tokenSourceFor(ctx, gcp)
		if err != nil {
			return nil, err
		}
		client.tokens = ts
	}

	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("gcs health check failed: %w", err)
	}

	if logg != nil {
		logg.Info(ctx, "gcs client initialized")
	}

	return client, nil
}

func newClient(cfg config.GCSConfig, logg *logger.Logger, opts ...Option) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("gcs bucket name is required")
	}
	maxMB := cfg.MaxObjectMB
	if maxMB <= 0 {
		maxMB = defaultMaxMB
	}

	client := &Client{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       defaultBaseURL,
		defaultBucket: cfg.BucketName,
		maxObjectSize: int64(maxMB) << 20,
		logg:          logg,
	}
	WithBaseURL(cfg.BaseURL)(client)
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

func tokenSourceFor(ctx context.Context, gcp config.GCPConfig) (oauth2.TokenSource, error) {
	switch {
	case gcp.CredentialsJSON != "":
		creds, err := google.CredentialsFromJSON(ctx, []byte(gcp.CredentialsJSON), scope)
		if err != nil {
			return nil, fmt.Errorf("parsing service account credentials: %w", err)
		}
		return creds.TokenSource, nil
	case gcp.ApplicationCredentials != "":
		raw, err := os.ReadFile(gcp.ApplicationCredentials)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, raw, scope)
		if err != nil {
			return nil, fmt.Errorf("parsing credentials file: %w", err)
		}
		return creds.TokenSource, nil
	default:
		return google.DefaultTokenSource(ctx, scope)
	}
}

func (c *Client) Close() error {
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.tokens == nil {
		return errors.New("gcs client not initialized")
	}
	if c.defaultBucket == "" {
		return errors.New("gcs bucket not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/storage/v1/b/%s/o?maxResults=1", c.baseURL, url.PathEscape(c.defaultBucket))
	resp, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return err
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing ping body failed")

	if resp.StatusCode != http.StatusOK {
		return statusError("gcs object check failed", resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("gcs token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func statusError(prefix string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if msg := strings.TrimSpace(string(b)); msg != "" {
		return fmt.Errorf("%s: %s: %s", prefix, resp.Status, msg)
	}
	return fmt.Errorf("%s: %s", prefix, resp.Status)
}
