// Package gcs is a small Cloud Storage JSON API client for staging inputs
// and re-hosting generated outputs under public URLs.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

const (
	defaultAPIBase  = "https://storage.googleapis.com"
	requestTimeout  = 60 * time.Second
	pingTimeout     = 5 * time.Second
	maxCopyBytes    = 512 << 20
	maxErrorExcerpt = 2048
)

// ErrTooLarge is returned when a copy source exceeds the size cap.
var ErrTooLarge = errors.New("gcs: source exceeds copy limit")

var errNotInitialized = errors.New("gcs client not initialized")

// Client writes publicly readable objects into one bucket.
type Client struct {
	httpClient *http.Client
	bucket     string
	publicBase string
	apiBase    string
	tokens     *tokenSource
	copyLimit  int64
	logg       *logger.Logger
}

// NewClient resolves credentials and checks bucket access before returning.
func NewClient(ctx context.Context, cfg config.GCSConfig, gcp config.GCPConfig, logg *logger.Logger) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("gcs bucket name is required")
	}
	httpClient := &http.Client{Timeout: requestTimeout}
	tokens, err := tokenSourceFor(httpClient, gcp)
	if err != nil {
		return nil, err
	}
	c := &Client{
		httpClient: httpClient,
		bucket:     cfg.BucketName,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		apiBase:    defaultAPIBase,
		tokens:     tokens,
		copyLimit:  maxCopyBytes,
		logg:       logg,
	}
	if c.publicBase == "" {
		c.publicBase = defaultAPIBase
	}
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("gcs health check: %w", err)
	}
	logg.Info(logg.WithField(ctx, "bucket", c.bucket), "gcs.ready")
	return c, nil
}

func (c *Client) Close() error { return nil }

// PublicURL is the browser-facing URL of object.
func (c *Client) PublicURL(object string) string {
	parts := strings.Split(strings.TrimLeft(object, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.publicBase + "/" + c.bucket + "/" + strings.Join(parts, "/")
}

// Ping lists at most one object to prove the credentials reach the bucket.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.tokens == nil {
		return errNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	u := fmt.Sprintf("%s/storage/v1/b/%s/o?maxResults=1", c.apiBase, url.PathEscape(c.bucket))
	return c.call(ctx, http.MethodGet, u, "", nil, "list objects")
}

// Upload stores body under object and returns its public URL.
func (c *Client) Upload(ctx context.Context, object, contentType string, body io.Reader) (string, error) {
	if c == nil || c.tokens == nil {
		return "", errNotInitialized
	}
	object = strings.TrimLeft(strings.TrimSpace(object), "/")
	if object == "" {
		return "", errors.New("object name is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	q := url.Values{
		"uploadType":    {"media"},
		"name":          {object},
		"predefinedAcl": {"publicRead"},
	}
	u := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?%s", c.apiBase, url.PathEscape(c.bucket), q.Encode())
	if err := c.call(ctx, http.MethodPost, u, contentType, body, "upload "+object); err != nil {
		return "", err
	}
	return c.PublicURL(object), nil
}

// CopyFromURL downloads src and uploads it as object. An empty contentType
// keeps the source's. Sources over the copy limit fail with ErrTooLarge.
func (c *Client) CopyFromURL(ctx context.Context, src, object, contentType string) (string, error) {
	if c == nil || c.tokens == nil {
		return "", errNotInitialized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("download source", resp)
	}
	if resp.ContentLength > c.copyLimit {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	return c.Upload(ctx, object, contentType, &cappedReader{r: resp.Body, left: c.copyLimit})
}

// call sends an authorized request and discards a 2xx body.
func (c *Client) call(ctx context.Context, method, u, contentType string, body io.Reader, what string) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gcs %s: %w", what, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("gcs "+what, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(prefix string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
	if excerpt := strings.TrimSpace(string(b)); excerpt != "" {
		return fmt.Errorf("%s: %s: %s", prefix, resp.Status, excerpt)
	}
	return fmt.Errorf("%s: %s", prefix, resp.Status)
}

// cappedReader fails instead of truncating once more than left bytes pass.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left < 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
