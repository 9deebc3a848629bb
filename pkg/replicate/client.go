package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

const maxErrorBody = 4096

// Prediction is the subset of the Replicate prediction resource this service reads.
type Prediction struct {
	ID      string          `json:"id"`
	Model   string          `json:"model,omitempty"`
	Version string          `json:"version,omitempty"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Logs    string          `json:"logs,omitempty"`
	URLs    struct {
		Get    string `json:"get,omitempty"`
		Cancel string `json:"cancel,omitempty"`
	} `json:"urls"`
}

// ErrorMessage renders the upstream error field, which may be a string or an object.
func (p *Prediction) ErrorMessage() string {
	if p == nil || len(p.Error) == 0 || string(p.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return s
	}
	return string(p.Error)
}

// FirstOutputURL resolves output as either a single URL or a list, returning
// the first entry.
func (p *Prediction) FirstOutputURL() string {
	if p == nil || len(p.Output) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return strings.TrimSpace(single)
	}
	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil {
		for _, item := range list {
			if strings.TrimSpace(item) != "" {
				return strings.TrimSpace(item)
			}
		}
	}
	return ""
}

// APIError is a non-2xx response from the prediction service.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("replicate: status %d", e.StatusCode)
	}
	return fmt.Sprintf("replicate: status %d: %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsQueueFull reports whether the upstream rejected the call because it is overloaded.
func IsQueueFull(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "queue full")
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// API is what the orchestrator and reconciler need from the prediction service.
type API interface {
	CreatePrediction(ctx context.Context, model string, input map[string]any) (*Prediction, error)
	GetPrediction(ctx context.Context, id string) (*Prediction, error)
	CancelPrediction(ctx context.Context, id string) error
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxRetries int
	backoff    func(attempt int) time.Duration
	logg       *logger.Logger
}

var _ API = (*Client)(nil)

func NewClient(cfg config.ReplicateConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("replicate api token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.replicate.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		token:      cfg.APIToken,
		maxRetries: cfg.MaxRetries,
		backoff:    exponentialBackoff,
		logg:       logg,
	}, nil
}

func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// CreatePrediction starts a prediction. Identifiers of the form
// owner/name:version go through the versioned endpoint, bare owner/name
// through the model endpoint.
func (c *Client) CreatePrediction(ctx context.Context, model string, input map[string]any) (*Prediction, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("model is required")
	}

	body := map[string]any{"input": input}
	path := ""
	if name, version, ok := strings.Cut(model, ":"); ok {
		if name == "" || version == "" {
			return nil, fmt.Errorf("invalid model identifier %q", model)
		}
		body["version"] = version
		path = "/v1/predictions"
	} else {
		owner, name, ok := strings.Cut(model, "/")
		if !ok || owner == "" || name == "" {
			return nil, fmt.Errorf("invalid model identifier %q", model)
		}
		path = fmt.Sprintf("/v1/models/%s/%s/predictions", owner, name)
	}

	var pred Prediction
	if err := c.do(ctx, http.MethodPost, path, body, &pred); err != nil {
		return nil, err
	}
	if pred.ID == "" {
		return nil, errors.New("replicate: prediction response missing id")
	}
	return &pred, nil
}

// GetPrediction reads a prediction, retrying transient failures with
// exponential backoff.
func (c *Client) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("prediction id is required")
	}
	var pred *Prediction
	err := c.retry(ctx, func() error {
		var out Prediction
		if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+id, nil, &out); err != nil {
			return err
		}
		pred = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pred, nil
}

func (c *Client) CancelPrediction(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("prediction id is required")
	}
	return c.do(ctx, http.MethodPost, "/v1/predictions/"+id+"/cancel", nil, nil)
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			if c.logg != nil {
				c.logg.Warn(ctx, fmt.Sprintf("replicate: retrying in %s (attempt %d/%d): %v", wait, attempt, c.maxRetries, lastErr))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = fn()
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replicate %s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && c.logg != nil {
			c.logg.Warn(ctx, "replicate: closing response body failed")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding replicate response: %w", err)
	}
	return nil
}

func readDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var parsed struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Detail != "" {
			return parsed.Detail
		}
		if parsed.Title != "" {
			return parsed.Title
		}
	}
	return strings.TrimSpace(string(raw))
}
