package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

const (
	sandboxBaseURL = "https://api-m.sandbox.paypal.com"
	liveBaseURL    = "https://api-m.paypal.com"

	// IssueAlreadyDone is returned by execute when the payment was executed before.
	IssueAlreadyDone = "PAYMENT_ALREADY_DONE"
)

// CreatePaymentParams describes a single-item sale.
type CreatePaymentParams struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
}

// Payment is the subset of the v1 payment resource the bridge uses. Token
// is the EC token PayPal appends to the return and cancel URLs.
type Payment struct {
	ID          string
	State       string
	ApprovalURL string
	Token       string
}

// APIError is a non-2xx response from PayPal.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paypal: status %d: %s: %s", e.StatusCode, e.Name, e.Message)
}

// IsAlreadyDone reports whether err means the payment had already been executed.
func IsAlreadyDone(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Name == IssueAlreadyDone
}

// API is the payment provider surface the bridge depends on.
type API interface {
	CreatePayment(ctx context.Context, params CreatePaymentParams) (*Payment, error)
	ExecutePayment(ctx context.Context, paymentID, payerID string) (*Payment, error)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	secret     string
	logg       *logger.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

var _ API = (*Client)(nil)

func NewClient(cfg config.PayPalConfig, logg *logger.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.Secret == "" {
		return nil, errors.New("paypal client id and secret are required")
	}
	base := sandboxBaseURL
	if cfg.Environment() == config.PayPalModeLive {
		base = liveBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		clientID:   cfg.ClientID,
		secret:     cfg.Secret,
		logg:       logg,
	}, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.expiresAt) > time.Minute {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding paypal token: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("paypal token response missing access_token")
	}
	c.accessToken = body.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

type paymentResource struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (p paymentResource) toPayment() *Payment {
	out := &Payment{ID: p.ID, State: p.State}
	for _, link := range p.Links {
		if link.Rel == "approval_url" {
			out.ApprovalURL = link.Href
			if u, err := url.Parse(link.Href); err == nil {
				out.Token = u.Query().Get("token")
			}
			break
		}
	}
	return out
}

// CreatePayment creates a v1 sale payment and returns its approval URL.
func (c *Client) CreatePayment(ctx context.Context, params CreatePaymentParams) (*Payment, error) {
	if !params.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	currency := params.Currency
	if currency == "" {
		currency = "USD"
	}
	total := params.Amount.StringFixed(2)

	body := map[string]any{
		"intent": "sale",
		"payer":  map[string]any{"payment_method": "paypal"},
		"redirect_urls": map[string]any{
			"return_url": params.ReturnURL,
			"cancel_url": params.CancelURL,
		},
		"transactions": []map[string]any{{
			"item_list": map[string]any{
				"items": []map[string]any{{
					"name":     params.Description,
					"sku":      "credits",
					"price":    total,
					"currency": currency,
					"quantity": 1,
				}},
			},
			"amount": map[string]any{
				"currency": currency,
				"total":    total,
			},
			"description": params.Description,
		}},
	}

	var res paymentResource
	if err := c.do(ctx, "/v1/payments/payment", body, &res); err != nil {
		return nil, err
	}
	payment := res.toPayment()
	if payment.ID == "" || payment.ApprovalURL == "" {
		return nil, errors.New("paypal: payment response missing id or approval link")
	}
	return payment, nil
}

// ExecutePayment captures an approved payment for the given payer.
func (c *Client) ExecutePayment(ctx context.Context, paymentID, payerID string) (*Payment, error) {
	if paymentID == "" || payerID == "" {
		return nil, errors.New("payment id and payer id are required")
	}
	var res paymentResource
	path := "/v1/payments/payment/" + url.PathEscape(paymentID) + "/execute"
	if err := c.do(ctx, path, map[string]any{"payer_id": payerID}, &res); err != nil {
		return nil, err
	}
	return res.toPayment(), nil
}

func (c *Client) do(ctx context.Context, path string, body any, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paypal %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding paypal response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var parsed struct {
		Name             string `json:"name"`
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		apiErr.Name = parsed.Name
		apiErr.Message = parsed.Message
		if apiErr.Name == "" {
			apiErr.Name = parsed.Error
			apiErr.Message = parsed.ErrorDescription
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
