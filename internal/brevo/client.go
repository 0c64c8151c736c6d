// Package brevo is the email gateway client. It speaks the transactional
// send API only; template authoring and account management stay out of the
// engine.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/nurture/internal/config"
	"github.com/ignite/nurture/internal/domain"
	"github.com/ignite/nurture/internal/pkg/httpretry"
	"github.com/ignite/nurture/internal/pkg/logger"
	"github.com/ignite/nurture/internal/store"
)

const (
	defaultBaseURL = "https://api.brevo.com/v3"
	credCacheTTL   = 60 * time.Second
)

// SendRequest is the dispatch input assembled by the send worker.
type SendRequest struct {
	To             string
	ToName         string
	Subject        string
	HTMLContent    string
	IdempotencyKey string
}

// SendResult carries the gateway's message id back to the worker.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("brevo: status %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the gateway throttled the request.
func (e *APIError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// Client sends transactional email through Brevo. Credentials come from the
// runtime settings and are cached in-process so operators can rotate keys
// without a restart; the configured key is the fallback until a stored key
// exists.
type Client struct {
	baseURL     string
	fallbackKey string
	http        *httpretry.RetryClient
	settings    *store.SettingsCache
	log         *logger.Logger

	mu        sync.Mutex
	creds     domain.GatewayCredentials
	credsUpTo time.Time
}

// New builds a gateway client from the configured endpoint, timeout and
// fallback API key.
func New(settings *store.SettingsCache, cfg config.BrevoConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		fallbackKey: cfg.APIKey,
		http:        httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3),
		settings:    settings,
		log:         logger.Component("Brevo"),
	}
}

func (c *Client) credentials(ctx context.Context) (domain.GatewayCredentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.credsUpTo) {
		return c.creds, nil
	}
	settings, err := c.settings.Get(ctx)
	if err != nil {
		return domain.GatewayCredentials{}, err
	}
	c.creds = settings.Gateway
	if c.creds.APIKey == "" {
		c.creds.APIKey = c.fallbackKey
	}
	c.credsUpTo = time.Now().Add(credCacheTTL)
	return c.creds, nil
}

type sendBody struct {
	Sender      party             `json:"sender"`
	To          []party           `json:"to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"htmlContent"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type party struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Send dispatches one email. The idempotency key rides along as a header so
// a transport-level retry of the same attempt cannot double-send.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("load gateway credentials: %w", err)
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("brevo: no api key configured")
	}

	body := sendBody{
		Sender:      party{Name: creds.SenderName, Email: creds.SenderEmail},
		To:          []party{{Name: req.ToName, Email: req.To}},
		Subject:     req.Subject,
		HTMLContent: req.HTMLContent,
	}
	if req.IdempotencyKey != "" {
		body.Headers = map[string]string{"X-Idempotency-Key": req.IdempotencyKey}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal send body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/smtp/email", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("api-key", creds.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("brevo send: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read brevo response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var result SendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode brevo response: %w", err)
	}
	c.log.Debug("dispatched", "to", req.To, "message_id", result.MessageID)
	return &result, nil
}
