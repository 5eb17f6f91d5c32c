// Package payment hands settled auctions to the external payment-capture
// service, either over signed HTTP or through the message broker.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// settlePath is the capture endpoint relative to the base URL.
const settlePath = "/v1/settlements"

// HTTPConfig configures an HTTPCapturer.
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// HTTPCapturer implements domain.PaymentCapturer against a REST endpoint.
// A 409 response means the idempotency key was already captured and
// counts as success.
type HTTPCapturer struct {
	baseURL    string
	auth       HMACAuth
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPCapturer creates an HTTPCapturer.
func NewHTTPCapturer(cfg HTTPConfig) *HTTPCapturer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPCapturer{
		baseURL:    cfg.BaseURL,
		auth:       HMACAuth{Key: cfg.APIKey, Secret: cfg.APISecret},
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Settle posts s to the capture service.
func (c *HTTPCapturer) Settle(ctx context.Context, s domain.Settlement) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("payment: marshal settlement %s: %w", s.AuctionID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+settlePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payment: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, s.IdempotencyKey)
	for k, v := range c.auth.HeadersAt(http.MethodPost, settlePath, string(body), c.now().Unix()) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment: settle %s: %w", s.AuctionID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("payment: read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("payment: settle %s: %w", s.AuctionID, err)
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusConflict:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrPaymentFailed, statusCode, body)
	}
}

var _ domain.PaymentCapturer = (*HTTPCapturer)(nil)
