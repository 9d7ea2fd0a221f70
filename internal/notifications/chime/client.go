// Package chime formats build events as chime-style webhook messages and
// delivers them.
//
// The Client performs exactly one POST per Send. Retrying is left to the
// caller (the async worker re-queues retryable failures).
package chime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"chimenotify/internal/security"
	"chimenotify/internal/types"
)

// maxResponseBodyRead limits how much of a response body we read for error
// messages and message ID extraction.
const maxResponseBodyRead = 4096

// ClientConfig holds delivery settings. It mirrors config.ChimeConfig so
// this package does not depend on the loader.
type ClientConfig struct {
	UserAgent            string
	Timeout              time.Duration
	MaxRedirects         int
	RequireHTTPS         bool
	AllowPrivateNetworks bool
}

// Client posts ChimePayloads to webhook URLs. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	cfg        ClientConfig
	breakers   *breakerSet
	logger     types.Logger
	clock      types.Clock
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithClock overrides the clock used for synthetic message IDs and
// Retry-After dates.
func WithClock(c types.Clock) ClientOption {
	return func(cl *Client) {
		cl.clock = c
	}
}

// WithBreakerSettings overrides the per-host circuit breaker settings.
func WithBreakerSettings(fn func(name string) gobreaker.Settings) ClientOption {
	return func(cl *Client) {
		cl.breakers = newBreakerSet(fn)
	}
}

// NewClient creates a Client with an SSRF-safe HTTP client. This is the
// factory used by the entry points.
func NewClient(cfg ClientConfig, logger types.Logger, opts ...ClientOption) (*Client, error) {
	httpClient, err := security.NewSafeHTTPClient(security.ClientOptions{
		MaxRedirects:         cfg.MaxRedirects,
		AllowPrivateNetworks: cfg.AllowPrivateNetworks,
	})
	if err != nil {
		return nil, fmt.Errorf("chime client: failed to create safe HTTP client: %w", err)
	}
	return NewClientWithHTTPClient(cfg, httpClient, logger, opts...), nil
}

// NewClientWithHTTPClient creates a Client with a caller-supplied HTTP
// client. Tests use it to reach an httptest server on loopback.
func NewClientWithHTTPClient(cfg ClientConfig, httpClient *http.Client, logger types.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "chimenotify"
	}

	c := &Client{
		httpClient: httpClient,
		cfg:        cfg,
		breakers:   newBreakerSet(nil),
		logger:     logger,
		clock:      types.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BreakerState reports the circuit state for the host of webhookURL.
func (c *Client) BreakerState(webhookURL string) gobreaker.State {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return gobreaker.StateClosed
	}
	return c.breakers.State(u.Host)
}

// Send performs a single POST of payload to webhookURL, bounded by timeout
// (the configured default when timeout <= 0).
//
// Response handling:
//   - 2xx: success, unless the platform reports a soft failure in the body
//   - 429: HttpError with RetryAfter from the Retry-After header
//   - other non-2xx: HttpError(status)
//
// Transport failures map to Timeout or ConnectionError. SSRF-blocked
// destinations are InvalidConfig because retrying cannot help.
func (c *Client) Send(ctx context.Context, webhookURL string, payload types.ChimePayload, timeout time.Duration) (types.DeliveryReceipt, error) {
	var receipt types.DeliveryReceipt

	if err := types.ValidateWebhookURL(webhookURL, c.cfg.RequireHTTPS); err != nil {
		return receipt, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return receipt, types.NewNotifyError(types.KindSerializationError, "failed to marshal payload", err)
	}

	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return receipt, types.NewNotifyError(types.KindInvalidConfig, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if reqID := types.GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}

	destination := types.RedactURL(webhookURL)
	platform := DetectPlatform(webhookURL)
	cb := c.breakers.get(req.URL.Host)

	start := time.Now()
	resp, err := cb.Execute(func() (*http.Response, error) {
		r, doErr := c.httpClient.Do(req)
		if doErr != nil {
			if r != nil {
				r.Body.Close()
			}
			return nil, doErr
		}
		// 5xx and 429 count against the breaker.
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("webhook returned %d", r.StatusCode)
		}
		return r, nil
	})
	receipt.Latency = time.Since(start)

	if resp == nil {
		ne := c.classifyTransportError(ctx, err)
		c.logger.Warn("webhook delivery failed",
			"destination", destination,
			"kind", string(ne.Kind),
			"error", ne.Error(),
		)
		return receipt, ne
	}
	defer resp.Body.Close()

	receipt.StatusCode = resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ne := types.NewHTTPError(resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), 200))
		if resp.StatusCode == http.StatusTooManyRequests {
			ne.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.clock)
		}
		c.logger.Warn("webhook rejected notification",
			"destination", destination,
			"status", resp.StatusCode,
			"body", ne.Message,
		)
		return receipt, ne
	}

	if err := validateResponse(platform, respBody); err != nil {
		c.logger.Warn("webhook soft failure on 2xx",
			"destination", destination,
			"status", resp.StatusCode,
			"error", err.Error(),
		)
		ne := types.NewHTTPError(resp.StatusCode, "receiver reported failure")
		ne.Err = err
		return receipt, ne
	}

	receipt.ProviderMessageID = c.extractMessageID(resp, respBody)

	c.logger.Info("webhook delivered",
		"destination", destination,
		"platform", string(platform),
		"status", resp.StatusCode,
		"provider_message_id", receipt.ProviderMessageID,
		"latency_ms", receipt.Latency.Milliseconds(),
	)
	return receipt, nil
}

// classifyTransportError maps an error without a response onto a NotifyError kind.
func (c *Client) classifyTransportError(ctx context.Context, err error) *types.NotifyError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewNotifyError(types.KindConnectionError, "circuit open for webhook host", err)

	case errors.Is(err, security.ErrSSRFBlocked), errors.Is(err, security.ErrSSRFTooManyRedirects):
		return types.NewNotifyError(types.KindInvalidConfig, "webhook destination not allowed", err)

	case errors.Is(err, security.ErrSSRFDNSFailed), errors.Is(err, security.ErrSSRFDNSTimeout):
		return types.NewNotifyError(types.KindConnectionError, "webhook host could not be resolved", err)

	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return types.NewNotifyError(types.KindTimeout, "no response within timeout", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewNotifyError(types.KindTimeout, "no response within timeout", err)
	}

	return types.NewNotifyError(types.KindConnectionError, "webhook unreachable", err)
}

// extractMessageID returns the receiver-assigned ID. Chime answers with
// {"MessageId": "...", "RoomId": "..."}; other receivers may set a request
// ID header. Falls back to a synthetic ID.
func (c *Client) extractMessageID(resp *http.Response, body []byte) string {
	var chimeResp struct {
		MessageID string `json:"MessageId"`
	}
	if err := json.Unmarshal(body, &chimeResp); err == nil && chimeResp.MessageID != "" {
		return chimeResp.MessageID
	}

	for _, h := range []string{"X-Request-Id", "X-Slack-Req-Id", "X-Amzn-Requestid"} {
		if v := resp.Header.Get(h); v != "" {
			return v
		}
	}

	return c.syntheticID(resp.StatusCode)
}

// syntheticID creates a traceable reference when the receiver returned none.
//
// Format: chime-{status}-{unix}-{uuid_short}
func (c *Client) syntheticID(statusCode int) string {
	return fmt.Sprintf("chime-%d-%d-%s",
		statusCode,
		c.clock.Now().Unix(),
		uuid.New().String()[:8],
	)
}

// parseRetryAfter extracts the retry delay from a Retry-After header value.
// It supports both seconds and HTTP-date formats, defaulting to 60s.
func parseRetryAfter(header string, clock types.Clock) time.Duration {
	if header == "" {
		return 60 * time.Second
	}

	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		if seconds <= 0 {
			return 1 * time.Second
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(header); err == nil {
		delay := t.Sub(clock.Now())
		if delay <= 0 {
			return 1 * time.Second
		}
		return delay
	}

	return 60 * time.Second
}
