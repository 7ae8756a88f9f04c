package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the sidecar client.
type ClientConfig struct {
	// BaseURL is the sidecar base URL
	BaseURL string

	// Timeout is the HTTP request timeout. The sidecar drives a browser, so
	// this is generous.
	Timeout time.Duration

	// MaxAttempts bounds retries of 5xx and network failures within one call
	MaxAttempts int

	// RetryDelay is the pause between those retries
	RetryDelay time.Duration

	// Logger for structured logging
	Logger *slog.Logger

	// HTTPClient overrides the default client (tests)
	HTTPClient *http.Client
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:     baseURL,
		Timeout:     60 * time.Second,
		MaxAttempts: 2,
		RetryDelay:  time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client talks to the scraping sidecar.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	retrier    *retry.Retrier
}

// NewClient creates a new sidecar client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	log := config.Logger.With(logger.Component("synthesis_client"))
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     log,
		retrier: retry.New(
			retry.WithMaxAttempts(config.MaxAttempts),
			retry.WithInitialDelay(config.RetryDelay),
			retry.WithMaxDelay(config.RetryDelay),
			retry.WithMultiplier(1.0),
			retry.WithJitter(0),
			retry.WithRetryIf(isRetryable),
			retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
				log.Debug("retrying sidecar request", slog.Int("attempt", attempt), logger.Err(err), slog.Duration("delay", delay))
			}),
		),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LOGIN OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// RequestLoginCode opens a session and has the dashboard email a code.
func (c *Client) RequestLoginCode(ctx context.Context, email string) (*LoginSessionDTO, error) {
	var out LoginSessionDTO
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/sessions", LoginCodeRequestDTO{Email: email}, &out); err != nil {
		return nil, fmt.Errorf("request login code: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("request login code: %w", &DecodeError{Path: "/api/v1/sessions", Err: errors.New("missing session_id")})
	}
	return &out, nil
}

// VerifyLoginCode submits the emailed code.
func (c *Client) VerifyLoginCode(ctx context.Context, sessionID, code string) (*VerifyResultDTO, error) {
	path := fmt.Sprintf("/api/v1/sessions/%s/verify", url.PathEscape(sessionID))

	var out VerifyResultDTO
	if err := c.doRequest(ctx, http.MethodPost, path, VerifyRequestDTO{Code: code}, &out); err != nil {
		return nil, fmt.Errorf("verify login code: %w", err)
	}
	return &out, nil
}

// GetDashboard scrapes the dashboard of a verified session.
func (c *Client) GetDashboard(ctx context.Context, sessionID string) (*DashboardDTO, error) {
	path := fmt.Sprintf("/api/v1/sessions/%s/dashboard", url.PathEscape(sessionID))

	var out DashboardDTO
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get dashboard: %w", err)
	}
	return &out, nil
}

// CloseSession releases the browser session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/api/v1/sessions/%s", url.PathEscape(sessionID))
	if err := c.doSingleRequest(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// Health checks that the sidecar is reachable and ready.
func (c *Client) Health(ctx context.Context) error {
	var out HealthDTO
	if err := c.doSingleRequest(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if !strings.EqualFold(out.Status, "ok") {
		return fmt.Errorf("health: %w", &APIErrorDTO{Status: http.StatusServiceUnavailable, Code: "NOT_READY", Message: out.Status})
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// doRequest performs an HTTP request, retrying server and network failures.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.doSingleRequest(ctx, method, path, body, result)
	})
}

// doSingleRequest performs a single HTTP request.
func (c *Client) doSingleRequest(ctx context.Context, method, path string, body, result interface{}) error {
	fullURL := c.config.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("sidecar request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	// Handle rate limiting
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 60 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter, Message: "rate limit exceeded"}
	}

	// Handle error responses
	if resp.StatusCode >= 400 {
		apiErr := &APIErrorDTO{}
		_ = json.Unmarshal(respBody, apiErr)
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &DecodeError{Path: path, Err: err}
		}
	}

	return nil
}

// isRetryable reports whether a failed call may be repeated right away.
// Rate limits are not: the scheduler's backoff handles them.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIErrorDTO
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
