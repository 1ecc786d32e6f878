package api

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mnq-momentum-trader/internal/model"
)

// ClientConfig configures the broker REST client.
type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RateLimit      float64 // requests per second, 0 disables limiting
	ReadRetries    int
	RetryBaseDelay time.Duration
}

// Client is a thin JSON-over-HTTP client for the broker REST API.
// Writes are single attempt; idempotent reads go through getWithRetry.
type Client struct {
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
	readRetries int
	retryBase   time.Duration
	logger      *zap.Logger
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        &http.Client{Timeout: cfg.Timeout},
		limiter:     limiter,
		readRetries: cfg.ReadRetries,
		retryBase:   cfg.RetryBaseDelay,
		logger:      logger.With(zap.String("component", "rest")),
	}
}

// do sends one request. Transport failures come back as *model.NetworkError and
// non-2xx answers as *model.OrderRejection carrying the response body.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	op := method + " " + path

	if err := c.limiter.Wait(ctx); err != nil {
		return &model.NetworkError{Op: op, Err: err}
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &model.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("Broker request failed", zap.String("Op", op), zap.Int("Status", resp.StatusCode))
		return &model.OrderRejection{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// getWithRetry retries transient failures of an idempotent GET with capped exponential backoff.
func (c *Client) getWithRetry(ctx context.Context, path string, header http.Header, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.readRetries; attempt++ {
		if attempt > 0 {
			backoff := min(c.retryBase<<(attempt-1), 5*time.Second)
			c.logger.Debug("Retrying read", zap.String("Path", path), zap.Int("Attempt", attempt), zap.Duration("Backoff", backoff))
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = c.do(ctx, http.MethodGet, path, header, nil, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var netErr *model.NetworkError
	if errors.As(err, &netErr) {
		return !errors.Is(err, context.Canceled)
	}
	var rej *model.OrderRejection
	if errors.As(err, &rej) {
		return rej.Status == http.StatusTooManyRequests || rej.Status >= 500
	}
	return false
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
