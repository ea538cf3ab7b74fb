package httpclient

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

const (
	// DefaultTimeout is the default request timeout
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024
)

// Config holds HTTP client configuration
type Config struct {
	// Name labels metrics and logs, usually the platform
	Name            string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxRetryAfter caps how long a Retry-After header is honored in-process.
	// Longer waits are returned to the caller.
	MaxRetryAfter time.Duration
}

// DefaultConfig returns default HTTP client configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		Timeout:         DefaultTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		MaxRetryAfter:   30 * time.Second,
	}
}

// Client wraps the HTTP client with retries, logging and size limits
type Client struct {
	client *http.Client
	cfg    Config
	logger ectologger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new HTTP client
func NewClient(cfg Config, logger ectologger.Logger) *Client {
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Response represents a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
	// RetryAfter is the parsed Retry-After header, zero when absent
	RetryAfter time.Duration
}

// Do executes req, retrying transient network errors, 429 and 5xx responses with
// exponential backoff and full jitter. The final response is returned as-is.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("failed to reset request body: %w", err)
				}
				req.Body = body
			}
			metrics.HTTPRetriesTotal.WithLabelValues(c.cfg.Name).Inc()
		}

		resp, err := c.do(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || attempt == c.cfg.MaxRetries {
				return nil, err
			}
			delay := c.backoff(attempt + 1)
			c.logger.WithContext(ctx).WithError(err).Warnf("Request error, retrying in %v (attempt %d/%d)", delay, attempt+1, c.cfg.MaxRetries)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
			continue
		}
		resp.Attempts = attempt + 1

		if !isRetryableStatus(resp.StatusCode) || attempt == c.cfg.MaxRetries {
			return resp, nil
		}

		delay := c.backoff(attempt + 1)
		if resp.StatusCode == http.StatusTooManyRequests && resp.RetryAfter > 0 {
			if resp.RetryAfter > c.cfg.MaxRetryAfter {
				return resp, nil
			}
			delay = resp.RetryAfter
		}

		c.logger.WithContext(ctx).Warnf("%s %s -> %d, retrying in %v (attempt %d/%d)",
			req.Method, req.URL.Path, resp.StatusCode, delay, attempt+1, c.cfg.MaxRetries)
		if err := c.sleep(ctx, delay); err != nil {
			return resp, nil
		}
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req *http.Request) (*Response, error) {
	start := time.Now()

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		metrics.HTTPRequestsTotal.WithLabelValues(c.cfg.Name, req.Method, "error").Inc()
		c.logger.WithContext(ctx).WithError(err).Errorf("HTTP request failed: %s %s", req.Method, req.URL.Path)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)
	metrics.HTTPRequestsTotal.WithLabelValues(c.cfg.Name, req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(c.cfg.Name, req.Method).Observe(duration.Seconds())

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response too large: %d bytes (max %d)", resp.ContentLength, MaxResponseSize)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(body), MaxResponseSize)
	}

	// query strings may carry tokens, so only the path is logged
	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)", req.Method, req.URL.Path, resp.StatusCode, duration)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   duration,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}, nil
}

// backoff returns random(0, min(MaxDelay, BaseDelay*2^(attempt-1))), at least 10ms
func (c *Client) backoff(attempt int) time.Duration {
	exp := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.cfg.MaxDelay) {
		exp = float64(c.cfg.MaxDelay)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < 10*time.Millisecond {
		jittered = 10 * time.Millisecond
	}
	return jittered
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
