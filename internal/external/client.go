// Package external holds the clients for the services the billing engine
// talks to: the payment provider, the identity provider that owns user
// profiles, SQS and CloudWatch. HTTP clients share BaseClient, which adds a
// circuit breaker, retries on 429/5xx and AppError mapping.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"planforge/internal/types"
)

// RetryPolicy configures BaseClient retries.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the defaults for vendor APIs.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    300 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient wraps an *http.Client with a circuit breaker and retries.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration)
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces time.Sleep between retries (tests).
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// NewBaseClient creates a BaseClient whose breaker trips after more than five
// consecutive failures and half-opens after 30s.
func NewBaseClient(httpClient *http.Client, breakerName string, retryPolicy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	bc := &BaseClient{
		client: httpClient,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do sends req, retrying 429 and 5xx responses and transport errors. Any
// other response is returned to the caller, who must close the body. When
// retries are exhausted or the breaker is open Do returns an upstream
// AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Buffer the body so it can be replayed.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body", err)
		}
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	attempts := 1 + c.retryPolicy.MaxRetries
	for attempt := range attempts {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		last := attempt == attempts-1
		if resp != nil {
			if last {
				lastResp = resp
			} else {
				resp.Body.Close()
			}
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if !last {
			c.sleepFn(c.backoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(lastResp, lastErr)
}

// backoff honours Retry-After (seconds or HTTP date), otherwise uses
// exponential backoff with jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	p := c.retryPolicy
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return min(time.Duration(secs)*time.Second, p.MaxWait)
			}
			if t, err := http.ParseTime(ra); err == nil {
				return min(max(time.Until(t), p.MinWait), p.MaxWait)
			}
		}
	}

	ceiling := math.Min(float64(p.MinWait)*math.Pow(2, float64(attempt)), float64(p.MaxWait))
	if ceiling <= float64(p.MinWait) {
		return p.MinWait
	}
	return time.Duration(float64(p.MinWait) + rand.Float64()*(ceiling-float64(p.MinWait)))
}

func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "circuit breaker is open; upstream service unavailable", err)
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
	}
	if resp != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err)
}
