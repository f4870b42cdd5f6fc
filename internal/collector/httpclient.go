package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/social-monitor/internal/circuitbreaker"
	"github.com/social-monitor/internal/config"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/types"
)

// maxResponseBytes bounds how much of a platform response is read
const maxResponseBytes = 8 << 20

// Budget is the cross-process request budget of a platform
type Budget interface {
	TryConsume(ctx context.Context, platform types.Platform, n int) (bool, time.Duration)
}

// errorHook lets a platform classify an error response before the generic status
// mapping. Returning nil falls through to the default mapping.
type errorHook func(resp *http.Response, body []byte) error

// HTTPClient is the platform API client shared by the collectors. Each call is
// paced locally, drawn from the shared budget and guarded by the platform breaker.
type HTTPClient struct {
	platform types.Platform
	client   *http.Client
	limiter  *rate.Limiter
	budget   Budget
	breaker  *circuitbreaker.CircuitBreaker
	onError  errorHook
	now      func() time.Time
}

// NewHTTPClient creates a client for one platform. budget and breaker may be nil.
func NewHTTPClient(platform types.Platform, cfg config.PlatformConfig, budget Budget, breaker *circuitbreaker.CircuitBreaker) *HTTPClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPClient{
		platform: platform,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		budget:   budget,
		breaker:  breaker,
		now:      time.Now,
	}
}

// BreakerFailure reports whether err should count against a platform breaker.
// Rate limits and rejected credentials say nothing about the platform's health.
func BreakerFailure(err error) bool {
	var rateLimited *RateLimitedError
	var auth *AuthError
	return err != nil && !errors.As(err, &rateLimited) && !errors.As(err, &auth) &&
		!errors.Is(err, errCommentsDisabled)
}

// GetJSON issues a GET and decodes the JSON response into out
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, header http.Header, out interface{}) error {
	return c.do(ctx, http.MethodGet, rawURL, header, nil, out)
}

// PostForm issues a form-encoded POST and decodes the JSON response into out
func (c *HTTPClient) PostForm(ctx context.Context, rawURL string, header http.Header, form url.Values, out interface{}) error {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, http.MethodPost, rawURL, h, strings.NewReader(form.Encode()), out)
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, header http.Header, body io.Reader, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransientError{Platform: c.platform, Cause: fmt.Errorf("waiting for rate limiter: %w", err)}
	}

	if c.budget != nil {
		if allowed, wait := c.budget.TryConsume(ctx, c.platform, 1); !allowed {
			return &RateLimitedError{
				Platform:   c.platform,
				RetryAfter: wait,
				Cause:      errors.New("shared request budget exhausted"),
			}
		}
	}

	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, method, rawURL, header, body, out)
	}
	if c.breaker == nil {
		return call(ctx)
	}

	err := c.breaker.Execute(ctx, call)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return &TransientError{Platform: c.platform, Cause: err}
	}
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, rawURL string, header http.Header, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return &TransientError{Platform: c.platform, Cause: fmt.Errorf("building request: %w", err)}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Platform: c.platform, Cause: fmt.Errorf("%s %s: %w", method, redactURL(req.URL), err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransientError{Platform: c.platform, Cause: fmt.Errorf("reading response: %w", err)}
	}

	logging.FromContext(ctx).WithFields(logging.Fields{
		"platform": c.platform,
		"method":   method,
		"url":      redactURL(req.URL),
		"status":   resp.StatusCode,
		"duration": c.now().Sub(start).String(),
	}).Debug("Platform API call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransientError{Platform: c.platform, Cause: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// statusError maps a non-2xx response onto the collector error taxonomy
func (c *HTTPClient) statusError(resp *http.Response, body []byte) error {
	if c.onError != nil {
		if err := c.onError(resp, body); err != nil {
			return err
		}
	}

	cause := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Platform: c.platform, StatusCode: resp.StatusCode, Cause: cause}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{
			Platform:   c.platform,
			RetryAfter: parseRetryAfter(resp.Header, c.now()),
			Cause:      cause,
		}
	default:
		return &TransientError{Platform: c.platform, Cause: cause}
	}
}

// parseRetryAfter reads the standard Retry-After header (seconds or HTTP date),
// then the platform reset headers: x-rate-limit-reset and ratelimit-reset carry an
// epoch, x-ratelimit-reset carries seconds remaining.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	for _, key := range []string{"X-Rate-Limit-Reset", "Ratelimit-Reset"} {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
				if at := time.Unix(epoch, 0); at.After(now) {
					return at.Sub(now)
				}
			}
		}
	}
	if v := strings.TrimSpace(h.Get("X-Ratelimit-Reset")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

// redactURL drops query parameters, which may carry API keys
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}
