package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/social-monitor/internal/circuitbreaker"
	"github.com/social-monitor/internal/config"
	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/types"
)

type fakeCreds map[string]string

func (f fakeCreds) Get(field string) string { return f[field] }

type fakeBudget struct {
	allowed bool
	wait    time.Duration
	calls   int
}

func (b *fakeBudget) TryConsume(ctx context.Context, platform types.Platform, n int) (bool, time.Duration) {
	b.calls++
	return b.allowed, b.wait
}

func newTestClient(platform types.Platform) *HTTPClient {
	return NewHTTPClient(platform, config.PlatformConfig{RequestsPerSecond: 1000, Timeout: 5 * time.Second}, nil, nil)
}

func TestHTTPClientStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized is an auth error",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var auth *AuthError
				require.ErrorAs(t, err, &auth)
				assert.Equal(t, http.StatusUnauthorized, auth.StatusCode)
			},
		},
		{
			name:   "forbidden is an auth error",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var auth *AuthError
				require.ErrorAs(t, err, &auth)
			},
		},
		{
			name:   "too many requests carries retry after",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "42"},
			check: func(t *testing.T, err error) {
				var limited *RateLimitedError
				require.ErrorAs(t, err, &limited)
				assert.Equal(t, 42*time.Second, limited.RetryAfter)
			},
		},
		{
			name:   "server error is transient",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var transient *TransientError
				require.ErrorAs(t, err, &transient)
				assert.Contains(t, err.Error(), "502")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			err := newTestClient(types.PlatformTwitter).GetJSON(context.Background(), srv.URL, nil, nil)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestHTTPClientDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		fmt.Fprint(w, `{"value":7}`)
	}))
	defer srv.Close()

	var out struct {
		Value int `json:"value"`
	}
	err := newTestClient(types.PlatformYouTube).GetJSON(context.Background(), srv.URL, http.Header{"X-Test": {"yes"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Value)
}

func TestHTTPClientMalformedBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{not json`)
	}))
	defer srv.Close()

	var out map[string]interface{}
	err := newTestClient(types.PlatformYouTube).GetJSON(context.Background(), srv.URL, nil, &out)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
}

func TestHTTPClientBudgetExhausted(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	budget := &fakeBudget{allowed: false, wait: 20 * time.Second}
	client := NewHTTPClient(types.PlatformReddit, config.PlatformConfig{RequestsPerSecond: 1000}, budget, nil)

	err := client.GetJSON(context.Background(), srv.URL, nil, nil)
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 20*time.Second, limited.RetryAfter)
	assert.Equal(t, 0, hits, "no request may leave once the budget is spent")
	assert.Equal(t, 1, budget.calls)
}

func TestHTTPClientOpenBreakerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := BreakerConfig("twitch")
	cfg.MaxFailures = 2
	cfg.Timeout = time.Hour
	breaker := circuitbreaker.NewCircuitBreaker(cfg)
	client := NewHTTPClient(types.PlatformTwitch, config.PlatformConfig{RequestsPerSecond: 1000}, nil, breaker)

	for i := 0; i < 2; i++ {
		require.Error(t, client.GetJSON(context.Background(), srv.URL, nil, nil))
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	err := client.GetJSON(context.Background(), srv.URL, nil, nil)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestBreakerFailure(t *testing.T) {
	assert.False(t, BreakerFailure(nil))
	assert.False(t, BreakerFailure(&RateLimitedError{Platform: types.PlatformTwitter}))
	assert.False(t, BreakerFailure(&AuthError{Platform: types.PlatformTwitter, StatusCode: 401}))
	assert.True(t, BreakerFailure(&TransientError{Platform: types.PlatformTwitter, Cause: errors.New("boom")}))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"none", http.Header{}, 0},
		{"seconds", http.Header{"Retry-After": {"30"}}, 30 * time.Second},
		{"http date", http.Header{"Retry-After": {now.Add(90 * time.Second).Format(http.TimeFormat)}}, 90 * time.Second},
		{"epoch reset", http.Header{"X-Rate-Limit-Reset": {fmt.Sprint(now.Add(5 * time.Minute).Unix())}}, 5 * time.Minute},
		{"past epoch ignored", http.Header{"Ratelimit-Reset": {fmt.Sprint(now.Add(-time.Minute).Unix())}}, 0},
		{"seconds remaining", http.Header{"X-Ratelimit-Reset": {"12.5"}}, 12500 * time.Millisecond},
		{"garbage", http.Header{"Retry-After": {"soon"}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.header, now))
		})
	}
}

func TestSnippetCutsOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("x", 199) + "ü" + "tail"
	got := snippet([]byte(body))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", 199)+"...", got)

	assert.Equal(t, "short", snippet([]byte("  short \n")))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(types.PlatformYouTube, nil))

	limited := &RateLimitedError{Platform: types.PlatformYouTube}
	assert.Same(t, limited, Classify(types.PlatformYouTube, limited))

	wrapped := fmt.Errorf("outer: %w", &AuthError{Platform: types.PlatformYouTube, StatusCode: 403})
	assert.Equal(t, wrapped, Classify(types.PlatformYouTube, wrapped))

	var transient *TransientError
	require.ErrorAs(t, Classify(types.PlatformYouTube, errors.New("eof")), &transient)
}

func TestCollectorErrorsCategorize(t *testing.T) {
	assert.Equal(t, apperrors.CategoryRateLimit,
		apperrors.Categorize(&RateLimitedError{Platform: types.PlatformTwitch, RetryAfter: time.Second}).Category)
	assert.Equal(t, apperrors.CategoryAuthorization,
		apperrors.Categorize(&AuthError{Platform: types.PlatformTwitch, StatusCode: 401}).Category)
	assert.Equal(t, apperrors.CategoryProvider,
		apperrors.Categorize(&TransientError{Platform: types.PlatformTwitch, Cause: errors.New("x")}).Category)
}

func TestRedactURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://example.com/v3/videos?key=secret&id=1", nil)
	assert.Equal(t, "https://example.com/v3/videos", redactURL(req.URL))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistryFromConfig(map[types.Platform]config.PlatformConfig{}, nil, nil)
	for _, p := range types.AllPlatforms() {
		c, err := reg.Get(p)
		require.NoError(t, err)
		assert.Equal(t, p, c.Platform())
	}

	_, err := NewRegistry().Get(types.PlatformTwitch)
	assert.Error(t, err)
}

func TestLimitOr(t *testing.T) {
	assert.Equal(t, 20, limitOr(0, 20, 50))
	assert.Equal(t, 10, limitOr(10, 20, 50))
	assert.Equal(t, 50, limitOr(80, 20, 50))
}
