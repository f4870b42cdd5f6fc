// Package ratelimit provides the per-platform request budget shared by every
// collector process through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/social-monitor/internal/types"
)

// Default budget configuration values.
const (
	DefaultBudget     = 60          // requests per window when a platform has no explicit budget
	DefaultWindowSize = time.Minute // fixed window aligned to the window size boundary
)

// Redis key prefixes for budget tracking.
const (
	KeyPrefixBudget   = "budget:"
	KeyPrefixThrottle = "budget:throttle:"
)

// consumeScript atomically checks the window counter and increments it
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local n = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local used = tonumber(redis.call('GET', key) or '0')
	if used + n > budget then
		return {0, used}
	end

	redis.call('INCRBY', key, n)
	redis.call('EXPIRE', key, ttl)
	return {1, used + n}
`)

// BudgetTracker coordinates platform API consumption across processes using Redis.
// Each platform has its own request budget per window.
type BudgetTracker struct {
	redis      redis.Cmdable
	budgets    map[types.Platform]int
	windowSize time.Duration
	keyTTL     time.Duration
	now        func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is the Redis client for cross-process coordination. Required.
	Redis redis.Cmdable

	// Budgets is the number of requests allowed per window for each platform.
	// Platforms without an entry get DefaultBudget.
	Budgets map[types.Platform]int

	// WindowSize is the window duration. Default: 1m.
	WindowSize time.Duration
}

// Usage contains the consumption of one platform in the current window.
type Usage struct {
	Platform    types.Platform
	Used        int
	Budget      int
	WindowStart time.Time
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}
	for p, b := range c.Budgets {
		if b < 0 {
			return fmt.Errorf("budget for %s cannot be negative", p)
		}
	}
	return nil
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}

	budgets := make(map[types.Platform]int, len(cfg.Budgets))
	for p, b := range cfg.Budgets {
		budgets[p] = b
	}

	return &BudgetTracker{
		redis:      cfg.Redis,
		budgets:    budgets,
		windowSize: windowSize,
		keyTTL:     windowSize + time.Second,
		now:        time.Now,
	}, nil
}

// Budget returns the configured budget of a platform.
func (t *BudgetTracker) Budget(platform types.Platform) int {
	if b, ok := t.budgets[platform]; ok && b > 0 {
		return b
	}
	return DefaultBudget
}

// WindowSize returns the configured window size.
func (t *BudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}

func (t *BudgetTracker) windowTimestamp() int64 {
	return t.now().Truncate(t.windowSize).UnixMilli()
}

func budgetKey(platform types.Platform, windowTS int64) string {
	return KeyPrefixBudget + string(platform) + ":" + strconv.FormatInt(windowTS, 10)
}

// TryConsume attempts to take n requests from the platform's budget.
//
// Returns:
//   - allowed: true if the consumption was allowed
//   - waitTime: time until the next window when not allowed
//
// A Redis failure denies the request.
func (t *BudgetTracker) TryConsume(ctx context.Context, platform types.Platform, n int) (bool, time.Duration) {
	if n <= 0 {
		return true, 0
	}

	windowTS := t.windowTimestamp()
	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{budgetKey(platform, windowTS)},
		n, t.Budget(platform), ttlSeconds).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		t.recordThrottle(ctx, platform)
		return false, t.waitTime(windowTS)
	}
	return true, 0
}

// waitTime returns the time until the next window starts.
func (t *BudgetTracker) waitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(t.windowSize)
	wait := windowEnd.Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	// Add a small buffer to ensure we're in the new window
	return wait + time.Millisecond
}

func (t *BudgetTracker) recordThrottle(ctx context.Context, platform types.Platform) {
	// best effort, the count is informational
	_ = t.redis.Incr(ctx, KeyPrefixThrottle+string(platform)).Err()
}

// GetUsage returns the platform's consumption in the current window.
func (t *BudgetTracker) GetUsage(ctx context.Context, platform types.Platform) (*Usage, error) {
	windowTS := t.windowTimestamp()

	used, err := t.redis.Get(ctx, budgetKey(platform, windowTS)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &Usage{
		Platform:    platform,
		Used:        used,
		Budget:      t.Budget(platform),
		WindowStart: time.UnixMilli(windowTS),
	}, nil
}

// ThrottleCount returns how many requests were denied for the platform.
func (t *BudgetTracker) ThrottleCount(ctx context.Context, platform types.Platform) (int64, error) {
	n, err := t.redis.Get(ctx, KeyPrefixThrottle+string(platform)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to read throttle count: %w", err)
	}
	return n, nil
}
