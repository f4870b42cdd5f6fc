package collector

import (
	"github.com/social-monitor/internal/circuitbreaker"
	"github.com/social-monitor/internal/config"
	"github.com/social-monitor/internal/types"
)

// BreakerConfig returns the breaker configuration used for a platform
func BreakerConfig(name string) *circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsFailure = BreakerFailure
	return cfg
}

// NewRegistryFromConfig builds the collector of every platform. budget may be nil,
// in which case only local pacing applies.
func NewRegistryFromConfig(platforms map[types.Platform]config.PlatformConfig, budget Budget, breakers *circuitbreaker.Manager) *Registry {
	if breakers == nil {
		breakers = circuitbreaker.NewManager(BreakerConfig)
	}

	client := func(p types.Platform) *HTTPClient {
		return NewHTTPClient(p, platforms[p], budget, breakers.Get(string(p)))
	}

	return NewRegistry(
		NewYouTubeCollector(platforms[types.PlatformYouTube].BaseURL, client(types.PlatformYouTube)),
		NewTwitterCollector(platforms[types.PlatformTwitter].BaseURL, client(types.PlatformTwitter)),
		NewRedditCollector(platforms[types.PlatformReddit].BaseURL, platforms[types.PlatformReddit].AuthURL, client(types.PlatformReddit)),
		NewTwitchCollector(platforms[types.PlatformTwitch].BaseURL, platforms[types.PlatformTwitch].AuthURL, client(types.PlatformTwitch)),
	)
}
