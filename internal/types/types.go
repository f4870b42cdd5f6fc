// Package types provides common type definitions for the social monitor system.
package types

import (
	"fmt"
	"strings"
)

// Platform represents a supported social-media platform
type Platform string

const (
	// PlatformYouTube represents YouTube channels
	PlatformYouTube Platform = "youtube"
	// PlatformTwitter represents Twitter/X users
	PlatformTwitter Platform = "twitter"
	// PlatformReddit represents Reddit subreddits
	PlatformReddit Platform = "reddit"
	// PlatformTwitch represents Twitch channels
	PlatformTwitch Platform = "twitch"
)

// AllPlatforms returns every supported platform in a stable order
func AllPlatforms() []Platform {
	return []Platform{PlatformYouTube, PlatformTwitter, PlatformReddit, PlatformTwitch}
}

// ParsePlatform parses a platform name, case-insensitively
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllPlatforms() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform: %q", s)
}

// Valid reports whether the platform is supported
func (p Platform) Valid() bool {
	_, err := ParsePlatform(string(p))
	return err == nil
}

// Outcome represents the result classification of one collection run
type Outcome string

const (
	// OutcomeSuccess represents a completed collection cycle
	OutcomeSuccess Outcome = "success"
	// OutcomeFailed represents a transient, storage or unexpected failure
	OutcomeFailed Outcome = "failed"
	// OutcomeRateLimited represents platform backpressure
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeAuthError represents missing, invalid or undecryptable credentials
	OutcomeAuthError Outcome = "auth_error"
)

// EventType represents the kind of a real-time notification event
type EventType string

const (
	// EventPlatformUpdate is pushed after a successful collection run
	EventPlatformUpdate EventType = "platform_update"
	// EventMonitoringUpdate is pushed when monitoring is started, stopped, paused or resumed
	EventMonitoringUpdate EventType = "monitoring_update"
	// EventNotification is a free-form owner notification
	EventNotification EventType = "notification"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
