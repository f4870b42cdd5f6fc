package models

import (
	"time"

	"github.com/social-monitor/internal/types"
)

// Event represents a real-time message pushed to an owner's live connections
type Event struct {
	Type      types.EventType        `json:"type"`
	Platform  types.Platform         `json:"platform,omitempty"`
	EntityID  string                 `json:"entity_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
