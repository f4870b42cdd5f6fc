package models

import (
	"fmt"
	"time"

	"github.com/social-monitor/internal/types"
)

// Job represents the scheduling unit of a monitored entity.
// When loaded for rehydration, NextDueAt is last_collected + interval, or zero
// if the entity was never collected.
type Job struct {
	ID              string         `json:"id" db:"id"`
	EntityID        string         `json:"entityId" db:"entity_id"`
	OwnerID         string         `json:"ownerId" db:"owner_id"`
	Platform        types.Platform `json:"platform" db:"platform"`
	IntervalSeconds int            `json:"intervalSeconds" db:"interval_seconds"`
	Active          bool           `json:"active" db:"active"`
	NextDueAt       time.Time      `json:"nextDueAt" db:"next_due_at"`
	UpdatedAt       time.Time      `json:"updatedAt" db:"updated_at"`
}

// JobID returns the deterministic job identifier for an entity
func JobID(platform types.Platform, entityID string) string {
	return fmt.Sprintf("%s_monitor_%s", platform, entityID)
}
