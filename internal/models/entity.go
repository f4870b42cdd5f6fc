// Package models defines the persistent records of the social monitor.
package models

import (
	"time"

	"github.com/social-monitor/internal/types"
)

// MonitoredEntity represents one tracked target (channel, user, subreddit) under one owner
type MonitoredEntity struct {
	ID                string         `json:"id" db:"id"`
	OwnerID           string         `json:"ownerId" db:"owner_id"`
	Platform          types.Platform `json:"platform" db:"platform"`
	Handle            string         `json:"handle" db:"handle"` // platform-native handle
	MonitoringEnabled bool           `json:"monitoringEnabled" db:"monitoring_enabled"`
	IntervalSeconds   int            `json:"intervalSeconds" db:"interval_seconds"`
	ItemLimit         int            `json:"itemLimit" db:"item_limit"`
	SubItemLimit      int            `json:"subItemLimit" db:"sub_item_limit"` // 0 disables sub-item collection
	TotalItems        int64          `json:"totalItems" db:"total_items"`
	TotalSubItems     int64          `json:"totalSubItems" db:"total_sub_items"`
	LastCollectedAt   *time.Time     `json:"lastCollectedAt,omitempty" db:"last_collected_at"`
	CreatedAt         time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time      `json:"updatedAt" db:"updated_at"`
}

// Interval returns the configured collection interval
func (e *MonitoredEntity) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// EntityStats holds the aggregate counters recomputed after each successful run
type EntityStats struct {
	TotalItems      int64
	TotalSubItems   int64
	LastCollectedAt time.Time
}
