package models

import "time"

// Metrics holds the mutable, platform-specific counters of an item (likes, views, score...)
type Metrics map[string]int64

// Clone returns a copy of the metrics map
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CollectedItem represents one piece of content (video, tweet, post, stream sample)
// Natural key: (EntityID, NativeID). Only Metrics and UpdatedAt change after insert.
type CollectedItem struct {
	ID          string     `json:"id" db:"id"`
	EntityID    string     `json:"entityId" db:"entity_id"`
	NativeID    string     `json:"nativeId" db:"native_id"`
	Title       string     `json:"title" db:"title"`
	Body        string     `json:"body" db:"body"`
	Author      string     `json:"author" db:"author"`
	URL         string     `json:"url" db:"url"`
	PublishedAt *time.Time `json:"publishedAt,omitempty" db:"published_at"`
	Metrics     Metrics    `json:"metrics" db:"metrics"`
	CollectedAt time.Time  `json:"collectedAt" db:"collected_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// CollectedSubItem represents a child of a collected item, e.g. a comment under a video
// Natural key: (ItemID, NativeID).
type CollectedSubItem struct {
	ID          string     `json:"id" db:"id"`
	ItemID      string     `json:"itemId" db:"item_id"`
	NativeID    string     `json:"nativeId" db:"native_id"`
	Body        string     `json:"body" db:"body"`
	Author      string     `json:"author" db:"author"`
	PublishedAt *time.Time `json:"publishedAt,omitempty" db:"published_at"`
	Metrics     Metrics    `json:"metrics" db:"metrics"`
	CollectedAt time.Time  `json:"collectedAt" db:"collected_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// SubItemKey is the natural key of a sub-item, scoped under its parent item
type SubItemKey struct {
	ItemID   string
	NativeID string
}
