// Package collector fetches recent content from each social platform behind one
// interface. Collectors never touch storage; they return raw items and classified
// errors.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/types"
)

// Credentials exposes the decrypted fields a collector needs
type Credentials interface {
	Get(field string) string
}

// Collector fetches the latest items of one platform
type Collector interface {
	Platform() types.Platform
	// Fetch returns the most recent items of the entity. Items already stored are
	// expected; deduplication happens downstream.
	Fetch(ctx context.Context, entity *models.MonitoredEntity, creds Credentials) ([]RawItem, error)
}

// RawItem is one item as observed on the platform
type RawItem struct {
	NativeID    string
	Title       string
	Body        string
	Author      string
	URL         string
	PublishedAt *time.Time
	Metrics     models.Metrics
	SubItems    []RawSubItem
}

// RawSubItem is one child of a raw item, e.g. a comment
type RawSubItem struct {
	NativeID    string
	Body        string
	Author      string
	PublishedAt *time.Time
	Metrics     models.Metrics
}

// Registry maps platforms to their collectors
type Registry struct {
	mu         sync.RWMutex
	collectors map[types.Platform]Collector
}

// NewRegistry creates a registry holding the given collectors
func NewRegistry(collectors ...Collector) *Registry {
	r := &Registry{collectors: make(map[types.Platform]Collector)}
	for _, c := range collectors {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the collector of its platform
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[c.Platform()] = c
}

// Get returns the collector of a platform
func (r *Registry) Get(platform types.Platform) (Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collectors[platform]
	if !ok {
		return nil, fmt.Errorf("no collector registered for platform %q", platform)
	}
	return c, nil
}

// limitOr returns limit when positive, otherwise def, capped at max
func limitOr(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
