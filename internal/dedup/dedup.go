// Package dedup applies a batch of collected items against what is already stored:
// unseen natural keys are inserted, known keys only get their metrics refreshed.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/social-monitor/internal/collector"
	"github.com/social-monitor/internal/models"
)

// Writer is the storage a batch is applied to, normally a transaction
type Writer interface {
	GetExistingKeys(ctx context.Context, entityID string, nativeIDs []string) (map[string]bool, error)
	UpsertItems(ctx context.Context, entityID string, items []*models.CollectedItem) error
	GetExistingSubKeys(ctx context.Context, keys []models.SubItemKey) (map[models.SubItemKey]bool, error)
	UpsertSubItems(ctx context.Context, subs []*models.CollectedSubItem) error
}

// Result counts what one Apply did
type Result struct {
	New        int
	Updated    int
	Considered int
	SubNew     int
	SubUpdated int
}

// Apply deduplicates items for an entity and writes them through w. Items sharing a
// native id are collapsed: the first sighting supplies the immutable fields and the
// last one the metrics. Existence is checked once per level.
func Apply(ctx context.Context, w Writer, entityID string, items []collector.RawItem, now time.Time) (Result, error) {
	var res Result

	merged, order := collapse(items)
	res.Considered = len(order)
	if len(order) == 0 {
		return res, nil
	}

	existing, err := w.GetExistingKeys(ctx, entityID, order)
	if err != nil {
		return res, fmt.Errorf("checking existing items: %w", err)
	}

	rows := make([]*models.CollectedItem, 0, len(order))
	for _, id := range order {
		raw := merged[id]
		if existing[id] {
			res.Updated++
		} else {
			res.New++
		}
		rows = append(rows, &models.CollectedItem{
			EntityID:    entityID,
			NativeID:    id,
			Title:       raw.Title,
			Body:        raw.Body,
			Author:      raw.Author,
			URL:         raw.URL,
			PublishedAt: raw.PublishedAt,
			Metrics:     metricsOrEmpty(raw.Metrics),
			CollectedAt: now,
			UpdatedAt:   now,
		})
	}

	// ids of existing rows come back from the upsert
	if err := w.UpsertItems(ctx, entityID, rows); err != nil {
		return res, fmt.Errorf("upserting items: %w", err)
	}

	subNew, subUpdated, err := applySubItems(ctx, w, rows, merged, now)
	if err != nil {
		return res, err
	}
	res.SubNew = subNew
	res.SubUpdated = subUpdated
	return res, nil
}

func applySubItems(ctx context.Context, w Writer, rows []*models.CollectedItem, merged map[string]*collector.RawItem, now time.Time) (int, int, error) {
	var (
		keys []models.SubItemKey
		subs = make(map[models.SubItemKey]*models.CollectedSubItem)
	)
	for _, row := range rows {
		for _, raw := range merged[row.NativeID].SubItems {
			if raw.NativeID == "" {
				continue
			}
			key := models.SubItemKey{ItemID: row.ID, NativeID: raw.NativeID}
			if prev, ok := subs[key]; ok {
				prev.Metrics = metricsOrEmpty(raw.Metrics)
				continue
			}
			keys = append(keys, key)
			subs[key] = &models.CollectedSubItem{
				ItemID:      row.ID,
				NativeID:    raw.NativeID,
				Body:        raw.Body,
				Author:      raw.Author,
				PublishedAt: raw.PublishedAt,
				Metrics:     metricsOrEmpty(raw.Metrics),
				CollectedAt: now,
				UpdatedAt:   now,
			}
		}
	}
	if len(keys) == 0 {
		return 0, 0, nil
	}

	existing, err := w.GetExistingSubKeys(ctx, keys)
	if err != nil {
		return 0, 0, fmt.Errorf("checking existing sub-items: %w", err)
	}

	var created, updated int
	batch := make([]*models.CollectedSubItem, 0, len(keys))
	for _, key := range keys {
		if existing[key] {
			updated++
		} else {
			created++
		}
		batch = append(batch, subs[key])
	}

	if err := w.UpsertSubItems(ctx, batch); err != nil {
		return 0, 0, fmt.Errorf("upserting sub-items: %w", err)
	}
	return created, updated, nil
}

// collapse merges items by native id, keeping first-seen order
func collapse(items []collector.RawItem) (map[string]*collector.RawItem, []string) {
	merged := make(map[string]*collector.RawItem, len(items))
	order := make([]string, 0, len(items))

	for i := range items {
		item := items[i]
		if item.NativeID == "" {
			continue
		}
		prev, ok := merged[item.NativeID]
		if !ok {
			item.SubItems = append([]collector.RawSubItem(nil), item.SubItems...)
			merged[item.NativeID] = &item
			order = append(order, item.NativeID)
			continue
		}
		prev.Metrics = item.Metrics
		prev.SubItems = append(prev.SubItems, item.SubItems...)
	}
	return merged, order
}

func metricsOrEmpty(m models.Metrics) models.Metrics {
	if m == nil {
		return models.Metrics{}
	}
	return m.Clone()
}
