package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
)

// ItemRepository handles collected item and sub-item persistence
type ItemRepository struct {
	q querier
}

// NewItemRepository creates a new item repository
func NewItemRepository(db *PostgresDB) *ItemRepository {
	return &ItemRepository{q: db.Pool()}
}

// GetExistingKeys returns which of nativeIDs are already stored for the entity,
// in a single query
func (r *ItemRepository) GetExistingKeys(ctx context.Context, entityID string, nativeIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(nativeIDs) == 0 {
		return existing, nil
	}

	rows, err := r.q.Query(ctx,
		`SELECT native_id FROM collected_items WHERE entity_id = $1 AND native_id = ANY($2)`,
		entityID, nativeIDs)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get existing item keys", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nativeID string
		if err := rows.Scan(&nativeID); err != nil {
			return nil, apperrors.NewDatabaseError("scan item key", err)
		}
		existing[nativeID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("get existing item keys", err)
	}
	return existing, nil
}

// UpsertItems inserts new items and refreshes metrics on existing ones. The
// conflict clause only touches metrics and updated_at, so content fields and the
// original collected_at survive even if two runs ever race. Each item's ID is
// set to the stored row's ID.
func (r *ItemRepository) UpsertItems(ctx context.Context, entityID string, items []*models.CollectedItem) error {
	if len(items) == 0 {
		return nil
	}

	query := `
		INSERT INTO collected_items (id, entity_id, native_id, title, body, author, url,
			published_at, metrics, collected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (entity_id, native_id) DO UPDATE
		SET metrics = EXCLUDED.metrics,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	batch := &pgx.Batch{}
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		metricsJSON, err := marshalMetrics(item.Metrics)
		if err != nil {
			return err
		}
		batch.Queue(query,
			item.ID,
			entityID,
			item.NativeID,
			item.Title,
			item.Body,
			item.Author,
			item.URL,
			item.PublishedAt,
			metricsJSON,
			item.CollectedAt,
			item.UpdatedAt,
		)
	}

	results := r.q.SendBatch(ctx, batch)
	defer results.Close()

	for _, item := range items {
		if err := results.QueryRow().Scan(&item.ID); err != nil {
			return apperrors.NewDatabaseError("upsert item", fmt.Errorf("native id %s: %w", item.NativeID, err))
		}
	}
	return nil
}

// GetExistingSubKeys returns which (item, native id) pairs are already stored, in a
// single query across all parent items
func (r *ItemRepository) GetExistingSubKeys(ctx context.Context, keys []models.SubItemKey) (map[models.SubItemKey]bool, error) {
	existing := make(map[models.SubItemKey]bool)
	if len(keys) == 0 {
		return existing, nil
	}

	itemIDs := make([]string, len(keys))
	nativeIDs := make([]string, len(keys))
	for i, k := range keys {
		itemIDs[i] = k.ItemID
		nativeIDs[i] = k.NativeID
	}

	rows, err := r.q.Query(ctx, `
		SELECT s.item_id::text, s.native_id
		FROM collected_sub_items s
		JOIN unnest($1::uuid[], $2::text[]) AS k(item_id, native_id)
			ON s.item_id = k.item_id AND s.native_id = k.native_id
	`, itemIDs, nativeIDs)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get existing sub-item keys", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k models.SubItemKey
		if err := rows.Scan(&k.ItemID, &k.NativeID); err != nil {
			return nil, apperrors.NewDatabaseError("scan sub-item key", err)
		}
		existing[k] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("get existing sub-item keys", err)
	}
	return existing, nil
}

// UpsertSubItems inserts new sub-items and refreshes metrics on existing ones
func (r *ItemRepository) UpsertSubItems(ctx context.Context, subs []*models.CollectedSubItem) error {
	if len(subs) == 0 {
		return nil
	}

	query := `
		INSERT INTO collected_sub_items (id, item_id, native_id, body, author,
			published_at, metrics, collected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (item_id, native_id) DO UPDATE
		SET metrics = EXCLUDED.metrics,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	batch := &pgx.Batch{}
	for _, sub := range subs {
		if sub.ID == "" {
			sub.ID = uuid.New().String()
		}
		metricsJSON, err := marshalMetrics(sub.Metrics)
		if err != nil {
			return err
		}
		batch.Queue(query,
			sub.ID,
			sub.ItemID,
			sub.NativeID,
			sub.Body,
			sub.Author,
			sub.PublishedAt,
			metricsJSON,
			sub.CollectedAt,
			sub.UpdatedAt,
		)
	}

	results := r.q.SendBatch(ctx, batch)
	defer results.Close()

	for _, sub := range subs {
		if err := results.QueryRow().Scan(&sub.ID); err != nil {
			return apperrors.NewDatabaseError("upsert sub-item", fmt.Errorf("native id %s: %w", sub.NativeID, err))
		}
	}
	return nil
}

// ListByEntity returns the most recently collected items of an entity
func (r *ItemRepository) ListByEntity(ctx context.Context, entityID string, limit int) ([]*models.CollectedItem, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, entity_id, native_id, title, body, author, url, published_at,
			metrics, collected_at, updated_at
		FROM collected_items
		WHERE entity_id = $1
		ORDER BY collected_at DESC, native_id
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list items", err)
	}
	defer rows.Close()

	var items []*models.CollectedItem
	for rows.Next() {
		var item models.CollectedItem
		var metricsJSON []byte
		if err := rows.Scan(
			&item.ID,
			&item.EntityID,
			&item.NativeID,
			&item.Title,
			&item.Body,
			&item.Author,
			&item.URL,
			&item.PublishedAt,
			&metricsJSON,
			&item.CollectedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, apperrors.NewDatabaseError("scan item", err)
		}
		if err := json.Unmarshal(metricsJSON, &item.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list items", err)
	}
	return items, nil
}

func marshalMetrics(m models.Metrics) ([]byte, error) {
	if m == nil {
		m = models.Metrics{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return data, nil
}
