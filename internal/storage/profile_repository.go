package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/types"
)

// ProfileRepository handles encrypted credential profiles
type ProfileRepository struct {
	db *PostgresDB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *PostgresDB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetActiveProfile returns the ciphertext of the active profile for (owner, platform)
func (r *ProfileRepository) GetActiveProfile(ctx context.Context, ownerID string, platform types.Platform) ([]byte, error) {
	query := `
		SELECT ciphertext FROM credential_profiles
		WHERE owner_id = $1 AND platform = $2 AND is_active
	`

	var ciphertext []byte
	err := r.db.Pool().QueryRow(ctx, query, ownerID, platform).Scan(&ciphertext)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("active credential profile", fmt.Sprintf("%s/%s", ownerID, platform))
		}
		return nil, apperrors.NewDatabaseError("get active profile", err)
	}
	return ciphertext, nil
}

// SaveActiveProfile stores a profile and makes it the only active one for its
// (owner, platform), in one transaction
func (r *ProfileRepository) SaveActiveProfile(ctx context.Context, profile *models.CredentialProfile) error {
	if profile.ID == "" {
		profile.ID = uuid.New().String()
	}
	profile.CreatedAt = time.Now().UTC()
	profile.IsActive = true

	err := pgx.BeginFunc(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE credential_profiles SET is_active = FALSE WHERE owner_id = $1 AND platform = $2 AND is_active`,
			profile.OwnerID, profile.Platform); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO credential_profiles (id, owner_id, platform, name, ciphertext, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		`, profile.ID, profile.OwnerID, profile.Platform, profile.Name, profile.Ciphertext, profile.CreatedAt)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("save credential profile", err)
	}
	return nil
}
