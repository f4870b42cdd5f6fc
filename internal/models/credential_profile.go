package models

import (
	"time"

	"github.com/social-monitor/internal/types"
)

// CredentialProfile represents one encrypted credential set for an owner and platform
// At most one profile is active per (OwnerID, Platform).
type CredentialProfile struct {
	ID         string         `json:"id" db:"id"`
	OwnerID    string         `json:"ownerId" db:"owner_id"`
	Platform   types.Platform `json:"platform" db:"platform"`
	Name       string         `json:"name" db:"name"`
	Ciphertext []byte         `json:"-" db:"ciphertext"`
	IsActive   bool           `json:"isActive" db:"is_active"`
	CreatedAt  time.Time      `json:"createdAt" db:"created_at"`
}
