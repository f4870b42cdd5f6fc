// Package vault resolves encrypted credential profiles into in-memory platform
// credentials for the duration of one collection run.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"filippo.io/age"
	"github.com/awnumar/memguard"

	"github.com/social-monitor/internal/config"
	apperrors "github.com/social-monitor/internal/errors"
	"github.com/social-monitor/internal/types"
)

const (
	// CodeNotFound is reported when no active profile exists for (owner, platform)
	CodeNotFound = "CREDENTIALS_NOT_FOUND"
	// CodeDecryptionFailed is reported when the stored ciphertext cannot be opened,
	// typically after a key rotation without re-encryption
	CodeDecryptionFailed = "CREDENTIALS_DECRYPTION_FAILED"
	// CodeInvalid is reported when a decrypted or submitted credential set lacks required fields
	CodeInvalid = "CREDENTIALS_INVALID"
)

// requiredFields lists the fields each platform client needs
var requiredFields = map[types.Platform][]string{
	types.PlatformYouTube: {"api_key"},
	types.PlatformTwitter: {"bearer_token"},
	types.PlatformReddit:  {"client_id", "client_secret", "user_agent"},
	types.PlatformTwitch:  {"client_id", "client_secret"},
}

// RequiredFields returns the credential fields a platform requires
func RequiredFields(platform types.Platform) []string {
	return append([]string(nil), requiredFields[platform]...)
}

// ProfileStore is the backing store of encrypted credential profiles
type ProfileStore interface {
	GetActiveProfile(ctx context.Context, ownerID string, platform types.Platform) ([]byte, error)
}

// Vault encrypts credential sets and decrypts the active profile on demand
type Vault struct {
	store      ProfileStore
	recipient  age.Recipient
	identities []age.Identity
}

// New creates a vault from the configured age identities. The current identity is
// tried first, then each previous identity in order.
func New(cfg config.VaultConfig, store ProfileStore) (*Vault, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("vault identity is not configured (VAULT_AGE_IDENTITY)")
	}

	current, err := age.ParseX25519Identity(strings.TrimSpace(cfg.Identity))
	if err != nil {
		return nil, fmt.Errorf("parsing vault identity: %w", err)
	}

	identities := []age.Identity{current}
	for i, raw := range cfg.PreviousIdentities {
		prev, err := age.ParseX25519Identity(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing previous vault identity %d: %w", i, err)
		}
		identities = append(identities, prev)
	}

	return &Vault{
		store:      store,
		recipient:  current.Recipient(),
		identities: identities,
	}, nil
}

// GenerateIdentity creates a new X25519 identity string for VAULT_AGE_IDENTITY
func GenerateIdentity() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating key pair: %w", err)
	}
	return identity.String(), nil
}

// Encrypt validates a credential set for the platform and seals it to the current key
func (v *Vault) Encrypt(platform types.Platform, fields map[string]string) ([]byte, error) {
	if err := validateFields(platform, fields); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling credentials: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	var out bytes.Buffer
	w, err := age.Encrypt(&out, v.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting credentials: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Decrypt loads and opens the active profile for (owner, platform). Callers own the
// returned credentials and must Destroy them when the run ends.
func (v *Vault) Decrypt(ctx context.Context, ownerID string, platform types.Platform) (*Credentials, error) {
	ciphertext, err := v.store.GetActiveProfile(ctx, ownerID, platform)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewAuthError(CodeNotFound,
				fmt.Sprintf("no active %s credential profile", platform), err)
		}
		return nil, err
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), v.identities...)
	if err != nil {
		return nil, apperrors.NewAuthError(CodeDecryptionFailed,
			fmt.Sprintf("cannot decrypt %s credential profile", platform), err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.NewAuthError(CodeDecryptionFailed,
			fmt.Sprintf("cannot decrypt %s credential profile", platform), err)
	}

	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		memguard.WipeBytes(plaintext)
		return nil, apperrors.NewAuthError(CodeDecryptionFailed,
			fmt.Sprintf("malformed %s credential profile", platform), err)
	}
	if err := validateFields(platform, fields); err != nil {
		memguard.WipeBytes(plaintext)
		return nil, err
	}

	// NewBufferFromBytes wipes plaintext
	return &Credentials{
		platform: platform,
		buf:      memguard.NewBufferFromBytes(plaintext),
	}, nil
}

func validateFields(platform types.Platform, fields map[string]string) error {
	required, ok := requiredFields[platform]
	if !ok {
		return apperrors.NewInvalidParameterError("platform", fmt.Sprintf("unsupported platform %q", platform))
	}

	var missing []string
	for _, f := range required {
		if strings.TrimSpace(fields[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperrors.NewAuthError(CodeInvalid,
			fmt.Sprintf("%s credentials missing required fields: %s", platform, strings.Join(missing, ", ")), nil)
	}
	return nil
}
