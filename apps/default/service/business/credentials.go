package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/models"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"
)

// Credential persistence errors.
var (
	ErrCredentialTooLarge = errors.New("credential blob exceeds size ceiling")
	ErrCredentialInvalid  = errors.New("credential blob failed structural validation")
)

// credsRequiredFields are the sub-fields a trustworthy primary credential
// blob must carry. A blob missing any of them came from a corrupt or
// truncated write and must not be fed to the protocol driver.
//
//nolint:gochecknoglobals // package-level constant slice
var credsRequiredFields = []string{"noiseKey", "signedIdentityKey", "signedPreKey", "registrationId"}

// CredentialPersistence is the durable tier consumed by the store. Satisfied
// by repository.CredentialRepository.
type CredentialPersistence interface {
	GetBySessionAndKey(ctx context.Context, sessionID, credentialID string) (*models.CredentialRecord, error)
	GetBySession(ctx context.Context, sessionID string) ([]*models.CredentialRecord, error)
	Upsert(ctx context.Context, record *models.CredentialRecord) error
	DeleteBySession(ctx context.Context, sessionID string) error
}

// CredentialStore persists per-session authentication material write-through
// across two tiers: a fast cache and the authoritative database. The
// database wins on restart; the cache only cuts read latency on the
// reconnect hot path.
type CredentialStore struct {
	repo     CredentialPersistence
	fastTier cache.Cache[string, []byte]
	maxBytes int
	cacheTTL time.Duration
}

// NewCredentialStore creates a credential store. rawCache may be nil, in
// which case only the durable tier is used.
func NewCredentialStore(
	repo CredentialPersistence,
	rawCache cache.RawCache,
	maxBytes int,
	cacheTTL time.Duration,
) *CredentialStore {
	cs := &CredentialStore{
		repo:     repo,
		maxBytes: maxBytes,
		cacheTTL: cacheTTL,
	}
	if rawCache != nil {
		cs.fastTier = cache.NewGenericCache[string, []byte](rawCache, func(s string) string {
			return s
		})
	}
	return cs
}

func credentialCacheKey(sessionID, key string) string {
	return "creds:" + sessionID + ":" + key
}

// Read returns the blob stored under (sessionID, key), or nil when absent.
// A primary blob that fails structural validation wipes the session's
// credentials and returns nil, forcing a fresh unauthenticated start.
func (cs *CredentialStore) Read(ctx context.Context, sessionID, key string) ([]byte, error) {
	blob, err := cs.readTiers(ctx, sessionID, key)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}

	if key == models.CredentialKeyPrimary {
		if validateErr := ValidateCreds(blob); validateErr != nil {
			util.Log(ctx).WithError(validateErr).
				WithField("session_id", sessionID).
				Warn("stored credentials failed validation, wiping session credentials")

			if clearErr := cs.ClearAll(ctx, sessionID); clearErr != nil {
				return nil, clearErr
			}
			return nil, nil
		}
	}

	return blob, nil
}

func (cs *CredentialStore) readTiers(ctx context.Context, sessionID, key string) ([]byte, error) {
	if cs.fastTier != nil {
		blob, ok, err := cs.fastTier.Get(ctx, credentialCacheKey(sessionID, key))
		if err == nil && ok {
			return blob, nil
		}
		if err != nil {
			util.Log(ctx).WithError(err).Debug("credential cache read failed, falling back to database")
		}
	}

	record, err := cs.repo.GetBySessionAndKey(ctx, sessionID, key)
	if err != nil {
		return nil, fmt.Errorf("credential read failed: %w", err)
	}
	if record == nil {
		return nil, nil
	}

	// Backfill the fast tier so the next reconnect skips the database
	if cs.fastTier != nil {
		_ = cs.fastTier.Set(ctx, credentialCacheKey(sessionID, key), record.Blob, cs.cacheTTL)
	}

	return record.Blob, nil
}

// Write upserts the blob under (sessionID, key). Oversized blobs and primary
// blobs failing validation are rejected.
func (cs *CredentialStore) Write(ctx context.Context, sessionID, key string, blob []byte) error {
	if len(blob) > cs.maxBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrCredentialTooLarge, len(blob), cs.maxBytes)
	}

	if key == models.CredentialKeyPrimary {
		if err := ValidateCreds(blob); err != nil {
			return err
		}
	}

	record := &models.CredentialRecord{
		SessionID:    sessionID,
		CredentialID: key,
		Blob:         blob,
	}
	if err := cs.repo.Upsert(ctx, record); err != nil {
		return fmt.Errorf("credential write failed: %w", err)
	}

	if cs.fastTier != nil {
		if err := cs.fastTier.Set(ctx, credentialCacheKey(sessionID, key), blob, cs.cacheTTL); err != nil {
			// Durable tier already holds the truth
			util.Log(ctx).WithError(err).Debug("credential cache write failed")
		}
	}

	return nil
}

// ClearAll wipes every credential of a session from both tiers.
func (cs *CredentialStore) ClearAll(ctx context.Context, sessionID string) error {
	if cs.fastTier != nil {
		records, err := cs.repo.GetBySession(ctx, sessionID)
		if err == nil {
			for _, record := range records {
				_ = cs.fastTier.Delete(ctx, credentialCacheKey(sessionID, record.CredentialID))
			}
		}
	}

	if err := cs.repo.DeleteBySession(ctx, sessionID); err != nil {
		return fmt.Errorf("credential wipe failed: %w", err)
	}
	return nil
}

// ValidateCreds checks the structural integrity of a primary credential
// blob: valid JSON carrying every required sub-field, non-null.
func ValidateCreds(blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("%w: empty blob", ErrCredentialInvalid)
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialInvalid, err)
	}

	for _, field := range credsRequiredFields {
		raw, ok := parsed[field]
		if !ok || string(raw) == "null" {
			return fmt.Errorf("%w: missing field %q", ErrCredentialInvalid, field)
		}
	}

	return nil
}
