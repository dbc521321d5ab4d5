package repository

import (
	"context"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
)

// CredentialRepository defines data access for per-session credential blobs.
type CredentialRepository interface {
	datastore.BaseRepository[*models.CredentialRecord]
	// GetBySessionAndKey returns the record for (sessionID, credentialID),
	// or nil when none exists.
	GetBySessionAndKey(ctx context.Context, sessionID, credentialID string) (*models.CredentialRecord, error)
	// GetBySession returns all credential records stored for a session.
	GetBySession(ctx context.Context, sessionID string) ([]*models.CredentialRecord, error)
	// Upsert writes the blob for (sessionID, credentialID), replacing any
	// previous value.
	Upsert(ctx context.Context, record *models.CredentialRecord) error
	// DeleteBySession removes every credential record of a session.
	DeleteBySession(ctx context.Context, sessionID string) error
}

// DeadLetterRepository defines data access for parked deliveries.
type DeadLetterRepository interface {
	datastore.BaseRepository[*models.DeadLetterRecord]
	// GetDueForRetry returns up to limit pending records whose backoff has
	// elapsed and whose retry count is below maxRetries, oldest first.
	GetDueForRetry(ctx context.Context, maxRetries int32, now time.Time, limit int) ([]*models.DeadLetterRecord, error)
	// RecordAttempt stores the outcome of a failed reprocessing attempt.
	RecordAttempt(ctx context.Context, id string, errMsg string, nextRetryAt time.Time) error
	// MarkFailed moves a record to the terminal failed status.
	MarkFailed(ctx context.Context, id string, errMsg string) error
	// CountPending returns the number of records awaiting reprocessing.
	CountPending(ctx context.Context) (int64, error)
}
