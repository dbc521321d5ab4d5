package models

import (
	"time"

	"github.com/pitabwire/frame/data"
)

// CredentialKeyPrimary is the credential id of the main authentication blob.
// Records under this key must pass structural validation before being trusted.
const CredentialKeyPrimary = "creds"

// CredentialRecord stores one opaque credential blob for a session.
// Uniqueness is enforced on (session_id, credential_id); writes are upserts.
type CredentialRecord struct {
	data.BaseModel
	SessionID    string `gorm:"type:varchar(50);uniqueIndex:ux_credential_session_key,priority:1"`
	CredentialID string `gorm:"type:varchar(100);uniqueIndex:ux_credential_session_key,priority:2"`
	Blob         []byte `gorm:"type:bytea"`
}

// DeadLetterStatus tracks the reprocessing lifecycle of a dead-letter record.
type DeadLetterStatus string

const (
	// DeadLetterStatusPending records are eligible for reprocessing.
	DeadLetterStatusPending DeadLetterStatus = "pending"
	// DeadLetterStatusFailed records hit the retry cap and need an operator.
	DeadLetterStatusFailed DeadLetterStatus = "failed"
)

// DeadLetterRecord is a delivery that exhausted its immediate retries,
// parked durably until the reprocessor re-attempts it.
type DeadLetterRecord struct {
	data.BaseModel
	StoreID         string       `gorm:"type:varchar(50);index:idx_dead_letter_store_id"`
	MessageUID      string       `gorm:"type:varchar(100)"`
	ChatID          string       `gorm:"type:varchar(100)"`
	PayloadSnapshot data.JSONMap `gorm:"type:jsonb"`
	ErrorMessage    string
	RetryCount      int32            `gorm:"default:0"`
	NextRetryAt     time.Time        `gorm:"index:idx_dead_letter_next_retry"`
	Status          DeadLetterStatus `gorm:"type:varchar(20);default:'pending';index:idx_dead_letter_status"`
}
