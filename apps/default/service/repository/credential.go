package repository

import (
	"context"
	"errors"

	"github.com/antinvestor/service-wagateway/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type credentialRepository struct {
	datastore.BaseRepository[*models.CredentialRecord]
}

// NewCredentialRepository creates a new credential repository instance.
func NewCredentialRepository(
	ctx context.Context,
	dbPool pool.Pool,
	workMan workerpool.Manager,
) CredentialRepository {
	return &credentialRepository{
		BaseRepository: datastore.NewBaseRepository[*models.CredentialRecord](
			ctx, dbPool, workMan, func() *models.CredentialRecord { return &models.CredentialRecord{} },
		),
	}
}

// GetBySessionAndKey retrieves a single credential blob.
func (r *credentialRepository) GetBySessionAndKey(
	ctx context.Context,
	sessionID, credentialID string,
) (*models.CredentialRecord, error) {
	var record models.CredentialRecord
	err := r.Pool().DB(ctx, true).
		Where("session_id = ? AND credential_id = ?", sessionID, credentialID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetBySession retrieves all credential blobs for a session.
func (r *credentialRepository) GetBySession(
	ctx context.Context,
	sessionID string,
) ([]*models.CredentialRecord, error) {
	var records []*models.CredentialRecord
	err := r.Pool().DB(ctx, true).
		Where("session_id = ?", sessionID).
		Find(&records).Error
	return records, err
}

// Upsert writes a credential blob, replacing any existing value for the key.
func (r *credentialRepository) Upsert(ctx context.Context, record *models.CredentialRecord) error {
	return r.Pool().DB(ctx, false).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "credential_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"blob"}),
		}).
		Create(record).Error
}

// DeleteBySession wipes every credential record of a session.
func (r *credentialRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	return r.Pool().DB(ctx, false).
		Where("session_id = ?", sessionID).
		Delete(&models.CredentialRecord{}).Error
}
