package repository

import (
	"context"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
	"gorm.io/gorm"
)

type deadLetterRepository struct {
	datastore.BaseRepository[*models.DeadLetterRecord]
}

// NewDeadLetterRepository creates a new dead-letter repository instance.
func NewDeadLetterRepository(
	ctx context.Context,
	dbPool pool.Pool,
	workMan workerpool.Manager,
) DeadLetterRepository {
	return &deadLetterRepository{
		BaseRepository: datastore.NewBaseRepository[*models.DeadLetterRecord](
			ctx, dbPool, workMan, func() *models.DeadLetterRecord { return &models.DeadLetterRecord{} },
		),
	}
}

// GetDueForRetry selects reprocessable records, oldest first. Records at or
// past maxRetries are never selected; MarkFailed moves those to a terminal
// status so operators can find them.
func (r *deadLetterRepository) GetDueForRetry(
	ctx context.Context,
	maxRetries int32,
	now time.Time,
	limit int,
) ([]*models.DeadLetterRecord, error) {
	var records []*models.DeadLetterRecord
	err := r.Pool().DB(ctx, true).
		Where("status = ? AND retry_count < ? AND next_retry_at <= ?",
			models.DeadLetterStatusPending, maxRetries, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// RecordAttempt bumps the retry counter and schedules the next attempt.
func (r *deadLetterRepository) RecordAttempt(
	ctx context.Context,
	id string,
	errMsg string,
	nextRetryAt time.Time,
) error {
	return r.Pool().DB(ctx, false).
		Model(&models.DeadLetterRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"next_retry_at": nextRetryAt,
			"error_message": errMsg,
		}).Error
}

// MarkFailed parks a record in the terminal failed status.
func (r *deadLetterRepository) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.Pool().DB(ctx, false).
		Model(&models.DeadLetterRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        models.DeadLetterStatusFailed,
			"error_message": errMsg,
		}).Error
}

// CountPending returns the pending backlog size.
func (r *deadLetterRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.Pool().DB(ctx, true).
		Model(&models.DeadLetterRecord{}).
		Where("status = ?", models.DeadLetterStatusPending).
		Count(&count).Error
	return count, err
}
