package repos

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/clyro-labs/enroller/internal/db/models"
)

// AttemptRepository handles database operations for attempts
type AttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository creates a new instance of AttemptRepository
func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Create creates a new attempt in the database
func (r *AttemptRepository) Create(ctx context.Context, attempt *models.Attempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

// GetByUUID retrieves an attempt by its UUID
func (r *AttemptRepository) GetByUUID(ctx context.Context, uuid string) (*models.Attempt, error) {
	var attempt models.Attempt
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

// Update persists the attempt's current state
func (r *AttemptRepository) Update(ctx context.Context, attempt *models.Attempt) error {
	if attempt.ID == 0 {
		return fmt.Errorf("attempt has no database id")
	}
	return r.db.WithContext(ctx).Save(attempt).Error
}

// UpdateStage updates only the stage of an attempt
func (r *AttemptRepository) UpdateStage(ctx context.Context, uuid string, stage models.Stage) error {
	return r.db.WithContext(ctx).Model(&models.Attempt{}).
		Where("uuid = ?", uuid).
		Update(models.AttemptStageField, stage).Error
}

// ListByBatch retrieves all attempts for a batch
func (r *AttemptRepository) ListByBatch(ctx context.Context, batchID uint) ([]models.Attempt, error) {
	var attempts []models.Attempt
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id asc").
		Find(&attempts).Error
	return attempts, err
}

// CountByStage returns the number of attempts per stage for a batch.
// Backs the status endpoint, so it must stay a cheap aggregate read.
func (r *AttemptRepository) CountByStage(ctx context.Context, batchID uint) (map[models.Stage]int, error) {
	type row struct {
		Stage models.Stage
		Count int
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Attempt{}).
		Select("stage, COUNT(*) as count").
		Where("batch_id = ?", batchID).
		Group("stage").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.Stage]int, len(rows))
	for _, r := range rows {
		counts[r.Stage] = r.Count
	}
	return counts, nil
}

// ListFailedChannels returns the phone numbers of failed attempts that
// had acquired a channel. Feeds the failed-channel report artifact.
func (r *AttemptRepository) ListFailedChannels(ctx context.Context, batchID uint) ([]models.Attempt, error) {
	var attempts []models.Attempt
	query := r.db.WithContext(ctx).
		Where("stage = ? AND channel_handle <> ''", models.StageFailed)
	if batchID != 0 {
		query = query.Where("batch_id = ?", batchID)
	}
	err := query.Order("id asc").Find(&attempts).Error
	return attempts, err
}
