package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/clyro-labs/enroller/internal/db/models"
)

// BatchRepository handles database operations for batches
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new instance of BatchRepository
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create creates a new batch in the database
func (r *BatchRepository) Create(ctx context.Context, batch *models.Batch) error {
	return r.db.WithContext(ctx).Create(batch).Error
}

// GetByID retrieves a batch by ID from the database
func (r *BatchRepository) GetByID(ctx context.Context, id uint) (*models.Batch, error) {
	var batch models.Batch
	if err := r.db.WithContext(ctx).First(&batch, id).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetActive returns the batch currently pending or running, if any.
// Returns gorm.ErrRecordNotFound when no batch is active.
func (r *BatchRepository) GetActive(ctx context.Context) (*models.Batch, error) {
	var batch models.Batch
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.BatchStatus{models.BatchStatusPending, models.BatchStatusRunning}).
		Order("id desc").
		First(&batch).Error
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// UpdateStatus updates the status of a batch in the database
func (r *BatchRepository) UpdateStatus(ctx context.Context, id uint, status models.BatchStatus) error {
	return r.db.WithContext(ctx).Model(&models.Batch{}).
		Where("id = ?", id).
		Update(models.BatchStatusField, status).Error
}

// List retrieves batches with pagination, newest first
func (r *BatchRepository) List(ctx context.Context, opts *models.ListOptions) ([]models.Batch, error) {
	var batches []models.Batch
	query := r.db.WithContext(ctx).Order("id desc")
	if opts != nil {
		query = query.Limit(opts.Limit).Offset(opts.Offset)
	}
	err := query.Find(&batches).Error
	return batches, err
}
