package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/clyro-labs/enroller/internal/db/models"
)

// OutcomeRepository handles the append-only terminal-outcome log
type OutcomeRepository struct {
	db *gorm.DB
}

// NewOutcomeRepository creates a new instance of OutcomeRepository
func NewOutcomeRepository(db *gorm.DB) *OutcomeRepository {
	return &OutcomeRepository{db: db}
}

// Append adds a terminal outcome to the log. Outcomes are never updated
// or deleted.
func (r *OutcomeRepository) Append(ctx context.Context, outcome *models.Outcome) error {
	return r.db.WithContext(ctx).Create(outcome).Error
}

// ListByBatch returns all outcomes for a batch in append order
func (r *OutcomeRepository) ListByBatch(ctx context.Context, batchID uint) ([]models.Outcome, error) {
	var outcomes []models.Outcome
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id asc").
		Find(&outcomes).Error
	return outcomes, err
}

// CountByResult returns the number of outcomes per result for a batch,
// computed entirely from the durable log.
func (r *OutcomeRepository) CountByResult(ctx context.Context, batchID uint) (map[models.OutcomeResult]int, error) {
	type row struct {
		Result models.OutcomeResult
		Count  int
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Outcome{}).
		Select("result, COUNT(*) as count").
		Where("batch_id = ?", batchID).
		Group("result").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.OutcomeResult]int, len(rows))
	for _, r := range rows {
		counts[r.Result] = r.Count
	}
	return counts, nil
}
