package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/clyro-labs/enroller/internal/db"
	"github.com/clyro-labs/enroller/internal/db/models"
	"github.com/clyro-labs/enroller/internal/types"
)

// LedgerRepository handles database operations for the balance and the
// settlement ledger. It is the only writer of the balance row; the debit
// is a conditional UPDATE so concurrent settlements can never interleave
// a read-modify-write.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new instance of LedgerRepository
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Balance returns the current balance, creating the row on first use.
func (r *LedgerRepository) Balance(ctx context.Context) (float64, error) {
	var balance models.Balance
	err := r.db.WithContext(ctx).First(&balance, models.BalanceRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = models.Balance{ID: models.BalanceRowID, Amount: 0}
		if err := r.db.WithContext(ctx).Create(&balance).Error; err != nil && !db.IsDuplicateKeyError(err) {
			return 0, err
		}
		return balance.Amount, nil
	}
	if err != nil {
		return 0, err
	}
	return balance.Amount, nil
}

// Credit atomically adds amount to the balance.
func (r *LedgerRepository) Credit(ctx context.Context, amount float64) error {
	if _, err := r.Balance(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.Balance{}).
		Where("id = ?", models.BalanceRowID).
		Update("amount", gorm.Expr("amount + ?", amount)).Error
}

// Settle debits the fee for an attempt exactly once. A second call for
// the same attempt returns the original entry and ErrAlreadySettled
// without touching the balance. A balance that cannot cover the fee
// aborts the transaction with ErrInsufficientBalance.
func (r *LedgerRepository) Settle(ctx context.Context, attemptID string, batchID uint, fee float64) (*models.LedgerEntry, error) {
	if _, err := r.Balance(ctx); err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		AttemptID: attemptID,
		BatchID:   batchID,
		Fee:       fee,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Balance{}).
			Where("id = ? AND amount >= ?", models.BalanceRowID, fee).
			Update("amount", gorm.Expr("amount - ?", fee))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.ErrInsufficientBalance
		}
		return nil
	})
	if err == nil {
		return entry, nil
	}
	if db.IsDuplicateKeyError(err) {
		var existing models.LedgerEntry
		if ferr := r.db.WithContext(ctx).Where("attempt_id = ?", attemptID).First(&existing).Error; ferr != nil {
			return nil, ferr
		}
		return &existing, types.ErrAlreadySettled
	}
	return nil, err
}

// ListEntries returns ledger entries for a batch, oldest first.
func (r *LedgerRepository) ListEntries(ctx context.Context, batchID uint) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id asc").
		Find(&entries).Error
	return entries, err
}
