package models

import (
	"fmt"

	"gorm.io/gorm"
)

// BalanceRowID is the primary key of the single balance row.
const BalanceRowID = 1

// Balance is the shared prepaid balance that settlements debit.
// There is exactly one row; all mutation goes through LedgerRepository.
type Balance struct {
	ID     uint    `json:"id" gorm:"primarykey"`
	Amount float64 `json:"amount" gorm:"not null"`
}

// LedgerEntry records one settled fee. The unique index on attempt_id
// is the idempotency key: a replayed settlement cannot insert a second
// row, so it cannot debit the balance a second time.
type LedgerEntry struct {
	gorm.Model
	AttemptID string  `json:"attempt_id" gorm:"not null;uniqueIndex"`
	BatchID   uint    `json:"batch_id" gorm:"not null;index"`
	Fee       float64 `json:"fee" gorm:"not null"`
}

// Validate ensures the ledger entry data is valid
func (e *LedgerEntry) Validate() error {
	if e.AttemptID == "" {
		return fmt.Errorf("ledger entry attempt id cannot be empty")
	}
	if e.Fee < 0 {
		return fmt.Errorf("ledger entry fee cannot be negative")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a ledger entry
func (e *LedgerEntry) BeforeCreate(_ *gorm.DB) error {
	return e.Validate()
}
