package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Field names for batch model
const (
	// BatchStatusField is the field name for batch status
	BatchStatusField = "status"
)

// BatchStatus represents the current state of a batch
type BatchStatus string

// Batch status constants
const (
	// BatchStatusUnknown represents an unknown or invalid batch status
	BatchStatusUnknown BatchStatus = "unknown"
	// BatchStatusPending indicates the batch has been accepted but no
	// attempt has been launched yet
	BatchStatusPending BatchStatus = "pending"
	// BatchStatusRunning indicates at least one attempt is unresolved
	BatchStatusRunning BatchStatus = "running"
	// BatchStatusCompleted indicates every attempt reached a terminal state
	BatchStatusCompleted BatchStatus = "completed"
	// BatchStatusStopped indicates the batch was cancelled by the operator
	BatchStatusStopped BatchStatus = "stopped"
)

// String returns the string representation of the batch status
func (s BatchStatus) String() string {
	return string(s)
}

// ParseBatchStatus converts a string to a BatchStatus type
func ParseBatchStatus(str string) (BatchStatus, error) {
	switch str {
	case string(BatchStatusPending):
		return BatchStatusPending, nil
	case string(BatchStatusRunning):
		return BatchStatusRunning, nil
	case string(BatchStatusCompleted):
		return BatchStatusCompleted, nil
	case string(BatchStatusStopped):
		return BatchStatusStopped, nil
	default:
		return BatchStatusUnknown, fmt.Errorf("invalid batch status: %s", str)
	}
}

// Batch is one user-requested unit of work: a group of account-creation
// attempts sharing parallelism and retry policy.
type Batch struct {
	gorm.Model
	Domain        string      `json:"domain" gorm:"not null;index"`
	TotalAccounts int         `json:"total_accounts" gorm:"not null"`
	MaxParallel   int         `json:"max_parallel" gorm:"not null"`
	ReuseOnly     bool        `json:"reuse_only" gorm:"not null;default:false"`
	RetryFailed   bool        `json:"retry_failed" gorm:"not null;default:false"`
	Status        BatchStatus `json:"status" gorm:"not null;index"`
}

// Validate ensures the batch data is valid
func (b *Batch) Validate() error {
	if b.TotalAccounts < 1 {
		return fmt.Errorf("total accounts must be at least 1")
	}
	if b.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1")
	}
	if b.Domain == "" {
		return fmt.Errorf("batch domain cannot be empty")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new batch
func (b *Batch) BeforeCreate(_ *gorm.DB) error {
	if b.Status == "" {
		b.Status = BatchStatusPending
	}
	return b.Validate()
}
