package models

import (
	"fmt"

	"gorm.io/gorm"
)

// OutcomeResult is the terminal classification of an attempt.
type OutcomeResult string

// Outcome result constants
const (
	// OutcomeSuccess indicates the attempt reached Settled
	OutcomeSuccess OutcomeResult = "success"
	// OutcomeFailed indicates the attempt reached Failed(reason)
	OutcomeFailed OutcomeResult = "failed"
	// OutcomeCancelled indicates the attempt was cancelled by the operator
	OutcomeCancelled OutcomeResult = "cancelled"
)

// Outcome is one row of the append-only terminal-outcome log. Batch
// summaries are computed from this table, never from in-memory state,
// so a restart mid-batch still yields a correct summary.
type Outcome struct {
	gorm.Model
	BatchID   uint          `json:"batch_id" gorm:"not null;index"`
	AttemptID string        `json:"attempt_id" gorm:"not null;index"`
	Result    OutcomeResult `json:"result" gorm:"not null;index"`
	Reason    FailureReason `json:"reason,omitempty"`
	Email     string        `json:"email,omitempty"`
	Phone     string        `json:"phone,omitempty"`
}

// Validate ensures the outcome data is valid
func (o *Outcome) Validate() error {
	if o.AttemptID == "" {
		return fmt.Errorf("outcome attempt id cannot be empty")
	}
	switch o.Result {
	case OutcomeSuccess, OutcomeFailed, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("invalid outcome result: %s", o.Result)
	}
}

// BeforeCreate is a GORM hook that runs before creating an outcome
func (o *Outcome) BeforeCreate(_ *gorm.DB) error {
	return o.Validate()
}
