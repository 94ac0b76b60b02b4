package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Field names for attempt model
const (
	// AttemptStageField is the field name for attempt stage
	AttemptStageField = "stage"
)

// Stage represents the current stage of an account-creation attempt.
type Stage string

// Attempt stage constants, in execution order. Settled, Failed and
// Cancelled are terminal.
const (
	StageStart             Stage = "start"
	StageIdentityAcquired  Stage = "identity_acquired"
	StageChannelAcquired   Stage = "channel_acquired"
	StageSignupSubmitted   Stage = "signup_submitted"
	StageAwaitingFirstOtp  Stage = "awaiting_first_otp"
	StageFirstOtpVerified  Stage = "first_otp_verified"
	StageAwaitingSecondOtp Stage = "awaiting_second_otp"
	StageSettled           Stage = "settled"
	StageFailed            Stage = "failed"
	StageCancelled         Stage = "cancelled"
)

// Terminal reports whether the stage is a terminal state.
func (s Stage) Terminal() bool {
	return s == StageSettled || s == StageFailed || s == StageCancelled
}

// FailureReason classifies a terminal failure.
type FailureReason string

// Failure reasons, one per failure class of the creation flow.
const (
	ReasonNone              FailureReason = ""
	ReasonNoIdentity        FailureReason = "no_identity"
	ReasonNoChannel         FailureReason = "no_channel"
	ReasonSignupError       FailureReason = "signup_error"
	ReasonOtp1Timeout       FailureReason = "otp1_timeout"
	ReasonOtp1Invalid       FailureReason = "otp1_invalid"
	ReasonAlreadyRegistered FailureReason = "already_registered"
	ReasonOtp2Timeout       FailureReason = "otp2_timeout"
	ReasonOtp2Invalid       FailureReason = "otp2_invalid"
	ReasonSettleError       FailureReason = "settle_error"
)

// Attempt is one end-to-end execution of the account-creation state
// machine. The row is updated as the attempt advances so that status
// endpoints can report per-stage counts.
type Attempt struct {
	gorm.Model
	BatchID       uint          `json:"batch_id" gorm:"not null;index"`
	UUID          string        `json:"uuid" gorm:"not null;uniqueIndex"`
	Stage         Stage         `json:"stage" gorm:"not null;index"`
	Domain        string        `json:"domain"`
	IdentityN     int           `json:"identity_n"`
	ChannelHandle string        `json:"channel_handle,omitempty"`
	Phone         string        `json:"phone,omitempty"`
	Reason        FailureReason `json:"reason,omitempty"`
	Error         string        `json:"error,omitempty" gorm:"type:text"`
}

// Validate ensures the attempt data is valid
func (a *Attempt) Validate() error {
	if a.UUID == "" {
		return fmt.Errorf("attempt uuid cannot be empty")
	}
	if a.BatchID == 0 {
		return fmt.Errorf("attempt batch id cannot be zero")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new attempt
func (a *Attempt) BeforeCreate(_ *gorm.DB) error {
	if a.Stage == "" {
		a.Stage = StageStart
	}
	return a.Validate()
}
