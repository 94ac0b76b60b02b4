// Package browser defines the contract for the browser-automation
// collaborator that drives the remote signup form. The state machine
// treats it as a black box returning success or failure per stage.
package browser

import "context"

// Session identifies one live signup interaction in the automation
// sidecar.
type Session struct {
	ID string `json:"id"`
}

// Driver executes the signup form interaction.
type Driver interface {
	// OpenSignup navigates to the signup form and submits the phone
	// number. Returns ErrAlreadyRegistered (via errors.Is) when the
	// remote service reports the number as taken.
	OpenSignup(ctx context.Context, email, phone string) (*Session, error)

	// SubmitOTP types the code for the given slot. Returns
	// ErrInvalidCode when the remote service rejects it.
	SubmitOTP(ctx context.Context, session *Session, code string, slot int) error

	// Finalize completes the signup after both codes are accepted.
	Finalize(ctx context.Context, session *Session) error

	// Close tears down the session. Safe to call on a nil session and
	// after failures.
	Close(ctx context.Context, session *Session) error
}
