// Package types defines the shared API types and the error taxonomy of
// the account-creation pipeline.
package types

import "errors"

// Error taxonomy. Stage-local errors from collaborators are converted to
// exactly one of these before they cross a component boundary.
var (
	// ErrResourceExhausted indicates no identity can be allocated under
	// the batch's policy. Batch-level; never retried within an attempt.
	ErrResourceExhausted = errors.New("identity namespace exhausted")

	// ErrNoChannels indicates the provider has no numbers available right
	// now. Distinct from transient provider errors.
	ErrNoChannels = errors.New("no channels currently available")

	// ErrAlreadyRegistered indicates the remote service already knows the
	// rented number.
	ErrAlreadyRegistered = errors.New("number already registered")

	// ErrInvalidCode indicates the remote service rejected a submitted OTP.
	ErrInvalidCode = errors.New("one-time code rejected")

	// ErrStageTimeout indicates a bounded wait expired.
	ErrStageTimeout = errors.New("stage timed out")

	// ErrTransientStore indicates the reservation store or ledger was
	// unavailable. Callers retry with backoff; never treated as exhaustion.
	ErrTransientStore = errors.New("store temporarily unavailable")

	// ErrProviderFatal indicates a non-retryable provider failure such as
	// a bad key or banned account.
	ErrProviderFatal = errors.New("fatal provider error")

	// ErrAlreadySettled indicates a replayed settlement for an attempt
	// that was already debited.
	ErrAlreadySettled = errors.New("attempt already settled")

	// ErrInsufficientBalance indicates the balance cannot cover the fee.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBatchActive indicates a batch is already running.
	ErrBatchActive = errors.New("a batch is already running")

	// ErrNoActiveBatch indicates there is no batch to stop.
	ErrNoActiveBatch = errors.New("no active batch")
)
