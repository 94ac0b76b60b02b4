// Package provider adapts the SMS channel provider: renting phone
// numbers and polling them for one-time codes.
package provider

import (
	"context"
	"errors"
)

// OTP slots. The second code is requested explicitly and must differ
// from the first.
const (
	SlotFirst  = 1
	SlotSecond = 2
)

// ErrChannelCancelled indicates the provider cancelled the number while
// an attempt was still waiting on it.
var ErrChannelCancelled = errors.New("channel cancelled by provider")

// Channel is a rented phone number. The handle is opaque to everything
// but the provider.
type Channel struct {
	Handle string `json:"handle"`
	Phone  string `json:"phone"`
}

// PollOptions bounds an OTP poll.
type PollOptions struct {
	// Previous is the code from the earlier slot; a second-slot poll
	// keeps waiting until the provider returns something different.
	Previous string
}

// Provider is the channel provider contract. Implementations must
// distinguish "no channels currently available" (ErrNoChannels) from
// transient transport errors, and honor context cancellation inside
// every wait.
type Provider interface {
	// Rent requests a fresh number.
	Rent(ctx context.Context) (*Channel, error)

	// PollOTP waits for the code in the given slot, polling until the
	// context is cancelled or its deadline expires.
	PollOTP(ctx context.Context, handle string, slot int, opts PollOptions) (string, error)

	// Release cancels the number. Safe to call more than once.
	Release(ctx context.Context, handle string) error

	// Balance returns the provider account balance.
	Balance(ctx context.Context) (float64, error)

	// Price returns the per-number price for the configured service.
	Price(ctx context.Context) (float64, error)
}
