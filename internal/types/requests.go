package types

import "fmt"

// RunRequest starts a new batch.
type RunRequest struct {
	TotalAccounts int  `json:"total_accounts"`
	MaxParallel   int  `json:"max_parallel"`
	ReuseOnly     bool `json:"reuse_only"`
	RetryFailed   bool `json:"retry_failed"`
}

// Validate ensures the run request is well formed.
func (r *RunRequest) Validate() error {
	if r.TotalAccounts < 1 {
		return fmt.Errorf("total_accounts must be at least 1")
	}
	if r.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1")
	}
	return nil
}

// RunResponse acknowledges a started batch.
type RunResponse struct {
	BatchID uint `json:"batch_id"`
}

// ShortfallResponse reports the amount missing from the balance for the
// requested batch size.
type ShortfallResponse struct {
	Required  float64 `json:"required"`
	Balance   float64 `json:"balance"`
	Shortfall float64 `json:"shortfall"`
}

// StatusResponse is the live view of the active batch.
type StatusResponse struct {
	Running     bool           `json:"running"`
	BatchID     uint           `json:"batch_id,omitempty"`
	Parallelism int            `json:"parallelism,omitempty"`
	Live        int            `json:"live"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Cancelled   int            `json:"cancelled"`
	Total       int            `json:"total,omitempty"`
	Stages      map[string]int `json:"stages,omitempty"`
}

// SummaryResponse is the durable summary of a batch.
type SummaryResponse struct {
	BatchID   uint `json:"batch_id"`
	Success   int  `json:"success"`
	Failed    int  `json:"failed"`
	Cancelled int  `json:"cancelled"`
	Total     int  `json:"total"`
}

// BalanceResponse reports the ledger balance and derived capacity.
type BalanceResponse struct {
	Balance  float64 `json:"balance"`
	Fee      float64 `json:"fee"`
	Capacity int     `json:"capacity"`
}

// CreditRequest tops up the balance.
type CreditRequest struct {
	Amount float64 `json:"amount"`
	Note   string  `json:"note,omitempty"`
}

// ReuseQueueUpdateRequest replaces the reuse queue with the given
// newline-separated list of identities.
type ReuseQueueUpdateRequest struct {
	Body string `json:"body"`
}
