// Package ledger provides exactly-once settlement of per-account fees
// against the shared prepaid balance.
package ledger

import (
	"context"
	"errors"
	"math"

	"github.com/clyro-labs/enroller/internal/db/models"
	"github.com/clyro-labs/enroller/internal/db/repos"
	"github.com/clyro-labs/enroller/internal/logger"
	"github.com/clyro-labs/enroller/internal/types"
)

// Service handles settlement and balance reads. All balance mutation
// funnels through the repository's atomic operations; nothing else may
// write the balance.
type Service struct {
	repo *repos.LedgerRepository
	fee  float64
}

// NewService creates a new ledger service charging the given fee per
// successful account.
func NewService(repo *repos.LedgerRepository, fee float64) *Service {
	return &Service{repo: repo, fee: fee}
}

// Fee returns the per-account fee.
func (s *Service) Fee() float64 {
	return s.fee
}

// Balance returns the current balance.
func (s *Service) Balance(ctx context.Context) (float64, error) {
	return s.repo.Balance(ctx)
}

// Capacity returns how many accounts the balance can cover.
func (s *Service) Capacity(ctx context.Context) (int, error) {
	balance, err := s.repo.Balance(ctx)
	if err != nil {
		return 0, err
	}
	return int(math.Floor(balance / s.fee)), nil
}

// Shortfall returns how much money is missing to create count accounts.
// Zero means the balance suffices.
func (s *Service) Shortfall(ctx context.Context, count int) (required, balance, shortfall float64, err error) {
	balance, err = s.repo.Balance(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	required = float64(count) * s.fee
	if required > balance {
		shortfall = required - balance
	}
	return required, balance, shortfall, nil
}

// Settle debits the fee for the attempt exactly once. Replays return
// the original entry with a nil error: the success path of the state
// machine may be re-entered after a crash of the reporting step, and
// that must not double-charge or fail the attempt.
func (s *Service) Settle(ctx context.Context, attemptID string, batchID uint) (*models.LedgerEntry, error) {
	entry, err := s.repo.Settle(ctx, attemptID, batchID, s.fee)
	if errors.Is(err, types.ErrAlreadySettled) {
		logger.WarnWithFields("settlement replayed", map[string]interface{}{
			"attempt_id": attemptID,
		})
		return entry, nil
	}
	if err != nil {
		return nil, err
	}
	logger.InfoWithFields("settled attempt", map[string]interface{}{
		"attempt_id": attemptID,
		"fee":        s.fee,
	})
	return entry, nil
}

// Credit tops up the balance.
func (s *Service) Credit(ctx context.Context, amount float64, note string) error {
	if amount <= 0 {
		return errors.New("credit amount must be positive")
	}
	if err := s.repo.Credit(ctx, amount); err != nil {
		return err
	}
	logger.InfoWithFields("credited balance", map[string]interface{}{
		"amount": amount,
		"note":   note,
	})
	return nil
}
