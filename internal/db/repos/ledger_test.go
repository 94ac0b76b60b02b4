package repos

import (
	"github.com/clyro-labs/enroller/internal/types"
)

func (s *DBRepositoryTestSuite) TestBalanceStartsAtZero() {
	balance, err := s.ledgerRepo.Balance(s.ctx)
	s.Require().NoError(err)
	s.Zero(balance)
}

func (s *DBRepositoryTestSuite) TestCredit() {
	s.Require().NoError(s.ledgerRepo.Credit(s.ctx, 10.50))
	s.Require().NoError(s.ledgerRepo.Credit(s.ctx, 4.50))

	balance, err := s.ledgerRepo.Balance(s.ctx)
	s.Require().NoError(err)
	s.InDelta(15.0, balance, 0.001)
}

func (s *DBRepositoryTestSuite) TestSettleDebitsOnce() {
	batch := s.createTestBatch()
	s.Require().NoError(s.ledgerRepo.Credit(s.ctx, 10))

	entry, err := s.ledgerRepo.Settle(s.ctx, "attempt-1", batch.ID, 2.99)
	s.Require().NoError(err)
	s.Equal("attempt-1", entry.AttemptID)

	// Replaying the same attempt returns the original entry without a
	// second debit.
	replay, err := s.ledgerRepo.Settle(s.ctx, "attempt-1", batch.ID, 2.99)
	s.Require().ErrorIs(err, types.ErrAlreadySettled)
	s.Equal(entry.ID, replay.ID)

	balance, err := s.ledgerRepo.Balance(s.ctx)
	s.Require().NoError(err)
	s.InDelta(10-2.99, balance, 0.001)
}

func (s *DBRepositoryTestSuite) TestSettleRejectsInsufficientBalance() {
	batch := s.createTestBatch()
	s.Require().NoError(s.ledgerRepo.Credit(s.ctx, 1))

	_, err := s.ledgerRepo.Settle(s.ctx, "attempt-1", batch.ID, 2.99)
	s.Require().ErrorIs(err, types.ErrInsufficientBalance)

	// The failed settlement must leave no entry behind, so a later
	// retry can succeed.
	balance, err := s.ledgerRepo.Balance(s.ctx)
	s.Require().NoError(err)
	s.InDelta(1.0, balance, 0.001)

	s.Require().NoError(s.ledgerRepo.Credit(s.ctx, 5))
	_, err = s.ledgerRepo.Settle(s.ctx, "attempt-1", batch.ID, 2.99)
	s.NoError(err)
}

func (s *DBRepositoryTestSuite) TestListEntries() {
	batch := s.createTestBatch()
	s.Require().NoError(s.ledgerRepo.Credit(s.ctx, 100))

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.ledgerRepo.Settle(s.ctx, id, batch.ID, 2.99)
		s.Require().NoError(err)
	}

	entries, err := s.ledgerRepo.ListEntries(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.Equal("a", entries[0].AttemptID)
}
