package repos

import (
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/clyro-labs/enroller/internal/db/models"
)

func (s *DBRepositoryTestSuite) TestReserveIsExclusive() {
	identity, err := s.identityRepo.Reserve(s.ctx, testDomain, 7, "attempt-1")
	s.Require().NoError(err)
	s.Equal(7, identity.N)
	s.Equal(models.IdentityStateReserved, identity.State)

	_, err = s.identityRepo.Reserve(s.ctx, testDomain, 7, "attempt-2")
	s.Require().ErrorIs(err, ErrIdentityTaken)

	// The same integer is free in a different domain.
	_, err = s.identityRepo.Reserve(s.ctx, "other.test", 7, "attempt-3")
	s.Require().NoError(err)
}

func (s *DBRepositoryTestSuite) TestReleaseFreesInteger() {
	_, err := s.identityRepo.Reserve(s.ctx, testDomain, 4, "attempt-1")
	s.Require().NoError(err)

	s.Require().NoError(s.identityRepo.Release(s.ctx, testDomain, 4))

	// The integer must be reservable again after release.
	_, err = s.identityRepo.Reserve(s.ctx, testDomain, 4, "attempt-2")
	s.Require().NoError(err)
}

func (s *DBRepositoryTestSuite) TestPromoteMarksUsed() {
	_, err := s.identityRepo.Reserve(s.ctx, testDomain, 2, "attempt-1")
	s.Require().NoError(err)
	s.Require().NoError(s.identityRepo.Promote(s.ctx, testDomain, 2))

	used, err := s.identityRepo.ListUsed(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Require().Len(used, 1)
	s.Equal(models.IdentityStateUsed, used[0].State)

	// Promoting an unreserved integer is an error.
	s.Error(s.identityRepo.Promote(s.ctx, testDomain, 99))
}

func (s *DBRepositoryTestSuite) TestClaimedSetIsSortedAndIncludesReserved() {
	for _, n := range []int{5, 1, 3} {
		_, err := s.identityRepo.Reserve(s.ctx, testDomain, n, "attempt")
		s.Require().NoError(err)
	}
	s.Require().NoError(s.identityRepo.Promote(s.ctx, testDomain, 1))

	claimed, err := s.identityRepo.ClaimedSet(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Equal([]int{1, 3, 5}, claimed)
}

func (s *DBRepositoryTestSuite) TestNextFreshStartsAfterHighestUsed() {
	for _, n := range []int{1, 2, 9} {
		_, err := s.identityRepo.Reserve(s.ctx, testDomain, n, "attempt")
		s.Require().NoError(err)
	}

	n, err := s.identityRepo.NextFresh(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Equal(10, n)

	n, err = s.identityRepo.NextFresh(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Equal(11, n)
}

func (s *DBRepositoryTestSuite) TestBumpCounterNeverMovesBackwards() {
	last, err := s.identityRepo.CounterLast(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Zero(last)

	n, err := s.identityRepo.NextFresh(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Require().NoError(s.identityRepo.BumpCounter(s.ctx, testDomain, 50))
	s.Require().NoError(s.identityRepo.BumpCounter(s.ctx, testDomain, 10))

	last, err = s.identityRepo.CounterLast(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Equal(50, last)

	n, err = s.identityRepo.NextFresh(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Equal(51, n)
}

func (s *DBRepositoryTestSuite) TestReuseQueueIsFIFO() {
	for _, n := range []int{8, 3, 5} {
		s.Require().NoError(s.identityRepo.EnqueueReuse(s.ctx, testDomain, n))
	}

	var popped []int
	for i := 0; i < 3; i++ {
		entry, err := s.identityRepo.PopReuse(s.ctx, testDomain)
		s.Require().NoError(err)
		popped = append(popped, entry.N)
	}
	s.Equal([]int{8, 3, 5}, popped)

	_, err := s.identityRepo.PopReuse(s.ctx, testDomain)
	s.Require().ErrorIs(err, gorm.ErrRecordNotFound)
}

func (s *DBRepositoryTestSuite) TestReplaceReuse() {
	s.Require().NoError(s.identityRepo.EnqueueReuse(s.ctx, testDomain, 1))
	s.Require().NoError(s.identityRepo.EnqueueReuse(s.ctx, testDomain, 2))

	s.Require().NoError(s.identityRepo.ReplaceReuse(s.ctx, testDomain, []int{9, 4}))

	entries, err := s.identityRepo.ListReuse(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(9, entries[0].N)
	s.Equal(4, entries[1].N)
}

func (s *DBRepositoryTestSuite) TestReclaimRecycledInteger() {
	_, err := s.identityRepo.Reserve(s.ctx, testDomain, 6, "attempt-1")
	s.Require().NoError(err)
	s.Require().NoError(s.identityRepo.Promote(s.ctx, testDomain, 6))

	// A used integer can be claimed back for a new attempt.
	identity, err := s.identityRepo.Reclaim(s.ctx, testDomain, 6, "attempt-2")
	s.Require().NoError(err)
	s.Equal(models.IdentityStateReserved, identity.State)
	s.Equal("attempt-2", identity.AttemptID)

	// A reserved integer cannot.
	_, err = s.identityRepo.Reclaim(s.ctx, testDomain, 6, "attempt-3")
	s.Require().ErrorIs(err, ErrIdentityTaken)

	// With no row at all, Reclaim degrades to a plain reservation.
	fresh, err := s.identityRepo.Reclaim(s.ctx, testDomain, 11, "attempt-4")
	s.Require().NoError(err)
	s.Equal(models.IdentityStateReserved, fresh.State)
}

func (s *DBRepositoryTestSuite) TestReclaimStale() {
	identity, err := s.identityRepo.Reserve(s.ctx, testDomain, 1, "attempt-old")
	s.Require().NoError(err)

	// Backdate the reservation so the sweep sees it as orphaned.
	err = s.db.Model(&models.Identity{}).
		Where("id = ?", identity.ID).
		Update("reserved_at", time.Now().Add(-time.Hour)).Error
	s.Require().NoError(err)

	_, err = s.identityRepo.Reserve(s.ctx, testDomain, 2, "attempt-live")
	s.Require().NoError(err)

	n, err := s.identityRepo.ReclaimStale(s.ctx, 30*time.Minute)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	// The stale integer is free again, the live one is not.
	_, err = s.identityRepo.Reserve(s.ctx, testDomain, 1, "attempt-new")
	s.NoError(err)
	_, err = s.identityRepo.Reserve(s.ctx, testDomain, 2, "attempt-new")
	s.ErrorIs(err, ErrIdentityTaken)
}

func (s *DBRepositoryTestSuite) TestConcurrentReserveHandsOutIntegerOnce() {
	const workers = 8

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Retry sqlite lock contention; only the reservation verdict
			// matters here.
			for attempt := 0; attempt < 50; attempt++ {
				_, err := s.identityRepo.Reserve(s.ctx, testDomain, 1, "attempt")
				if err == nil || errors.Is(err, ErrIdentityTaken) {
					errs[i] = err
					return
				}
				errs[i] = err
				time.Sleep(10 * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrIdentityTaken):
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, winners)
}
