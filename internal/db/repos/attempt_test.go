package repos

import (
	"github.com/clyro-labs/enroller/internal/db/models"
)

func (s *DBRepositoryTestSuite) createTestAttempt(batchID uint, uuid string, stage models.Stage) *models.Attempt {
	attempt := &models.Attempt{
		BatchID: batchID,
		UUID:    uuid,
		Stage:   stage,
		Domain:  testDomain,
	}
	s.Require().NoError(s.attemptRepo.Create(s.ctx, attempt))
	return attempt
}

func (s *DBRepositoryTestSuite) TestAttemptLifecycle() {
	batch := s.createTestBatch()
	attempt := s.createTestAttempt(batch.ID, "uuid-1", "")

	// BeforeCreate defaults the stage.
	s.Equal(models.StageStart, attempt.Stage)

	s.Require().NoError(s.attemptRepo.UpdateStage(s.ctx, "uuid-1", models.StageChannelAcquired))

	got, err := s.attemptRepo.GetByUUID(s.ctx, "uuid-1")
	s.Require().NoError(err)
	s.Equal(models.StageChannelAcquired, got.Stage)

	got.Phone = "9998887777"
	got.Stage = models.StageFailed
	got.Reason = models.ReasonOtp1Timeout
	s.Require().NoError(s.attemptRepo.Update(s.ctx, got))

	counts, err := s.attemptRepo.CountByStage(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.Equal(1, counts[models.StageFailed])
}

func (s *DBRepositoryTestSuite) TestCountByStage() {
	batch := s.createTestBatch()
	s.createTestAttempt(batch.ID, "a", models.StageSettled)
	s.createTestAttempt(batch.ID, "b", models.StageSettled)
	s.createTestAttempt(batch.ID, "c", models.StageFailed)
	s.createTestAttempt(batch.ID, "d", models.StageAwaitingFirstOtp)

	counts, err := s.attemptRepo.CountByStage(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.Equal(2, counts[models.StageSettled])
	s.Equal(1, counts[models.StageFailed])
	s.Equal(1, counts[models.StageAwaitingFirstOtp])
}

func (s *DBRepositoryTestSuite) TestListFailedChannels() {
	batch := s.createTestBatch()

	withChannel := s.createTestAttempt(batch.ID, "a", models.StageFailed)
	withChannel.ChannelHandle = "h-1"
	withChannel.Phone = "1112223333"
	s.Require().NoError(s.attemptRepo.Update(s.ctx, withChannel))

	// Failed before renting a channel; must not appear.
	s.createTestAttempt(batch.ID, "b", models.StageFailed)
	// Succeeded with a channel; must not appear either.
	ok := s.createTestAttempt(batch.ID, "c", models.StageSettled)
	ok.ChannelHandle = "h-2"
	s.Require().NoError(s.attemptRepo.Update(s.ctx, ok))

	failed, err := s.attemptRepo.ListFailedChannels(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal("1112223333", failed[0].Phone)
}

func (s *DBRepositoryTestSuite) TestBatchActive() {
	_, err := s.batchRepo.GetActive(s.ctx)
	s.Require().Error(err)

	batch := s.createTestBatch()

	active, err := s.batchRepo.GetActive(s.ctx)
	s.Require().NoError(err)
	s.Equal(batch.ID, active.ID)

	s.Require().NoError(s.batchRepo.UpdateStatus(s.ctx, batch.ID, models.BatchStatusCompleted))
	_, err = s.batchRepo.GetActive(s.ctx)
	s.Error(err)
}

func (s *DBRepositoryTestSuite) TestOutcomeCountByResult() {
	batch := s.createTestBatch()

	for i, result := range []models.OutcomeResult{
		models.OutcomeSuccess, models.OutcomeSuccess,
		models.OutcomeFailed, models.OutcomeCancelled,
	} {
		s.Require().NoError(s.outcomeRepo.Append(s.ctx, &models.Outcome{
			BatchID:   batch.ID,
			AttemptID: string(rune('a' + i)),
			Result:    result,
		}))
	}

	counts, err := s.outcomeRepo.CountByResult(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.Equal(2, counts[models.OutcomeSuccess])
	s.Equal(1, counts[models.OutcomeFailed])
	s.Equal(1, counts[models.OutcomeCancelled])
}
