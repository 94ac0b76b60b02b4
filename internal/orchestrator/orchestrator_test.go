package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clyro-labs/enroller/internal/allocator"
	"github.com/clyro-labs/enroller/internal/browser"
	"github.com/clyro-labs/enroller/internal/creation"
	"github.com/clyro-labs/enroller/internal/db/models"
	"github.com/clyro-labs/enroller/internal/db/repos"
	"github.com/clyro-labs/enroller/internal/ledger"
	"github.com/clyro-labs/enroller/internal/provider"
	"github.com/clyro-labs/enroller/internal/reporting"
	"github.com/clyro-labs/enroller/internal/types"
)

const (
	testDomain = "enroll.test"
	testFee    = 2.99
)

// scriptedProvider drives attempts to scripted outcomes while tracking
// how many are inside the provider at once.
type scriptedProvider struct {
	mu       sync.Mutex
	rentFn   func(call int) (*provider.Channel, error)
	blockOTP bool

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (p *scriptedProvider) Rent(context.Context) (*provider.Channel, error) {
	call := int(p.calls.Add(1))
	if p.rentFn != nil {
		return p.rentFn(call)
	}
	return &provider.Channel{Handle: "h", Phone: "9876543210"}, nil
}

func (p *scriptedProvider) PollOTP(ctx context.Context, _ string, slot int, _ provider.PollOptions) (string, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		max := p.maxInFlight.Load()
		if cur <= max || p.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if p.blockOTP {
		<-ctx.Done()
		return "", ctx.Err()
	}

	// Simulated network wait keeps several attempts in flight at once.
	time.Sleep(10 * time.Millisecond)
	if slot == provider.SlotFirst {
		return "1111", nil
	}
	return "2222", nil
}

func (p *scriptedProvider) Release(context.Context, string) error { return nil }

func (p *scriptedProvider) Balance(context.Context) (float64, error) { return 0, nil }

func (p *scriptedProvider) Price(context.Context) (float64, error) { return 0, nil }

type okDriver struct{}

func (okDriver) OpenSignup(_ context.Context, _, _ string) (*browser.Session, error) {
	return &browser.Session{ID: "s"}, nil
}
func (okDriver) SubmitOTP(context.Context, *browser.Session, string, int) error { return nil }
func (okDriver) Finalize(context.Context, *browser.Session) error               { return nil }
func (okDriver) Close(context.Context, *browser.Session) error                  { return nil }

type OrchestratorTestSuite struct {
	suite.Suite
	db         *gorm.DB
	ctx        context.Context
	identities *repos.IdentityRepository
	attempts   *repos.AttemptRepository
	batches    *repos.BatchRepository
	outcomes   *repos.OutcomeRepository
	ledgerRepo *repos.LedgerRepository
	agg        *reporting.Aggregator
	prov       *scriptedProvider
}

func (s *OrchestratorTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_busy_timeout=5000"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err, "Failed to create in-memory database")

	// One connection serializes concurrent workers against sqlite.
	sqlDB, err := db.DB()
	require.NoError(s.T(), err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Identity{},
		&models.ReuseEntry{},
		&models.DomainCounter{},
		&models.Batch{},
		&models.Attempt{},
		&models.Balance{},
		&models.LedgerEntry{},
		&models.Outcome{},
	)
	require.NoError(s.T(), err, "Failed to run database migrations")

	s.db = db
	s.ctx = context.Background()
	s.identities = repos.NewIdentityRepository(db)
	s.attempts = repos.NewAttemptRepository(db)
	s.batches = repos.NewBatchRepository(db)
	s.outcomes = repos.NewOutcomeRepository(db)
	s.ledgerRepo = repos.NewLedgerRepository(db)
	s.agg = reporting.NewAggregator(s.outcomes, s.attempts, s.identities, "fk")
	s.prov = &scriptedProvider{}

	require.NoError(s.T(), s.ledgerRepo.Credit(s.ctx, 1000))
}

func (s *OrchestratorTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func (s *OrchestratorTestSuite) newOrchestrator(systemMax int) *Orchestrator {
	alloc := allocator.New(s.identities, "fk")
	ledgerSvc := ledger.NewService(s.ledgerRepo, testFee)
	runner := creation.NewRunner(s.attempts, alloc, s.prov, okDriver{}, ledgerSvc, s.agg, creation.Options{
		Domain:     testDomain,
		OtpTimeout: 500 * time.Millisecond,
	})
	return New(s.batches, s.attempts, runner, Options{
		SystemMaxParallel: systemMax,
		LaunchStagger:     time.Millisecond,
		StopGrace:         50 * time.Millisecond,
		ReplacementFactor: 1,
	})
}

func (s *OrchestratorTestSuite) markUsed(ns ...int) {
	for _, n := range ns {
		_, err := s.identities.Reserve(s.ctx, testDomain, n, "seed")
		s.Require().NoError(err)
		s.Require().NoError(s.identities.Promote(s.ctx, testDomain, n))
	}
}

func (s *OrchestratorTestSuite) waitDone(orch *Orchestrator) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	s.Require().NoError(orch.Wait(ctx))
}

func (s *OrchestratorTestSuite) TestBatchCompletesAndAllocatesInOrder() {
	s.markUsed(1, 2)
	orch := s.newOrchestrator(8)

	batch := &models.Batch{Domain: testDomain, TotalAccounts: 3, MaxParallel: 2}
	s.Require().NoError(orch.Start(s.ctx, batch))
	s.waitDone(orch)

	status, err := orch.Status(s.ctx)
	s.Require().NoError(err)
	s.False(status.Running)
	s.Equal(3, status.Succeeded)
	s.Equal(3, status.Total)
	s.Zero(status.Live)

	// With 1 and 2 consumed beforehand, the new accounts take 3, 4, 5.
	claimed, err := s.identities.ClaimedSet(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Equal([]int{1, 2, 3, 4, 5}, claimed)

	stored, err := s.batches.GetByID(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.Equal(models.BatchStatusCompleted, stored.Status)

	summary, err := s.agg.Summarize(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.Equal(3, summary.Success)
	s.Equal(3, summary.Total)
}

func (s *OrchestratorTestSuite) TestParallelismCeiling() {
	orch := s.newOrchestrator(2)

	batch := &models.Batch{Domain: testDomain, TotalAccounts: 6, MaxParallel: 5}
	s.Require().NoError(orch.Start(s.ctx, batch))
	s.waitDone(orch)

	status, err := orch.Status(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, status.Parallelism)
	s.Equal(6, status.Succeeded)
	s.LessOrEqual(s.prov.maxInFlight.Load(), int64(2))
}

func (s *OrchestratorTestSuite) TestRetryFailedReplacesFailures() {
	s.prov.rentFn = func(call int) (*provider.Channel, error) {
		if call == 1 {
			return nil, types.ErrNoChannels
		}
		return &provider.Channel{Handle: "h", Phone: "9876543210"}, nil
	}
	orch := s.newOrchestrator(8)

	batch := &models.Batch{Domain: testDomain, TotalAccounts: 2, MaxParallel: 1, RetryFailed: true}
	s.Require().NoError(orch.Start(s.ctx, batch))
	s.waitDone(orch)

	status, err := orch.Status(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, status.Succeeded)
	s.Equal(1, status.Failed)
	// Conservation: every launched attempt is accounted for.
	s.Equal(status.Total, status.Succeeded+status.Failed+status.Cancelled)
	s.Equal(3, status.Total)
}

func (s *OrchestratorTestSuite) TestOnlyOneActiveBatch() {
	s.prov.blockOTP = true
	orch := s.newOrchestrator(8)

	s.Require().NoError(orch.Start(s.ctx, &models.Batch{
		Domain: testDomain, TotalAccounts: 1, MaxParallel: 1,
	}))
	err := orch.Start(s.ctx, &models.Batch{
		Domain: testDomain, TotalAccounts: 1, MaxParallel: 1,
	})
	s.Require().ErrorIs(err, types.ErrBatchActive)

	s.Require().NoError(orch.Stop(s.ctx))
	s.waitDone(orch)
}

func (s *OrchestratorTestSuite) TestStopCancelsLiveAttempts() {
	s.prov.blockOTP = true
	orch := s.newOrchestrator(8)

	batch := &models.Batch{Domain: testDomain, TotalAccounts: 4, MaxParallel: 2}
	s.Require().NoError(orch.Start(s.ctx, batch))

	// Wait until attempts are actually live.
	s.Require().Eventually(func() bool {
		status, err := orch.Status(s.ctx)
		return err == nil && status.Live > 0
	}, 5*time.Second, 5*time.Millisecond)

	s.Require().NoError(orch.Stop(s.ctx))
	s.waitDone(orch)

	status, err := orch.Status(s.ctx)
	s.Require().NoError(err)
	s.False(status.Running)
	s.Zero(status.Live)
	s.Positive(status.Cancelled)
	s.Equal(status.Total, status.Succeeded+status.Failed+status.Cancelled)

	stored, err := s.batches.GetByID(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.Equal(models.BatchStatusStopped, stored.Status)

	_, err = orch.Active(s.ctx)
	s.ErrorIs(err, types.ErrNoActiveBatch)
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}
