package creation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clyro-labs/enroller/internal/allocator"
	"github.com/clyro-labs/enroller/internal/browser"
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

// fakeProvider scripts the channel provider.
type fakeProvider struct {
	mu       sync.Mutex
	rentFn   func(ctx context.Context) (*provider.Channel, error)
	pollFn   func(ctx context.Context, handle string, slot int, opts provider.PollOptions) (string, error)
	released []string
}

func (f *fakeProvider) Rent(ctx context.Context) (*provider.Channel, error) {
	if f.rentFn != nil {
		return f.rentFn(ctx)
	}
	return &provider.Channel{Handle: "h-1", Phone: "9876543210"}, nil
}

func (f *fakeProvider) PollOTP(ctx context.Context, handle string, slot int, opts provider.PollOptions) (string, error) {
	if f.pollFn != nil {
		return f.pollFn(ctx, handle, slot, opts)
	}
	if slot == provider.SlotFirst {
		return "1111", nil
	}
	return "2222", nil
}

func (f *fakeProvider) Release(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, handle)
	return nil
}

func (f *fakeProvider) Balance(context.Context) (float64, error) { return 0, nil }
func (f *fakeProvider) Price(context.Context) (float64, error)   { return 0, nil }

func (f *fakeProvider) releasedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// fakeDriver scripts the browser automation sidecar.
type fakeDriver struct {
	mu       sync.Mutex
	openFn   func(ctx context.Context, email, phone string) (*browser.Session, error)
	submitFn func(ctx context.Context, code string, slot int) error
	closed   int
}

func (f *fakeDriver) OpenSignup(ctx context.Context, email, phone string) (*browser.Session, error) {
	if f.openFn != nil {
		return f.openFn(ctx, email, phone)
	}
	return &browser.Session{ID: "s-1"}, nil
}

func (f *fakeDriver) SubmitOTP(ctx context.Context, _ *browser.Session, code string, slot int) error {
	if f.submitFn != nil {
		return f.submitFn(ctx, code, slot)
	}
	return nil
}

func (f *fakeDriver) Finalize(context.Context, *browser.Session) error { return nil }

func (f *fakeDriver) Close(context.Context, *browser.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// flakyAllocator fails the first allocations with a transient store
// error, then delegates to the real allocator.
type flakyAllocator struct {
	*allocator.Allocator
	failures int
	calls    int
}

func (f *flakyAllocator) Allocate(ctx context.Context, domain, attemptID string, opts allocator.Options) (*models.Identity, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: connection reset", types.ErrTransientStore)
	}
	return f.Allocator.Allocate(ctx, domain, attemptID, opts)
}

// flakySettler fails the first settlements with a transient store
// error, then delegates to the real ledger.
type flakySettler struct {
	*ledger.Service
	failures int
	calls    int
}

func (f *flakySettler) Settle(ctx context.Context, attemptID string, batchID uint) (*models.LedgerEntry, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: database is locked", types.ErrTransientStore)
	}
	return f.Service.Settle(ctx, attemptID, batchID)
}

type CreationTestSuite struct {
	suite.Suite
	db         *gorm.DB
	ctx        context.Context
	identities *repos.IdentityRepository
	attempts   *repos.AttemptRepository
	outcomes   *repos.OutcomeRepository
	ledgerRepo *repos.LedgerRepository
	ledgerSvc  *ledger.Service
	agg        *reporting.Aggregator
	alloc      *allocator.Allocator
	batch      *models.Batch
	prov       *fakeProvider
	driver     *fakeDriver
}

func (s *CreationTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_busy_timeout=5000"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err, "Failed to create in-memory database")

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
	s.outcomes = repos.NewOutcomeRepository(db)
	s.ledgerRepo = repos.NewLedgerRepository(db)
	s.ledgerSvc = ledger.NewService(s.ledgerRepo, testFee)
	s.agg = reporting.NewAggregator(s.outcomes, s.attempts, s.identities, "fk")
	s.alloc = allocator.New(s.identities, "fk")
	s.prov = &fakeProvider{}
	s.driver = &fakeDriver{}

	s.batch = &models.Batch{Domain: testDomain, TotalAccounts: 1, MaxParallel: 1}
	require.NoError(s.T(), repos.NewBatchRepository(db).Create(s.ctx, s.batch))

	// Enough balance for one settlement unless a test drains it.
	require.NoError(s.T(), s.ledgerRepo.Credit(s.ctx, 10))
}

func (s *CreationTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

func (s *CreationTestSuite) newRunner() *Runner {
	return NewRunner(s.attempts, s.alloc, s.prov, s.driver, s.ledgerSvc, s.agg, Options{
		Domain:     testDomain,
		OtpTimeout: 100 * time.Millisecond,
	})
}

func (s *CreationTestSuite) outcomeFor(attemptID string) *models.Outcome {
	outcomes, err := s.outcomes.ListByBatch(s.ctx, s.batch.ID)
	s.Require().NoError(err)
	for i := range outcomes {
		if outcomes[i].AttemptID == attemptID {
			return &outcomes[i]
		}
	}
	s.Require().Failf("outcome not found", "attempt %s", attemptID)
	return nil
}

func (s *CreationTestSuite) TestSuccessfulAttempt() {
	attempt, err := s.newRunner().Run(s.ctx, s.batch, "uuid-ok")
	s.Require().NoError(err)
	s.Equal(models.StageSettled, attempt.Stage)
	s.Equal(1, attempt.IdentityN)

	// Fee debited exactly once.
	balance, err := s.ledgerRepo.Balance(s.ctx)
	s.Require().NoError(err)
	s.InDelta(10-testFee, balance, 0.001)

	// Identity consumed.
	used, err := s.identities.ListUsed(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Require().Len(used, 1)

	outcome := s.outcomeFor("uuid-ok")
	s.Equal(models.OutcomeSuccess, outcome.Result)
	s.Equal("fk1@enroll.test", outcome.Email)
}

func (s *CreationTestSuite) TestNoChannelsReleasesIdentity() {
	s.prov.rentFn = func(context.Context) (*provider.Channel, error) {
		return nil, types.ErrNoChannels
	}

	attempt, err := s.newRunner().Run(s.ctx, s.batch, "uuid-noch")
	s.Require().NoError(err)
	s.Equal(models.StageFailed, attempt.Stage)
	s.Equal(models.ReasonNoChannel, attempt.Reason)

	// The address was never exposed, so the integer returns to the free
	// pool rather than the reuse queue.
	_, err = s.identities.Reserve(s.ctx, testDomain, attempt.IdentityN, "again")
	s.NoError(err)
	entries, err := s.identities.ListReuse(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *CreationTestSuite) TestAlreadyRegisteredRecyclesIdentity() {
	s.driver.openFn = func(context.Context, string, string) (*browser.Session, error) {
		return nil, types.ErrAlreadyRegistered
	}

	attempt, err := s.newRunner().Run(s.ctx, s.batch, "uuid-reg")
	s.Require().NoError(err)
	s.Equal(models.StageFailed, attempt.Stage)
	s.Equal(models.ReasonAlreadyRegistered, attempt.Reason)

	// The address was exposed; the integer is queued for reuse.
	entries, err := s.identities.ListReuse(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(attempt.IdentityN, entries[0].N)

	// The rented number was given back.
	s.Equal([]string{"h-1"}, s.prov.releasedHandles())
}

func (s *CreationTestSuite) TestFirstOtpTimeout() {
	s.prov.pollFn = func(ctx context.Context, _ string, _ int, _ provider.PollOptions) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	attempt, err := s.newRunner().Run(s.ctx, s.batch, "uuid-t1")
	s.Require().NoError(err)
	s.Equal(models.StageFailed, attempt.Stage)
	s.Equal(models.ReasonOtp1Timeout, attempt.Reason)

	s.Equal([]string{"h-1"}, s.prov.releasedHandles())
	s.Equal(models.OutcomeFailed, s.outcomeFor("uuid-t1").Result)
}

func (s *CreationTestSuite) TestInvalidCodeRetriedOnce() {
	var polls []string
	s.prov.pollFn = func(_ context.Context, _ string, slot int, opts provider.PollOptions) (string, error) {
		if slot == provider.SlotSecond {
			return "2222", nil
		}
		if opts.Previous == "" {
			polls = append(polls, "first")
			return "1111", nil
		}
		polls = append(polls, "retry")
		return "3333", nil
	}
	submits := 0
	s.driver.submitFn = func(_ context.Context, code string, slot int) error {
		if slot == provider.SlotFirst {
			submits++
			if code == "1111" {
				return types.ErrInvalidCode
			}
		}
		return nil
	}

	attempt, err := s.newRunner().Run(s.ctx, s.batch, "uuid-retry")
	s.Require().NoError(err)
	s.Equal(models.StageSettled, attempt.Stage)
	s.Equal([]string{"first", "retry"}, polls)
	s.Equal(2, submits)
}

func (s *CreationTestSuite) TestSecondInvalidCodeFails() {
	s.driver.submitFn = func(_ context.Context, _ string, slot int) error {
		if slot == provider.SlotFirst {
			return types.ErrInvalidCode
		}
		return nil
	}
	codes := []string{"1111", "3333"}
	s.prov.pollFn = func(_ context.Context, _ string, _ int, opts provider.PollOptions) (string, error) {
		if opts.Previous == "" {
			return codes[0], nil
		}
		return codes[1], nil
	}

	attempt, err := s.newRunner().Run(s.ctx, s.batch, "uuid-inv")
	s.Require().NoError(err)
	s.Equal(models.StageFailed, attempt.Stage)
	s.Equal(models.ReasonOtp1Invalid, attempt.Reason)
}

func (s *CreationTestSuite) TestCancellationReleasesEverything() {
	ctx, cancel := context.WithCancel(s.ctx)
	s.prov.pollFn = func(ctx context.Context, _ string, _ int, _ provider.PollOptions) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}

	attempt, err := s.newRunner().Run(ctx, s.batch, "uuid-cancel")
	s.Require().NoError(err)
	s.Equal(models.StageCancelled, attempt.Stage)

	s.Equal([]string{"h-1"}, s.prov.releasedHandles())
	s.Equal(models.OutcomeCancelled, s.outcomeFor("uuid-cancel").Result)

	// The address was exposed before the cancellation, so the integer is
	// recycled rather than returned to the free pool.
	entries, err := s.identities.ListReuse(s.ctx, testDomain)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(attempt.IdentityN, entries[0].N)
}

func (s *CreationTestSuite) TestAllocationStoreHiccupIsRetried() {
	flaky := &flakyAllocator{Allocator: s.alloc, failures: 2}
	runner := NewRunner(s.attempts, flaky, s.prov, s.driver, s.ledgerSvc, s.agg, Options{
		Domain:     testDomain,
		OtpTimeout: 100 * time.Millisecond,
	})

	attempt, err := runner.Run(s.ctx, s.batch, "uuid-hiccup")
	s.Require().NoError(err)
	s.Equal(models.StageSettled, attempt.Stage)
	s.Equal(3, flaky.calls)
}

func (s *CreationTestSuite) TestAllocationStoreOutageFailsAttempt() {
	flaky := &flakyAllocator{Allocator: s.alloc, failures: 100}
	runner := NewRunner(s.attempts, flaky, s.prov, s.driver, s.ledgerSvc, s.agg, Options{
		Domain:     testDomain,
		OtpTimeout: 100 * time.Millisecond,
	})

	attempt, err := runner.Run(s.ctx, s.batch, "uuid-outage")
	s.Require().NoError(err)
	s.Equal(models.StageFailed, attempt.Stage)
	s.Equal(models.ReasonNoIdentity, attempt.Reason)
	// Initial call plus the bounded retries, then the stage gives up.
	s.Equal(4, flaky.calls)
}

func (s *CreationTestSuite) TestSettlementStoreHiccupIsRetried() {
	flaky := &flakySettler{Service: s.ledgerSvc, failures: 1}
	runner := NewRunner(s.attempts, s.alloc, s.prov, s.driver, flaky, s.agg, Options{
		Domain:     testDomain,
		OtpTimeout: 100 * time.Millisecond,
	})

	attempt, err := runner.Run(s.ctx, s.batch, "uuid-settle-hiccup")
	s.Require().NoError(err)
	s.Equal(models.StageSettled, attempt.Stage)
	s.Equal(2, flaky.calls)

	// Fee debited exactly once despite the retry.
	balance, err := s.ledgerRepo.Balance(s.ctx)
	s.Require().NoError(err)
	s.InDelta(10-testFee, balance, 0.001)
}

func (s *CreationTestSuite) TestSettleFailureMarksSettleError() {
	// Drain the balance so settlement cannot cover the fee.
	_, err := s.ledgerRepo.Settle(s.ctx, "drain-1", s.batch.ID, 10)
	s.Require().NoError(err)

	attempt, err := s.newRunner().Run(s.ctx, s.batch, "uuid-settle")
	s.Require().NoError(err)
	s.Equal(models.StageFailed, attempt.Stage)
	s.Equal(models.ReasonSettleError, attempt.Reason)
}

func (s *CreationTestSuite) TestReuseOnlyExhaustionSurfaces() {
	s.batch.ReuseOnly = true

	_, err := s.newRunner().Run(s.ctx, s.batch, "uuid-exh")
	s.Require().ErrorIs(err, types.ErrResourceExhausted)

	attempt, err := s.attempts.GetByUUID(s.ctx, "uuid-exh")
	s.Require().NoError(err)
	s.Equal(models.StageFailed, attempt.Stage)
	s.Equal(models.ReasonNoIdentity, attempt.Reason)
}

func TestCreationSuite(t *testing.T) {
	suite.Run(t, new(CreationTestSuite))
}
