// Package creation runs the account-creation state machine: one Run is
// one attempt, advancing identity -> channel -> signup -> first code ->
// second code -> settlement, persisting every transition so status and
// reports survive a restart.
package creation

import (
	"context"
	"errors"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"

	"github.com/clyro-labs/enroller/internal/allocator"
	"github.com/clyro-labs/enroller/internal/browser"
	"github.com/clyro-labs/enroller/internal/db/models"
	"github.com/clyro-labs/enroller/internal/db/repos"
	"github.com/clyro-labs/enroller/internal/logger"
	"github.com/clyro-labs/enroller/internal/provider"
	"github.com/clyro-labs/enroller/internal/reporting"
	"github.com/clyro-labs/enroller/internal/types"
)

// storeRetries bounds how often a transient store failure is retried
// before the attempt gives up on the stage.
const storeRetries = 3

// storeBackoff spaces the store retries.
var storeBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(50*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(0, 2*time.Second),
)

// IdentityAllocator is the identity source for attempts.
type IdentityAllocator interface {
	Prefix() string
	Allocate(ctx context.Context, domain, attemptID string, opts allocator.Options) (*models.Identity, error)
	Release(ctx context.Context, identity *models.Identity, reason allocator.ReleaseReason) error
}

// Settler debits the per-account fee exactly once per attempt.
type Settler interface {
	Settle(ctx context.Context, attemptID string, batchID uint) (*models.LedgerEntry, error)
}

// Options tunes one Runner instance.
type Options struct {
	// Domain is the identity namespace attempts allocate from.
	Domain string
	// OtpTimeout bounds each of the two code waits.
	OtpTimeout time.Duration
}

// Runner executes attempts. It owns the release of every resource an
// attempt acquires: a terminal attempt never leaks a reservation, a
// rented number or a browser session.
type Runner struct {
	attempts *repos.AttemptRepository
	alloc    IdentityAllocator
	provider provider.Provider
	driver   browser.Driver
	ledger   Settler
	agg      *reporting.Aggregator
	opts     Options
}

// NewRunner creates a Runner.
func NewRunner(
	attempts *repos.AttemptRepository,
	alloc IdentityAllocator,
	prov provider.Provider,
	driver browser.Driver,
	ledgerSvc Settler,
	agg *reporting.Aggregator,
	opts Options,
) *Runner {
	return &Runner{
		attempts: attempts,
		alloc:    alloc,
		provider: prov,
		driver:   driver,
		ledger:   ledgerSvc,
		agg:      agg,
		opts:     opts,
	}
}

// execution is the mutable state of one running attempt.
type execution struct {
	batch    *models.Batch
	attempt  *models.Attempt
	identity *models.Identity
	channel  *provider.Channel
	session  *browser.Session
	// exposed is set once the identity's address has been submitted to
	// the remote service; from then on the integer is recycled rather
	// than returned to the free pool.
	exposed bool
}

// Run executes one attempt to a terminal stage. The returned attempt is
// always terminal; the error is non-nil only for conditions the caller
// must react to at batch level, currently identity exhaustion.
func (r *Runner) Run(ctx context.Context, batch *models.Batch, attemptID string) (*models.Attempt, error) {
	ex := &execution{
		batch: batch,
		attempt: &models.Attempt{
			BatchID: batch.ID,
			UUID:    attemptID,
			Stage:   models.StageStart,
			Domain:  r.opts.Domain,
		},
	}
	if err := r.attempts.Create(ctx, ex.attempt); err != nil {
		return nil, err
	}

	reason, err := r.advance(ctx, ex)
	switch {
	case err == nil:
		r.succeed(ctx, ex)
	case ctx.Err() != nil:
		r.cancel(ctx, ex)
	default:
		r.fail(ctx, ex, reason, err)
	}

	if errors.Is(err, types.ErrResourceExhausted) {
		return ex.attempt, err
	}
	return ex.attempt, nil
}

// advance drives the attempt through the non-terminal stages. It
// returns the failure reason to record alongside any error; resources
// are released by the terminal handlers, not here.
func (r *Runner) advance(ctx context.Context, ex *execution) (models.FailureReason, error) {
	identity, err := r.allocateIdentity(ctx, ex)
	if err != nil {
		return models.ReasonNoIdentity, err
	}
	ex.identity = identity
	ex.attempt.IdentityN = identity.N
	ex.attempt.Stage = models.StageIdentityAcquired
	if err := r.attempts.Update(ctx, ex.attempt); err != nil {
		return models.ReasonNoIdentity, err
	}

	channel, err := r.provider.Rent(ctx)
	if err != nil {
		return models.ReasonNoChannel, err
	}
	ex.channel = channel
	ex.attempt.ChannelHandle = channel.Handle
	ex.attempt.Phone = channel.Phone
	ex.attempt.Stage = models.StageChannelAcquired
	if err := r.attempts.Update(ctx, ex.attempt); err != nil {
		return models.ReasonNoChannel, err
	}

	email := identity.Address(r.alloc.Prefix())
	session, err := r.driver.OpenSignup(ctx, email, channel.Phone)
	ex.exposed = true
	if err != nil {
		if errors.Is(err, types.ErrAlreadyRegistered) {
			return models.ReasonAlreadyRegistered, err
		}
		return models.ReasonSignupError, err
	}
	ex.session = session
	ex.attempt.Stage = models.StageSignupSubmitted
	if err := r.attempts.Update(ctx, ex.attempt); err != nil {
		return models.ReasonSignupError, err
	}

	if err := r.attempts.UpdateStage(ctx, ex.attempt.UUID, models.StageAwaitingFirstOtp); err != nil {
		return models.ReasonOtp1Timeout, err
	}
	ex.attempt.Stage = models.StageAwaitingFirstOtp
	firstCode, err := r.verifyOTP(ctx, ex, provider.SlotFirst, "")
	if err != nil {
		if errors.Is(err, types.ErrInvalidCode) {
			return models.ReasonOtp1Invalid, err
		}
		return models.ReasonOtp1Timeout, err
	}
	ex.attempt.Stage = models.StageFirstOtpVerified
	if err := r.attempts.Update(ctx, ex.attempt); err != nil {
		return models.ReasonOtp1Timeout, err
	}

	if err := r.attempts.UpdateStage(ctx, ex.attempt.UUID, models.StageAwaitingSecondOtp); err != nil {
		return models.ReasonOtp2Timeout, err
	}
	ex.attempt.Stage = models.StageAwaitingSecondOtp
	if _, err := r.verifyOTP(ctx, ex, provider.SlotSecond, firstCode); err != nil {
		if errors.Is(err, types.ErrInvalidCode) {
			return models.ReasonOtp2Invalid, err
		}
		return models.ReasonOtp2Timeout, err
	}

	if err := r.driver.Finalize(ctx, ex.session); err != nil {
		return models.ReasonSignupError, err
	}
	return models.ReasonNone, nil
}

// allocateIdentity allocates with jittered backoff across transient
// store failures. A brief database hiccup must not burn the attempt.
func (r *Runner) allocateIdentity(ctx context.Context, ex *execution) (*models.Identity, error) {
	counter := backoff.Counter{Strategy: storeBackoff}
	for tries := 0; ; tries++ {
		identity, err := r.alloc.Allocate(ctx, r.opts.Domain, ex.attempt.UUID, allocator.Options{
			ReuseOnly: ex.batch.ReuseOnly,
		})
		if err == nil || !errors.Is(err, types.ErrTransientStore) || tries >= storeRetries {
			return identity, err
		}
		logger.WarnWithFields("identity store hiccup, retrying", map[string]interface{}{
			"attempt_id": ex.attempt.UUID,
			"error":      err.Error(),
		})
		if err := counter.Sleep(ctx, err); err != nil {
			return nil, err
		}
	}
}

// settleFee settles with the same backoff as allocation. An
// insufficient balance is final and surfaces immediately.
func (r *Runner) settleFee(ctx context.Context, ex *execution) error {
	counter := backoff.Counter{Strategy: storeBackoff}
	for tries := 0; ; tries++ {
		_, err := r.ledger.Settle(ctx, ex.attempt.UUID, ex.batch.ID)
		if err == nil || !errors.Is(err, types.ErrTransientStore) || tries >= storeRetries {
			return err
		}
		logger.WarnWithFields("settlement store hiccup, retrying", map[string]interface{}{
			"attempt_id": ex.attempt.UUID,
			"error":      err.Error(),
		})
		if err := counter.Sleep(ctx, err); err != nil {
			return err
		}
	}
}

// verifyOTP waits for the slot's code and submits it. A rejected code
// is retried exactly once with the next code the provider produces.
func (r *Runner) verifyOTP(ctx context.Context, ex *execution, slot int, previous string) (string, error) {
	code, err := r.pollOnce(ctx, ex, slot, previous)
	if err != nil {
		return "", err
	}

	err = r.driver.SubmitOTP(ctx, ex.session, code, slot)
	if !errors.Is(err, types.ErrInvalidCode) {
		return code, err
	}

	logger.WarnWithFields("code rejected, waiting for a fresh one", map[string]interface{}{
		"attempt_id": ex.attempt.UUID,
		"slot":       slot,
	})
	retry, err := r.pollOnce(ctx, ex, slot, code)
	if err != nil {
		return "", err
	}
	if err := r.driver.SubmitOTP(ctx, ex.session, retry, slot); err != nil {
		return "", err
	}
	return retry, nil
}

// pollOnce runs one bounded OTP wait, translating an expired wait into
// ErrStageTimeout unless the attempt itself was cancelled.
func (r *Runner) pollOnce(ctx context.Context, ex *execution, slot int, previous string) (string, error) {
	otpCtx, cancel := context.WithTimeout(ctx, r.opts.OtpTimeout)
	defer cancel()

	code, err := r.provider.PollOTP(otpCtx, ex.channel.Handle, slot, provider.PollOptions{
		Previous: previous,
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return "", types.ErrStageTimeout
	}
	return code, err
}

// succeed settles the fee, consumes the identity and records the
// success outcome. A settlement failure downgrades the attempt to
// Failed(settle_error) but the identity stays consumed since the remote
// account exists.
func (r *Runner) succeed(ctx context.Context, ex *execution) {
	detached := context.WithoutCancel(ctx)

	if err := r.settleFee(detached, ex); err != nil {
		r.fail(ctx, ex, models.ReasonSettleError, err)
		return
	}

	if err := r.alloc.Release(detached, ex.identity, allocator.ReleaseConsumed); err != nil {
		logger.Errorf("failed to consume identity for %s: %v", ex.attempt.UUID, err)
	}
	r.closeSession(detached, ex)

	ex.attempt.Stage = models.StageSettled
	if err := r.attempts.Update(detached, ex.attempt); err != nil {
		logger.Errorf("failed to persist settled attempt %s: %v", ex.attempt.UUID, err)
	}
	r.record(detached, ex, models.OutcomeSuccess, models.ReasonNone)

	logger.InfoWithFields("account created", map[string]interface{}{
		"attempt_id": ex.attempt.UUID,
		"email":      ex.identity.Address(r.alloc.Prefix()),
	})
}

// fail releases resources and records a Failed outcome with the typed
// reason.
func (r *Runner) fail(ctx context.Context, ex *execution, reason models.FailureReason, cause error) {
	detached := context.WithoutCancel(ctx)
	r.releaseResources(detached, ex)

	ex.attempt.Stage = models.StageFailed
	ex.attempt.Reason = reason
	if cause != nil {
		ex.attempt.Error = cause.Error()
	}
	if err := r.attempts.Update(detached, ex.attempt); err != nil {
		logger.Errorf("failed to persist failed attempt %s: %v", ex.attempt.UUID, err)
	}
	r.record(detached, ex, models.OutcomeFailed, reason)

	logger.WarnWithFields("attempt failed", map[string]interface{}{
		"attempt_id": ex.attempt.UUID,
		"reason":     reason,
		"error":      ex.attempt.Error,
	})
}

// cancel releases resources and records a Cancelled outcome.
func (r *Runner) cancel(ctx context.Context, ex *execution) {
	detached := context.WithoutCancel(ctx)
	r.releaseResources(detached, ex)

	ex.attempt.Stage = models.StageCancelled
	if err := r.attempts.Update(detached, ex.attempt); err != nil {
		logger.Errorf("failed to persist cancelled attempt %s: %v", ex.attempt.UUID, err)
	}
	r.record(detached, ex, models.OutcomeCancelled, models.ReasonNone)

	logger.InfoWithFields("attempt cancelled", map[string]interface{}{
		"attempt_id": ex.attempt.UUID,
		"stage":      ex.attempt.Stage,
	})
}

// releaseResources frees whatever the attempt still holds. An exposed
// identity is recycled for reuse unless the batch runs reuse-only, in
// which case it goes straight back to the free pool it came from.
func (r *Runner) releaseResources(ctx context.Context, ex *execution) {
	if ex.channel != nil {
		if err := r.provider.Release(ctx, ex.channel.Handle); err != nil {
			logger.Warnf("failed to release channel %s: %v", ex.channel.Handle, err)
		}
		ex.channel = nil
	}
	r.closeSession(ctx, ex)

	if ex.identity != nil {
		reason := allocator.ReleaseRetryable
		if ex.exposed && !ex.batch.ReuseOnly {
			reason = allocator.ReleaseRecycle
		}
		if err := r.alloc.Release(ctx, ex.identity, reason); err != nil {
			logger.Errorf("failed to release identity %s: %v",
				ex.identity.Address(r.alloc.Prefix()), err)
		}
		ex.identity = nil
	}
}

func (r *Runner) closeSession(ctx context.Context, ex *execution) {
	if ex.session == nil {
		return
	}
	if err := r.driver.Close(ctx, ex.session); err != nil {
		logger.Warnf("failed to close browser session %s: %v", ex.session.ID, err)
	}
	ex.session = nil
}

// record appends the terminal outcome to the durable log.
func (r *Runner) record(ctx context.Context, ex *execution, result models.OutcomeResult, reason models.FailureReason) {
	outcome := &models.Outcome{
		BatchID:   ex.batch.ID,
		AttemptID: ex.attempt.UUID,
		Result:    result,
		Reason:    reason,
		Phone:     ex.attempt.Phone,
	}
	if ex.attempt.IdentityN != 0 {
		outcome.Email = models.FormatAddress(r.alloc.Prefix(), ex.attempt.IdentityN, r.opts.Domain)
	}
	if err := r.agg.Record(ctx, outcome); err != nil {
		logger.Errorf("failed to record outcome for %s: %v", ex.attempt.UUID, err)
	}
}
