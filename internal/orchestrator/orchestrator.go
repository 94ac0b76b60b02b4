// Package orchestrator runs batches: it launches account-creation
// attempts up to the parallelism ceiling, staggers their starts,
// replaces failures when asked to, and winds the batch down on stop.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/google/uuid"

	"github.com/clyro-labs/enroller/internal/creation"
	"github.com/clyro-labs/enroller/internal/db/models"
	"github.com/clyro-labs/enroller/internal/db/repos"
	"github.com/clyro-labs/enroller/internal/logger"
	"github.com/clyro-labs/enroller/internal/types"
)

// Options tunes the Orchestrator.
type Options struct {
	// SystemMaxParallel caps parallelism regardless of what a batch asks
	// for.
	SystemMaxParallel int
	// LaunchStagger is the fixed delay between consecutive launches.
	LaunchStagger time.Duration
	// StopGrace is how long Stop lets live attempts keep running before
	// cancelling them.
	StopGrace time.Duration
	// ReplacementFactor scales the retry budget of a retry_failed batch:
	// limit = total_accounts * factor.
	ReplacementFactor int
}

// Orchestrator owns the single active batch. Start, Stop and Status are
// safe for concurrent use.
type Orchestrator struct {
	batches  *repos.BatchRepository
	attempts *repos.AttemptRepository
	runner   *creation.Runner
	opts     Options

	mu     sync.Mutex
	active *batchRun
}

// batchRun is the in-memory state of the running batch. Counters are
// advisory; durable truth lives in the outcome log.
type batchRun struct {
	batch       *models.Batch
	parallelism int

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	live      atomic.Int64
	launched  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// completion is one worker's terminal report back to the dispatcher.
type completion struct {
	stage     models.Stage
	exhausted bool
}

// New creates an Orchestrator.
func New(batches *repos.BatchRepository, attempts *repos.AttemptRepository, runner *creation.Runner, opts Options) *Orchestrator {
	return &Orchestrator{
		batches:  batches,
		attempts: attempts,
		runner:   runner,
		opts:     opts,
	}
}

// Start accepts a batch and begins executing it in the background.
// Only one batch may be active at a time.
func (o *Orchestrator) Start(ctx context.Context, batch *models.Batch) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		select {
		case <-o.active.done:
			o.active = nil
		default:
			return types.ErrBatchActive
		}
	}

	if err := o.batches.Create(ctx, batch); err != nil {
		return err
	}

	parallelism := batch.MaxParallel
	if parallelism > o.opts.SystemMaxParallel {
		parallelism = o.opts.SystemMaxParallel
	}

	runCtx, cancel := context.WithCancel(context.Background())
	br := &batchRun{
		batch:       batch,
		parallelism: parallelism,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	o.active = br

	logger.InfoWithFields("batch started", map[string]interface{}{
		"batch_id":       batch.ID,
		"total_accounts": batch.TotalAccounts,
		"parallelism":    parallelism,
		"reuse_only":     batch.ReuseOnly,
		"retry_failed":   batch.RetryFailed,
	})
	go o.run(runCtx, br)
	return nil
}

// run dispatches attempts until the batch drains. Launches respect the
// parallelism ceiling and the fixed stagger; a failed attempt earns a
// replacement launch while the retry budget lasts.
func (o *Orchestrator) run(ctx context.Context, br *batchRun) {
	defer close(br.done)
	defer br.cancel()

	if err := o.batches.UpdateStatus(ctx, br.batch.ID, models.BatchStatusRunning); err != nil {
		logger.Errorf("failed to mark batch %d running: %v", br.batch.ID, err)
	}

	pending := br.batch.TotalAccounts
	replacements := 0
	if br.batch.RetryFailed {
		replacements = br.batch.TotalAccounts * o.opts.ReplacementFactor
	}

	completions := make(chan completion)
	inFlight := 0

	for pending > 0 || inFlight > 0 {
		if br.stopping(ctx) {
			pending = 0
		}

		if pending > 0 && inFlight < br.parallelism {
			o.launch(ctx, br, completions)
			pending--
			inFlight++
			if pending > 0 && inFlight < br.parallelism {
				// Cancellation interrupts the stagger; the loop re-checks.
				_ = linger.Sleep(ctx, o.opts.LaunchStagger)
			}
			continue
		}
		if inFlight == 0 {
			break
		}

		c := <-completions
		inFlight--
		switch {
		case c.exhausted:
			logger.Warnf("identity namespace exhausted, batch %d stops launching", br.batch.ID)
			pending = 0
		case c.stage == models.StageFailed && br.batch.RetryFailed && replacements > 0 && !br.stopping(ctx):
			replacements--
			pending++
		}
	}

	status := models.BatchStatusCompleted
	if br.stopRequested() {
		status = models.BatchStatusStopped
	}
	if err := o.batches.UpdateStatus(context.Background(), br.batch.ID, status); err != nil {
		logger.Errorf("failed to mark batch %d %s: %v", br.batch.ID, status, err)
	}

	logger.InfoWithFields("batch finished", map[string]interface{}{
		"batch_id":  br.batch.ID,
		"status":    status,
		"succeeded": br.succeeded.Load(),
		"failed":    br.failed.Load(),
		"cancelled": br.cancelled.Load(),
	})
}

// launch starts one attempt worker.
func (o *Orchestrator) launch(ctx context.Context, br *batchRun, completions chan<- completion) {
	attemptID := uuid.NewString()
	br.launched.Add(1)
	br.live.Add(1)

	go func() {
		defer br.live.Add(-1)

		attempt, err := o.runner.Run(ctx, br.batch, attemptID)
		c := completion{exhausted: errors.Is(err, types.ErrResourceExhausted)}
		if attempt != nil {
			c.stage = attempt.Stage
			switch attempt.Stage {
			case models.StageSettled:
				br.succeeded.Add(1)
			case models.StageFailed:
				br.failed.Add(1)
			case models.StageCancelled:
				br.cancelled.Add(1)
			}
		}
		completions <- c
	}()
}

// stopping reports whether the dispatcher must stop launching.
func (br *batchRun) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return br.stopRequested()
}

func (br *batchRun) stopRequested() bool {
	select {
	case <-br.stopCh:
		return true
	default:
		return false
	}
}

// Stop halts the active batch: no further launches, live attempts get
// the grace period to finish on their own, then they are cancelled.
// Stop returns once the batch has fully drained.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	br := o.active
	o.mu.Unlock()

	if br == nil {
		return types.ErrNoActiveBatch
	}
	select {
	case <-br.done:
		return types.ErrNoActiveBatch
	default:
	}

	br.stopOnce.Do(func() { close(br.stopCh) })
	logger.Infof("stopping batch %d, grace %s", br.batch.ID, o.opts.StopGrace)

	graceTimer := time.NewTimer(o.opts.StopGrace)
	defer graceTimer.Stop()
	select {
	case <-br.done:
		return nil
	case <-graceTimer.C:
		br.cancel()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-br.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the live view of the most recent batch this process
// ran. Before any batch has started it reports an idle response.
func (o *Orchestrator) Status(ctx context.Context) (*types.StatusResponse, error) {
	o.mu.Lock()
	br := o.active
	o.mu.Unlock()

	if br == nil {
		return &types.StatusResponse{Running: false}, nil
	}

	running := true
	select {
	case <-br.done:
		running = false
	default:
	}

	resp := &types.StatusResponse{
		Running:     running,
		BatchID:     br.batch.ID,
		Parallelism: br.parallelism,
		Live:        int(br.live.Load()),
		Succeeded:   int(br.succeeded.Load()),
		Failed:      int(br.failed.Load()),
		Cancelled:   int(br.cancelled.Load()),
		Total:       int(br.launched.Load()),
	}

	counts, err := o.attempts.CountByStage(ctx, br.batch.ID)
	if err != nil {
		return nil, err
	}
	resp.Stages = make(map[string]int, len(counts))
	for stage, n := range counts {
		resp.Stages[string(stage)] = n
	}
	return resp, nil
}

// Active returns the currently active batch, or ErrNoActiveBatch.
func (o *Orchestrator) Active(ctx context.Context) (*models.Batch, error) {
	o.mu.Lock()
	br := o.active
	o.mu.Unlock()

	if br == nil {
		return nil, types.ErrNoActiveBatch
	}
	select {
	case <-br.done:
		return nil, types.ErrNoActiveBatch
	default:
		return br.batch, nil
	}
}

// Wait blocks until the active batch drains. Used by tests and by
// graceful shutdown.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	br := o.active
	o.mu.Unlock()

	if br == nil {
		return nil
	}
	select {
	case <-br.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
