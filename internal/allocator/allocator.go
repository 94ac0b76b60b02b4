// Package allocator assigns identity integers from a domain's address
// namespace. Allocation tries gap reuse first, then the recycled-failure
// queue, then a fresh mint. Each strategy settles its claim through the
// reservation store's atomic reserve, so two concurrent allocators can
// never hand out the same integer.
package allocator

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/clyro-labs/enroller/internal/db/models"
	"github.com/clyro-labs/enroller/internal/db/repos"
	"github.com/clyro-labs/enroller/internal/logger"
	"github.com/clyro-labs/enroller/internal/types"
)

// mintAttempts bounds how many counter increments a single allocation
// will burn when racing other fresh mints.
const mintAttempts = 5

// ReleaseReason tells Release what should happen to the integer.
type ReleaseReason string

const (
	// ReleaseRetryable frees the integer immediately; the address was
	// never exposed to the remote system.
	ReleaseRetryable ReleaseReason = "retryable"
	// ReleaseRecycle marks the integer used and queues it for reuse; the
	// remote system may already know the address, so it must not be
	// treated as fresh.
	ReleaseRecycle ReleaseReason = "recycle"
	// ReleaseConsumed marks the integer permanently used.
	ReleaseConsumed ReleaseReason = "consumed"
)

// Options controls allocation policy for one batch.
type Options struct {
	// ReuseOnly disables the fresh-mint strategy: allocation fails with
	// ErrResourceExhausted once gaps and the reuse queue are exhausted.
	ReuseOnly bool
}

// Allocator produces reserved identities for a domain.
type Allocator struct {
	repo   *repos.IdentityRepository
	prefix string
}

// New creates a new Allocator backed by the given reservation store.
func New(repo *repos.IdentityRepository, prefix string) *Allocator {
	return &Allocator{repo: repo, prefix: prefix}
}

// Prefix returns the local-part prefix used for rendered addresses.
func (a *Allocator) Prefix() string {
	return a.prefix
}

// Allocate reserves the next identity for the domain according to the
// priority policy: gap reuse, then recycled-failure reuse, then fresh
// mint. Store failures surface as ErrTransientStore so callers retry
// with backoff instead of treating them as exhaustion.
func (a *Allocator) Allocate(ctx context.Context, domain, attemptID string, opts Options) (*models.Identity, error) {
	identity, err := a.fromGaps(ctx, domain, attemptID)
	if err != nil || identity != nil {
		return identity, err
	}

	identity, err = a.fromReuseQueue(ctx, domain, attemptID)
	if err != nil || identity != nil {
		return identity, err
	}

	if opts.ReuseOnly {
		return nil, types.ErrResourceExhausted
	}

	return a.mint(ctx, domain, attemptID)
}

// fromGaps reserves the lowest integer missing from the claimed set.
// The scan runs up to the mint horizon, not just the highest claim, so
// a retryably released mint becomes allocatable again right away.
func (a *Allocator) fromGaps(ctx context.Context, domain, attemptID string) (*models.Identity, error) {
	claimed, err := a.repo.ClaimedSet(ctx, domain)
	if err != nil {
		return nil, transient(err)
	}
	horizon, err := a.repo.CounterLast(ctx, domain)
	if err != nil {
		return nil, transient(err)
	}
	if len(claimed) > 0 && claimed[len(claimed)-1] > horizon {
		horizon = claimed[len(claimed)-1]
	}

	claimedSet := make(map[int]struct{}, len(claimed))
	for _, n := range claimed {
		claimedSet[n] = struct{}{}
	}

	for n := 1; n <= horizon; n++ {
		if _, ok := claimedSet[n]; ok {
			continue
		}
		identity, err := a.repo.Reserve(ctx, domain, n, attemptID)
		if errors.Is(err, repos.ErrIdentityTaken) {
			// Lost the race or the gap is reserved by a live attempt.
			continue
		}
		if err != nil {
			return nil, transient(err)
		}
		logger.Debugf("allocated gap identity %s", identity.Address(a.prefix))
		return identity, nil
	}
	return nil, nil
}

// fromReuseQueue pops recycled-failure identities until one reserves.
// Entries that turn out to be held or consumed are dropped.
func (a *Allocator) fromReuseQueue(ctx context.Context, domain, attemptID string) (*models.Identity, error) {
	for {
		entry, err := a.repo.PopReuse(ctx, domain)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, transient(err)
		}

		identity, err := a.repo.Reclaim(ctx, domain, entry.N, attemptID)
		if errors.Is(err, repos.ErrIdentityTaken) {
			logger.Debugf("dropping stale reuse entry %d@%s", entry.N, domain)
			continue
		}
		if err != nil {
			return nil, transient(err)
		}
		logger.Debugf("allocated recycled identity %s", identity.Address(a.prefix))
		return identity, nil
	}
}

// mint increments the domain counter for a brand-new integer. A lost
// reservation race means another minter claimed the integer between our
// increment and insert, so we take the next one.
func (a *Allocator) mint(ctx context.Context, domain, attemptID string) (*models.Identity, error) {
	for i := 0; i < mintAttempts; i++ {
		n, err := a.repo.NextFresh(ctx, domain)
		if err != nil {
			return nil, transient(err)
		}
		identity, err := a.repo.Reserve(ctx, domain, n, attemptID)
		if errors.Is(err, repos.ErrIdentityTaken) {
			continue
		}
		if err != nil {
			return nil, transient(err)
		}
		logger.Debugf("allocated fresh identity %s", identity.Address(a.prefix))
		return identity, nil
	}
	return nil, transient(fmt.Errorf("mint lost %d reservation races", mintAttempts))
}

// Release finalizes a reservation according to the caller's reason.
func (a *Allocator) Release(ctx context.Context, identity *models.Identity, reason ReleaseReason) error {
	switch reason {
	case ReleaseRetryable:
		if err := a.repo.Release(ctx, identity.Domain, identity.N); err != nil {
			return transient(err)
		}
	case ReleaseRecycle:
		if err := a.repo.Promote(ctx, identity.Domain, identity.N); err != nil {
			return transient(err)
		}
		if err := a.repo.EnqueueReuse(ctx, identity.Domain, identity.N); err != nil {
			return transient(err)
		}
	case ReleaseConsumed:
		if err := a.repo.Promote(ctx, identity.Domain, identity.N); err != nil {
			return transient(err)
		}
	default:
		return fmt.Errorf("unknown release reason: %s", reason)
	}
	return nil
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", types.ErrTransientStore, err)
}
