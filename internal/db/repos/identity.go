// Package repos handles database operations for the enroller models.
package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clyro-labs/enroller/internal/db"
	"github.com/clyro-labs/enroller/internal/db/models"
)

// ErrIdentityTaken is returned by Reserve when another attempt holds or
// has consumed the requested integer.
var ErrIdentityTaken = fmt.Errorf("identity already reserved or used")

// IdentityRepository is the reservation store: the durable record of
// which identity integers are reserved or used, the per-domain mint
// counter and the recycled-failure FIFO. It is the only writer of that
// state; reservation atomicity comes from the unique index on
// (domain, n), so two concurrent reservers of the same integer can
// never both succeed.
type IdentityRepository struct {
	db *gorm.DB
}

// NewIdentityRepository creates a new instance of IdentityRepository
func NewIdentityRepository(db *gorm.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Reserve atomically claims the given integer for an attempt. Returns
// ErrIdentityTaken when the integer is not free.
func (r *IdentityRepository) Reserve(ctx context.Context, domain string, n int, attemptID string) (*models.Identity, error) {
	identity := &models.Identity{
		Domain:     domain,
		N:          n,
		State:      models.IdentityStateReserved,
		AttemptID:  attemptID,
		ReservedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(identity).Error; err != nil {
		if db.IsDuplicateKeyError(err) {
			return nil, ErrIdentityTaken
		}
		return nil, err
	}
	return identity, nil
}

// Promote transitions a reservation to the used state, permanently
// consuming the integer.
func (r *IdentityRepository) Promote(ctx context.Context, domain string, n int) error {
	res := r.db.WithContext(ctx).Model(&models.Identity{}).
		Where("domain = ? AND n = ? AND state = ?", domain, n, models.IdentityStateReserved).
		Updates(map[string]interface{}{
			"state":      models.IdentityStateUsed,
			"attempt_id": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no reservation found for %s/%d", domain, n)
	}
	return nil
}

// Reclaim claims a recycled integer for a new attempt. A recycled
// integer still has a used-state row, so claiming it means flipping
// that row back to reserved rather than inserting a fresh one. When no
// row exists at all the claim falls back to a plain Reserve.
func (r *IdentityRepository) Reclaim(ctx context.Context, domain string, n int, attemptID string) (*models.Identity, error) {
	res := r.db.WithContext(ctx).Model(&models.Identity{}).
		Where("domain = ? AND n = ? AND state = ?", domain, n, models.IdentityStateUsed).
		Updates(map[string]interface{}{
			"state":       models.IdentityStateReserved,
			"attempt_id":  attemptID,
			"reserved_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return r.Reserve(ctx, domain, n, attemptID)
	}

	var identity models.Identity
	if err := r.db.WithContext(ctx).
		Where("domain = ? AND n = ?", domain, n).
		First(&identity).Error; err != nil {
		return nil, err
	}
	return &identity, nil
}

// Release frees a reserved integer by deleting its row. The delete is
// unscoped: a soft-deleted row would still occupy the unique index and
// the integer would never become allocatable again.
func (r *IdentityRepository) Release(ctx context.Context, domain string, n int) error {
	return r.db.WithContext(ctx).Unscoped().
		Where("domain = ? AND n = ? AND state = ?", domain, n, models.IdentityStateReserved).
		Delete(&models.Identity{}).Error
}

// ClaimedSet returns every claimed integer for a domain in ascending
// order, reserved and used alike. Gap computation scans this list;
// including reservations keeps the gap scan from probing integers held
// by live attempts.
func (r *IdentityRepository) ClaimedSet(ctx context.Context, domain string) ([]int, error) {
	var ns []int
	err := r.db.WithContext(ctx).Model(&models.Identity{}).
		Where("domain = ?", domain).
		Order("n asc").
		Pluck("n", &ns).Error
	return ns, err
}

// ListUsed returns the used identity rows for a domain, oldest first.
func (r *IdentityRepository) ListUsed(ctx context.Context, domain string) ([]models.Identity, error) {
	var identities []models.Identity
	err := r.db.WithContext(ctx).
		Where("domain = ? AND state = ?", domain, models.IdentityStateUsed).
		Order("n asc").
		Find(&identities).Error
	return identities, err
}

// NextFresh atomically increments the domain counter and returns the new
// integer. The counter row is locked for the duration of the transaction
// and is initialized to the current maximum used integer on first mint,
// so fresh mints never collide with externally recorded used numbers.
func (r *IdentityRepository) NextFresh(ctx context.Context, domain string) (int, error) {
	var next int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter models.DomainCounter
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("domain = ?", domain).
			First(&counter).Error
		switch {
		case err == nil:
		case errors.Is(err, gorm.ErrRecordNotFound):
			var maxUsed int
			row := tx.Model(&models.Identity{}).
				Where("domain = ?", domain).
				Select("COALESCE(MAX(n), 0)").Row()
			if err := row.Scan(&maxUsed); err != nil {
				return err
			}
			counter = models.DomainCounter{Domain: domain, Last: maxUsed}
			if err := tx.Create(&counter).Error; err != nil {
				return err
			}
		default:
			return err
		}

		counter.Last++
		next = counter.Last
		return tx.Model(&models.DomainCounter{}).
			Where("id = ?", counter.ID).
			Update("last", counter.Last).Error
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// CounterLast returns the highest integer ever minted for the domain,
// zero when nothing was minted yet. The gap scan uses it as its upper
// bound so that released mints become allocatable again.
func (r *IdentityRepository) CounterLast(ctx context.Context, domain string) (int, error) {
	var counter models.DomainCounter
	err := r.db.WithContext(ctx).
		Where("domain = ?", domain).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Last, nil
}

// BumpCounter raises the domain counter to at least n. Used when an
// operator-edited reuse entry carries an integer beyond the mint horizon.
func (r *IdentityRepository) BumpCounter(ctx context.Context, domain string, n int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter models.DomainCounter
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("domain = ?", domain).
			First(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.DomainCounter{Domain: domain, Last: n}).Error
		}
		if err != nil {
			return err
		}
		if counter.Last >= n {
			return nil
		}
		return tx.Model(&models.DomainCounter{}).
			Where("id = ?", counter.ID).
			Update("last", n).Error
	})
}

// EnqueueReuse appends an identity to the recycled-failure FIFO.
func (r *IdentityRepository) EnqueueReuse(ctx context.Context, domain string, n int) error {
	return r.db.WithContext(ctx).Create(&models.ReuseEntry{Domain: domain, N: n}).Error
}

// PopReuse removes and returns the oldest reuse entry for a domain.
// Returns gorm.ErrRecordNotFound when the queue is empty.
func (r *IdentityRepository) PopReuse(ctx context.Context, domain string) (*models.ReuseEntry, error) {
	var entry models.ReuseEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("domain = ?", domain).
			Order("id asc").
			First(&entry).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListReuse returns the reuse queue for a domain in FIFO order.
func (r *IdentityRepository) ListReuse(ctx context.Context, domain string) ([]models.ReuseEntry, error) {
	var entries []models.ReuseEntry
	err := r.db.WithContext(ctx).
		Where("domain = ?", domain).
		Order("id asc").
		Find(&entries).Error
	return entries, err
}

// ReplaceReuse swaps the entire reuse queue for a domain with the given
// integers, preserving their order. Used by operator edits.
func (r *IdentityRepository) ReplaceReuse(ctx context.Context, domain string, ns []int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("domain = ?", domain).
			Delete(&models.ReuseEntry{}).Error; err != nil {
			return err
		}
		for _, n := range ns {
			if err := tx.Create(&models.ReuseEntry{Domain: domain, N: n}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ReclaimStale deletes reservations older than the cutoff. Reservations
// orphaned by a crashed worker return to the free state this way.
func (r *IdentityRepository) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.WithContext(ctx).Unscoped().
		Where("state = ? AND reserved_at < ?", models.IdentityStateReserved, cutoff).
		Delete(&models.Identity{})
	return res.RowsAffected, res.Error
}
