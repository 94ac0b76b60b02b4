package models

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// IdentityState represents the lifecycle state of an identity integer.
// An integer with no row at all is free.
type IdentityState string

const (
	// IdentityStateReserved indicates the integer is provisionally held
	// by an in-flight attempt.
	IdentityStateReserved IdentityState = "reserved"
	// IdentityStateUsed indicates the integer is permanently consumed.
	IdentityStateUsed IdentityState = "used"
)

// Identity is one claimed integer of a domain's address namespace.
// The unique index over (domain, n) is what makes reservation a
// compare-and-set: concurrent inserts for the same integer cannot
// both succeed.
type Identity struct {
	gorm.Model
	Domain     string        `json:"domain" gorm:"not null;uniqueIndex:idx_identities_domain_n"`
	N          int           `json:"n" gorm:"not null;uniqueIndex:idx_identities_domain_n"`
	State      IdentityState `json:"state" gorm:"not null;index"`
	AttemptID  string        `json:"attempt_id,omitempty" gorm:"index"`
	ReservedAt time.Time     `json:"reserved_at"`
}

// Address renders the identity as a mail address with the given local-part prefix.
func (i *Identity) Address(prefix string) string {
	return FormatAddress(prefix, i.N, i.Domain)
}

// Validate ensures the identity data is valid
func (i *Identity) Validate() error {
	if i.Domain == "" {
		return fmt.Errorf("identity domain cannot be empty")
	}
	if i.N < 1 {
		return fmt.Errorf("identity integer must be positive")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new identity
func (i *Identity) BeforeCreate(_ *gorm.DB) error {
	if i.State == "" {
		i.State = IdentityStateReserved
	}
	if i.ReservedAt.IsZero() {
		i.ReservedAt = time.Now()
	}
	return i.Validate()
}

// FormatAddress renders prefix{n}@{domain}.
func FormatAddress(prefix string, n int, domain string) string {
	return fmt.Sprintf("%s%d@%s", prefix, n, domain)
}

var addressRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9._-]*?)(\d+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})$`)

// ParseAddress splits an address of the form prefix{n}@{domain} back into
// its parts. Used to re-validate operator edits to the reuse queue.
func ParseAddress(addr string) (prefix string, n int, domain string, err error) {
	m := addressRe.FindStringSubmatch(addr)
	if m == nil {
		return "", 0, "", fmt.Errorf("invalid identity address: %q", addr)
	}
	n, err = strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return "", 0, "", fmt.Errorf("invalid identity integer in address: %q", addr)
	}
	return m[1], n, m[3], nil
}

// ReuseEntry is one element of the FIFO of recycled-failure identities.
// Entries are popped in primary-key order, oldest first.
type ReuseEntry struct {
	gorm.Model
	Domain string `json:"domain" gorm:"not null;index"`
	N      int    `json:"n" gorm:"not null"`
}

// DomainCounter tracks the highest integer ever minted for a domain.
type DomainCounter struct {
	gorm.Model
	Domain string `json:"domain" gorm:"not null;uniqueIndex"`
	Last   int    `json:"last" gorm:"not null"`
}
