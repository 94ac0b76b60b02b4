// Package reporting collects terminal attempt outcomes into the durable
// append-only log and renders the report artifacts the dashboard reads.
package reporting

import (
	"context"
	"fmt"
	"strings"

	"github.com/clyro-labs/enroller/internal/db/models"
	"github.com/clyro-labs/enroller/internal/db/repos"
	"github.com/clyro-labs/enroller/internal/logger"
)

// Summary is the durable per-batch outcome tally.
type Summary struct {
	BatchID   uint `json:"batch_id"`
	Success   int  `json:"success"`
	Failed    int  `json:"failed"`
	Cancelled int  `json:"cancelled"`
	Total     int  `json:"total"`
}

// Aggregator records outcomes and produces summaries and report
// artifacts. Summaries are computed from the durable log only, so a
// restart mid-batch still reports correctly.
type Aggregator struct {
	outcomes   *repos.OutcomeRepository
	attempts   *repos.AttemptRepository
	identities *repos.IdentityRepository
	prefix     string
}

// NewAggregator creates a new Aggregator.
func NewAggregator(
	outcomes *repos.OutcomeRepository,
	attempts *repos.AttemptRepository,
	identities *repos.IdentityRepository,
	prefix string,
) *Aggregator {
	return &Aggregator{
		outcomes:   outcomes,
		attempts:   attempts,
		identities: identities,
		prefix:     prefix,
	}
}

// Record appends a terminal outcome to the durable log.
func (a *Aggregator) Record(ctx context.Context, outcome *models.Outcome) error {
	if err := a.outcomes.Append(ctx, outcome); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	logger.InfoWithFields("recorded outcome", map[string]interface{}{
		"batch_id":   outcome.BatchID,
		"attempt_id": outcome.AttemptID,
		"result":     outcome.Result,
		"reason":     outcome.Reason,
	})
	return nil
}

// Summarize tallies the durable outcome log for a batch.
func (a *Aggregator) Summarize(ctx context.Context, batchID uint) (*Summary, error) {
	counts, err := a.outcomes.CountByResult(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		BatchID:   batchID,
		Success:   counts[models.OutcomeSuccess],
		Failed:    counts[models.OutcomeFailed],
		Cancelled: counts[models.OutcomeCancelled],
	}
	s.Total = s.Success + s.Failed + s.Cancelled
	return s, nil
}

// UsedIdentities renders the used-identity report: one address per
// line, ascending.
func (a *Aggregator) UsedIdentities(ctx context.Context, domain string) (string, error) {
	identities, err := a.identities.ListUsed(ctx, domain)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, identity := range identities {
		b.WriteString(identity.Address(a.prefix))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// FailedChannels renders the failed-channel report: one phone number
// per line. A zero batchID covers all batches.
func (a *Aggregator) FailedChannels(ctx context.Context, batchID uint) (string, error) {
	attempts, err := a.attempts.ListFailedChannels(ctx, batchID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, attempt := range attempts {
		b.WriteString(attempt.Phone)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// ReuseQueue renders the reusable-failed-identity report in FIFO order.
func (a *Aggregator) ReuseQueue(ctx context.Context, domain string) (string, error) {
	entries, err := a.identities.ListReuse(ctx, domain)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(models.FormatAddress(a.prefix, entry.N, entry.Domain))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// UpdateReuseQueue replaces the reuse queue from an operator edit. The
// body must contain one identity per line, each matching the configured
// prefix and domain; blank lines are ignored. The whole edit is
// rejected on the first invalid line.
func (a *Aggregator) UpdateReuseQueue(ctx context.Context, domain, body string) error {
	var ns []int
	for i, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		prefix, n, lineDomain, err := models.ParseAddress(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		if prefix != a.prefix {
			return fmt.Errorf("line %d: unexpected prefix %q", i+1, prefix)
		}
		if lineDomain != domain {
			return fmt.Errorf("line %d: unexpected domain %q", i+1, lineDomain)
		}
		ns = append(ns, n)
	}

	if err := a.identities.ReplaceReuse(ctx, domain, ns); err != nil {
		return err
	}
	// Keep the mint horizon ahead of operator-supplied integers.
	for _, n := range ns {
		if err := a.identities.BumpCounter(ctx, domain, n); err != nil {
			return err
		}
	}
	logger.Infof("reuse queue replaced with %d entries", len(ns))
	return nil
}
