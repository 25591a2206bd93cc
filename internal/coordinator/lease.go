// Package coordinator implements the control-plane logic between the HTTP
// handlers and the store: handing out work under revision-scoped leases and
// tracking which revisions of the software under test have been sighted.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/testreduce"
)

// ErrNoWork means every page is either done, leased out, or excluded for
// the requested revision. Clients back off and poll again.
var ErrNoWork = errors.New("no claimable work")

// WorkSource is the store surface the lease manager needs. Narrow on
// purpose so tests can substitute a fake.
type WorkSource interface {
	PollBatch(ctx context.Context, commitHash string, cutoff time.Time, batchSize int) ([]testreduce.Title, error)
}

// LeaseManager hands out claimed titles one at a time from a process-local
// prefetch batch. The store stamps claims as it selects them, so everything
// in the batch is already leased to this coordinator; the manager only
// amortizes the per-title transaction cost.
type LeaseManager struct {
	src       WorkSource
	batchSize int
	cutoff    time.Duration
	now       func() time.Time

	mu         sync.Mutex
	cache      []testreduce.Title
	cacheToken string
	filledAt   time.Time
}

// NewLeaseManager wires a manager over src. cutoff is the lease lifetime;
// cached titles older than that are discarded because their claim stamps
// are about to expire and another poller may legitimately re-claim them.
func NewLeaseManager(src WorkSource, batchSize int, cutoff time.Duration) *LeaseManager {
	if batchSize <= 0 {
		batchSize = testreduce.DefaultBatchSize
	}
	if cutoff <= 0 {
		cutoff = testreduce.DefaultCutOffSeconds * time.Second
	}
	return &LeaseManager{
		src:       src,
		batchSize: batchSize,
		cutoff:    cutoff,
		now:       time.Now,
	}
}

// Next pops one claimed title for commitHash, refilling the prefetch batch
// from the store when it is empty, stale, or was filled for another
// revision. Refills are serialized under the manager lock so concurrent
// pollers do not each fire a batch query for the same miss.
func (m *LeaseManager) Next(ctx context.Context, commitHash string) (testreduce.Title, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cacheToken != commitHash || m.now().Sub(m.filledAt) > m.cutoff {
		m.cache = nil
	}
	if len(m.cache) == 0 {
		if err := m.refillLocked(ctx, commitHash); err != nil {
			return testreduce.Title{}, err
		}
	}
	if len(m.cache) == 0 {
		return testreduce.Title{}, ErrNoWork
	}
	title := m.cache[len(m.cache)-1]
	m.cache = m.cache[:len(m.cache)-1]
	return title, nil
}

func (m *LeaseManager) refillLocked(ctx context.Context, commitHash string) error {
	cutoff := m.now().Add(-m.cutoff)
	batch, err := m.src.PollBatch(ctx, commitHash, cutoff, m.batchSize)
	if err != nil {
		return err
	}
	held := make(map[testreduce.PageKey]bool, len(m.cache))
	for _, t := range m.cache {
		held[t.Key()] = true
	}
	for _, t := range batch {
		if !held[t.Key()] {
			m.cache = append(m.cache, t)
		}
	}
	m.cacheToken = commitHash
	m.filledAt = m.now()
	return nil
}

// Pending reports how many prefetched titles are waiting, for metrics.
func (m *LeaseManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}
