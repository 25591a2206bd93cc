package coordinator

import (
	"context"
	"sync"
	"time"
)

// CommitLog is the store surface the tracker needs.
type CommitLog interface {
	RecordCommit(ctx context.Context, hash string, ts time.Time) (bool, error)
	CommitHashes(ctx context.Context) ([]string, error)
}

// Tracker remembers which revisions have been sighted and which one was
// accepted most recently. A client polling with a known-but-older revision
// is told to upgrade; an unknown revision is accepted as new and becomes
// the latest.
type Tracker struct {
	log CommitLog

	mu     sync.Mutex
	known  map[string]bool
	latest string
}

// NewTracker loads the known-revision set from the commit log up front, so
// a coordinator restart does not mistake old revisions for new ones.
func NewTracker(ctx context.Context, log CommitLog) (*Tracker, error) {
	hashes, err := log.CommitHashes(ctx)
	if err != nil {
		return nil, err
	}
	t := &Tracker{log: log, known: make(map[string]bool, len(hashes))}
	for _, h := range hashes {
		t.known[h] = true
	}
	if len(hashes) > 0 {
		// CommitHashes is newest-first.
		t.latest = hashes[0]
	}
	return t, nil
}

// Sighting records that a client reported running commitHash at ts. An
// unknown hash is persisted and becomes the latest accepted revision; a
// re-sighting of the current latest is a no-op. Returns whether the caller
// should be told its revision is stale.
func (t *Tracker) Sighting(ctx context.Context, commitHash string, ts time.Time) (stale bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.known[commitHash] {
		return commitHash != t.latest, nil
	}
	if _, err := t.log.RecordCommit(ctx, commitHash, ts); err != nil {
		return false, err
	}
	t.known[commitHash] = true
	t.latest = commitHash
	return false, nil
}

// Latest returns the most recently accepted revision hash, empty when none
// has been sighted yet.
func (t *Tracker) Latest() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}
