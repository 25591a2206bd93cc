package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommitLog struct {
	hashes   []string
	recorded []string
}

func (f *fakeCommitLog) RecordCommit(_ context.Context, hash string, _ time.Time) (bool, error) {
	f.recorded = append(f.recorded, hash)
	for _, h := range f.hashes {
		if h == hash {
			return false, nil
		}
	}
	f.hashes = append([]string{hash}, f.hashes...)
	return true, nil
}

func (f *fakeCommitLog) CommitHashes(context.Context) ([]string, error) {
	return f.hashes, nil
}

func TestTrackerAcceptsNewRevisions(t *testing.T) {
	t.Parallel()
	log := &fakeCommitLog{}
	tr, err := NewTracker(context.Background(), log)
	require.NoError(t, err)
	assert.Empty(t, tr.Latest())

	stale, err := tr.Sighting(context.Background(), "rev1", time.Unix(1000, 0))
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, "rev1", tr.Latest())
	assert.Equal(t, []string{"rev1"}, log.recorded)

	// Re-sighting the latest revision is a no-op.
	stale, err = tr.Sighting(context.Background(), "rev1", time.Unix(2000, 0))
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, []string{"rev1"}, log.recorded, "no duplicate persistence")
}

func TestTrackerFlagsOldRevisionsAsStale(t *testing.T) {
	t.Parallel()
	log := &fakeCommitLog{}
	tr, err := NewTracker(context.Background(), log)
	require.NoError(t, err)

	_, err = tr.Sighting(context.Background(), "rev1", time.Unix(1000, 0))
	require.NoError(t, err)
	_, err = tr.Sighting(context.Background(), "rev2", time.Unix(2000, 0))
	require.NoError(t, err)

	// A straggler still on rev1 is told to upgrade.
	stale, err := tr.Sighting(context.Background(), "rev1", time.Unix(3000, 0))
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, "rev2", tr.Latest())
}

func TestTrackerLoadsKnownSetAtStartup(t *testing.T) {
	t.Parallel()
	log := &fakeCommitLog{hashes: []string{"rev2", "rev1"}}
	tr, err := NewTracker(context.Background(), log)
	require.NoError(t, err)
	assert.Equal(t, "rev2", tr.Latest())

	// Revisions already in the log survive a coordinator restart: rev1 is
	// recognized as old, not re-accepted as new.
	stale, err := tr.Sighting(context.Background(), "rev1", time.Unix(1000, 0))
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Empty(t, log.recorded)
}
