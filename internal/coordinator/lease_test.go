package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/testreduce"
)

type fakeSource struct {
	batches [][]testreduce.Title
	calls   int
	err     error
	gotHash string
}

func (f *fakeSource) PollBatch(_ context.Context, commitHash string, _ time.Time, _ int) ([]testreduce.Title, error) {
	f.calls++
	f.gotHash = commitHash
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func titles(names ...string) []testreduce.Title {
	out := make([]testreduce.Title, len(names))
	for i, n := range names {
		out[i] = testreduce.Title{ID: int64(i + 1), Prefix: "enwiki", Title: n}
	}
	return out
}

func TestLeaseManagerServesBatchWithoutRequerying(t *testing.T) {
	t.Parallel()
	src := &fakeSource{batches: [][]testreduce.Title{titles("A", "B", "C")}}
	m := NewLeaseManager(src, 3, time.Minute)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		title, err := m.Next(ctx, "rev1")
		require.NoError(t, err)
		seen[title.Title] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 1, src.calls, "one refill covers the whole batch")

	_, err := m.Next(ctx, "rev1")
	assert.ErrorIs(t, err, ErrNoWork)
	assert.Equal(t, 2, src.calls)
}

func TestLeaseManagerDiscardsCacheOnRevisionChange(t *testing.T) {
	t.Parallel()
	src := &fakeSource{batches: [][]testreduce.Title{titles("A", "B"), titles("C")}}
	m := NewLeaseManager(src, 2, time.Minute)
	ctx := context.Background()

	_, err := m.Next(ctx, "rev1")
	require.NoError(t, err)
	require.Equal(t, 1, m.Pending())

	// A new revision invalidates the leftover rev1 title.
	title, err := m.Next(ctx, "rev2")
	require.NoError(t, err)
	assert.Equal(t, "C", title.Title)
	assert.Equal(t, "rev2", src.gotHash)
	assert.Equal(t, 0, m.Pending())
}

func TestLeaseManagerDiscardsExpiredCache(t *testing.T) {
	t.Parallel()
	src := &fakeSource{batches: [][]testreduce.Title{titles("A", "B"), titles("C")}}
	m := NewLeaseManager(src, 2, time.Minute)
	now := time.Unix(10000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := m.Next(ctx, "rev1")
	require.NoError(t, err)
	require.Equal(t, 1, m.Pending())

	// Past the lease lifetime the cached claim stamp is no longer
	// trustworthy; the manager refetches instead of handing it out.
	now = now.Add(2 * time.Minute)
	title, err := m.Next(ctx, "rev1")
	require.NoError(t, err)
	assert.Equal(t, "C", title.Title)
	assert.Equal(t, 2, src.calls)
}

func TestLeaseManagerDedupsRefill(t *testing.T) {
	t.Parallel()
	src := &fakeSource{batches: [][]testreduce.Title{titles("A", "B"), titles("A", "C")}}
	m := NewLeaseManager(src, 2, time.Minute)
	ctx := context.Background()

	// Pops "B", leaving "A" cached.
	first, err := m.Next(ctx, "rev1")
	require.NoError(t, err)
	require.Equal(t, "B", first.Title)

	// Force a refill while "A" is still cached; the overlapping batch
	// must not duplicate it.
	m.mu.Lock()
	err = m.refillLocked(ctx, "rev1")
	m.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 2, m.Pending())
}

func TestLeaseManagerPropagatesSourceErrors(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("db gone")}
	m := NewLeaseManager(src, 2, time.Minute)

	_, err := m.Next(context.Background(), "rev1")
	assert.EqualError(t, err, "db gone")
}
