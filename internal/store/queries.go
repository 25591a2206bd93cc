package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/testreduce"
)

// DeltaPageSize is the page size of the regression and fix listings.
const DeltaPageSize = 40

// LatestHashes returns the newest and second-newest revision hashes,
// ordered by first-sighting time. Either may be empty when the commit log
// is still short.
func (s *Store) LatestHashes(ctx context.Context) (latest, previous string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT hash FROM commits ORDER BY timestamp DESC LIMIT 1`).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT hash FROM commits ORDER BY timestamp DESC LIMIT 1 OFFSET 1`).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return latest, "", nil
	}
	return latest, previous, err
}

// RegressionsBetween lists pages whose score worsened from oldHash to
// newHash, largest delta first, paginated.
func (s *Store) RegressionsBetween(ctx context.Context, oldHash, newHash string, page int) (testreduce.DeltaPage, error) {
	return s.deltaBetween(ctx, oldHash, newHash, page, true)
}

// FixesBetween lists pages whose score improved from oldHash to newHash.
func (s *Store) FixesBetween(ctx context.Context, oldHash, newHash string, page int) (testreduce.DeltaPage, error) {
	return s.deltaBetween(ctx, oldHash, newHash, page, false)
}

func (s *Store) deltaBetween(ctx context.Context, oldHash, newHash string, page int, regressions bool) (testreduce.DeltaPage, error) {
	if page < 0 {
		page = 0
	}
	cmp := "s1.score > s2.score"
	order := "s1.score - s2.score DESC"
	if !regressions {
		cmp = "s1.score < s2.score"
		order = "s1.score - s2.score ASC"
	}

	out := testreduce.DeltaPage{Page: page, Rows: []testreduce.DeltaRow{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*)
		 FROM pages
		 JOIN stats AS s1 ON s1.page_id = pages.id
		 JOIN stats AS s2 ON s2.page_id = pages.id
		 WHERE s1.commit_hash = ? AND s2.commit_hash = ? AND `+cmp,
		newHash, oldHash).Scan(&out.Count)
	if err != nil {
		return testreduce.DeltaPage{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT pages.title, pages.prefix,
		        s1.commit_hash, s1.errors, s1.fails, s1.skips,
		        s2.commit_hash, s2.errors, s2.fails, s2.skips
		 FROM pages
		 JOIN stats AS s1 ON s1.page_id = pages.id
		 JOIN stats AS s2 ON s2.page_id = pages.id
		 WHERE s1.commit_hash = ? AND s2.commit_hash = ? AND `+cmp+`
		 ORDER BY `+order+`
		 LIMIT ? OFFSET ?`,
		newHash, oldHash, DeltaPageSize, page*DeltaPageSize)
	if err != nil {
		return testreduce.DeltaPage{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var r testreduce.DeltaRow
		if err := rows.Scan(
			&r.Title, &r.Prefix,
			&r.NewCommit, &r.Errors, &r.Fails, &r.Skips,
			&r.OldCommit, &r.OldErrors, &r.OldFails, &r.OldSkips); err != nil {
			return testreduce.DeltaPage{}, err
		}
		out.Rows = append(out.Rows, r)
	}
	return out, rows.Err()
}

// Crashers lists pages that exhausted their try budget without reporting,
// where the lease has visibly expired. They stay reclaimable on purpose:
// retrying forever beats silently dropping corpus coverage.
func (s *Store) Crashers(ctx context.Context, cutoff time.Time) ([]testreduce.Crasher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pages.title, pages.prefix, pages.claim_hash, commits.timestamp
		 FROM pages JOIN commits ON pages.claim_hash = commits.hash
		 WHERE claim_num_tries >= ? AND claim_timestamp < ?
		 ORDER BY commits.timestamp DESC`,
		s.opts.MaxTries, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []testreduce.Crasher{}
	for rows.Next() {
		var c testreduce.Crasher
		if err := rows.Scan(&c.Title, &c.Prefix, &c.ClaimHash, &c.CommitTimestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FailedFetches lists pages permanently excluded by upstream fetch errors.
// They stay visible for operator inspection but are never claimed again.
func (s *Store) FailedFetches(ctx context.Context) ([]testreduce.PageKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, prefix FROM pages WHERE num_fetch_errors >= ?`,
		s.opts.MaxFetchRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []testreduce.PageKey{}
	for rows.Next() {
		var k testreduce.PageKey
		if err := rows.Scan(&k.Title, &k.Prefix); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// FailsDistribution buckets pages by semantic diff count of their latest
// stat.
func (s *Store) FailsDistribution(ctx context.Context) ([]testreduce.DistrBucket, error) {
	return s.distribution(ctx, "fails")
}

// SkipsDistribution buckets pages by syntactic diff count of their latest
// stat.
func (s *Store) SkipsDistribution(ctx context.Context) ([]testreduce.DistrBucket, error) {
	return s.distribution(ctx, "skips")
}

func (s *Store) distribution(ctx context.Context, column string) ([]testreduce.DistrBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, count(*)
		 FROM stats JOIN pages ON pages.latest_stat = stats.id
		 GROUP BY `+column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []testreduce.DistrBucket{}
	for rows.Next() {
		var b testreduce.DistrBucket
		if err := rows.Scan(&b.Count, &b.NumPages); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Commits lists the 100 most recently sighted revisions.
func (s *Store) Commits(ctx context.Context) ([]testreduce.Commit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, timestamp FROM commits ORDER BY timestamp DESC LIMIT 100`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []testreduce.Commit{}
	for rows.Next() {
		var c testreduce.Commit
		if err := rows.Scan(&c.Hash, &c.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TopFails lists each page's most recent stat, worst score first,
// paginated.
func (s *Store) TopFails(ctx context.Context, page int) ([]testreduce.TopFail, error) {
	if page < 0 {
		page = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pages.title, pages.prefix, commits.hash,
		        stats.errors, stats.fails, stats.skips
		 FROM stats
		 JOIN ( SELECT MAX(id) AS most_recent FROM stats GROUP BY page_id ) AS s1
		   ON s1.most_recent = stats.id
		 JOIN pages ON stats.page_id = pages.id
		 JOIN commits ON stats.commit_hash = commits.hash
		 ORDER BY stats.score DESC
		 LIMIT ? OFFSET ?`,
		DeltaPageSize, page*DeltaPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []testreduce.TopFail{}
	for rows.Next() {
		var f testreduce.TopFail
		if err := rows.Scan(&f.Title, &f.Prefix, &f.Hash, &f.Errors, &f.Fails, &f.Skips); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Summary aggregates the dashboard numbers for the latest revision,
// optionally scoped to one wiki prefix.
func (s *Store) Summary(ctx context.Context, prefix string, cutoff time.Time) (testreduce.StatsSummary, error) {
	latest, previous, err := s.LatestHashes(ctx)
	if err != nil {
		return testreduce.StatsSummary{}, err
	}
	out := testreduce.StatsSummary{
		Prefix:       prefix,
		LatestHash:   latest,
		PreviousHash: previous,
	}

	scope := ""
	var scopeArgs []any
	if prefix != "" {
		scope = ` AND pages.prefix = ?`
		scopeArgs = []any{prefix}
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        count(CASE WHEN stats.errors = 0 THEN 1 END),
		        count(CASE WHEN stats.errors = 0 AND stats.fails = 0 THEN 1 END),
		        count(CASE WHEN stats.errors = 0 AND stats.fails = 0 AND stats.skips = 0 THEN 1 END)
		 FROM pages JOIN stats ON pages.latest_stat = stats.id
		 WHERE 1 = 1`+scope,
		scopeArgs...).Scan(&out.Total, &out.NoErrors, &out.NoFails, &out.NoSkips)
	if err != nil {
		return testreduce.StatsSummary{}, err
	}

	if latest == "" {
		return out, nil
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT count(*)
		 FROM stats JOIN pages ON stats.page_id = pages.id
		 WHERE stats.commit_hash = ?`+scope,
		append([]any{latest}, scopeArgs...)...).Scan(&out.LatestResults)
	if err != nil {
		return testreduce.StatsSummary{}, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT count(*)
		 FROM pages
		 WHERE claim_hash = ? AND claim_num_tries >= ? AND claim_timestamp < ?`+scope,
		append([]any{latest, s.opts.MaxTries, cutoff.Unix()}, scopeArgs...)...).Scan(&out.Crashers)
	if err != nil {
		return testreduce.StatsSummary{}, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT count(*)
		 FROM pages JOIN stats ON pages.id = stats.page_id
		 WHERE stats.commit_hash = ? AND stats.selser_errors > 0`+scope,
		append([]any{latest}, scopeArgs...)...).Scan(&out.RTSelserErrors)
	if err != nil {
		return testreduce.StatsSummary{}, err
	}

	if previous != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*)
			 FROM pages
			 JOIN stats AS s1 ON s1.page_id = pages.id
			 JOIN stats AS s2 ON s2.page_id = pages.id
			 WHERE s1.commit_hash = ? AND s2.commit_hash = ? AND s1.score > s2.score`+scope,
			append([]any{latest, previous}, scopeArgs...)...).Scan(&out.NumRegressions)
		if err != nil {
			return testreduce.StatsSummary{}, err
		}
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*)
			 FROM pages
			 JOIN stats AS s1 ON s1.page_id = pages.id
			 JOIN stats AS s2 ON s2.page_id = pages.id
			 WHERE s1.commit_hash = ? AND s2.commit_hash = ? AND s1.score < s2.score`+scope,
			append([]any{latest, previous}, scopeArgs...)...).Scan(&out.NumFixes)
		if err != nil {
			return testreduce.StatsSummary{}, err
		}
	}
	return out, nil
}
