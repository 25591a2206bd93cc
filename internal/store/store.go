// Package store owns the persistent work state: the page catalog, the
// revision log, and the result/stat history. It is the only shared mutable
// resource between coordinator handlers; every mutation runs inside one
// transaction scoped to one logical operation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/testreduce"
)

// ErrConsistency marks an ingestion that could not resolve exactly one page
// for the reported natural key. The surrounding transaction is rolled back;
// the claim recovers through normal lease expiry.
var ErrConsistency = errors.New("page not uniquely resolvable")

// Options carries the retry and lease knobs. Zero fields fall back to the
// deployment defaults.
type Options struct {
	MaxTries        int
	MaxFetchRetries int
	CutOff          time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxTries <= 0 {
		o.MaxTries = testreduce.DefaultMaxTries
	}
	if o.MaxFetchRetries <= 0 {
		o.MaxFetchRetries = testreduce.DefaultMaxFetchRetries
	}
	if o.CutOff <= 0 {
		o.CutOff = testreduce.DefaultCutOffSeconds * time.Second
	}
	return o
}

type Store struct {
	db   *sql.DB
	opts Options
}

func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which is what makes the
	// select-and-stamp in PollBatch atomic against concurrent pollers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, err
	}

	s := &Store{db: db, opts: opts.withDefaults()}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// MaxTries exposes the per-revision retry budget for the crasher queries
// shared with the coordinator.
func (s *Store) MaxTries() int { return s.opts.MaxTries }

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		prefix TEXT NOT NULL,
		claim_hash TEXT NOT NULL DEFAULT '',
		claim_timestamp INTEGER,
		claim_num_tries INTEGER NOT NULL DEFAULT 0,
		num_fetch_errors INTEGER NOT NULL DEFAULT 0,
		latest_stat INTEGER,
		latest_score INTEGER,
		latest_result INTEGER,
		UNIQUE (title, prefix)
	);
	CREATE INDEX IF NOT EXISTS idx_pages_claim
		ON pages (claim_hash, claim_num_tries, claim_timestamp);
	CREATE TABLE IF NOT EXISTS commits (
		hash TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		page_id INTEGER NOT NULL,
		commit_hash TEXT NOT NULL,
		result TEXT NOT NULL,
		UNIQUE (page_id, commit_hash)
	);
	CREATE TABLE IF NOT EXISTS stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		page_id INTEGER NOT NULL,
		commit_hash TEXT NOT NULL,
		skips INTEGER NOT NULL,
		fails INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		selser_errors INTEGER NOT NULL DEFAULT 0,
		score INTEGER NOT NULL,
		UNIQUE (page_id, commit_hash)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// InsertPages loads titles into the catalog, ignoring ones already present.
// Returns the number of newly created pages.
func (s *Store) InsertPages(ctx context.Context, prefix string, titles []string) (int64, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return 0, errors.New("prefix required")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var inserted int64
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pages (title, prefix) VALUES (?, ?)`,
			title, prefix)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}
	return inserted, tx.Commit()
}

// PollBatch selects up to batchSize eligible pages and stamps their claim
// in the same transaction. Eligibility unifies "never tried this revision"
// and "lease expired with retries left", and excludes pages with too many
// fetch errors. Starved pages sort first (most prior tries, oldest claim);
// the final pick is randomized so independent coordinators do not converge
// on the same rows.
func (s *Store) PollBatch(ctx context.Context, commitHash string, cutoff time.Time, batchSize int) ([]testreduce.Title, error) {
	if batchSize <= 0 {
		batchSize = testreduce.DefaultBatchSize
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, title, prefix
		 FROM pages
		 WHERE num_fetch_errors < ?
		   AND ( claim_hash != ? OR ( claim_num_tries < ? AND claim_timestamp < ? ) )
		 ORDER BY claim_num_tries DESC, claim_timestamp ASC
		 LIMIT 500`,
		s.opts.MaxFetchRetries, commitHash, s.opts.MaxTries, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	candidates := make([]testreduce.Title, 0, batchSize)
	for rows.Next() {
		var t testreduce.Title
		if err := rows.Scan(&t.ID, &t.Title, &t.Prefix); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(candidates) == 0 {
		return nil, tx.Commit()
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	placeholders := make([]string, 0, len(candidates))
	args := []any{commitHash, time.Now().Unix()}
	for _, t := range candidates {
		placeholders = append(placeholders, "?")
		args = append(args, t.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pages
		 SET claim_hash = ?, claim_timestamp = ?, claim_num_tries = claim_num_tries + 1
		 WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...); err != nil {
		return nil, err
	}
	return candidates, tx.Commit()
}

// RecordCommit inserts a newly sighted revision, idempotently. When the
// revision is genuinely new, every crasher claimed under another revision
// gets its try counter cleared so it is retested once against the new code.
func (s *Store) RecordCommit(ctx context.Context, hash string, ts time.Time) (bool, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return false, errors.New("commit hash required")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO commits (hash, timestamp) VALUES (?, ?)`,
		hash, ts.Unix())
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pages SET claim_num_tries = 0
			 WHERE claim_hash != ? AND claim_num_tries >= ?`,
			hash, s.opts.MaxTries); err != nil {
			return false, err
		}
	}
	return inserted > 0, tx.Commit()
}

// CommitHashes returns every known revision, newest first.
func (s *Store) CommitHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM commits ORDER BY timestamp DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// IncrementFetchFailure records an upstream fetch error for a page. The try
// counter resets because a fetch failure is not a test attempt; past the
// retry threshold the page drops out of PollBatch for good.
func (s *Store) IncrementFetchFailure(ctx context.Context, key testreduce.PageKey, commitHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages
		 SET claim_hash = ?, num_fetch_errors = num_fetch_errors + 1, claim_num_tries = 0
		 WHERE title = ? AND prefix = ?`,
		commitHash, key.Title, key.Prefix)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s matched no pages", ErrConsistency, key)
	}
	return nil
}

// IngestResult stores one reported outcome inside a single transaction:
// upsert the raw result and the derived stat keyed by (page, commit), then
// move the page's latest pointers and release its lease. Re-ingesting the
// same (page, commit) overwrites in place. Fetch failures take the
// IncrementFetchFailure path instead and write no result or stat rows.
func (s *Store) IngestResult(ctx context.Context, key testreduce.PageKey, commitHash string, out testreduce.Outcome) error {
	if out.FetchFailure() {
		return s.IncrementFetchFailure(ctx, key, commitHash)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pageID int64
	matches := 0
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM pages WHERE title = ? AND prefix = ?`,
		key.Title, key.Prefix)
	if err != nil {
		return err
	}
	for rows.Next() {
		if err := rows.Scan(&pageID); err != nil {
			rows.Close()
			return err
		}
		matches++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if matches != 1 {
		return fmt.Errorf("%w: %s matched %d pages", ErrConsistency, key, matches)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (page_id, commit_hash, result) VALUES (?, ?, ?)
		 ON CONFLICT (page_id, commit_hash) DO UPDATE SET result = excluded.result`,
		pageID, commitHash, out.Raw); err != nil {
		return err
	}
	var resultID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM results WHERE page_id = ? AND commit_hash = ?`,
		pageID, commitHash).Scan(&resultID); err != nil {
		return err
	}

	score := out.Score()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stats (skips, fails, errors, selser_errors, score, page_id, commit_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (page_id, commit_hash) DO UPDATE SET
		   skips = excluded.skips, fails = excluded.fails, errors = excluded.errors,
		   selser_errors = excluded.selser_errors, score = excluded.score`,
		out.Skips, out.Fails, out.Errors, out.SelserErrors, score, pageID, commitHash); err != nil {
		return err
	}
	var statID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM stats WHERE page_id = ? AND commit_hash = ?`,
		pageID, commitHash).Scan(&statID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pages
		 SET latest_stat = ?, latest_score = ?, latest_result = ?,
		     claim_hash = ?, claim_timestamp = NULL, claim_num_tries = 0
		 WHERE id = ?`,
		statID, score, resultID, commitHash, pageID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetPage fetches the full persisted state of one page.
func (s *Store) GetPage(ctx context.Context, key testreduce.PageKey) (testreduce.Page, bool, error) {
	var p testreduce.Page
	var claimTS, latestStat, latestScore, latestResult sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, prefix, claim_hash, claim_timestamp, claim_num_tries,
		        num_fetch_errors, latest_stat, latest_score, latest_result
		 FROM pages WHERE title = ? AND prefix = ?`,
		key.Title, key.Prefix).Scan(
		&p.ID, &p.Title, &p.Prefix, &p.ClaimHash, &claimTS, &p.ClaimNumTries,
		&p.NumFetchErrors, &latestStat, &latestScore, &latestResult)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return testreduce.Page{}, false, nil
		}
		return testreduce.Page{}, false, err
	}
	p.ClaimTimestamp = claimTS.Int64
	p.LatestStat = latestStat.Int64
	p.LatestScore = latestScore.Int64
	p.LatestResult = latestResult.Int64
	return p, true, nil
}
