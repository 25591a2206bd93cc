// Package testreduce holds the wire types and scoring rules shared by the
// coordinator, the test client, and the admin CLI.
package testreduce

import (
	"strings"

	"github.com/google/uuid"
)

// Defaults mirror the knobs of the original deployment: how often a title
// may be handed out per revision, how many upstream fetch failures exclude
// it for good, how long a claim stays exclusive, and the poll batch size.
const (
	DefaultMaxTries        = 6
	DefaultMaxFetchRetries = 6
	DefaultCutOffSeconds   = 600
	DefaultBatchSize       = 50
)

// UnclaimedHash is the sentinel claim token of a page no client has ever
// been handed. A freshly imported page carries it until the first claim.
const UnclaimedHash = ""

// PageKey is the natural key of a work item: a title within a wiki prefix.
type PageKey struct {
	Prefix string `json:"prefix"`
	Title  string `json:"title"`
}

func (k PageKey) String() string {
	return k.Prefix + ":" + k.Title
}

// Valid reports whether both components are non-empty after trimming.
func (k PageKey) Valid() bool {
	return strings.TrimSpace(k.Prefix) != "" && strings.TrimSpace(k.Title) != ""
}

// Title is the descriptor handed to a polling client. Clients echo the key
// back verbatim when reporting, so the coordinator can resolve the claim.
type Title struct {
	ID     int64  `json:"id"`
	Prefix string `json:"prefix"`
	Title  string `json:"title"`
}

func (t Title) Key() PageKey {
	return PageKey{Prefix: t.Prefix, Title: t.Title}
}

// Page is the full persisted state of a work item.
type Page struct {
	ID             int64
	Prefix         string
	Title          string
	ClaimHash      string
	ClaimTimestamp int64 // unix seconds, 0 when the lease is released
	ClaimNumTries  int
	NumFetchErrors int
	LatestScore    int64
	LatestResult   int64
	LatestStat     int64
}

// Commit is one sighted revision of the software under test.
type Commit struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

// Stat is the derived numeric outcome for one (page, commit) pair.
type Stat struct {
	Skips        int   `json:"skips"`
	Fails        int   `json:"fails"`
	Errors       int   `json:"errors"`
	SelserErrors int   `json:"selser_errors"`
	Score        int64 `json:"score"`
}

// StatsSummary is the aggregate view for one revision (optionally scoped to
// a single wiki prefix), consumed by the dashboard.
type StatsSummary struct {
	Prefix          string `json:"prefix,omitempty"`
	LatestHash      string `json:"latest_hash"`
	PreviousHash    string `json:"previous_hash"`
	LatestResults   int64  `json:"latest_results"`
	Total           int64  `json:"total"`
	NoErrors        int64  `json:"no_errors"`
	NoFails         int64  `json:"no_fails"`
	NoSkips         int64  `json:"no_skips"`
	NumRegressions  int64  `json:"num_regressions"`
	NumFixes        int64  `json:"num_fixes"`
	Crashers        int64  `json:"crashers"`
	RTSelserErrors  int64  `json:"rt_selser_errors"`
}

// DeltaRow is one regression or fix between two revisions.
type DeltaRow struct {
	Prefix    string `json:"prefix"`
	Title     string `json:"title"`
	NewCommit string `json:"new_commit"`
	OldCommit string `json:"old_commit"`
	Errors    int    `json:"errors"`
	Fails     int    `json:"fails"`
	Skips     int    `json:"skips"`
	OldErrors int    `json:"old_errors"`
	OldFails  int    `json:"old_fails"`
	OldSkips  int    `json:"old_skips"`
}

// DeltaPage is a paginated regression or fix listing.
type DeltaPage struct {
	Count int64      `json:"count"`
	Page  int        `json:"page"`
	Rows  []DeltaRow `json:"rows"`
}

// Crasher is a page that exhausted its tries under its claimed revision
// without ever reporting back.
type Crasher struct {
	Prefix          string `json:"prefix"`
	Title           string `json:"title"`
	ClaimHash       string `json:"claim_hash"`
	CommitTimestamp int64  `json:"commit_timestamp"`
}

// TopFail is one row of the results-by-severity listing.
type TopFail struct {
	Prefix string `json:"prefix"`
	Title  string `json:"title"`
	Hash   string `json:"hash"`
	Errors int    `json:"errors"`
	Fails  int    `json:"fails"`
	Skips  int    `json:"skips"`
}

// DistrBucket is one histogram bucket of a diff-count distribution.
type DistrBucket struct {
	Count    int   `json:"count"`
	NumPages int64 `json:"num_pages"`
}

// NewRequestID returns an opaque ID for request tracing and audit events.
func NewRequestID() string {
	return uuid.NewString()
}
