package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/testreduce"
)

func newTestRunner(serverURL string) *runner {
	return &runner{
		serverURL:   serverURL,
		testTimeout: time.Second,
		resolver:    newRevisionResolver("echo deadbeef 1000", ""),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		results:     make(chan testCompletion, 2),
		exit:        func(int) {},
		sleep:       func(time.Duration) {},
	}
}

func TestPollOutcomes(t *testing.T) {
	t.Parallel()
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/title", r.URL.Path)
		require.Equal(t, "deadbeef", r.URL.Query().Get("commit"))
		require.Equal(t, "1000", r.URL.Query().Get("ctime"))
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(testreduce.Title{ID: 7, Prefix: "enwiki", Title: "Alpha"})
		}
	}))
	defer srv.Close()

	r := newTestRunner(srv.URL)
	rev := revision{hash: "deadbeef", timestamp: time.Unix(1000, 0)}

	status = http.StatusOK
	item, outcome := r.poll(context.Background(), rev)
	assert.Equal(t, pollGotWork, outcome)
	assert.Equal(t, "Alpha", item.Title)
	assert.Equal(t, "enwiki", item.Prefix)

	status = http.StatusNotFound
	_, outcome = r.poll(context.Background(), rev)
	assert.Equal(t, pollNoWork, outcome)

	status = http.StatusUpgradeRequired
	_, outcome = r.poll(context.Background(), rev)
	assert.Equal(t, pollStaleRevision, outcome)
}

func TestReportPostsResult(t *testing.T) {
	t.Parallel()
	type captured struct {
		path string
		body map[string]any
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- captured{path: r.URL.EscapedPath(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newTestRunner(srv.URL)
	item := testreduce.Title{Prefix: "enwiki", Title: "Some Page"}
	r.report(context.Background(), item, `{"fails": 1, "skips": 0}`)

	c := <-got
	assert.Equal(t, "/result/Some%20Page/enwiki", c.path)
	assert.Equal(t, "deadbeef", c.body["commit"])
	results, ok := c.body["results"].(map[string]any)
	require.True(t, ok, "structured body passes through as an object")
	assert.EqualValues(t, 1, results["fails"])
}

func TestNormalizeResultBody(t *testing.T) {
	t.Parallel()

	assert.JSONEq(t, `{"fails": 2}`, string(normalizeResultBody(` {"fails": 2} `)))

	raw := `<testsuite><testcase><skipped/></testcase></testsuite>`
	var unquoted string
	require.NoError(t, json.Unmarshal(normalizeResultBody(raw), &unquoted))
	assert.Equal(t, raw, unquoted)
}

func TestErrorResultBody(t *testing.T) {
	t.Parallel()

	var body struct {
		Err struct {
			Name string `json:"name"`
			Msg  string `json:"msg"`
		} `json:"err"`
	}
	require.NoError(t, json.Unmarshal([]byte(errorResultBody(errTestTimeout)), &body))
	assert.Equal(t, "TestTimeout", body.Err.Name)

	require.NoError(t, json.Unmarshal([]byte(errorResultBody(errors.New("boom"))), &body))
	assert.Equal(t, "TestFailure", body.Err.Name)
	assert.Equal(t, "boom", body.Err.Msg)
}

func TestParseRevision(t *testing.T) {
	t.Parallel()

	rev, err := parseRevision("abc123 1700000000\n")
	require.NoError(t, err)
	assert.Equal(t, "abc123", rev.hash)
	assert.Equal(t, time.Unix(1700000000, 0), rev.timestamp)

	// Hash-only output still resolves, with a best-effort timestamp.
	rev, err = parseRevision("abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", rev.hash)
	assert.False(t, rev.timestamp.IsZero())

	_, err = parseRevision("   \n")
	assert.Error(t, err)
}

func TestRevisionResolverCaches(t *testing.T) {
	t.Parallel()
	rr := newRevisionResolver("echo abc123 1000", "")

	rev, err := rr.current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", rev.hash)
	assert.Equal(t, time.Unix(1000, 0), rev.timestamp)

	// Within the TTL the command is not consulted again.
	rr.revCmd = "false"
	rev, err = rr.current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", rev.hash)

	// Past the TTL it is, and the failure surfaces.
	rr.now = func() time.Time { return time.Now().Add(revisionCacheTTL + time.Minute) }
	_, err = rr.current(context.Background())
	assert.Error(t, err)
}

func TestRunTestDiscardsStaleCompletions(t *testing.T) {
	t.Parallel()
	r := newTestRunner("http://unused")

	// A completion tagged with a stale generation must be skipped in
	// favor of the live attempt's verdict.
	r.generation.Store(3)
	r.results <- testCompletion{generation: 2, raw: "stale"}
	r.results <- testCompletion{generation: 3, raw: "live"}

	r.testCmd = "true"
	raw, err := r.runTestAttempt(context.Background(), testreduce.Title{Prefix: "enwiki", Title: "A"})
	require.NoError(t, err)
	assert.Equal(t, "live", raw)
}

func TestRunTestTimesOutAndBumpsGeneration(t *testing.T) {
	t.Parallel()
	r := newTestRunner("http://unused")
	r.testTimeout = 50 * time.Millisecond
	r.testCmd = "sleep"

	before := r.generation.Load()
	_, err := r.runTestAttempt(context.Background(),
		testreduce.Title{Prefix: "2", Title: "2"})
	assert.ErrorIs(t, err, errTestTimeout)
	assert.Equal(t, before+1, r.generation.Load(), "in-flight attempt invalidated")
}
