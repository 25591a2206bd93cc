// The client polls the coordinator for titles, runs the configured test
// command against each one, and posts the result back. It is built to be
// crash-prone on purpose: unrecoverable states exit and a supervisor
// restarts the process clean.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/testreduce"
)

const (
	noWorkBackoff    = 30 * time.Second
	transportBackoff = 15 * time.Second
	revisionCacheTTL = 5 * time.Minute
	maxTestJitter    = 500 * time.Millisecond
	pollAttempts     = 10
)

func main() {
	rand.Seed(time.Now().UnixNano())
	cfg := parseClientConfig()

	r := &runner{
		serverURL:   strings.TrimRight(cfg.serverURL, "/"),
		testCmd:     cfg.testCmd,
		testTimeout: cfg.testTimeout,
		resolver:    newRevisionResolver(cfg.revCmd, cfg.repoPath),
		httpClient:  &http.Client{Timeout: cfg.requestTimeout},
		// Room for one stale completion plus the live one.
		results:     make(chan testCompletion, 2),
		exit:        os.Exit,
		sleep:       time.Sleep,
	}
	r.loop(context.Background())
}

type clientConfig struct {
	serverURL      string
	testCmd        string
	revCmd         string
	repoPath       string
	testTimeout    time.Duration
	requestTimeout time.Duration
}

func parseClientConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.serverURL, "server", getenv("TESTREDUCE_SERVER", "http://localhost:8001"), "coordinator url")
	flag.StringVar(&cfg.testCmd, "test-cmd", getenv("TESTREDUCE_TEST_CMD", ""), "test command; invoked with <prefix> <title> appended")
	flag.StringVar(&cfg.revCmd, "rev-cmd", getenv("TESTREDUCE_REV_CMD", ""), "command printing '<hash> <unix-seconds>' for the revision under test")
	flag.StringVar(&cfg.repoPath, "repo", getenv("TESTREDUCE_REPO", ""), "git checkout of the software under test")
	var testTimeoutSec, requestTimeoutSec int
	flag.IntVar(&testTimeoutSec, "test-timeout-seconds", 300, "per-test timeout seconds")
	flag.IntVar(&requestTimeoutSec, "request-timeout-seconds", 15, "coordinator request timeout seconds")
	flag.Parse()

	cfg.testTimeout = time.Duration(testTimeoutSec) * time.Second
	cfg.requestTimeout = time.Duration(requestTimeoutSec) * time.Second
	if strings.TrimSpace(cfg.testCmd) == "" {
		log.Fatal("-test-cmd is required")
	}
	if strings.TrimSpace(cfg.revCmd) == "" && strings.TrimSpace(cfg.repoPath) == "" {
		log.Fatal("one of -rev-cmd or -repo is required")
	}
	return cfg
}

func getenv(name, fallback string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return v
}

type runner struct {
	serverURL   string
	testCmd     string
	testTimeout time.Duration
	resolver    *revisionResolver
	httpClient  *http.Client

	// generation invalidates in-flight test attempts: a completion tagged
	// with an old generation is discarded instead of overwriting the state
	// of a later retry.
	generation atomic.Uint64
	results    chan testCompletion

	exit  func(int)
	sleep func(time.Duration)
}

func (r *runner) loop(ctx context.Context) {
	for {
		rev, err := r.resolver.current(ctx)
		if err != nil {
			log.Printf("cannot resolve revision under test: %v", err)
			r.sleep(jitterDuration(transportBackoff))
			continue
		}

		item, outcome := r.poll(ctx, rev)
		switch outcome {
		case pollGotWork:
		case pollNoWork:
			r.sleep(jitterDuration(noWorkBackoff))
			continue
		case pollStaleRevision:
			// The software under test moved on; restart under the new
			// revision rather than keep producing results nobody reads.
			log.Printf("revision %s is outdated, exiting for restart", rev.hash)
			r.exit(0)
			return
		case pollTransportError:
			r.sleep(jitterDuration(transportBackoff))
			continue
		}

		raw, err := r.runTest(ctx, item)
		if err != nil {
			log.Printf("test failed for %s:%s: %v", item.Prefix, item.Title, err)
			raw = errorResultBody(err)
			r.report(ctx, item, raw)
			r.exit(1)
			return
		}
		r.report(ctx, item, raw)
	}
}

type pollOutcome int

const (
	pollGotWork pollOutcome = iota
	pollNoWork
	pollStaleRevision
	pollTransportError
)

// poll asks the coordinator for one title, retrying transport failures
// through the backoff helper. Protocol answers (404, 426) are not retried.
func (r *runner) poll(ctx context.Context, rev revision) (testreduce.Title, pollOutcome) {
	var item testreduce.Title
	outcome := pollTransportError
	err := retryWithBackoff(ctx, time.Second, pollAttempts, func() error {
		endpoint := fmt.Sprintf("%s/title?commit=%s&ctime=%d",
			r.serverURL, url.QueryEscape(rev.hash), rev.timestamp.Unix())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
				return err
			}
			outcome = pollGotWork
			return nil
		case http.StatusNotFound:
			outcome = pollNoWork
			return nil
		case http.StatusUpgradeRequired:
			outcome = pollStaleRevision
			return nil
		default:
			return fmt.Errorf("poll status=%s body=%s", resp.Status, readLimitedBody(resp.Body))
		}
	})
	if err != nil {
		log.Printf("poll: %v", err)
		return testreduce.Title{}, pollTransportError
	}
	return item, outcome
}

type testCompletion struct {
	generation uint64
	raw        string
	err        error
}

var errTestTimeout = errors.New("test timed out")

// runTest executes the test command for one title, bounded by the test
// timeout plus a small random jitter so a fleet of clients stuck on the
// same pathological title does not give up in lockstep. One local retry;
// a completion that arrives after its attempt timed out is discarded.
func (r *runner) runTest(ctx context.Context, item testreduce.Title) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := r.runTestAttempt(ctx, item)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		log.Printf("test attempt %d for %s:%s: %v", attempt+1, item.Prefix, item.Title, err)
	}
	return "", lastErr
}

func (r *runner) runTestAttempt(ctx context.Context, item testreduce.Title) (string, error) {
	gen := r.generation.Load()
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.execTest(cmdCtx, gen, item)

	timeout := r.testTimeout + time.Duration(rand.Int63n(int64(maxTestJitter)))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case res := <-r.results:
			if res.generation != r.generation.Load() {
				log.Printf("rejecting delayed result for %s:%s", item.Prefix, item.Title)
				continue
			}
			return res.raw, res.err
		case <-timer.C:
			r.generation.Add(1)
			return "", errTestTimeout
		case <-ctx.Done():
			r.generation.Add(1)
			return "", ctx.Err()
		}
	}
}

func (r *runner) execTest(ctx context.Context, gen uint64, item testreduce.Title) {
	cmd := exec.CommandContext(ctx, r.testCmd, item.Prefix, item.Title)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	select {
	case r.results <- testCompletion{generation: gen, raw: stdout.String(), err: err}:
	default:
		// An attempt already consumed its verdict; nobody is listening.
	}
}

// report posts one result body. The revision is re-resolved first so a
// deploy that landed mid-test is reported under the commit that actually
// ran. Transport failures are logged and dropped; the lease expires and the
// title is retested.
func (r *runner) report(ctx context.Context, item testreduce.Title, raw string) {
	rev, err := r.resolver.current(ctx)
	if err != nil {
		log.Printf("report: cannot resolve revision: %v", err)
		return
	}
	payload, err := json.Marshal(map[string]any{
		"commit":  rev.hash,
		"results": json.RawMessage(normalizeResultBody(raw)),
	})
	if err != nil {
		log.Printf("report: encode: %v", err)
		return
	}
	endpoint := fmt.Sprintf("%s/result/%s/%s",
		r.serverURL, url.PathEscape(item.Title), url.PathEscape(item.Prefix))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		log.Printf("report: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.Printf("report for %s:%s failed: %v", item.Prefix, item.Title, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("report for %s:%s rejected: status=%s body=%s",
			item.Prefix, item.Title, resp.Status, readLimitedBody(resp.Body))
		return
	}
	log.Printf("reported %s:%s", item.Prefix, item.Title)
}

// normalizeResultBody wraps the test command's stdout for the report: a
// JSON object passes through, anything else (the legacy XML encoding) is
// carried as a JSON string.
func normalizeResultBody(raw string) []byte {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return []byte(trimmed)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func errorResultBody(err error) string {
	name := "TestFailure"
	if errors.Is(err, errTestTimeout) {
		name = "TestTimeout"
	}
	body, _ := json.Marshal(map[string]any{
		"err": map[string]string{
			"name": name,
			"msg":  err.Error(),
		},
	})
	return string(body)
}

type revision struct {
	hash      string
	timestamp time.Time
}

// revisionResolver answers "what revision is under test right now", either
// from a user-supplied command or from the git checkout, cached briefly so
// the answer does not cost a subprocess per poll.
type revisionResolver struct {
	revCmd   string
	repoPath string
	now      func() time.Time

	mu       sync.Mutex
	cached   revision
	cachedAt time.Time
}

func newRevisionResolver(revCmd, repoPath string) *revisionResolver {
	return &revisionResolver{revCmd: revCmd, repoPath: repoPath, now: time.Now}
}

func (rr *revisionResolver) current(ctx context.Context) (revision, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.cached.hash != "" && rr.now().Sub(rr.cachedAt) < revisionCacheTTL {
		return rr.cached, nil
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(rr.revCmd) != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", rr.revCmd)
	} else {
		cmd = exec.CommandContext(ctx, "git", "log", "--max-count=1", "--pretty=format:%H %ct")
		cmd.Dir = rr.repoPath
	}
	out, err := cmd.Output()
	if err != nil {
		return revision{}, fmt.Errorf("resolve revision: %w", err)
	}
	rev, err := parseRevision(string(out))
	if err != nil {
		return revision{}, err
	}
	rr.cached = rev
	rr.cachedAt = rr.now()
	return rev, nil
}

func parseRevision(out string) (revision, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 1 || fields[0] == "" {
		return revision{}, errors.New("empty revision output")
	}
	rev := revision{hash: fields[0], timestamp: time.Now()}
	if len(fields) >= 2 {
		var secs int64
		if _, err := fmt.Sscanf(fields[1], "%d", &secs); err == nil {
			rev.timestamp = time.Unix(secs, 0)
		}
	}
	return rev, nil
}

func retryWithBackoff(ctx context.Context, base time.Duration, attempts int, fn func() error) error {
	delay := base
	maxDelay := 30 * time.Second
	for i := 0; i < attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitterDuration(delay)):
			delay = nextBackoff(delay, maxDelay)
		}
	}
	return nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d/5) + 1))
	return d + jitter
}

func readLimitedBody(r io.Reader) string {
	const limit = 512
	buf := make([]byte, limit)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}
