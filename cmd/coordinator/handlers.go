package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/coordinator"
	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/store"
	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/testreduce"
)

// getTitle serves the client poll: record the client's revision, then hand
// out one claimed title. 426 tells a client on an outdated revision to
// restart; 404 tells it to back off and poll again.
func (a *app) getTitle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromHTTP(r)
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		commit := strings.TrimSpace(r.URL.Query().Get("commit"))
		if commit == "" {
			auditEvent("warn", "coordinator.title", requestID, map[string]any{
				"status_code": http.StatusBadRequest,
				"error":       "commit required",
			})
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "commit required"})
			return
		}
		ctime := parseCommitTime(r.URL.Query().Get("ctime"))

		stale, err := a.tracker.Sighting(r.Context(), commit, ctime)
		if err != nil {
			auditEvent("error", "coordinator.title", requestID, map[string]any{
				"status_code": http.StatusInternalServerError,
				"commit":      commit,
				"error":       err.Error(),
			})
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if stale {
			a.metrics.staleRevisions.Inc()
			auditEvent("info", "coordinator.title", requestID, map[string]any{
				"status_code": http.StatusUpgradeRequired,
				"commit":      commit,
				"latest":      a.tracker.Latest(),
			})
			writeJSON(w, http.StatusUpgradeRequired, map[string]string{
				"error":  "revision is outdated",
				"latest": a.tracker.Latest(),
			})
			return
		}

		title, err := a.leases.Next(r.Context(), commit)
		if errors.Is(err, coordinator.ErrNoWork) {
			a.metrics.noWork.Inc()
			auditEvent("info", "coordinator.title", requestID, map[string]any{
				"status_code": http.StatusNotFound,
				"commit":      commit,
			})
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no available titles"})
			return
		}
		if err != nil {
			auditEvent("error", "coordinator.title", requestID, map[string]any{
				"status_code": http.StatusInternalServerError,
				"commit":      commit,
				"error":       err.Error(),
			})
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		a.metrics.titlesServed.Inc()
		auditEvent("info", "coordinator.title", requestID, map[string]any{
			"status_code": http.StatusOK,
			"commit":      commit,
			"prefix":      title.Prefix,
			"title":       title.Title,
		})
		writeJSON(w, http.StatusOK, title)
	}
}

// resultReport is the JSON report body. Results holds either a structured
// outcome object or the legacy text blob as a JSON string.
type resultReport struct {
	Commit  string          `json:"commit"`
	Results json.RawMessage `json:"results"`
}

// postResult ingests one reported outcome at /result/<title>/<prefix>.
// The title segment arrives URL-escaped, exactly as clients post it.
func (a *app) postResult() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromHTTP(r)
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		key, ok := resultPathKey(r.URL.Path)
		if !ok {
			auditEvent("warn", "coordinator.result", requestID, map[string]any{
				"status_code": http.StatusBadRequest,
				"path":        r.URL.Path,
				"error":       "invalid result path",
			})
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected /result/<title>/<prefix>"})
			return
		}

		commit, rawResult, err := decodeReport(r)
		if err != nil {
			auditEvent("warn", "coordinator.result", requestID, map[string]any{
				"status_code": http.StatusBadRequest,
				"page":        key.String(),
				"error":       err.Error(),
			})
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		outcome, err := parseOutcome(rawResult)
		if err != nil {
			auditEvent("warn", "coordinator.result", requestID, map[string]any{
				"status_code": http.StatusBadRequest,
				"page":        key.String(),
				"error":       err.Error(),
			})
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		if err := a.store.IngestResult(r.Context(), key, commit, outcome); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrConsistency) {
				a.metrics.ingestFaults.Inc()
			}
			auditEvent("error", "coordinator.result", requestID, map[string]any{
				"status_code": status,
				"page":        key.String(),
				"commit":      commit,
				"error":       err.Error(),
			})
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		if outcome.FetchFailure() {
			a.metrics.fetchFailures.Inc()
		} else {
			a.metrics.resultsIngested.Inc()
		}
		auditEvent("info", "coordinator.result", requestID, map[string]any{
			"status_code": http.StatusOK,
			"page":        key.String(),
			"commit":      commit,
			"score":       outcome.Score(),
			"fetch_fail":  outcome.FetchFailure(),
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func resultPathKey(path string) (testreduce.PageKey, bool) {
	rest := strings.TrimPrefix(path, "/result/")
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return testreduce.PageKey{}, false
	}
	title, err := url.PathUnescape(rest[:idx])
	if err != nil {
		return testreduce.PageKey{}, false
	}
	key := testreduce.PageKey{Title: title, Prefix: rest[idx+1:]}
	return key, key.Valid()
}

// decodeReport accepts both report encodings: JSON bodies from current
// clients and form-encoded bodies from old ones.
func decodeReport(r *http.Request) (commit, rawResult string, err error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return "", "", errors.New("invalid form body")
		}
		commit = strings.TrimSpace(r.PostForm.Get("commit"))
		rawResult = r.PostForm.Get("results")
	} else {
		var report resultReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			return "", "", errors.New("invalid json body")
		}
		commit = strings.TrimSpace(report.Commit)
		rawResult = string(report.Results)
		// A legacy blob inside a JSON body arrives as a JSON string.
		var unquoted string
		if json.Unmarshal(report.Results, &unquoted) == nil {
			rawResult = unquoted
		}
	}
	if commit == "" {
		return "", "", errors.New("commit required")
	}
	if strings.TrimSpace(rawResult) == "" {
		return "", "", errors.New("results required")
	}
	return commit, rawResult, nil
}

func parseOutcome(raw string) (testreduce.Outcome, error) {
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return testreduce.ParseStructuredResult([]byte(raw))
	}
	return testreduce.ParseLegacyResult(raw), nil
}

func parseCommitTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now()
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Now()
}

func (a *app) getStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := ""
		if rest := strings.TrimPrefix(r.URL.Path, "/stats"); rest != "" {
			prefix = strings.Trim(rest, "/")
		}
		a.readQuery(w, r, "coordinator.stats", func(ctx context.Context) (any, error) {
			return a.store.Summary(ctx, prefix, time.Now().Add(-a.cutOff))
		})
	}
}

func (a *app) getDeltas(regressions bool) http.HandlerFunc {
	event := "coordinator.regressions"
	base := "/regressions/between/"
	if !regressions {
		event = "coordinator.topfixes"
		base = "/topfixes/between/"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, base)
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected <old>/<new> revision pair"})
			return
		}
		oldHash, newHash := parts[0], parts[1]
		page := queryPage(r)
		a.readQuery(w, r, event, func(ctx context.Context) (any, error) {
			if regressions {
				return a.store.RegressionsBetween(ctx, oldHash, newHash, page)
			}
			return a.store.FixesBetween(ctx, oldHash, newHash, page)
		})
	}
}

func (a *app) getCrashers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.readQuery(w, r, "coordinator.crashers", func(ctx context.Context) (any, error) {
			return a.store.Crashers(ctx, time.Now().Add(-a.cutOff))
		})
	}
}

func (a *app) getFailedFetches() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.readQuery(w, r, "coordinator.failedfetches", func(ctx context.Context) (any, error) {
			return a.store.FailedFetches(ctx)
		})
	}
}

func (a *app) getCommits() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.readQuery(w, r, "coordinator.commits", func(ctx context.Context) (any, error) {
			return a.store.Commits(ctx)
		})
	}
}

func (a *app) getDistribution(query func(context.Context) ([]testreduce.DistrBucket, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.readQuery(w, r, "coordinator.distribution", func(ctx context.Context) (any, error) {
			return query(ctx)
		})
	}
}

func (a *app) getTopFails() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryPage(r)
		a.readQuery(w, r, "coordinator.topfails", func(ctx context.Context) (any, error) {
			return a.store.TopFails(ctx, page)
		})
	}
}

func (a *app) readQuery(w http.ResponseWriter, r *http.Request, event string, query func(context.Context) (any, error)) {
	requestID := requestIDFromHTTP(r)
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	payload, err := query(r.Context())
	if err != nil {
		auditEvent("error", event, requestID, map[string]any{
			"status_code": http.StatusInternalServerError,
			"error":       err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func queryPage(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("page"))
	if raw == "" {
		return 0
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
