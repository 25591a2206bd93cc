// The coordinator hands out test titles under revision-scoped leases,
// ingests reported results, and serves the aggregate read APIs the
// dashboard and admin CLI consume.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/coordinator"
	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/store"
	"github.com/wikimedia/mediawiki-services-parsoid-testreduce/internal/testreduce"
)

const auditComponent = "coordinator"

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx := context.Background()

	s, err := store.Open(cfg.dbPath, store.Options{
		MaxTries:        cfg.maxTries,
		MaxFetchRetries: cfg.maxFetchRetries,
		CutOff:          cfg.cutOff,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	tracker, err := coordinator.NewTracker(ctx, s)
	if err != nil {
		log.Fatalf("failed to load revision log: %v", err)
	}
	leases := coordinator.NewLeaseManager(s, cfg.batchSize, cfg.cutOff)

	app := &app{
		store:   s,
		leases:  leases,
		tracker: tracker,
		metrics: newMetrics(),
		cutOff:  cfg.cutOff,
	}

	auditEvent("info", "coordinator.startup", "", map[string]any{
		"addr":              cfg.addr,
		"db_path":           cfg.dbPath,
		"max_tries":         cfg.maxTries,
		"max_fetch_retries": cfg.maxFetchRetries,
		"cutoff_seconds":    int(cfg.cutOff.Seconds()),
		"batch_size":        cfg.batchSize,
	})
	if err := http.ListenAndServe(cfg.addr, app.mux()); err != nil {
		log.Fatalf("http server exited: %v", err)
	}
}

type app struct {
	store   *store.Store
	leases  *coordinator.LeaseManager
	tracker *coordinator.Tracker
	metrics *metrics
	cutOff  time.Duration
}

func (a *app) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/title", a.getTitle())
	mux.HandleFunc("/result/", a.postResult())
	mux.HandleFunc("/stats", a.getStats())
	mux.HandleFunc("/stats/", a.getStats())
	mux.HandleFunc("/regressions/between/", a.getDeltas(true))
	mux.HandleFunc("/topfixes/between/", a.getDeltas(false))
	mux.HandleFunc("/crashers", a.getCrashers())
	mux.HandleFunc("/failedfetches", a.getFailedFetches())
	mux.HandleFunc("/commits", a.getCommits())
	mux.HandleFunc("/semanticdiffsdistr", a.getDistribution(a.store.FailsDistribution))
	mux.HandleFunc("/syntacticdiffsdistr", a.getDistribution(a.store.SkipsDistribution))
	mux.HandleFunc("/topfails", a.getTopFails())
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

type config struct {
	addr            string
	dbPath          string
	maxTries        int
	maxFetchRetries int
	cutOff          time.Duration
	batchSize       int
}

// settingsFile is the optional YAML settings file. Flags and TESTREDUCE_*
// env vars override it.
type settingsFile struct {
	Addr            string `yaml:"addr"`
	DBPath          string `yaml:"db"`
	MaxTries        int    `yaml:"tries"`
	MaxFetchRetries int    `yaml:"fetches"`
	CutOffSeconds   int    `yaml:"cutofftime"`
	BatchSize       int    `yaml:"batch_size"`
}

func parseConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	configPath := fs.String("config", getenvDefault("TESTREDUCE_CONFIG", ""), "optional yaml settings file")
	addr := fs.String("addr", getenvDefault("TESTREDUCE_ADDR", ""), "listen address")
	dbPath := fs.String("db", getenvDefault("TESTREDUCE_DB_PATH", ""), "sqlite db path")
	maxTries := fs.Int("tries", int(getenvInt("TESTREDUCE_MAX_TRIES", 0)), "max claims per title per revision")
	maxFetches := fs.Int("fetches", int(getenvInt("TESTREDUCE_MAX_FETCH_RETRIES", 0)), "fetch failures before a title is dropped")
	cutOffSec := fs.Int("cutofftime", int(getenvInt("TESTREDUCE_CUTOFF_SECONDS", 0)), "lease lifetime in seconds")
	batchSize := fs.Int("batch", int(getenvInt("TESTREDUCE_BATCH_SIZE", 0)), "claim batch size")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	var file settingsFile
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			return config{}, err
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return config{}, err
		}
	}

	cfg := config{
		addr:            firstNonEmpty(*addr, file.Addr, ":8001"),
		dbPath:          firstNonEmpty(*dbPath, file.DBPath, "testreduce.db"),
		maxTries:        firstPositive(*maxTries, file.MaxTries, testreduce.DefaultMaxTries),
		maxFetchRetries: firstPositive(*maxFetches, file.MaxFetchRetries, testreduce.DefaultMaxFetchRetries),
		batchSize:       firstPositive(*batchSize, file.BatchSize, testreduce.DefaultBatchSize),
	}
	cfg.cutOff = time.Duration(firstPositive(*cutOffSec, file.CutOffSeconds, testreduce.DefaultCutOffSeconds)) * time.Second
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvInt(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.Encode(payload)
}

func requestIDFromHTTP(r *http.Request) string {
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if requestID != "" {
		return requestID
	}
	return testreduce.NewRequestID()
}

func auditEvent(level, eventName, requestID string, fields map[string]any) {
	payload := map[string]any{
		"ts":         time.Now().Format(time.RFC3339Nano),
		"component":  auditComponent,
		"level":      level,
		"event":      eventName,
		"request_id": requestID,
	}
	for k, v := range fields {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal audit event: %v", err)
		return
	}
	log.Printf("%s", string(raw))
}
