package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"failback-loader/work/config"
	"failback-loader/work/failover"
	"failback-loader/work/hosts"
	"failback-loader/work/logger"
	"failback-loader/work/middleware"
	"failback-loader/work/prober"
	"failback-loader/work/state"
	"failback-loader/work/transport"
)

var Version = "v0.1.0"

const (
	controlAddr   = ":9100"
	primaryAddr   = "127.0.0.1:9101"
	alternateAddr = "127.0.0.1:9102"
	demoSession   = "testbed"
)

// runStats mirrors the stat boxes of the original blocking-simulator page:
// how many segments came straight from the primary, how many arrived through
// failback, and how many failed outright.
type runStats struct {
	Segments     int   `json:"segments"`
	Direct       int   `json:"direct"`
	Failback     int   `json:"failback"`
	Errors       int   `json:"errors"`
	PrimaryHits  int64 `json:"primaryHits"`
	FallbackHits int64 `json:"fallbackHits"`
	DurationMs   int64 `json:"durationMs"`
}

// testbed binds the simulated origins to the failover engine.
type testbed struct {
	cfg       *config.Config
	engine    *failover.Engine
	primary   *originSim
	alternate *originSim
}

func main() {
	cfg := config.LoadConfig("config.json")
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}

	// the testbed origins speak plain HTTP on loopback, so the demo routes
	// failover through a custom transform instead of the default rewriter
	// (which upgrades alternates to https)
	cfg.TransformURL = func(rawURL string, attempt int) string {
		if attempt != 1 {
			return ""
		}
		u := rawURL
		if len(u) > len("http://"+primaryAddr) {
			return "http://" + alternateAddr + u[len("http://"+primaryAddr):]
		}
		return ""
	}

	// shorten the demo timeouts so blocked-origin runs finish quickly
	cfg.TimeToFirstByte = 3 * time.Second
	cfg.StallSilence = 3 * time.Second
	cfg.Validate()

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("failed to create worker pool: %v", err)
		return
	}
	defer workerPool.Release()

	client := transport.NewClient(cfg)
	sessions := state.NewStore(cfg)
	hostProvider := hosts.New(cfg, nil)
	prb := prober.New(cfg, client, workerPool, nil)
	engine := failover.NewEngine(cfg, sessions, hostProvider, client, prb)

	if _, err := engine.Preload(context.Background()); err != nil {
		logger.Warn("alternate host preload failed: %v", err)
	}

	tb := &testbed{
		cfg:       cfg,
		engine:    engine,
		primary:   newOriginSim("primary", 64*1024, 12),
		alternate: newOriginSim("alternate", 64*1024, 12),
	}

	// simulated origins
	go func() {
		logger.Info("primary origin listening on %s", primaryAddr)
		if err := http.ListenAndServe(primaryAddr, tb.primary.router()); err != nil {
			logger.Error("primary origin server stopped: %v", err)
		}
	}()
	go func() {
		logger.Info("alternate origin listening on %s", alternateAddr)
		if err := http.ListenAndServe(alternateAddr, tb.alternate.router()); err != nil {
			logger.Error("alternate origin server stopped: %v", err)
		}
	}()

	// control plane
	router := mux.NewRouter()
	router.HandleFunc("/run", middleware.Gzip(tb.handleRun)).Methods("GET")
	router.HandleFunc("/mode/{mode}", tb.handleMode).Methods("GET", "POST")
	router.HandleFunc("/state", middleware.Gzip(tb.handleState)).Methods("GET")
	router.HandleFunc("/reset", tb.handleReset).Methods("GET", "POST")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	logger.Info("Starting failback-loader testbed %s", Version)
	logger.Info("  - Control plane:    http://localhost%s", controlAddr)
	logger.Info("  - Primary origin:   http://%s", primaryAddr)
	logger.Info("  - Alternate origin: http://%s", alternateAddr)
	logger.Info("  - Failover threshold: %d, probe cadence: %d", cfg.FailoverThreshold, cfg.ProbeCadence)

	if err := http.ListenAndServe(controlAddr, router); err != nil {
		logger.Error("control server stopped: %v", err)
	}
}

// handleRun loads every playlist segment through the failover engine and
// reports where each one was served from.
func (tb *testbed) handleRun(w http.ResponseWriter, r *http.Request) {
	tb.primary.ResetHits()
	tb.alternate.ResetHits()

	segments, err := fetchSegmentList("http://" + primaryAddr + "/playlist.m3u8")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("segments")); err == nil && n > 0 && n < len(segments) {
		segments = segments[:n]
	}

	stats := runStats{Segments: len(segments)}
	started := time.Now()

	for _, segURL := range segments {
		loader := tb.engine.NewLoader(demoSession)
		res := loadOne(r.Context(), loader, segURL)
		switch {
		case res == nil:
			stats.Errors++
		case res.ViaAlternate:
			stats.Failback++
		default:
			stats.Direct++
		}
	}

	stats.PrimaryHits = tb.primary.Hits()
	stats.FallbackHits = tb.alternate.Hits()
	stats.DurationMs = time.Since(started).Milliseconds()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// loadOne runs a single segment fetch to its terminal outcome.
func loadOne(ctx context.Context, loader *failover.Loader, segURL string) *failover.Response {
	var got *failover.Response
	loader.Load(ctx, &failover.Request{URL: segURL}, &failover.Callbacks{
		OnSuccess: func(res *failover.Response, _ *failover.Stats, _ *failover.Request) {
			got = res
		},
	})
	return got
}

// handleMode switches the primary origin's failure mode.
func (tb *testbed) handleMode(w http.ResponseWriter, r *http.Request) {
	mode := mux.Vars(r)["mode"]
	switch mode {
	case modeOK, modeBlocked, modeSilent, modeTrickle, modeBadPartial:
		tb.primary.SetMode(mode)
		fmt.Fprintf(w, "primary origin mode: %s\n", mode)
	default:
		http.Error(w, "unknown mode", http.StatusBadRequest)
	}
}

// handleState exposes the demo session's failure counters.
func (tb *testbed) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tb.engine.State(demoSession))
}

// handleReset clears the demo session and origin counters.
func (tb *testbed) handleReset(w http.ResponseWriter, r *http.Request) {
	tb.engine.ResetState(demoSession)
	tb.primary.ResetHits()
	tb.alternate.ResetHits()
	tb.primary.SetMode(modeOK)
	fmt.Fprintln(w, "reset")
}
