package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	appconfig "hlflow/config"
	"hlflow/models"
)

func testConfig(endpoints ...appconfig.EndpointConfig) *appconfig.Config {
	return &appconfig.Config{
		Run: appconfig.RunConfig{Slug: "hyperliquid"},
		Source: appconfig.SourceConfig{
			Endpoints: endpoints,
		},
		Reader: appconfig.ReaderConfig{
			Timeout:   2 * time.Second,
			Retry:     appconfig.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
			RateLimit: appconfig.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10},
		},
	}
}

func TestFetchRankedFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"dailyVolume":[{"date":1700000000,"volume":1}]}`))
	}))
	defer good.Close()

	cfg := testConfig(
		appconfig.EndpointConfig{URL: bad.URL, Encoding: "json"},
		appconfig.EndpointConfig{URL: good.URL, Encoding: "json"},
	)
	payload, err := NewFetcher(cfg).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if payload.SourceURL != good.URL {
		t.Fatalf("provenance should be second candidate, got %q", payload.SourceURL)
	}
	if payload.Encoding != models.EncodingJSON {
		t.Fatalf("encoding: %q", payload.Encoding)
	}
}

func TestFetchRetriesOneEndpointBeforeMovingOn(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := testConfig(appconfig.EndpointConfig{URL: srv.URL, Encoding: "json"})
	if _, err := NewFetcher(cfg).Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 attempts against the endpoint, got %d", got)
	}
}

func TestFetchAllCandidatesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testConfig(
		appconfig.EndpointConfig{URL: srv.URL + "/a", Encoding: "json"},
		appconfig.EndpointConfig{URL: srv.URL + "/b", Encoding: "json"},
	)
	_, err := NewFetcher(cfg).Fetch(context.Background())
	if !errors.Is(err, models.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	// Both attempted URLs must be captured, not swallowed.
	for _, path := range []string{"/a", "/b"} {
		if !strings.Contains(err.Error(), path) {
			t.Fatalf("error should mention attempt %s: %v", path, err)
		}
	}
}

func TestFetchInvalidJSONRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	cfg := testConfig(appconfig.EndpointConfig{URL: srv.URL, Encoding: "json"})
	if _, err := NewFetcher(cfg).Fetch(context.Background()); err == nil {
		t.Fatalf("expected decode failure to count as attempt failure")
	}
}

func TestFetchScrapedCSV(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><a href="/exports/perps.csv">Download .csv</a></html>`))
	})
	mux.HandleFunc("/exports/perps.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Name,Perp Volume 24h\nHyperliquid,100\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(appconfig.EndpointConfig{URL: srv.URL + "/page", Encoding: "csv-scrape"})
	payload, err := NewFetcher(cfg).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if payload.Encoding != models.EncodingCSV {
		t.Fatalf("encoding: %q", payload.Encoding)
	}
	if payload.SourceURL != srv.URL+"/exports/perps.csv" {
		t.Fatalf("relative csv link not resolved: %q", payload.SourceURL)
	}
}

func TestFetchHyperliquidSnapshotSums(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("info endpoint expects POST, got %s", r.Method)
		}
		w.Write([]byte(`[{"universe":[]},[{"openInterest":"10","dayNtlVlm":"5"},{"openInterest":"20","dayNtlVlm":"15"}]]`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Source.HyperliquidInfoURL = srv.URL
	snap, err := NewFetcher(cfg).FetchHyperliquidSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.OpenInterest == nil || snap.OpenInterest.String() != "30" {
		t.Fatalf("open interest sum: %v", snap.OpenInterest)
	}
	if snap.Volume24h == nil || snap.Volume24h.String() != "20" {
		t.Fatalf("volume sum: %v", snap.Volume24h)
	}
	if snap.Volume7d != nil || snap.Volume30d != nil {
		t.Fatalf("exchange feed only carries 24h aggregates: %+v", snap)
	}
}

func TestFetchHyperliquidSnapshotUnparsableStaysAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"universe":[]},[{"openInterest":"n/a","dayNtlVlm":"7"},{"openInterest":"","dayNtlVlm":"3"}]]`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Source.HyperliquidInfoURL = srv.URL
	snap, err := NewFetcher(cfg).FetchHyperliquidSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.OpenInterest != nil {
		t.Fatalf("no context parsed: open interest must stay absent, got %v", snap.OpenInterest)
	}
	if snap.Volume24h == nil || snap.Volume24h.String() != "10" {
		t.Fatalf("volume sum: %v", snap.Volume24h)
	}
}

func TestFetchOverviewSnapshotMatchesByNamePrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"protocols":[
			{"slug":"gmx","name":"GMX","total24h":1},
			{"slug":"hl-perp","name":"Hyperliquid Perps","total24h":999,"total7d":5000,"openInterest":1234.5}
		]}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Source.OverviewURL = srv.URL
	snap, err := NewFetcher(cfg).FetchOverviewSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Volume24h == nil || snap.Volume24h.String() != "999" {
		t.Fatalf("volume24h via total24h alias: %v", snap.Volume24h)
	}
	if snap.OpenInterest == nil || snap.OpenInterest.String() != "1234.5" {
		t.Fatalf("open interest: %v", snap.OpenInterest)
	}
}

func TestFetchOverviewSnapshotNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"protocols":[{"slug":"gmx","name":"GMX"}]}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Source.OverviewURL = srv.URL
	_, err := NewFetcher(cfg).FetchOverviewSnapshot(context.Background())
	if !errors.Is(err, ErrProtocolNotFound) {
		t.Fatalf("expected ErrProtocolNotFound, got %v", err)
	}
}
