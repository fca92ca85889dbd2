package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	appconfig "hlflow/config"
	"hlflow/logger"
	"hlflow/models"
)

// Fetcher walks the ranked list of candidate endpoints and returns the first
// payload that decodes. Retrying a transient failure against one endpoint is
// its job; retrying across the ranked list is not.
type Fetcher struct {
	config  *appconfig.Config
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewFetcher creates a Fetcher with a bounded-timeout HTTP client and a rate
// limiter shared by all outbound source requests.
func NewFetcher(cfg *appconfig.Config) *Fetcher {
	rps := cfg.Reader.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Reader.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Fetcher{
		config: cfg,
		client: &http.Client{
			Timeout:   cfg.Reader.Timeout,
			Transport: userAgentTransport{agent: cfg.Reader.UserAgent, base: http.DefaultTransport},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

// Fetch tries each configured endpoint in rank order and returns the first
// decoded payload together with its provenance. When every candidate fails
// the combined attempt errors are returned, wrapped in
// models.ErrSourceUnavailable.
func (f *Fetcher) Fetch(ctx context.Context) (*models.RawPayload, error) {
	log := f.log.WithComponent("source_reader")
	start := time.Now()

	var attempts []error
	for _, ep := range f.config.Source.Endpoints {
		payload, err := f.fetchEndpoint(ctx, ep)
		if err != nil {
			logger.IncrementFetchError()
			log.WithError(err).WithFields(logger.Fields{"url": ep.URL, "encoding": ep.Encoding}).Warn("endpoint attempt failed")
			attempts = append(attempts, fmt.Errorf("%s: %w", ep.URL, err))
			continue
		}

		logger.IncrementSourceFetch(len(payload.Body))
		log.WithFields(logger.Fields{
			"url":      payload.SourceURL,
			"encoding": payload.Encoding,
			"bytes":    len(payload.Body),
		}).Info("source payload fetched")

		logger.LogPerformanceEntry(log, "source_reader", "fetch", time.Since(start), logger.Fields{
			"url": payload.SourceURL,
		})
		f.dumpDebug(payload)
		return payload, nil
	}

	return nil, fmt.Errorf("%w: %w", models.ErrSourceUnavailable, errors.Join(attempts...))
}

func (f *Fetcher) fetchEndpoint(ctx context.Context, ep appconfig.EndpointConfig) (*models.RawPayload, error) {
	switch ep.Encoding {
	case "json":
		body, err := f.getWithRetry(ctx, ep.URL, "application/json")
		if err != nil {
			return nil, err
		}
		var probe interface{}
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return &models.RawPayload{
			SourceURL: ep.URL,
			Encoding:  models.EncodingJSON,
			Body:      body,
			FetchedAt: time.Now().UTC(),
		}, nil
	case "csv-scrape":
		return f.fetchScrapedCSV(ctx, ep.URL)
	default:
		return nil, fmt.Errorf("unsupported endpoint encoding %q", ep.Encoding)
	}
}

// getWithRetry performs a GET with a bounded attempt count and linear
// backoff. Non-2xx responses carry a body snippet so the operator sees what
// the upstream actually said.
func (f *Fetcher) getWithRetry(ctx context.Context, url, accept string) ([]byte, error) {
	return f.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", accept)
		return req, nil
	})
}

func (f *Fetcher) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	retry := f.config.Reader.Retry
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		body, err := f.do(req)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if attempt < retry.MaxAttempts {
			delay := time.Duration(attempt) * retry.BaseDelay
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", retry.MaxAttempts, lastErr)
}

func (f *Fetcher) do(req *http.Request) ([]byte, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body))
	}
	return body, nil
}

// dumpDebug persists a raw copy of the payload for post-hoc inspection. This
// is advisory: failures are logged and never gate the run.
func (f *Fetcher) dumpDebug(payload *models.RawPayload) {
	dir := f.config.Run.DataDir
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.log.WithComponent("source_reader").WithError(err).Warn("debug dump directory unavailable")
		return
	}

	ext := ".json"
	if payload.Encoding == models.EncodingCSV {
		ext = ".csv"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_perps_debug%s", f.config.Run.Slug, ext))
	if err := os.WriteFile(path, payload.Body, 0o644); err != nil {
		f.log.WithComponent("source_reader").WithError(err).Warn("failed to write debug dump")
		return
	}
	f.log.WithComponent("source_reader").WithFields(logger.Fields{"path": path}).Debug("debug dump written")
}

func snippet(body []byte) string {
	const max = 300
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
