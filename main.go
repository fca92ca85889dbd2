package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"hlflow/config"
	"hlflow/logger"
	"hlflow/models"
	"hlflow/processor"
	"hlflow/reader"
	"hlflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	mode := flag.String("mode", "", "Override run mode: replace, append or backfill")
	flag.Parse()

	if *mode != "" {
		// The scheduler sets RUN_MODE; the flag is the same knob for humans.
		os.Setenv("RUN_MODE", *mode)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Hlflow.Name,
		"version": cfg.Hlflow.Version,
		"mode":    cfg.Run.Mode,
		"slug":    cfg.Run.Slug,
	}).Info("starting hlflow")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch cfg.Run.Mode {
	case "replace":
		runErr = runReplace(ctx, cfg, log)
	case "append":
		runErr = runAppend(ctx, cfg, log)
	case "backfill":
		runErr = runBackfill(ctx, cfg, log)
	}

	logger.LogRunSummary(ctx, log)

	if runErr != nil {
		log.WithComponent("main").WithError(runErr).Error("run failed")
		os.Exit(1)
	}
	log.WithComponent("main").Info("run finished")
}

// runReplace fetches the historical series, normalizes it into the canonical
// daily table and republishes the whole rolling window.
func runReplace(ctx context.Context, cfg *config.Config, log *logger.Log) error {
	asOf := time.Now().UTC()
	fetcher := reader.NewFetcher(cfg)

	payload, err := fetcher.Fetch(ctx)
	if err != nil {
		return err
	}

	resolver := processor.NewResolver(cfg.Run.Slug)
	points, snap, err := resolver.Resolve(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrShapeNotFound, err)
	}

	snap = fillSnapshotGaps(ctx, fetcher, snap, log)

	if len(points) == 0 {
		log.WithComponent("main").Warn("no daily series resolved, trying snapshot-only row")
	}
	points, err = processor.EnsureSeries(points, snap, asOf)
	if err != nil {
		return fmt.Errorf("%s: %w", payload.SourceURL, err)
	}

	rows := processor.Normalize(points, snap, asOf, cfg.Run.RollingDays)
	records := make([]writer.Record, len(rows))
	for i := range rows {
		records[i] = rows[i]
	}

	csvText, err := stageCSV(cfg, cfg.Run.Slug+"_perps_daily.csv", models.CanonicalHeader(), records, log)
	if err != nil {
		return err
	}

	dune := writer.NewDuneClient(cfg)
	if err := dune.PublishReplace(ctx, writer.CanonicalSchema(), csvText, len(rows)); err != nil {
		return err
	}

	archiveRun(ctx, cfg, asOf, csvText, payload, rows, log)

	logger.LogDataFlowEntry(log.WithComponent("main"), payload.SourceURL, cfg.Sink.TableName, len(rows), "daily_rows")
	log.WithComponent("main").WithFields(logger.Fields{
		"rows":      len(rows),
		"discarded": resolver.Discarded(),
		"source":    payload.SourceURL,
	}).Info("daily window published")
	return nil
}

// runAppend captures the current aggregates as a single dated row and
// appends it to the snapshot table.
func runAppend(ctx context.Context, cfg *config.Config, log *logger.Log) error {
	asOf := time.Now().UTC()
	fetcher := reader.NewFetcher(cfg)

	var snap models.SnapshotCounters
	if len(cfg.Source.Endpoints) > 0 {
		if payload, err := fetcher.Fetch(ctx); err != nil {
			log.WithComponent("main").WithError(err).Warn("primary source unavailable, relying on fallbacks")
		} else if _, s, err := processor.NewResolver(cfg.Run.Slug).Resolve(payload); err != nil {
			log.WithComponent("main").WithError(err).Warn("primary payload unresolvable, relying on fallbacks")
		} else {
			snap = s
		}
	}

	snap = fillSnapshotGaps(ctx, fetcher, snap, log)
	if snap.Empty() {
		return fmt.Errorf("%w: no snapshot fields resolved for %q", models.ErrShapeNotFound, cfg.Run.Slug)
	}

	row := models.NewSnapshotRow(snap, midnightUTC(asOf), asOf)
	records := []writer.Record{row}

	if _, err := stageCSV(cfg, cfg.Run.Slug+"_perps_snapshot.csv", models.SnapshotHeader(), records, log); err != nil {
		return err
	}

	dune := writer.NewDuneClient(cfg)
	if err := dune.EnsureTable(ctx, writer.SnapshotSchema()); err != nil {
		return err
	}
	if err := dune.InsertRecords(ctx, models.SnapshotHeader(), records); err != nil {
		return err
	}

	log.WithComponent("main").WithFields(logger.Fields{"date": row.DateString}).Info("snapshot row appended")
	return nil
}

// runBackfill merges two locally exported per-metric CSVs into the full
// history and loads it through batched inserts.
func runBackfill(ctx context.Context, cfg *config.Config, log *logger.Log) error {
	asOf := time.Now().UTC()

	volume, err := loadMetricCSV(cfg.Source.VolumeCSV, cfg.Run.Slug, "volume")
	if err != nil {
		return err
	}
	openInterest, err := loadMetricCSV(cfg.Source.OpenInterestCSV, cfg.Run.Slug, "open interest")
	if err != nil {
		return err
	}

	rows := processor.MergeSeries(volume, openInterest, asOf)
	if len(rows) == 0 {
		return fmt.Errorf("%w: exports contain no dated rows for %q", models.ErrShapeNotFound, cfg.Run.Slug)
	}

	records := make([]writer.Record, len(rows))
	for i := range rows {
		records[i] = rows[i]
	}

	if _, err := stageCSV(cfg, cfg.Run.Slug+"_perps_backfill.csv", models.MergedHeader(), records, log); err != nil {
		return err
	}

	dune := writer.NewDuneClient(cfg)
	if err := dune.EnsureTable(ctx, writer.MergedSchema()); err != nil {
		return err
	}
	if err := dune.InsertRecords(ctx, models.MergedHeader(), records); err != nil {
		return err
	}

	log.WithComponent("main").WithFields(logger.Fields{
		"rows": len(rows),
		"from": rows[0].DateString,
		"to":   rows[len(rows)-1].DateString,
	}).Info("history backfilled")
	return nil
}

// fillSnapshotGaps walks the fallback chain for unresolved current
// aggregates. Fields the primary payload already resolved are never
// touched; fallback failures degrade to warnings because a partially
// filled snapshot is still publishable.
func fillSnapshotGaps(ctx context.Context, fetcher *reader.Fetcher, snap models.SnapshotCounters, log *logger.Log) models.SnapshotCounters {
	if snap.MissingCurrent() {
		if fb, err := fetcher.FetchOverviewSnapshot(ctx); err != nil {
			entry := log.WithComponent("main").WithError(err)
			if errors.Is(err, reader.ErrProtocolNotFound) {
				entry.Warn("protocol missing from derivatives overview")
			} else {
				entry.Warn("derivatives overview unavailable")
			}
		} else {
			snap.FillMissing(fb)
		}
	}
	if snap.MissingCurrent() {
		if fb, err := fetcher.FetchHyperliquidSnapshot(ctx); err != nil {
			log.WithComponent("main").WithError(err).Warn("exchange info endpoint unavailable")
		} else {
			snap.FillMissing(fb)
		}
	}
	return snap
}

// stageCSV writes the publish payload to the local data dir. A staging
// failure is advisory: the rendered text still feeds the sink.
func stageCSV(cfg *config.Config, name string, header []string, records []writer.Record, log *logger.Log) (string, error) {
	path := filepath.Join(cfg.Run.DataDir, name)
	text, err := writer.WriteStagingCSV(path, header, records)
	if err == nil {
		log.WithComponent("main").WithFields(logger.Fields{"path": path, "rows": len(records)}).Info("staging csv written")
		return text, nil
	}
	log.WithComponent("main").WithError(err).Warn("staging csv not written")
	return writer.BuildCSV(header, records)
}

func archiveRun(ctx context.Context, cfg *config.Config, asOf time.Time, csvText string, raw *models.RawPayload, rows []models.CanonicalRow, log *logger.Log) {
	if !cfg.Storage.S3.Enabled {
		return
	}
	aw, err := writer.NewArchiveWriter(cfg)
	if err != nil {
		log.WithComponent("main").WithError(err).Warn("archive writer unavailable")
		return
	}
	aw.ArchiveRun(ctx, asOf, csvText, raw, rows)
}

func loadMetricCSV(path, slug, metric string) (map[string]*decimal.Decimal, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s export: %w", metric, err)
	}
	series, err := processor.ExtractMetricSeries(body, slug, metric)
	if err != nil {
		return nil, fmt.Errorf("parse %s export %s: %w", metric, path, err)
	}
	return series, nil
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
