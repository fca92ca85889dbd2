package processor

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"hlflow/logger"
	"hlflow/models"
)

// Normalize converts located points and counters into the canonical row set:
// one row per distinct date, sorted ascending, snapshot fields broadcast to
// every row and a single shared capture instant. When two points resolve to
// the same date the later one in iteration order wins.
func Normalize(points []models.DailyPoint, snap models.SnapshotCounters, asOf time.Time, rollingDays int) []models.CanonicalRow {
	// The window boundary is a calendar day: a point dated exactly
	// rollingDays ago stays in regardless of the capture time-of-day.
	var cutoff time.Time
	if rollingDays > 0 {
		day := asOf.UTC()
		cutoff = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -rollingDays)
	}

	lastByDate := make(map[string]models.DailyPoint, len(points))
	for _, p := range points {
		if rollingDays > 0 && p.Date.Before(cutoff) {
			continue
		}
		lastByDate[p.Date.Format("2006-01-02")] = p
	}

	dates := make([]string, 0, len(lastByDate))
	for d := range lastByDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	rows := make([]models.CanonicalRow, 0, len(dates))
	for _, d := range dates {
		p := lastByDate[d]
		rows = append(rows, models.CanonicalRow{
			Date:                    p.Date,
			VolumeUSD:               p.Volume,
			OpenInterestUSD:         p.OpenInterest,
			SnapshotVolume24h:       snap.Volume24h,
			SnapshotVolume7d:        snap.Volume7d,
			SnapshotVolume30d:       snap.Volume30d,
			SnapshotOpenInterestNow: snap.OpenInterest,
			SnapshotTotalVolume:     snap.TotalVolume,
			AsOfUTC:                 asOf,
		})
	}

	logger.AddRowsNormalized(len(rows))
	return rows
}

// EnsureSeries guarantees the publishable window holds at least one point.
// A current-only payload degrades to a single placeholder day, dated the
// capture day with empty daily metrics, so the snapshot columns still
// publish. An empty series with an empty snapshot means nothing anywhere
// matched a known shape and the run must stop.
func EnsureSeries(points []models.DailyPoint, snap models.SnapshotCounters, asOf time.Time) ([]models.DailyPoint, error) {
	if len(points) > 0 {
		return points, nil
	}
	if snap.Empty() {
		return nil, fmt.Errorf("%w: no daily series and no snapshot fields resolved", models.ErrShapeNotFound)
	}
	day := asOf.UTC()
	return []models.DailyPoint{{
		Date: time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
	}}, nil
}

func floatOrZero(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

// MergeSeries joins the backfill volume and open-interest series over the
// union of their dates, ascending. Either metric may be missing for a given
// date; the backfill table has no alternate source, so missing values
// default to zero.
func MergeSeries(volume, openInterest map[string]*decimal.Decimal, asOf time.Time) []models.MergedRow {
	dateSet := make(map[string]struct{}, len(volume)+len(openInterest))
	for d := range volume {
		dateSet[d] = struct{}{}
	}
	for d := range openInterest {
		dateSet[d] = struct{}{}
	}

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	nowz := models.FormatTimestamp(asOf)
	rows := make([]models.MergedRow, 0, len(dates))
	for _, d := range dates {
		rows = append(rows, models.MergedRow{
			DateString:      d,
			VolumeUSD:       floatOrZero(volume[d]),
			OpenInterestUSD: floatOrZero(openInterest[d]),
			AsOfUTC:         nowz,
		})
	}
	return rows
}
