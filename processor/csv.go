package processor

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"hlflow/models"
)

// Column-name matching is case-insensitive and, for metrics, substring
// based, because the aggregator's CSV exports rename columns between pages.
var (
	csvDateColumns = []string{"date", "day", "timestamp"}
	csvNameColumns = []string{"name", "protocol", "dex", "project"}
)

// resolveCSV handles both CSV shapes the sources produce: a dated series
// export (one row per protocol-day) and a leaderboard export (one row per
// protocol, current aggregates only). The presence of a date column decides
// which one this is.
func (r *Resolver) resolveCSV(body []byte) ([]models.DailyPoint, models.SnapshotCounters, error) {
	header, rows, err := readCSV(body)
	if err != nil {
		return nil, models.SnapshotCounters{}, err
	}

	if findColumn(header, csvDateColumns) >= 0 {
		points := r.extractSeriesRows(header, rows)
		return points, models.SnapshotCounters{}, nil
	}

	snap, err := r.extractLeaderboardRow(header, rows)
	if err != nil {
		return nil, models.SnapshotCounters{}, err
	}
	return nil, snap, nil
}

// extractSeriesRows pulls the target protocol's (date, volume, openInterest)
// series out of a dated export. Rows with unresolvable dates are discarded
// and counted.
func (r *Resolver) extractSeriesRows(header []string, rows [][]string) []models.DailyPoint {
	dateCol := findColumn(header, csvDateColumns)
	nameCol := findColumn(header, csvNameColumns)
	volCols := findMetricColumns(header, "volume")
	oiCols := findMetricColumns(header, "open interest")

	var points []models.DailyPoint
	for _, row := range rows {
		if nameCol >= 0 && !r.matchesSlug(cell(row, nameCol)) {
			continue
		}
		date, ok := models.ParseDate(cell(row, dateCol))
		if !ok {
			r.discard(1)
			continue
		}
		points = append(points, models.DailyPoint{
			Date:         date,
			Volume:       firstColumnAmount(row, volCols),
			OpenInterest: firstColumnAmount(row, oiCols),
		})
	}
	return points
}

// extractLeaderboardRow finds the target protocol in a current-aggregates
// export and reads its snapshot counters.
func (r *Resolver) extractLeaderboardRow(header []string, rows [][]string) (models.SnapshotCounters, error) {
	nameCol := findColumn(header, csvNameColumns)
	if nameCol < 0 {
		return models.SnapshotCounters{}, fmt.Errorf("csv has neither a date nor a name column")
	}

	var target []string
	for _, row := range rows {
		if r.matchesSlug(cell(row, nameCol)) {
			target = row
			break
		}
	}
	if target == nil {
		return models.SnapshotCounters{}, fmt.Errorf("%s not found in csv", r.slug)
	}

	return models.SnapshotCounters{
		Volume24h:    firstColumnAmount(target, findMetricColumns(header, "volume 24h")),
		Volume7d:     firstColumnAmount(target, findMetricColumns(header, "volume 7d")),
		Volume30d:    firstColumnAmount(target, findMetricColumns(header, "volume 30d")),
		OpenInterest: firstColumnAmount(target, findMetricColumns(header, "open interest")),
	}, nil
}

// ExtractMetricSeries reads one metric's per-day values for the target slug
// out of a CSV export. Used by the backfill mode, where volume and open
// interest arrive in separate files.
func ExtractMetricSeries(body []byte, slug, metric string) (map[string]*decimal.Decimal, error) {
	header, rows, err := readCSV(body)
	if err != nil {
		return nil, err
	}
	dateCol := findColumn(header, csvDateColumns)
	if dateCol < 0 {
		return nil, fmt.Errorf("csv has no date column")
	}
	nameCol := findColumn(header, csvNameColumns)
	metricCols := findMetricColumns(header, metric)
	if len(metricCols) == 0 {
		return nil, fmt.Errorf("csv has no %q column", metric)
	}

	lower := strings.ToLower(slug)
	out := make(map[string]*decimal.Decimal)
	for _, row := range rows {
		if nameCol >= 0 && !strings.Contains(strings.ToLower(cell(row, nameCol)), lower) {
			continue
		}
		date, ok := models.ParseDate(cell(row, dateCol))
		if !ok {
			continue
		}
		// Last row wins per date, matching series deduplication.
		out[date.Format("2006-01-02")] = firstColumnAmount(row, metricCols)
	}
	return out, nil
}

func (r *Resolver) matchesSlug(name string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(r.slug))
}

func readCSV(body []byte) ([]string, [][]string, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) < 2 {
		return nil, nil, fmt.Errorf("csv has no data rows")
	}
	return records[0], records[1:], nil
}

func findColumn(header []string, names []string) int {
	for i, col := range header {
		lower := strings.ToLower(strings.TrimSpace(col))
		for _, name := range names {
			if lower == name {
				return i
			}
		}
	}
	return -1
}

// findMetricColumns returns every column whose name contains the needle,
// plus the "openinterest" single-word spelling when looking for open
// interest.
func findMetricColumns(header []string, needle string) []int {
	var cols []int
	for i, col := range header {
		lower := strings.ToLower(strings.TrimSpace(col))
		if strings.Contains(lower, needle) || (needle == "open interest" && lower == "openinterest") {
			cols = append(cols, i)
		}
	}
	return cols
}

func firstColumnAmount(row []string, cols []int) *decimal.Decimal {
	for _, c := range cols {
		if d := models.ParseAmountString(cell(row, c)); d != nil {
			return d
		}
	}
	return nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
