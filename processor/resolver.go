package processor

import (
	"encoding/json"
	"fmt"

	"hlflow/logger"
	"hlflow/models"
)

// Key paths searched for the daily series, in fixed order. The first
// non-empty match wins; matches are never merged.
var seriesPaths = [][]string{
	{"dailyVolume"},
	{"data", "dailyVolume"},
	{"daily"},
	{"series"},
	{"chart"},
	{"timeseries"},
	{"data", "daily"},
	{"data", "series"},
	{"data", "chart"},
	{"data", "timeseries"},
}

// Nested objects scanned for snapshot counters, after the payload root.
var snapshotBlobs = []string{"data", "protocol", "metrics", "summary"}

// Accepted aliases per snapshot field, in priority order.
var (
	volume24hAliases    = []string{"volume24h", "volume24hUsd", "vol24h"}
	volume7dAliases     = []string{"volume7d", "volume7dUsd", "vol7d"}
	volume30dAliases    = []string{"volume30d", "volume30dUsd", "vol30d"}
	openInterestAliases = []string{"openInterest", "openInterestUsd", "oi"}
	totalVolumeAliases  = []string{"totalVolume", "totalVolumeUsd", "totalAllTime"}
)

// Aliases for the per-record fields of a daily series entry.
var (
	recordDateAliases   = []string{"date", "day", "timestamp"}
	recordVolumeAliases = []string{"volume", "volumeUsd", "value"}
	recordOIAliases     = []string{"openInterest", "openInterestUsd", "oi"}
)

// Resolver locates the per-day series and the snapshot counters inside a
// payload of unknown shape. It keeps a discard count for records whose date
// cannot be resolved; those never abort the run.
type Resolver struct {
	slug string
	log  *logger.Log

	discarded int
}

func NewResolver(slug string) *Resolver {
	return &Resolver{slug: slug, log: logger.GetLogger()}
}

// Discarded reports how many raw records were dropped during resolution.
func (r *Resolver) Discarded() int {
	return r.discarded
}

// Resolve extracts (points, snapshot) from a raw payload. Both may be
// partially or wholly empty; deciding whether that is fatal belongs to the
// caller, who knows what the fallback sources returned.
func (r *Resolver) Resolve(payload *models.RawPayload) ([]models.DailyPoint, models.SnapshotCounters, error) {
	switch payload.Encoding {
	case models.EncodingJSON:
		return r.resolveJSON(payload.Body)
	case models.EncodingCSV:
		return r.resolveCSV(payload.Body)
	default:
		return nil, models.SnapshotCounters{}, fmt.Errorf("unknown payload encoding %q", payload.Encoding)
	}
}

func (r *Resolver) resolveJSON(body []byte) ([]models.DailyPoint, models.SnapshotCounters, error) {
	var root map[string]interface{}
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, models.SnapshotCounters{}, fmt.Errorf("decode payload: %w", err)
	}

	points := r.locateSeries(root)
	snap := locateSnapshot(root)

	entry := r.log.WithComponent("shape_resolver")
	entry.WithFields(logger.Fields{
		"points":    len(points),
		"discarded": r.discarded,
	}).Info("payload resolved")
	if r.discarded > 0 {
		entry.LogMetric("shape_resolver", "parse_discards", r.discarded, "counter", nil)
	}

	return points, snap, nil
}

// locateSeries walks the fixed key paths and converts the first non-empty
// array it finds. Points keep source order.
func (r *Resolver) locateSeries(root map[string]interface{}) []models.DailyPoint {
	for _, path := range seriesPaths {
		list, ok := digList(root, path...)
		if !ok {
			continue
		}
		points := r.convertSeries(list)
		if len(points) > 0 {
			return points
		}
	}
	return nil
}

func (r *Resolver) convertSeries(list []interface{}) []models.DailyPoint {
	points := make([]models.DailyPoint, 0, len(list))
	for _, raw := range list {
		switch item := raw.(type) {
		case map[string]interface{}:
			p, ok := r.convertRecord(item)
			if !ok {
				r.discard(1)
				continue
			}
			points = append(points, p)
		case []interface{}:
			// [timestamp, value] pair: value is volume, open interest unknown.
			if len(item) < 2 {
				r.discard(1)
				continue
			}
			date, ok := models.ParseDate(item[0])
			if !ok {
				r.discard(1)
				continue
			}
			points = append(points, models.DailyPoint{
				Date:   date,
				Volume: models.ParseAmount(item[1]),
			})
		default:
			r.discard(1)
		}
	}
	return points
}

func (r *Resolver) convertRecord(item map[string]interface{}) (models.DailyPoint, bool) {
	rawDate := firstAlias(item, recordDateAliases)
	if rawDate == nil {
		return models.DailyPoint{}, false
	}
	date, ok := models.ParseDate(rawDate)
	if !ok {
		return models.DailyPoint{}, false
	}
	return models.DailyPoint{
		Date:         date,
		Volume:       models.ParseAmount(firstAlias(item, recordVolumeAliases)),
		OpenInterest: models.ParseAmount(firstAlias(item, recordOIAliases)),
	}, true
}

// locateSnapshot scans the payload root plus the known nested blobs. Each
// field resolves independently; once a field is found it is never
// overwritten by a later blob.
func locateSnapshot(root map[string]interface{}) models.SnapshotCounters {
	blobs := []map[string]interface{}{root}
	for _, key := range snapshotBlobs {
		if m, ok := subMap(root, key); ok {
			blobs = append(blobs, m)
		}
	}

	return models.SnapshotCounters{
		Volume24h:    models.ParseAmount(firstNonNull(blobs, volume24hAliases)),
		Volume7d:     models.ParseAmount(firstNonNull(blobs, volume7dAliases)),
		Volume30d:    models.ParseAmount(firstNonNull(blobs, volume30dAliases)),
		OpenInterest: models.ParseAmount(firstNonNull(blobs, openInterestAliases)),
		TotalVolume:  models.ParseAmount(firstNonNull(blobs, totalVolumeAliases)),
	}
}

func (r *Resolver) discard(n int) {
	r.discarded += n
	logger.AddParseDiscards(n)
}
