package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payload encodings produced by the source adapter.
const (
	EncodingJSON = "json"
	EncodingCSV  = "csv"
)

// RawPayload is the undecoded body returned by the first endpoint that
// answered, tagged with where it came from. It lives for a single run.
type RawPayload struct {
	SourceURL string
	Encoding  string
	Body      []byte
	FetchedAt time.Time
}

// DailyPoint is one exchange-day of the historical series. Volume and
// OpenInterest stay nil when the source did not report them; a point whose
// date cannot be resolved is never constructed.
type DailyPoint struct {
	Date         time.Time
	Volume       *decimal.Decimal
	OpenInterest *decimal.Decimal
}

// SnapshotCounters carries the rolling aggregates as of the run instant.
// Every field is independently nullable so fallback sources can fill gaps
// without clobbering values the primary source already resolved.
type SnapshotCounters struct {
	Volume24h    *decimal.Decimal
	Volume7d     *decimal.Decimal
	Volume30d    *decimal.Decimal
	OpenInterest *decimal.Decimal
	TotalVolume  *decimal.Decimal
}

// FillMissing copies values from other into fields that are still nil.
// Already-resolved fields are never overwritten.
func (s *SnapshotCounters) FillMissing(other SnapshotCounters) {
	if s.Volume24h == nil {
		s.Volume24h = other.Volume24h
	}
	if s.Volume7d == nil {
		s.Volume7d = other.Volume7d
	}
	if s.Volume30d == nil {
		s.Volume30d = other.Volume30d
	}
	if s.OpenInterest == nil {
		s.OpenInterest = other.OpenInterest
	}
	if s.TotalVolume == nil {
		s.TotalVolume = other.TotalVolume
	}
}

// MissingCurrent reports whether any of the four current aggregates is still
// unresolved. TotalVolume is lifetime, not current, so it does not gate a
// fallback query.
func (s SnapshotCounters) MissingCurrent() bool {
	return s.Volume24h == nil || s.Volume7d == nil || s.Volume30d == nil || s.OpenInterest == nil
}

// Empty reports whether no field at all was resolved.
func (s SnapshotCounters) Empty() bool {
	return s.Volume24h == nil && s.Volume7d == nil && s.Volume30d == nil &&
		s.OpenInterest == nil && s.TotalVolume == nil
}

// CanonicalRow is the normalized record published in replace mode. Exactly
// one row exists per distinct date within a run; snapshot fields are
// broadcast to every row and AsOfUTC is shared across the whole run.
type CanonicalRow struct {
	Date                    time.Time
	VolumeUSD               *decimal.Decimal
	OpenInterestUSD         *decimal.Decimal
	SnapshotVolume24h       *decimal.Decimal
	SnapshotVolume7d        *decimal.Decimal
	SnapshotVolume30d       *decimal.Decimal
	SnapshotOpenInterestNow *decimal.Decimal
	SnapshotTotalVolume     *decimal.Decimal
	AsOfUTC                 time.Time
}

// CanonicalHeader is the ordered CSV header of the replace-mode table.
func CanonicalHeader() []string {
	return []string{
		"date",
		"volume_usd",
		"open_interest_usd",
		"snapshot_volume_24h",
		"snapshot_volume_7d",
		"snapshot_volume_30d",
		"snapshot_open_interest_now",
		"snapshot_total_volume",
		"as_of_utc",
	}
}

// CSVRecord renders the row for the staging CSV. Unknown values serialize as
// empty strings, not zero, so downstream can tell "missing" from "zero".
func (r CanonicalRow) CSVRecord() []string {
	return []string{
		r.Date.Format("2006-01-02"),
		FormatAmount(r.VolumeUSD),
		FormatAmount(r.OpenInterestUSD),
		FormatAmount(r.SnapshotVolume24h),
		FormatAmount(r.SnapshotVolume7d),
		FormatAmount(r.SnapshotVolume30d),
		FormatAmount(r.SnapshotOpenInterestNow),
		FormatAmount(r.SnapshotTotalVolume),
		FormatTimestamp(r.AsOfUTC),
	}
}

// canonicalRowJSON mirrors CanonicalRow for newline-delimited-JSON inserts.
// Doubles are emitted as numbers and unknowns as nulls to match the table
// schema created by the sink publisher.
type canonicalRowJSON struct {
	Date                    string   `json:"date"`
	VolumeUSD               *float64 `json:"volume_usd"`
	OpenInterestUSD         *float64 `json:"open_interest_usd"`
	SnapshotVolume24h       *float64 `json:"snapshot_volume_24h"`
	SnapshotVolume7d        *float64 `json:"snapshot_volume_7d"`
	SnapshotVolume30d       *float64 `json:"snapshot_volume_30d"`
	SnapshotOpenInterestNow *float64 `json:"snapshot_open_interest_now"`
	SnapshotTotalVolume     *float64 `json:"snapshot_total_volume"`
	AsOfUTC                 string   `json:"as_of_utc"`
}

// JSONRecord returns the insert-encoding view of the row.
func (r CanonicalRow) JSONRecord() interface{} {
	return canonicalRowJSON{
		Date:                    r.Date.Format("2006-01-02"),
		VolumeUSD:               toFloat(r.VolumeUSD),
		OpenInterestUSD:         toFloat(r.OpenInterestUSD),
		SnapshotVolume24h:       toFloat(r.SnapshotVolume24h),
		SnapshotVolume7d:        toFloat(r.SnapshotVolume7d),
		SnapshotVolume30d:       toFloat(r.SnapshotVolume30d),
		SnapshotOpenInterestNow: toFloat(r.SnapshotOpenInterestNow),
		SnapshotTotalVolume:     toFloat(r.SnapshotTotalVolume),
		AsOfUTC:                 FormatTimestamp(r.AsOfUTC),
	}
}

// SnapshotRow is the single record appended in append mode. Its feed carries
// only current aggregates, so an unknown field defaults to zero rather than
// empty: there is no alternative source that could still fill it.
type SnapshotRow struct {
	Date             time.Time `json:"-"`
	Volume24hUSD     float64   `json:"volume24h_usd"`
	Volume7dUSD      float64   `json:"volume7d_usd"`
	Volume30dUSD     float64   `json:"volume30d_usd"`
	OpenInterestUSD  float64   `json:"open_interest_usd"`
	TotalVolumeUSD   float64   `json:"total_volume_lifetime_usd"`
	AsOfUTC          time.Time `json:"-"`
	DateString       string    `json:"date"`
	AsOfUTCFormatted string    `json:"as_of_utc"`
}

// NewSnapshotRow builds the append-mode row from resolved counters,
// zero-filling anything still unknown.
func NewSnapshotRow(s SnapshotCounters, date time.Time, asOf time.Time) SnapshotRow {
	return SnapshotRow{
		Date:             date,
		Volume24hUSD:     toFloatZero(s.Volume24h),
		Volume7dUSD:      toFloatZero(s.Volume7d),
		Volume30dUSD:     toFloatZero(s.Volume30d),
		OpenInterestUSD:  toFloatZero(s.OpenInterest),
		TotalVolumeUSD:   toFloatZero(s.TotalVolume),
		AsOfUTC:          asOf,
		DateString:       date.Format("2006-01-02"),
		AsOfUTCFormatted: FormatTimestamp(asOf),
	}
}

// SnapshotHeader is the ordered CSV header of the append-mode table.
func SnapshotHeader() []string {
	return []string{
		"date",
		"volume24h_usd",
		"volume7d_usd",
		"volume30d_usd",
		"open_interest_usd",
		"total_volume_lifetime_usd",
		"as_of_utc",
	}
}

// CSVRecord renders the append-mode row with fixed 6-digit precision.
func (r SnapshotRow) CSVRecord() []string {
	return []string{
		r.Date.Format("2006-01-02"),
		decimal.NewFromFloat(r.Volume24hUSD).StringFixed(6),
		decimal.NewFromFloat(r.Volume7dUSD).StringFixed(6),
		decimal.NewFromFloat(r.Volume30dUSD).StringFixed(6),
		decimal.NewFromFloat(r.OpenInterestUSD).StringFixed(6),
		decimal.NewFromFloat(r.TotalVolumeUSD).StringFixed(6),
		FormatTimestamp(r.AsOfUTC),
	}
}

// JSONRecord returns the insert-encoding view of the row.
func (r SnapshotRow) JSONRecord() interface{} {
	return r
}

// MergedRow is the backfill record built from two local CSV exports, one per
// metric. Its feed has no alternate source either, so unknowns default to
// zero like the append mode.
type MergedRow struct {
	DateString      string  `json:"date"`
	VolumeUSD       float64 `json:"volume_usd"`
	OpenInterestUSD float64 `json:"open_interest_usd"`
	AsOfUTC         string  `json:"as_of_utc"`
}

// MergedHeader is the ordered CSV header of the backfill table.
func MergedHeader() []string {
	return []string{"date", "volume_usd", "open_interest_usd", "as_of_utc"}
}

// CSVRecord renders the backfill row with fixed 6-digit precision.
func (r MergedRow) CSVRecord() []string {
	return []string{
		r.DateString,
		decimal.NewFromFloat(r.VolumeUSD).StringFixed(6),
		decimal.NewFromFloat(r.OpenInterestUSD).StringFixed(6),
		r.AsOfUTC,
	}
}

// JSONRecord returns the insert-encoding view of the row.
func (r MergedRow) JSONRecord() interface{} {
	return r
}

// FormatAmount serializes an optional amount with 6 decimal digits so
// repeated runs do not drift through float representation. Nil renders as
// the empty string.
func FormatAmount(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(6)
}

// FormatTimestamp renders the shared capture instant: UTC, second precision,
// Z-suffixed.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

func toFloat(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func toFloatZero(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

// Dec is a convenience constructor used across the pipeline and its tests.
func Dec(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}
