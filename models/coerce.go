package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var amountCleaner = strings.NewReplacer("$", "", ",", "")

// ParseAmountString coerces a human-formatted numeric string, stripping
// currency symbols and thousands separators first. A value that fails to
// parse is absent, not zero.
func ParseAmountString(s string) *decimal.Decimal {
	s = strings.TrimSpace(amountCleaner.Replace(s))
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// ParseAmount coerces any JSON-decoded scalar into an optional amount.
func ParseAmount(v interface{}) *decimal.Decimal {
	switch x := v.(type) {
	case float64:
		d := decimal.NewFromFloat(x)
		return &d
	case int:
		d := decimal.NewFromInt(int64(x))
		return &d
	case int64:
		d := decimal.NewFromInt(x)
		return &d
	case json.Number:
		return ParseAmountString(x.String())
	case string:
		return ParseAmountString(x)
	default:
		return nil
	}
}

// ParseDate resolves a calendar day from unix seconds, an ISO-8601 string,
// or a 10-character date prefix. The second return reports success; callers
// discard the record when it is false.
func ParseDate(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case float64:
		return dateFromUnix(int64(x)), true
	case int64:
		return dateFromUnix(x), true
	case int:
		return dateFromUnix(int64(x)), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return dateFromUnix(n), true
		}
		return ParseDate(x.String())
	case string:
		return parseDateString(x)
	default:
		return time.Time{}, false
	}
}

func parseDateString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return dateFromUnix(n), true
	}
	trimmed := strings.TrimSuffix(s, "Z")
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return truncateToDay(t), true
		}
	}
	// Last resort: a 10-char date prefix.
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return truncateToDay(t), true
		}
	}
	return time.Time{}, false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func dateFromUnix(sec int64) time.Time {
	return truncateToDay(time.Unix(sec, 0).UTC())
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
