package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"hlflow/logger"
	"hlflow/models"
)

// ErrProtocolNotFound means the overview payload did not contain the target
// protocol under its slug or name.
var ErrProtocolNotFound = errors.New("protocol not found in overview payload")

// Aliases accepted for each snapshot counter on an overview row, in priority
// order. The keyless overview and the keyed summary disagree on some of
// these names.
var (
	overviewVolume24hAliases    = []string{"volume24h", "total24h", "volume24hUsd", "vol24h"}
	overviewVolume7dAliases     = []string{"volume7d", "total7d", "volume7dUsd"}
	overviewVolume30dAliases    = []string{"volume30d", "total30d", "volume30dUsd"}
	overviewOpenInterestAliases = []string{"openInterest", "openInterestUsd", "oi"}
	overviewTotalVolumeAliases  = []string{"totalVolume", "totalAllTime", "totalVolumeUsd"}
)

// FetchOverviewSnapshot queries the aggregator's current-only overview table
// and extracts the target protocol's rolling aggregates. The protocol is
// matched by exact slug or case-insensitive name prefix.
func (f *Fetcher) FetchOverviewSnapshot(ctx context.Context) (models.SnapshotCounters, error) {
	log := f.log.WithComponent("source_reader")

	body, err := f.getWithRetry(ctx, f.config.Source.OverviewURL, "application/json")
	if err != nil {
		return models.SnapshotCounters{}, fmt.Errorf("fetch overview: %w", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.SnapshotCounters{}, fmt.Errorf("decode overview: %w", err)
	}

	rows, ok := doc["protocols"].([]interface{})
	if !ok {
		rows, _ = doc["data"].([]interface{})
	}

	row := matchProtocol(rows, f.config.Run.Slug)
	if row == nil {
		return models.SnapshotCounters{}, fmt.Errorf("%w: slug %q", ErrProtocolNotFound, f.config.Run.Slug)
	}

	snap := models.SnapshotCounters{
		Volume24h:    firstAliasAmount(row, overviewVolume24hAliases),
		Volume7d:     firstAliasAmount(row, overviewVolume7dAliases),
		Volume30d:    firstAliasAmount(row, overviewVolume30dAliases),
		OpenInterest: firstAliasAmount(row, overviewOpenInterestAliases),
		TotalVolume:  firstAliasAmount(row, overviewTotalVolumeAliases),
	}

	log.WithFields(logger.Fields{"slug": f.config.Run.Slug, "url": f.config.Source.OverviewURL}).Info("overview snapshot resolved")
	return snap, nil
}

// matchProtocol finds the tracked protocol among overview rows by exact slug
// first, then by case-insensitive name prefix.
func matchProtocol(rows []interface{}, slug string) map[string]interface{} {
	lower := strings.ToLower(slug)
	for _, raw := range rows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if s, _ := row["slug"].(string); s == slug {
			return row
		}
		if name, _ := row["name"].(string); strings.HasPrefix(strings.ToLower(name), lower) {
			return row
		}
	}
	return nil
}

func firstAliasAmount(row map[string]interface{}, aliases []string) *decimal.Decimal {
	for _, alias := range aliases {
		if v, ok := row[alias]; ok && v != nil {
			if d := models.ParseAmount(v); d != nil {
				return d
			}
		}
	}
	return nil
}
