package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"hlflow/logger"
	"hlflow/models"
)

// assetContext is one perp market in the exchange's info response. Amounts
// arrive as strings.
type assetContext struct {
	OpenInterest string `json:"openInterest"`
	DayNtlVlm    string `json:"dayNtlVlm"`
}

// FetchHyperliquidSnapshot queries the exchange's own info endpoint for
// current open interest and 24h notional volume, summed across every asset.
// The response is a two-element array of [metadata, asset-contexts].
func (f *Fetcher) FetchHyperliquidSnapshot(ctx context.Context) (models.SnapshotCounters, error) {
	log := f.log.WithComponent("source_reader")

	reqBody := []byte(`{"type":"metaAndAssetCtxs"}`)
	body, err := f.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.Source.HyperliquidInfoURL, bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return models.SnapshotCounters{}, fmt.Errorf("fetch exchange info: %w", err)
	}

	var envelope []json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.SnapshotCounters{}, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(envelope) != 2 {
		return models.SnapshotCounters{}, fmt.Errorf("exchange info returned %d elements, want 2", len(envelope))
	}

	var ctxs []assetContext
	if err := json.Unmarshal(envelope[1], &ctxs); err != nil {
		return models.SnapshotCounters{}, fmt.Errorf("decode asset contexts: %w", err)
	}
	if len(ctxs) == 0 {
		return models.SnapshotCounters{}, fmt.Errorf("exchange info carried no asset contexts")
	}

	openInterest := decimal.Zero
	volume24h := decimal.Zero
	oiSummed, volSummed := 0, 0
	for _, c := range ctxs {
		if d := models.ParseAmountString(c.OpenInterest); d != nil {
			openInterest = openInterest.Add(*d)
			oiSummed++
		}
		if d := models.ParseAmountString(c.DayNtlVlm); d != nil {
			volume24h = volume24h.Add(*d)
			volSummed++
		}
	}

	// A field nothing parsed into stays absent. A sum of zero contributions
	// is unknown, not a confirmed zero.
	snap := models.SnapshotCounters{}
	if volSummed > 0 {
		snap.Volume24h = &volume24h
	}
	if oiSummed > 0 {
		snap.OpenInterest = &openInterest
	}

	log.WithFields(logger.Fields{
		"assets":        len(ctxs),
		"open_interest": openInterest.String(),
		"volume_24h":    volume24h.String(),
	}).Info("exchange snapshot resolved")

	return snap, nil
}
