package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlflow/models"
)

func jsonPayload(body string) *models.RawPayload {
	return &models.RawPayload{
		SourceURL: "https://example.test/summary",
		Encoding:  models.EncodingJSON,
		Body:      []byte(body),
		FetchedAt: time.Now().UTC(),
	}
}

func csvPayload(body string) *models.RawPayload {
	return &models.RawPayload{
		SourceURL: "https://example.test/export.csv",
		Encoding:  models.EncodingCSV,
		Body:      []byte(body),
		FetchedAt: time.Now().UTC(),
	}
}

func TestResolveTopLevelDailyVolume(t *testing.T) {
	r := NewResolver("hyperliquid")
	points, snap, err := r.Resolve(jsonPayload(
		`{"dailyVolume":[{"date":1700000000,"volume":"1000.5","openInterest":"200"}],"volume24h":999}`))
	require.NoError(t, err)
	require.Len(t, points, 1)

	assert.Equal(t, time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC), points[0].Date)
	require.NotNil(t, points[0].Volume)
	assert.Equal(t, "1000.500000", points[0].Volume.StringFixed(6))
	require.NotNil(t, points[0].OpenInterest)
	assert.Equal(t, "200.000000", points[0].OpenInterest.StringFixed(6))

	require.NotNil(t, snap.Volume24h)
	assert.Equal(t, "999.000000", snap.Volume24h.StringFixed(6))
	assert.Nil(t, snap.Volume7d)
	assert.Nil(t, snap.Volume30d)
	assert.Nil(t, snap.OpenInterest)
	assert.Nil(t, snap.TotalVolume)
}

func TestResolveNestedSeriesAndSnapshot(t *testing.T) {
	r := NewResolver("hyperliquid")
	points, snap, err := r.Resolve(jsonPayload(
		`{"data":{"dailyVolume":[{"date":"2024-01-02","volume":5}],"vol24h":"$1,234.50"}}`))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "2024-01-02", points[0].Date.Format("2006-01-02"))

	require.NotNil(t, snap.Volume24h)
	assert.Equal(t, "1234.5", snap.Volume24h.String())
}

func TestResolveGenericAliasPairs(t *testing.T) {
	r := NewResolver("hyperliquid")
	points, _, err := r.Resolve(jsonPayload(
		`{"chart":[[1700000000,12.5],[1700086400,13.5]]}`))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "12.5", points[0].Volume.String())
	assert.Nil(t, points[0].OpenInterest)
}

func TestResolveFirstMatchWinsNoMerging(t *testing.T) {
	r := NewResolver("hyperliquid")
	points, _, err := r.Resolve(jsonPayload(
		`{"dailyVolume":[{"date":1700000000,"volume":1}],"series":[{"date":1700086400,"volume":99}]}`))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "1", points[0].Volume.String())
}

func TestResolveDiscardsUnparseableDates(t *testing.T) {
	r := NewResolver("hyperliquid")
	points, _, err := r.Resolve(jsonPayload(
		`{"dailyVolume":[{"date":"not-a-date","volume":1},{"date":1700000000,"volume":2},{"volume":3}]}`))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "2", points[0].Volume.String())
	assert.Equal(t, 2, r.Discarded())
}

func TestResolveSnapshotFirstFoundWinsPerField(t *testing.T) {
	r := NewResolver("hyperliquid")
	// Root resolves volume24h; the data blob must not override it, but may
	// contribute the still-missing openInterest.
	_, snap, err := r.Resolve(jsonPayload(
		`{"volume24h":1,"data":{"volume24h":2,"openInterest":3}}`))
	require.NoError(t, err)
	require.NotNil(t, snap.Volume24h)
	assert.Equal(t, "1", snap.Volume24h.String())
	require.NotNil(t, snap.OpenInterest)
	assert.Equal(t, "3", snap.OpenInterest.String())
}

func TestResolveSnapshotAliasPriority(t *testing.T) {
	r := NewResolver("hyperliquid")
	_, snap, err := r.Resolve(jsonPayload(`{"vol24h":5,"volume24h":7}`))
	require.NoError(t, err)
	require.NotNil(t, snap.Volume24h)
	assert.Equal(t, "7", snap.Volume24h.String(), "volume24h outranks vol24h regardless of key order")
}

func TestResolveCSVSeries(t *testing.T) {
	r := NewResolver("hyperliquid")
	points, _, err := r.Resolve(csvPayload(
		"Date,Name,Perp Volume\n" +
			"2024-01-01,Hyperliquid,\"$1,000.50\"\n" +
			"2024-01-01,GMX,55\n" +
			"2024-01-02,Hyperliquid,2000\n"))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "1000.5", points[0].Volume.String())
	assert.Equal(t, "2000", points[1].Volume.String())
}

func TestResolveCSVLeaderboardSnapshot(t *testing.T) {
	r := NewResolver("hyperliquid")
	points, snap, err := r.Resolve(csvPayload(
		"Name,Perp Volume 24h,Open Interest,Perp Volume 7d,Perp Volume 30d\n" +
			"Hyperliquid,100,400,700,3000\n" +
			"GMX,1,2,3,4\n"))
	require.NoError(t, err)
	assert.Empty(t, points, "leaderboard export has no time series")
	require.NotNil(t, snap.Volume24h)
	assert.Equal(t, "100", snap.Volume24h.String())
	assert.Equal(t, "400", snap.OpenInterest.String())
	assert.Equal(t, "700", snap.Volume7d.String())
	assert.Equal(t, "3000", snap.Volume30d.String())
}

func TestResolveCSVLeaderboardTargetMissing(t *testing.T) {
	r := NewResolver("hyperliquid")
	_, _, err := r.Resolve(csvPayload("Name,Perp Volume 24h\nGMX,1\n"))
	require.Error(t, err)
}

func TestExtractMetricSeries(t *testing.T) {
	body := []byte(
		"Date,Name,Open Interest\n" +
			"2024-01-01,Hyperliquid,10\n" +
			"2024-01-01,Hyperliquid,11\n" +
			"2024-01-02,Hyperliquid,20\n")
	series, err := ExtractMetricSeries(body, "hyperliquid", "open interest")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "11", series["2024-01-01"].String(), "last row wins per date")
	assert.Equal(t, "20", series["2024-01-02"].String())
}
