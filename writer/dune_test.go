package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "hlflow/config"
	"hlflow/models"
)

func testSinkConfig(baseURL string) *appconfig.Config {
	return &appconfig.Config{
		Sink: appconfig.SinkConfig{
			BaseURL:     baseURL,
			APIKey:      "test-key",
			Namespace:   "team",
			TableName:   "perps_daily",
			Description: "daily perps metrics",
			Timeout:     5 * time.Second,
		},
	}
}

func mergedRecords(rows ...models.MergedRow) []Record {
	recs := make([]Record, len(rows))
	for i, r := range rows {
		recs[i] = r
	}
	return recs
}

func sampleMerged(date string, volume float64) models.MergedRow {
	return models.MergedRow{
		DateString:      date,
		VolumeUSD:       volume,
		OpenInterestUSD: volume / 2,
		AsOfUTC:         "2024-05-01T08:09:10Z",
	}
}

func TestEnsureTableSendsSchemaAndKey(t *testing.T) {
	var got tableCreateRequest
	var apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/table/create", r.URL.Path)
		apiKey = r.Header.Get("X-DUNE-API-KEY")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"success":true}`)
	}))
	defer server.Close()

	client := NewDuneClient(testSinkConfig(server.URL))
	err := client.EnsureTable(context.Background(), MergedSchema())
	require.NoError(t, err)

	assert.Equal(t, "test-key", apiKey)
	assert.Equal(t, "team", got.Namespace)
	assert.Equal(t, "perps_daily", got.TableName)
	require.Len(t, got.Schema, 4)
	assert.Equal(t, "date", got.Schema[0].Type)
	assert.Equal(t, "timestamp", got.Schema[3].Type)
}

func TestEnsureTableSwallowsAlreadyExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":"Table already exists"}`)
	}))
	defer server.Close()

	client := NewDuneClient(testSinkConfig(server.URL))
	assert.NoError(t, client.EnsureTable(context.Background(), MergedSchema()))
}

func TestEnsureTableSurfacesOtherErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"invalid api key"}`)
	}))
	defer server.Close()

	client := NewDuneClient(testSinkConfig(server.URL))
	err := client.EnsureTable(context.Background(), MergedSchema())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestPublishReplaceSendsEnvelope(t *testing.T) {
	var got uploadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/table/upload/csv", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"success":true}`)
	}))
	defer server.Close()

	csvText, err := BuildCSV(models.MergedHeader(), mergedRecords(sampleMerged("2024-04-30", 1000)))
	require.NoError(t, err)

	client := NewDuneClient(testSinkConfig(server.URL))
	require.NoError(t, client.PublishReplace(context.Background(), MergedSchema(), csvText, 1))

	assert.Equal(t, "perps_daily", got.TableName)
	assert.Equal(t, "daily perps metrics", got.Description)
	assert.False(t, got.IsPrivate)
	assert.True(t, strings.HasPrefix(got.Data, "date,volume_usd,open_interest_usd,as_of_utc"))
	assert.Contains(t, got.Data, "2024-04-30,1000.000000,500.000000,2024-05-01T08:09:10Z")
}

func TestPublishReplaceRejectsZeroRows(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	client := NewDuneClient(testSinkConfig(server.URL))
	err := client.PublishReplace(context.Background(), MergedSchema(), "date\n", 0)
	require.ErrorIs(t, err, models.ErrSinkRejected)
	assert.Zero(t, calls)
}

func TestPublishReplaceFallsBackToInsert(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/table/upload/csv":
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"upload backend unavailable"}`)
		case "/table/create":
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"error":"Table already exists"}`)
		case "/table/team/perps_daily/insert":
			assert.Equal(t, "text/csv", r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, `{"rows_written":1}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	csvText, err := BuildCSV(models.MergedHeader(), mergedRecords(sampleMerged("2024-04-30", 1000)))
	require.NoError(t, err)

	client := NewDuneClient(testSinkConfig(server.URL))
	require.NoError(t, client.PublishReplace(context.Background(), MergedSchema(), csvText, 1))
	assert.Equal(t, []string{"/table/upload/csv", "/table/create", "/table/team/perps_daily/insert"}, paths)
}

func TestInsertRecordsPrefersNDJSON(t *testing.T) {
	var contentType string
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/table/team/perps_daily/insert", r.URL.Path)
		contentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"rows_written":2}`)
	}))
	defer server.Close()

	client := NewDuneClient(testSinkConfig(server.URL))
	recs := mergedRecords(sampleMerged("2024-04-29", 100), sampleMerged("2024-04-30", 200))
	require.NoError(t, client.InsertRecords(context.Background(), models.MergedHeader(), recs))

	assert.Equal(t, "application/x-ndjson", contentType)
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 2)
	var row models.MergedRow
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &row))
	assert.Equal(t, "2024-04-29", row.DateString)
	assert.Equal(t, 100.0, row.VolumeUSD)
}

func TestInsertRecordsZeroRowsTriggersCSVFallback(t *testing.T) {
	var types []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		types = append(types, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		if len(types) == 1 {
			io.WriteString(w, `{"rows_written":0}`)
			return
		}
		io.WriteString(w, `{"rows_written":1}`)
	}))
	defer server.Close()

	client := NewDuneClient(testSinkConfig(server.URL))
	recs := mergedRecords(sampleMerged("2024-04-30", 1000))
	require.NoError(t, client.InsertRecords(context.Background(), models.MergedHeader(), recs))
	assert.Equal(t, []string{"application/x-ndjson", "text/csv"}, types)
}

func TestInsertRecordsBothEncodingsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"schema mismatch"}`)
	}))
	defer server.Close()

	client := NewDuneClient(testSinkConfig(server.URL))
	err := client.InsertRecords(context.Background(), models.MergedHeader(), mergedRecords(sampleMerged("2024-04-30", 1000)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSinkRejected))
	assert.Contains(t, err.Error(), "schema mismatch")
}

func TestInsertRecordsRequireNamespace(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	cfg := testSinkConfig(server.URL)
	cfg.Sink.Namespace = ""
	client := NewDuneClient(cfg)

	err := client.InsertRecords(context.Background(), models.MergedHeader(), mergedRecords(sampleMerged("2024-04-30", 1000)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSinkRejected))
	assert.Contains(t, err.Error(), "sink.namespace")
	assert.Zero(t, calls, "a malformed insert URL must never be requested")
}

func TestClientRequiresAPIKeyBeforeRequest(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	cfg := testSinkConfig(server.URL)
	cfg.Sink.APIKey = ""
	client := NewDuneClient(cfg)

	err := client.EnsureTable(context.Background(), MergedSchema())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
	assert.Zero(t, calls, "no request may leave without a credential")
}

func TestInsertRecordsEmptyIsRejection(t *testing.T) {
	client := NewDuneClient(testSinkConfig("http://127.0.0.1:0"))
	err := client.InsertRecords(context.Background(), models.MergedHeader(), nil)
	require.ErrorIs(t, err, models.ErrSinkRejected)
}

func TestInsertRecordsBatches(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		data, _ := io.ReadAll(r.Body)
		rows := len(strings.Split(strings.TrimSpace(string(data)), "\n"))
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"rows_written":%d}`, rows)
	}))
	defer server.Close()

	cfg := testSinkConfig(server.URL)
	cfg.Sink.InsertBatchSize = 2
	client := NewDuneClient(cfg)

	recs := mergedRecords(
		sampleMerged("2024-04-26", 1),
		sampleMerged("2024-04-27", 2),
		sampleMerged("2024-04-28", 3),
		sampleMerged("2024-04-29", 4),
		sampleMerged("2024-04-30", 5),
	)
	require.NoError(t, client.InsertRecords(context.Background(), models.MergedHeader(), recs))
	assert.Equal(t, 3, calls)
}
