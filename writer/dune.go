package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	appconfig "hlflow/config"
	"hlflow/logger"
	"hlflow/models"
)

// Column is one field of the hosted table schema.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CanonicalSchema describes the replace-mode table.
func CanonicalSchema() []Column {
	return []Column{
		{Name: "date", Type: "date"},
		{Name: "volume_usd", Type: "double"},
		{Name: "open_interest_usd", Type: "double"},
		{Name: "snapshot_volume_24h", Type: "double"},
		{Name: "snapshot_volume_7d", Type: "double"},
		{Name: "snapshot_volume_30d", Type: "double"},
		{Name: "snapshot_open_interest_now", Type: "double"},
		{Name: "snapshot_total_volume", Type: "double"},
		{Name: "as_of_utc", Type: "timestamp"},
	}
}

// SnapshotSchema describes the append-mode table.
func SnapshotSchema() []Column {
	return []Column{
		{Name: "date", Type: "date"},
		{Name: "volume24h_usd", Type: "double"},
		{Name: "volume7d_usd", Type: "double"},
		{Name: "volume30d_usd", Type: "double"},
		{Name: "open_interest_usd", Type: "double"},
		{Name: "total_volume_lifetime_usd", Type: "double"},
		{Name: "as_of_utc", Type: "timestamp"},
	}
}

// MergedSchema describes the backfill table.
func MergedSchema() []Column {
	return []Column{
		{Name: "date", Type: "date"},
		{Name: "volume_usd", Type: "double"},
		{Name: "open_interest_usd", Type: "double"},
		{Name: "as_of_utc", Type: "timestamp"},
	}
}

// errZeroRows marks a call the sink accepted without writing anything. The
// publisher treats it exactly like an explicit rejection.
var errZeroRows = errors.New("sink reported zero rows written")

// DuneClient publishes finished rows to the hosted analytics table. All
// calls authenticate with the API key header; a missing key fails the call
// before any request goes out.
type DuneClient struct {
	cfg    *appconfig.Config
	client *http.Client
	log    *logger.Log
}

// NewDuneClient builds a publisher from validated config.
func NewDuneClient(cfg *appconfig.Config) *DuneClient {
	return &DuneClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Sink.Timeout},
		log:    logger.GetLogger(),
	}
}

type tableCreateRequest struct {
	Namespace   string   `json:"namespace,omitempty"`
	TableName   string   `json:"table_name"`
	Description string   `json:"description,omitempty"`
	Schema      []Column `json:"schema"`
	IsPrivate   bool     `json:"is_private"`
}

// EnsureTable creates the destination table if it does not exist yet. An
// "already exists" answer is not an error; the operation is idempotent so
// every run can call it unconditionally.
func (c *DuneClient) EnsureTable(ctx context.Context, schema []Column) error {
	body, err := json.Marshal(tableCreateRequest{
		Namespace:   c.cfg.Sink.Namespace,
		TableName:   c.cfg.Sink.TableName,
		Description: c.cfg.Sink.Description,
		Schema:      schema,
		IsPrivate:   c.cfg.Sink.IsPrivate,
	})
	if err != nil {
		return fmt.Errorf("encode table create: %w", err)
	}
	status, resp, err := c.post(ctx, c.cfg.Sink.BaseURL+"/table/create", "application/json", body)
	if err != nil {
		return fmt.Errorf("table create: %w", err)
	}
	if status >= 200 && status < 300 {
		c.log.WithComponent("dune_client").WithFields(logger.Fields{"table": c.cfg.Sink.TableName}).Debug("table created")
		return nil
	}
	if strings.Contains(strings.ToLower(string(resp)), "already exists") {
		c.log.WithComponent("dune_client").WithFields(logger.Fields{"table": c.cfg.Sink.TableName}).Debug("table already exists")
		return nil
	}
	return fmt.Errorf("table create: status %d: %s", status, snippet(resp))
}

type uploadRequest struct {
	Data        string `json:"data"`
	Description string `json:"description,omitempty"`
	TableName   string `json:"table_name"`
	IsPrivate   bool   `json:"is_private"`
}

// PublishReplace overwrites the whole hosted table with the given CSV text.
// If the bulk upload is rejected it falls back to creating the table and
// appending the same rows through the insert endpoint; only when both
// transfers fail does the run abort.
func (c *DuneClient) PublishReplace(ctx context.Context, schema []Column, csvText string, rows int) error {
	if rows == 0 {
		return fmt.Errorf("%w: refusing to publish zero rows", models.ErrSinkRejected)
	}
	entry := c.log.WithComponent("dune_client").WithFields(logger.Fields{
		"table": c.cfg.Sink.TableName,
		"rows":  rows,
	})

	primaryErr := c.uploadCSV(ctx, csvText)
	if primaryErr == nil {
		logger.AddRowsPublished(rows, len(csvText))
		entry.WithFields(logger.Fields{"bytes": len(csvText)}).Info("table replaced via bulk upload")
		c.log.LogMetric("dune_client", "rows_published", rows, "counter", logger.Fields{"table": c.cfg.Sink.TableName})
		return nil
	}
	logger.IncrementSinkRetry()
	entry.WithError(primaryErr).Warn("bulk upload rejected, retrying through insert endpoint")

	fallbackErr := c.EnsureTable(ctx, schema)
	if fallbackErr == nil {
		fallbackErr = c.insert(ctx, "text/csv", []byte(csvText))
	}
	if fallbackErr == nil {
		logger.AddRowsPublished(rows, len(csvText))
		entry.Info("table published via insert fallback")
		return nil
	}
	return fmt.Errorf("%w: upload: %v; insert: %v", models.ErrSinkRejected, primaryErr, fallbackErr)
}

func (c *DuneClient) uploadCSV(ctx context.Context, csvText string) error {
	body, err := json.Marshal(uploadRequest{
		Data:        csvText,
		Description: c.cfg.Sink.Description,
		TableName:   c.cfg.Sink.TableName,
		IsPrivate:   c.cfg.Sink.IsPrivate,
	})
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	status, resp, err := c.post(ctx, c.cfg.Sink.BaseURL+"/table/upload/csv", "application/json", body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("upload: status %d: %s", status, snippet(resp))
	}
	return nil
}

// InsertRecords appends rows to the hosted table in bounded batches.
// Newline-delimited JSON is the preferred transfer; a batch the sink rejects
// (or accepts without writing any row) is retried once as CSV before the
// whole publish is declared failed.
func (c *DuneClient) InsertRecords(ctx context.Context, header []string, records []Record) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: refusing to publish zero rows", models.ErrSinkRejected)
	}
	batch := c.cfg.Sink.InsertBatchSize
	if batch <= 0 {
		batch = len(records)
	}
	total := 0
	for start := 0; start < len(records); start += batch {
		end := start + batch
		if end > len(records) {
			end = len(records)
		}
		size, err := c.insertBatch(ctx, header, records[start:end])
		if err != nil {
			return err
		}
		total += size
	}
	logger.AddRowsPublished(len(records), total)
	c.log.WithComponent("dune_client").WithFields(logger.Fields{
		"table": c.cfg.Sink.TableName,
		"rows":  len(records),
		"bytes": total,
	}).Info("rows appended")
	c.log.LogMetric("dune_client", "rows_published", len(records), "counter", logger.Fields{"table": c.cfg.Sink.TableName})
	return nil
}

func (c *DuneClient) insertBatch(ctx context.Context, header []string, records []Record) (int, error) {
	ndjson, err := buildNDJSON(records)
	if err != nil {
		return 0, fmt.Errorf("encode ndjson: %w", err)
	}
	primaryErr := c.insert(ctx, "application/x-ndjson", ndjson)
	if primaryErr == nil {
		return len(ndjson), nil
	}
	logger.IncrementSinkRetry()
	c.log.WithComponent("dune_client").WithError(primaryErr).Warn("ndjson insert rejected, retrying as csv")

	csvText, err := BuildCSV(header, records)
	if err != nil {
		return 0, fmt.Errorf("encode csv: %w", err)
	}
	if fallbackErr := c.insert(ctx, "text/csv", []byte(csvText)); fallbackErr != nil {
		return 0, fmt.Errorf("%w: ndjson: %v; csv: %v", models.ErrSinkRejected, primaryErr, fallbackErr)
	}
	return len(csvText), nil
}

func (c *DuneClient) insert(ctx context.Context, contentType string, body []byte) error {
	if c.cfg.Sink.Namespace == "" {
		return errors.New("insert: sink.namespace not configured (set DUNE_NAMESPACE)")
	}
	url := fmt.Sprintf("%s/table/%s/%s/insert",
		c.cfg.Sink.BaseURL, c.cfg.Sink.Namespace, c.cfg.Sink.TableName)
	status, resp, err := c.post(ctx, url, contentType, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("insert: status %d: %s", status, snippet(resp))
	}
	var out struct {
		RowsWritten int `json:"rows_written"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return fmt.Errorf("insert: unreadable response: %s", snippet(resp))
	}
	if out.RowsWritten == 0 {
		return errZeroRows
	}
	return nil
}

func (c *DuneClient) post(ctx context.Context, url string, contentType string, body []byte) (int, []byte, error) {
	if c.cfg.Sink.APIKey == "" {
		return 0, nil, errors.New("sink api key not configured (set DUNE_API_KEY)")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-DUNE-API-KEY", c.cfg.Sink.APIKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func buildNDJSON(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec.JSONRecord()); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
