package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "hlflow/config"
	"hlflow/logger"
	"hlflow/models"
)

// canonicalParquetRecord defines the parquet schema of an archived daily
// row. Optional doubles keep the missing-vs-zero distinction the CSV makes
// with empty cells.
type canonicalParquetRecord struct {
	Date                    string   `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	VolumeUSD               *float64 `parquet:"name=volume_usd, type=DOUBLE, repetitiontype=OPTIONAL"`
	OpenInterestUSD         *float64 `parquet:"name=open_interest_usd, type=DOUBLE, repetitiontype=OPTIONAL"`
	SnapshotVolume24h       *float64 `parquet:"name=snapshot_volume_24h, type=DOUBLE, repetitiontype=OPTIONAL"`
	SnapshotVolume7d        *float64 `parquet:"name=snapshot_volume_7d, type=DOUBLE, repetitiontype=OPTIONAL"`
	SnapshotVolume30d       *float64 `parquet:"name=snapshot_volume_30d, type=DOUBLE, repetitiontype=OPTIONAL"`
	SnapshotOpenInterestNow *float64 `parquet:"name=snapshot_open_interest_now, type=DOUBLE, repetitiontype=OPTIONAL"`
	SnapshotTotalVolume     *float64 `parquet:"name=snapshot_total_volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	AsOfUTC                 string   `parquet:"name=as_of_utc, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// in-memory parquet sink, keeps the whole file in a buffer until upload
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// ArchiveWriter copies run artifacts to S3 after a publish. It is strictly
// advisory: any failure is logged and swallowed so archival can never break
// a run that already delivered its rows.
type ArchiveWriter struct {
	cfg      *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
}

// NewArchiveWriter initializes the archive client with optional static
// credentials from config.
func NewArchiveWriter(cfg *appconfig.Config) (*ArchiveWriter, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &ArchiveWriter{
		cfg:      cfg,
		s3Client: s3.NewFromConfig(awsCfg),
		log:      logger.GetLogger(),
	}, nil
}

// ArchiveRun uploads the staging CSV, the raw source payload and, when
// enabled, a parquet rendering of the canonical rows. Object keys are
// partitioned by table and run day so the archive stays queryable in place.
func (w *ArchiveWriter) ArchiveRun(ctx context.Context, asOf time.Time, csvText string, raw *models.RawPayload, rows []models.CanonicalRow) {
	runID := uuid.New().String()
	w.putObject(ctx, w.objectKey(asOf, runID, "csv"), []byte(csvText))

	if raw != nil && len(raw.Body) > 0 {
		w.putObject(ctx, w.objectKey(asOf, runID, "raw."+raw.Encoding), raw.Body)
	}

	if w.cfg.Storage.S3.Parquet && len(rows) > 0 {
		data, err := buildParquet(rows)
		if err != nil {
			w.log.WithComponent("archive_writer").WithError(err).Error("create parquet failed")
			return
		}
		w.putObject(ctx, w.objectKey(asOf, runID, "parquet"), data)
	}
}

func (w *ArchiveWriter) putObject(ctx context.Context, key string, data []byte) {
	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		w.log.WithComponent("archive_writer").WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("upload to s3 failed")
		return
	}
	logger.IncrementArchiveWrite(int64(len(data)))
	w.log.WithComponent("archive_writer").WithFields(logger.Fields{"s3_key": key, "bytes": len(data)}).Info("run artifact archived")
}

func (w *ArchiveWriter) objectKey(asOf time.Time, runID string, ext string) string {
	ts := asOf.UTC()
	parts := []string{
		w.cfg.Storage.S3.Prefix,
		fmt.Sprintf("table=%s", w.cfg.Sink.TableName),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("run_%s_%s.%s", ts.Format("20060102T150405Z"), runID, ext),
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

func buildParquet(rows []models.CanonicalRow) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := pqwriter.NewParquetWriter(mw, new(canonicalParquetRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		rec := canonicalParquetRecord{
			Date:                    row.Date.Format("2006-01-02"),
			VolumeUSD:               floatPtr(row.VolumeUSD),
			OpenInterestUSD:         floatPtr(row.OpenInterestUSD),
			SnapshotVolume24h:       floatPtr(row.SnapshotVolume24h),
			SnapshotVolume7d:        floatPtr(row.SnapshotVolume7d),
			SnapshotVolume30d:       floatPtr(row.SnapshotVolume30d),
			SnapshotOpenInterestNow: floatPtr(row.SnapshotOpenInterestNow),
			SnapshotTotalVolume:     floatPtr(row.SnapshotTotalVolume),
			AsOfUTC:                 models.FormatTimestamp(row.AsOfUTC),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
