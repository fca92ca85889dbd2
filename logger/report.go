package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type stageStat struct {
	records int64
	bytes   int64
}

var (
	errorsReader   int64
	errorsWriter   int64
	warnsReader    int64
	warnsWriter    int64
	sourceFetches  int64
	fetchErrors    int64
	parseDiscards  int64
	rowsNormalized int64
	rowsPublished  int64
	sinkRetries    int64
	archiveWrites  int64
	stages         sync.Map // map[string]*stageStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsReader, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "publisher") {
		atomic.AddInt64(&warnsWriter, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsReader, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "publisher") {
		atomic.AddInt64(&errorsWriter, 1)
	}
}

func IncrementSourceFetch(size int) {
	atomic.AddInt64(&sourceFetches, 1)
	recordStage("source_fetch", 1, size)
}

func IncrementFetchError() {
	atomic.AddInt64(&fetchErrors, 1)
}

func AddParseDiscards(n int) {
	atomic.AddInt64(&parseDiscards, int64(n))
}

func AddRowsNormalized(n int) {
	atomic.AddInt64(&rowsNormalized, int64(n))
	recordStage("normalizer", n, 0)
}

func AddRowsPublished(n int, size int) {
	atomic.AddInt64(&rowsPublished, int64(n))
	recordStage("sink_publish", n, size)
}

func IncrementSinkRetry() {
	atomic.AddInt64(&sinkRetries, 1)
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordStage("s3_archive", 1, int(size))
}

func ParseDiscards() int64 {
	return atomic.LoadInt64(&parseDiscards)
}

func recordStage(name string, records, size int) {
	v, _ := stages.LoadOrStore(name, &stageStat{})
	st := v.(*stageStat)
	atomic.AddInt64(&st.records, int64(records))
	atomic.AddInt64(&st.bytes, int64(size))
}

// LogRunSummary emits the end-of-run counters once and forwards them to
// CloudWatch when the client is configured. The pipeline is a single pass,
// so a one-shot summary replaces the periodic report a long-lived service
// would use.
func LogRunSummary(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	stageData := map[string]map[string]int64{}
	stages.Range(func(k, v any) bool {
		name := k.(string)
		st := v.(*stageStat)
		stageData[name] = map[string]int64{
			"records": atomic.LoadInt64(&st.records),
			"bytes":   atomic.LoadInt64(&st.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_reader":   atomic.LoadInt64(&errorsReader),
		"errors_writer":   atomic.LoadInt64(&errorsWriter),
		"warns_reader":    atomic.LoadInt64(&warnsReader),
		"warns_writer":    atomic.LoadInt64(&warnsWriter),
		"source_fetches":  atomic.LoadInt64(&sourceFetches),
		"fetch_errors":    atomic.LoadInt64(&fetchErrors),
		"parse_discards":  atomic.LoadInt64(&parseDiscards),
		"rows_normalized": atomic.LoadInt64(&rowsNormalized),
		"rows_published":  atomic.LoadInt64(&rowsPublished),
		"sink_retries":    atomic.LoadInt64(&sinkRetries),
		"archive_writes":  atomic.LoadInt64(&archiveWrites),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"stages":          stageData,
	}

	log.WithComponent("report").WithFields(fields).Info("run summary")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-ErrorsReader"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_reader"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-ErrorsWriter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_writer"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-SourceFetches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["source_fetches"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-FetchErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fetch_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-ParseDiscards"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["parse_discards"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-RowsNormalized"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rows_normalized"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-RowsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rows_published"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-SinkRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_retries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Hlflow-ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
	)

	for name, stats := range stageData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Hlflow-StageRecords"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stage"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["records"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Hlflow-StageBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stage"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
