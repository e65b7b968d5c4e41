package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type stageStat struct {
	files int64
	keys  int64
}

var (
	errorsTotal    int64
	warnsTotal     int64
	filesRead      int64
	keysFetched    int64
	candlesWritten int64
	residualKeys   int64
	s3Uploads      int64
	stages         sync.Map // map[string]*stageStat
)

func recordWarn(component string) {
	atomic.AddInt64(&warnsTotal, 1)
	recordStage(stageOf(component), 0, 0)
}

func recordError(component string) {
	atomic.AddInt64(&errorsTotal, 1)
	recordStage(stageOf(component), 0, 0)
}

// stageOf maps a component such as "pipeline.tidy-trades" to its stage.
func stageOf(component string) string {
	if i := strings.LastIndexByte(component, '.'); i >= 0 {
		return component[i+1:]
	}
	return component
}

// IncrementFilesRead counts input files read by a stage together with the
// records they held.
func IncrementFilesRead(stage string, records int) {
	atomic.AddInt64(&filesRead, 1)
	recordStage(stage, 1, int64(records))
}

// IncrementKeysFetched counts keys recovered from the exchange.
func IncrementKeysFetched(n int) {
	atomic.AddInt64(&keysFetched, int64(n))
}

// IncrementCandlesWritten counts candles written to disk.
func IncrementCandlesWritten(n int) {
	atomic.AddInt64(&candlesWritten, int64(n))
}

// AddResidualKeys counts keys still missing after a tidy run.
func AddResidualKeys(n int64) {
	atomic.AddInt64(&residualKeys, n)
}

func IncrementS3Upload() {
	atomic.AddInt64(&s3Uploads, 1)
}

func recordStage(name string, files, keys int64) {
	if name == "" {
		return
	}
	v, _ := stages.LoadOrStore(name, &stageStat{})
	st := v.(*stageStat)
	atomic.AddInt64(&st.files, files)
	atomic.AddInt64(&st.keys, keys)
}

// Counters returns the pipeline counters accumulated so far.
func Counters() Fields {
	return Fields{
		"errors":          atomic.LoadInt64(&errorsTotal),
		"warns":           atomic.LoadInt64(&warnsTotal),
		"files_read":      atomic.LoadInt64(&filesRead),
		"keys_fetched":    atomic.LoadInt64(&keysFetched),
		"candles_written": atomic.LoadInt64(&candlesWritten),
		"residual_keys":   atomic.LoadInt64(&residualKeys),
		"s3_uploads":      atomic.LoadInt64(&s3Uploads),
	}
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats, err := mem.VirtualMemory(); err == nil {
		memUsed = memStats.Used
	}
	if diskStats, err := disk.Usage("/"); err == nil {
		diskUsed = diskStats.Used
	}

	stageData := map[string]map[string]int64{}
	stages.Range(func(k, v any) bool {
		st := v.(*stageStat)
		stageData[k.(string)] = map[string]int64{
			"files": atomic.LoadInt64(&st.files),
			"keys":  atomic.LoadInt64(&st.keys),
		}
		return true
	})

	fields := Counters()
	fields["goroutines"] = runtime.NumGoroutine()
	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memUsed) / 1024 / 1024
	fields["disk_mb"] = int64(diskUsed) / 1024 / 1024
	fields["stages"] = stageData

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[key].(int64))),
		}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskUsed) / 1024 / 1024)},
		count("Errors", "errors"),
		count("Warns", "warns"),
		count("FilesRead", "files_read"),
		count("KeysFetched", "keys_fetched"),
		count("CandlesWritten", "candles_written"),
		count("ResidualKeys", "residual_keys"),
		count("S3Uploads", "s3_uploads"),
	}
	for name, st := range stageData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("StageFiles"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Stage"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(st["files"])),
		})
	}

	publishMetrics(ctx, data)
}
