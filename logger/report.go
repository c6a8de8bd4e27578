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
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	errorsSession int64
	errorsSink    int64
	warnsSession  int64
	warnsSink     int64
	streamReads   int64
	recordsSunk   int64
	exportWrites  int64
	retryCount    int64
	flows         sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	if strings.Contains(component, "session") || strings.Contains(component, "transport") {
		atomic.AddInt64(&warnsSession, 1)
	} else if strings.Contains(component, "sink") {
		atomic.AddInt64(&warnsSink, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "session") || strings.Contains(component, "transport") {
		atomic.AddInt64(&errorsSession, 1)
	} else if strings.Contains(component, "sink") {
		atomic.AddInt64(&errorsSink, 1)
	}
}

// IncrementStreamRead counts one inbound stream frame of the given size.
func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordFlow("stream_rx", size)
}

// IncrementRecordSunk counts one state transition record appended to a sink.
func IncrementRecordSunk(size int) {
	atomic.AddInt64(&recordsSunk, 1)
	recordFlow("sink_append", size)
}

// IncrementExportWrite counts one export file written.
func IncrementExportWrite(size int64) {
	atomic.AddInt64(&exportWrites, 1)
	recordFlow("export_write", int(size))
}

// IncrementRetryCount counts one reconnect or re-auth attempt.
func IncrementRetryCount() {
	atomic.AddInt64(&retryCount, 1)
}

// RecordFlowMessage registers a message on a named data flow.
func RecordFlowMessage(name string, size int) {
	recordFlow(name, size)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// StartReport begins periodic logging of system and data-flow statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_session": atomic.LoadInt64(&errorsSession),
		"errors_sink":    atomic.LoadInt64(&errorsSink),
		"warns_session":  atomic.LoadInt64(&warnsSession),
		"warns_sink":     atomic.LoadInt64(&warnsSink),
		"stream_reads":   atomic.LoadInt64(&streamReads),
		"records_sunk":   atomic.LoadInt64(&recordsSunk),
		"export_writes":  atomic.LoadInt64(&exportWrites),
		"retries":        atomic.LoadInt64(&retryCount),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"flows":          flowData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsSession)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSink"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsSink)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsSession)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsSink"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsSink)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&streamReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("RecordsSunk"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&recordsSunk)))},
		cwtypes.MetricDatum{MetricName: aws.String("ExportWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&exportWrites)))},
		cwtypes.MetricDatum{MetricName: aws.String("Retries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&retryCount)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range flowData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("FlowMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("FlowBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
