package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream      int64
	errorsPoll        int64
	warnsStream       int64
	warnsPoll         int64
	frameReads        int64
	pollReads         int64
	retryCount        int64
	outcomesPublished int64
	channels          sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "ws") || strings.Contains(component, "router") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "poller") || strings.Contains(component, "rest") {
		atomic.AddInt64(&warnsPoll, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "ws") || strings.Contains(component, "router") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "poller") || strings.Contains(component, "rest") {
		atomic.AddInt64(&errorsPoll, 1)
	}
}

// IncrementFrameRead records one inbound push frame.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&frameReads, 1)
	recordChannel("push_frames", size)
}

// IncrementPollRead records one REST poll response.
func IncrementPollRead(size int) {
	atomic.AddInt64(&pollReads, 1)
	recordChannel("rest_polls", size)
}

// IncrementRetryCount records one reconnect attempt.
func IncrementRetryCount() {
	atomic.AddInt64(&retryCount, 1)
}

// IncrementOutcomePublished records one published trade outcome.
func IncrementOutcomePublished() {
	atomic.AddInt64(&outcomesPublished, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
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

	memUsed := int64(0)
	if memStats != nil {
		memUsed = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_stream":      atomic.LoadInt64(&errorsStream),
		"errors_poll":        atomic.LoadInt64(&errorsPoll),
		"warns_stream":       atomic.LoadInt64(&warnsStream),
		"warns_poll":         atomic.LoadInt64(&warnsPoll),
		"frame_reads":        atomic.LoadInt64(&frameReads),
		"poll_reads":         atomic.LoadInt64(&pollReads),
		"reconnect_retries":  atomic.LoadInt64(&retryCount),
		"outcomes_published": atomic.LoadInt64(&outcomesPublished),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          memUsed,
		"channels":           channelData,
		"net_bytes_sent":     int64(bytesSent),
		"net_bytes_recv":     int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
