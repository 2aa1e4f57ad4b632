package server

import (
	"expvar"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Published expvar variables are process-global, so they are registered once
// no matter how many collectors a process (or a test binary) creates.
var (
	systemVarsOnce sync.Once

	systemCPUPercent   *expvar.Float
	systemMemPercent   *expvar.Float
	systemDiskPercent  *expvar.Float
	processCPUPercent  *expvar.Float
	processRSSBytes    *expvar.Int
	processHeapBytes   *expvar.Int
	processNumGC       *expvar.Int
	processGCPauseMill *expvar.Int
)

func registerSystemVars() {
	systemVarsOnce.Do(func() {
		systemCPUPercent = expvar.NewFloat("lookback_system_cpu_percent")
		systemMemPercent = expvar.NewFloat("lookback_system_mem_used_percent")
		systemDiskPercent = expvar.NewFloat("lookback_system_disk_used_percent")
		processCPUPercent = expvar.NewFloat("lookback_process_cpu_percent")
		processRSSBytes = expvar.NewInt("lookback_process_rss_bytes")
		processHeapBytes = expvar.NewInt("lookback_process_heap_alloc_bytes")
		processNumGC = expvar.NewInt("lookback_process_num_gc")
		processGCPauseMill = expvar.NewInt("lookback_process_gc_pause_total_millis")
	})
}

// SystemCollector periodically samples host and process statistics (CPU,
// memory, disk, garbage collection) and publishes them via expvar so the
// debug server's /debug/vars endpoint can serve them.
type SystemCollector struct {
	proc     *process.Process
	diskPath string
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector.
// diskPath is the path whose filesystem usage is monitored (e.g. the
// directory holding the replay file); empty disables disk sampling.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	registerSystemVars()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process stats unavailable", "error", err)
		proc = nil
	}
	return &SystemCollector{
		proc:     proc,
		diskPath: diskPath,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.logger.Info("Stopping system metrics collector")
	close(sc.stopChan)
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	// The sampling window for cpu.Percent should be slightly shorter than the
	// ticker interval so the measurement finishes before the next tick. A zero
	// window means "since the previous call", which is what we want for short
	// intervals.
	cpuWindow := sc.interval - time.Second
	if cpuWindow < 0 {
		cpuWindow = 0
	}

	for {
		select {
		case <-ticker.C:
			sc.collect(cpuWindow)
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect(cpuWindow time.Duration) {
	if cpuPercentages, err := cpu.Percent(cpuWindow, false); err == nil && len(cpuPercentages) > 0 {
		systemCPUPercent.Set(cpuPercentages[0])
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		systemMemPercent.Set(vm.UsedPercent)
	}

	if sc.diskPath != "" {
		if du, err := disk.Usage(sc.diskPath); err == nil {
			systemDiskPercent.Set(du.UsedPercent)
		}
	}

	if sc.proc != nil {
		if pct, err := sc.proc.Percent(0); err == nil {
			processCPUPercent.Set(pct)
		}
		if mi, err := sc.proc.MemoryInfo(); err == nil && mi != nil {
			processRSSBytes.Set(int64(mi.RSS))
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	processHeapBytes.Set(int64(ms.HeapAlloc))
	processNumGC.Set(int64(ms.NumGC))
	processGCPauseMill.Set(int64(ms.PauseTotalNs / uint64(time.Millisecond)))
}
