package server

import (
	"expvar"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	systemVarsOnce  sync.Once
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
)

func initSystemVars() {
	systemVarsOnce.Do(func() {
		cpuUsagePercent = expvar.NewFloat("system_cpu_usage_percent")
		memUsagePercent = expvar.NewFloat("system_mem_usage_percent")
		diskUsage = expvar.NewFloat("system_disk_usage_percent")
	})
}

// SystemCollector periodically publishes host CPU, memory and disk usage via
// expvar. The disk is the one holding the changelog.
type SystemCollector struct {
	diskPath string
	interval time.Duration
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	initSystemVars()
	return &SystemCollector{
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
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

// Collect samples the host once.
func (sc *SystemCollector) Collect() {
	// A zero interval compares against the previous call.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuUsagePercent.Set(pct[0])
	} else if err != nil {
		sc.logger.Debug("Failed to sample cpu usage", "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		diskUsage.Set(du.UsedPercent)
	} else {
		sc.logger.Debug("Failed to sample disk usage", "path", sc.diskPath, "error", err)
	}
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.Collect()
	for {
		select {
		case <-ticker.C:
			sc.Collect()
		case <-sc.stopChan:
			return
		}
	}
}
