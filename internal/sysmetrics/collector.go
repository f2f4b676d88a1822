// Package sysmetrics contributes host and process observations to the
// telemetry registry.
package sysmetrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/matt-riley/flagsync/internal/telemetry"
)

// Metric keys reported by the collector.
const (
	MetricCPUPercent    = "system.cpu.percent"
	MetricMemoryPercent = "system.memory.used_percent"
	MetricProcessRSS    = "process.memory.rss_bytes"
	MetricGoroutines    = "process.goroutines"
)

// sources are the probes behind each metric.
type sources struct {
	cpuPercent    func(ctx context.Context) (float64, error)
	memoryPercent func(ctx context.Context) (float64, error)
	processRSS    func(ctx context.Context) (float64, error)
	goroutines    func() float64
}

// Collector reads system and process statistics on every metrics flush.
type Collector struct {
	clock   quartz.Clock
	sources sources
	proc    *process.Process
}

// New creates a collector for the current process.
func New(clock quartz.Clock) (*Collector, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process stats: %w", err)
	}
	c := &Collector{clock: clock, proc: proc}
	c.sources = sources{
		cpuPercent:    readCPUPercent,
		memoryPercent: readMemoryPercent,
		processRSS:    c.readProcessRSS,
		goroutines:    func() float64 { return float64(runtime.NumGoroutine()) },
	}
	return c, nil
}

// Register adds the collector to reg as an observations producer.
func (c *Collector) Register(reg *telemetry.Registry) uuid.UUID {
	return reg.RegisterObservations(c.Observe)
}

// Observe samples every probe. Probes that fail are left out; the error
// reports them all.
func (c *Collector) Observe(ctx context.Context) (map[string]telemetry.Point, error) {
	now := c.clock.Now().UTC()
	out := map[string]telemetry.Point{
		MetricGoroutines: {Time: now, Value: c.sources.goroutines()},
	}

	var errs []error
	probes := []struct {
		name string
		read func(context.Context) (float64, error)
	}{
		{MetricCPUPercent, c.sources.cpuPercent},
		{MetricMemoryPercent, c.sources.memoryPercent},
		{MetricProcessRSS, c.sources.processRSS},
	}
	for _, probe := range probes {
		v, err := probe.read(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", probe.name, err))
			continue
		}
		out[probe.name] = telemetry.Point{Time: now, Value: v}
	}
	return out, errors.Join(errs...)
}

func readCPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return percents[0], nil
}

func readMemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (c *Collector) readProcessRSS(ctx context.Context) (float64, error) {
	info, err := c.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return float64(info.RSS), nil
}
