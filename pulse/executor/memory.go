package executor

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/hubjobs/errors"
)

// memoryUsedPercent returns the share of system memory in use
func memoryUsedPercent() (float64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.UsedPercent, nil
}

// underMemoryPressure reports whether admission should pause.
// Unreadable memory stats never block admission.
func (e *Executor) underMemoryPressure() bool {
	if e.cfg.MemoryPressurePercent <= 0 {
		return false
	}
	used, err := e.memory()
	if err != nil {
		e.log.Debugw("Memory stats unavailable", "error", err)
		return false
	}
	if used < e.cfg.MemoryPressurePercent {
		return false
	}
	e.log.Warnw("Memory pressure, admission paused",
		"memory_percent", used,
		"threshold", e.cfg.MemoryPressurePercent)
	return true
}
