package orchestrator

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
)

// hostCPUCount resolves the "max" instances token to the logical CPU
// count. Uses gopsutil instead of runtime.NumCPU() per DESIGN.md, falling
// back to runtime.NumCPU() if the OS query fails (e.g. inside a minimal
// container without /proc/cpuinfo).
func hostCPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}
