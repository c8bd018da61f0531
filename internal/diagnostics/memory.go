// Package diagnostics reads the process memory footprint and triggers reclamation.
package diagnostics

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Memory is a point-in-time memory footprint
type Memory struct {
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapInuse  uint64 `json:"heapInuse"`
	HeapSys    uint64 `json:"heapSys"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"numGC"`
	Goroutines int    `json:"goroutines"`

	// RSS is the resident set size of the process, zero when unavailable
	RSS uint64 `json:"rss"`

	// SystemUsedPercent is the host memory usage
	SystemUsedPercent float64 `json:"systemUsedPercent,omitempty"`
}

var (
	procOnce sync.Once
	proc     *process.Process
)

func self() *process.Process {
	procOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			logger.L.Warn("failed to open process for memory stats", zap.Error(err))
			return
		}
		proc = p
	})
	return proc
}

// Snapshot reads the current memory footprint. It does not trigger a collection.
func Snapshot() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := Memory{
		HeapAlloc:  ms.HeapAlloc,
		HeapInuse:  ms.HeapInuse,
		HeapSys:    ms.HeapSys,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}

	if p := self(); p != nil {
		if info, err := p.MemoryInfo(); err == nil {
			m.RSS = info.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.SystemUsedPercent = vm.UsedPercent
	}
	return m
}

// Reclaim forces a garbage collection and returns freed memory to the OS.
// It reports the footprint before and after.
func Reclaim() (before, after Memory) {
	before = Snapshot()
	runtime.GC()
	debug.FreeOSMemory()
	after = Snapshot()
	return before, after
}

// Freed returns how many heap bytes a reclamation released, zero if the heap grew
func Freed(before, after Memory) uint64 {
	if after.HeapAlloc >= before.HeapAlloc {
		return 0
	}
	return before.HeapAlloc - after.HeapAlloc
}
