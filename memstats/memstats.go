package memstats

import (
	"context"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is the memory state of the process at one instant. Sizes are in
// bytes.
type Snapshot struct {
	RSS     uint64
	PeakRSS uint64
	Threads int32
	// physical memory of the host
	SystemTotal uint64

	HeapAlloc uint64
	HeapSys   uint64
	NumGC     uint32
}

// Collect reads the resident set from /proc, the thread count and host
// memory through gopsutil, and the Go heap from the runtime.
func Collect(ctx context.Context) (Snapshot, error) {
	var s Snapshot

	self, err := procfs.Self()
	if err != nil {
		return s, errors.Wrap(err, "open /proc/self")
	}
	status, err := self.NewStatus()
	if err != nil {
		return s, errors.Wrap(err, "read /proc/self/status")
	}
	s.RSS = status.VmRSS
	s.PeakRSS = status.VmHWM

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return s, errors.Wrap(err, "open process")
	}
	if s.Threads, err = proc.NumThreadsWithContext(ctx); err != nil {
		return s, errors.Wrap(err, "count threads")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, errors.Wrap(err, "read host memory")
	}
	s.SystemTotal = vm.Total

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapAlloc = ms.HeapAlloc
	s.HeapSys = ms.HeapSys
	s.NumGC = ms.NumGC
	return s, nil
}

// MarshalZerologObject lets a snapshot be logged with Object.
func (s Snapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("rss", s.RSS).
		Uint64("peak_rss", s.PeakRSS).
		Int32("threads", s.Threads).
		Uint64("system_total", s.SystemTotal).
		Uint64("heap_alloc", s.HeapAlloc).
		Uint64("heap_sys", s.HeapSys).
		Uint32("num_gc", s.NumGC)
}
