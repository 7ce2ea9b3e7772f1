package calltrace

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/k2io/memhook/internal/metrics"
)

// Buffer holds the records of one thread between two drains. Only the
// owning thread appends; the drain runs on that thread too.
type Buffer struct {
	tid     int
	table   *Table
	records []Record
	size    atomic.Int64

	// drains in progress on this buffer, events arriving meanwhile are
	// counted as overflowed and never stored
	draining atomic.Int32
	// a drain is scheduled and has not completed
	pending atomic.Bool

	recorded   atomic.Uint64
	overflowed atomic.Uint64
	dropped    atomic.Uint64

	// built once so scheduling does not allocate a closure per batch
	drainFn func()
}

func newBuffer(t *Table, tid int) (*Buffer, error) {
	size := roundUp(uintptr(t.cfg.Capacity)*unsafe.Sizeof(Record{}), uintptr(unix.Getpagesize()))
	p, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "map buffer of thread %d", tid)
	}
	b := &Buffer{
		tid:     tid,
		table:   t,
		records: unsafe.Slice((*Record)(p), t.cfg.Capacity),
	}
	b.drainFn = b.drain
	return b, nil
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) / align * align
}

func (b *Buffer) add(r Record) {
	if b.draining.Load() > 0 {
		b.overflowed.Inc()
		metrics.EventsOverflowed.Inc()
		return
	}
	n := b.size.Load()
	if int(n) < len(b.records) {
		b.records[n] = r
		b.size.Store(n + 1)
		b.recorded.Inc()
		metrics.EventsRecorded.Inc()
	} else {
		b.dropped.Inc()
		metrics.EventsDropped.Inc()
	}
	if b.pending.CompareAndSwap(false, true) {
		if !b.table.cfg.Scheduler.Schedule(b.drainFn) {
			b.pending.Store(false)
		}
	}
}

// drain summarizes the buffer, hands the summary to the sink and empties
// the buffer. A drain entered from within a drain returns at once.
func (b *Buffer) drain() {
	if b.draining.Inc() > 1 {
		b.draining.Dec()
		return
	}
	defer b.draining.Dec()

	s := b.summarize()
	if b.table.cfg.CaptureStack {
		s.Stack = captureStack(1)
	}
	b.table.cfg.Sink.Report(s)
	b.size.Store(0)
	b.pending.Store(false)
	metrics.TraceDrainTotal.Inc()
}

func (b *Buffer) summarize() Summary {
	s := Summary{
		TID:        b.tid,
		Overflowed: b.overflowed.Load(),
		Dropped:    b.dropped.Load(),
	}
	for _, r := range b.records[:b.size.Load()] {
		s.add(r)
	}
	return s
}

// TID is the OS thread owning the buffer.
func (b *Buffer) TID() int { return b.tid }

// Len is the number of records waiting for the next drain.
func (b *Buffer) Len() int { return int(b.size.Load()) }

// Cap is the fixed capacity.
func (b *Buffer) Cap() int { return len(b.records) }

// Pending reports whether a drain is scheduled.
func (b *Buffer) Pending() bool { return b.pending.Load() }

// Recorded is the number of records ever stored.
func (b *Buffer) Recorded() uint64 { return b.recorded.Load() }

// Overflowed is the number of events that arrived during a drain.
func (b *Buffer) Overflowed() uint64 { return b.overflowed.Load() }

// Dropped is the number of events that found the buffer full.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Records copies the records waiting for the next drain.
func (b *Buffer) Records() []Record {
	out := make([]Record, b.Len())
	copy(out, b.records)
	return out
}
