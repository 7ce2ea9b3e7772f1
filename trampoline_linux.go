//go:build linux

package memhook

import (
	"sort"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// lowest hint handed to mmap, above the usual mmap_min_addr
const minMapAddr = 0x10000

// gaps tried after the page of the target itself
const maxGapProbes = 64

// allocTrampoline maps one trampoline inside the placement window of
// target. Mappings that land outside the window are released at once.
func allocTrampoline(target uintptr, bottom, top int64, log zerolog.Logger) (*Trampoline, error) {
	w := placementWindow(target, bottom, top)
	size := trampolineMapSize()

	if tr := tryMap(roundDown(target, pageSize), w, size, log); tr != nil {
		return tr, nil
	}
	hints, err := gapHints(target, w, size)
	if err != nil {
		return nil, errors.Wrapf(ErrNoTrampoline, "read mappings: %v", err)
	}
	for i, hint := range hints {
		if i == maxGapProbes {
			break
		}
		if tr := tryMap(hint, w, size, log); tr != nil {
			return tr, nil
		}
	}
	return nil, errors.Wrapf(ErrNoTrampoline, "target %#x window (%#x, %#x)", target, w.lower, w.upper)
}

func tryMap(hint uintptr, w window, size uintptr, log zerolog.Logger) *Trampoline {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		log.Debug().Err(err).Str("hint", hexAddr(hint)).Msg("map failed")
		return nil
	}
	addr := uintptr(p)
	if !w.contains(addr) {
		log.Debug().Str("hint", hexAddr(hint)).Str("addr", hexAddr(addr)).Msg("map out of range")
		_ = unix.MunmapPtr(p, size)
		return nil
	}
	log.Debug().Str("addr", hexAddr(addr)).Msg("map ok")
	return &Trampoline{
		mem:  unsafe.Slice((*byte)(p), size),
		code: (*trampolineCode)(p),
	}
}

// gapHints lists, nearest to target first, one candidate address in every
// unmapped gap of the process that can hold size bytes inside w.
func gapHints(target uintptr, w window, size uintptr) ([]uintptr, error) {
	self, err := procfs.Self()
	if err != nil {
		return nil, err
	}
	maps, err := self.ProcMaps()
	if err != nil {
		return nil, err
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].StartAddr < maps[j].StartAddr })

	lo := max(roundUp(w.lower+1, pageSize), minMapAddr)
	hi := roundDown(w.upper, pageSize)
	var hints []uintptr
	add := func(start, end uintptr) {
		start, end = max(start, lo), min(end, hi)
		if end <= start || end-start < size {
			return
		}
		switch {
		case target < start:
			hints = append(hints, start)
		case target >= end:
			hints = append(hints, end-size)
		default:
			hints = append(hints, roundDown(target, pageSize))
		}
	}
	prev := uintptr(0)
	for _, m := range maps {
		add(prev, m.StartAddr)
		prev = max(prev, m.EndAddr)
	}
	add(prev, hi)

	sort.Slice(hints, func(i, j int) bool {
		return distance(hints[i], target) < distance(hints[j], target)
	})
	return hints, nil
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}

// seal turns the trampoline read+execute once its code is complete.
func (tr *Trampoline) seal() error {
	return unix.Mprotect(tr.mem, unix.PROT_READ|unix.PROT_EXEC)
}

func (tr *Trampoline) release() {
	_ = unix.MunmapPtr(unsafe.Pointer(&tr.mem[0]), uintptr(len(tr.mem)))
	tr.mem = nil
	tr.code = nil
}
