//go:build unix

package alloctrace

import (
	"unsafe"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	arenaSize  = 64 << 20
	arenaAlign = 16
	// block header holding the requested size
	headerSize = 16
)

// The allocation entry points are nosplit and noinline so their first
// instructions are the frame setup and nothing branches before the hook
// redirect ends. Memory comes from one anonymous arena and is never reused.
var arena struct {
	base, limit uintptr
	next        atomic.Uintptr
	freed       atomic.Uint64
	frees       atomic.Uint64
}

func init() {
	p, err := unix.MmapPtr(-1, 0, nil, arenaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		logger.Error().Err(err).Msg("arena unavailable, every allocation fails")
		return
	}
	arena.base = uintptr(p)
	arena.limit = arena.base + arenaSize
	arena.next.Store(arena.base)
}

// Malloc returns size bytes aligned to 16, or 0 when the arena is spent.
//
//go:nosplit
//go:noinline
func Malloc(size uintptr) uintptr {
	return alloc(size, arenaAlign)
}

// Free releases a block returned by one of the allocation functions.
//
//go:nosplit
//go:noinline
func Free(ptr uintptr) {
	release(ptr)
}

// Calloc returns count zeroed elements of size bytes.
//
//go:nosplit
//go:noinline
func Calloc(count, size uintptr) uintptr {
	if size != 0 && count > ^uintptr(0)/size {
		return 0
	}
	// arena memory is never handed out twice, it is still zero
	return alloc(count*size, arenaAlign)
}

// Realloc moves the block at ptr to one of size bytes, keeping the common
// prefix.
//
//go:nosplit
//go:noinline
func Realloc(ptr, size uintptr) uintptr {
	return move(ptr, size)
}

// Memalign returns size bytes aligned to align, a power of two.
//
//go:nosplit
//go:noinline
func Memalign(align, size uintptr) uintptr {
	if !isPow2(align) {
		return 0
	}
	return alloc(size, align)
}

// PosixMemalign stores a block aligned to align in *memptr and returns 0,
// or an errno value leaving *memptr untouched.
//
//go:nosplit
//go:noinline
func PosixMemalign(memptr *uintptr, align, size uintptr) int32 {
	return alignedInto(memptr, align, size)
}

//go:noinline
func alloc(size, align uintptr) uintptr {
	if arena.limit == 0 || size > arenaSize {
		return 0
	}
	// at least arenaAlign, and a power of two when align is one
	align = ((align - 1) | (arenaAlign - 1)) + 1
	for {
		cur := arena.next.Load()
		start := (cur + headerSize + align - 1) &^ (align - 1)
		end := start + (size+arenaAlign-1)&^(arenaAlign-1)
		if end < start || end > arena.limit {
			return 0
		}
		if arena.next.CompareAndSwap(cur, end) {
			*(*uintptr)(unsafe.Pointer(start - headerSize)) = size
			return start
		}
	}
}

//go:noinline
func release(ptr uintptr) {
	if ptr == 0 {
		return
	}
	arena.frees.Inc()
	arena.freed.Add(uint64(blockSize(ptr)))
}

//go:noinline
func move(ptr, size uintptr) uintptr {
	if ptr == 0 {
		return alloc(size, arenaAlign)
	}
	p := alloc(size, arenaAlign)
	if p == 0 {
		return 0
	}
	n := min(blockSize(ptr), size)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), n), unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
	release(ptr)
	return p
}

//go:noinline
func alignedInto(memptr *uintptr, align, size uintptr) int32 {
	if !isPow2(align) || align%unsafe.Sizeof(uintptr(0)) != 0 {
		return int32(unix.EINVAL)
	}
	p := alloc(size, align)
	if p == 0 {
		return int32(unix.ENOMEM)
	}
	*memptr = p
	return 0
}

func blockSize(ptr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(ptr - headerSize))
}

func isPow2(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// Usage reports the bytes taken from the arena, the bytes given back and
// the number of frees.
func Usage() (reserved uintptr, freed, frees uint64) {
	if arena.limit == 0 {
		return 0, 0, 0
	}
	return arena.next.Load() - arena.base, arena.freed.Load(), arena.frees.Load()
}
