package memhook

import (
	"os"
	"unsafe"
)

const (
	// scan window, and size of every trampoline code area
	maxCodeBytes = 32
	// JMP rel32
	jmpCodeBytes = 5
	// JMP [RIP+0] followed by the absolute address
	absJmpCodeBytes = 14
	// RIP-relative operands tracked per scan
	maxRIPFixups = 4

	// rel32 reach kept below 2GB so the code areas stay encodable
	nearReach = 0x7fff0000
	farReach  = 0x7ff80000

	twoGiga      = 0x80000000
	minusTwoGiga = 0xffffffff80000000
	highLimit    = 0xfffffffffff80000
)

var pageSize = uintptr(os.Getpagesize())

// trampolineCode is laid out at the start of a trampoline mapping.
type trampolineCode struct {
	// verbatim copy of the relocated bytes
	originalCode [maxCodeBytes]byte
	// long-range jump to the observer
	stubCode [maxCodeBytes]byte
	// relocated bytes and the jump back into the target
	entryCode [maxCodeBytes]byte
}

// window is the open interval of trampoline addresses that keep every
// rel32 encoding of a hook in range.
type window struct {
	lower, upper uintptr
}

func (w window) contains(p uintptr) bool {
	return w.lower < p && p < w.upper
}

// placementWindow narrows the 2GB reach around target by the span of
// addresses the relocated code refers to. bottom <= 0 <= top.
func placementWindow(target uintptr, bottom, top int64) window {
	lower := target + uintptr(top)
	upper := target + uintptr(bottom)
	if lower < twoGiga {
		lower = 1
	} else {
		lower -= nearReach
	}
	if upper > minusTwoGiga {
		upper = highLimit
	} else {
		upper += farReach
	}
	return window{lower: lower, upper: upper}
}

func trampolineMapSize() uintptr {
	return roundUp(unsafe.Sizeof(trampolineCode{}), pageSize)
}

func roundUp(n, size uintptr) uintptr {
	return (n + size - 1) / size * size
}

func roundDown(n, size uintptr) uintptr {
	return n / size * size
}

// fitsRel32 tells whether a jump ending at from can reach to.
func fitsRel32(from, to uintptr) bool {
	diff := to - from
	if from > to {
		diff = from - to
	}
	return diff < nearReach
}
