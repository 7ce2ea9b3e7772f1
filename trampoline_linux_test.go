//go:build linux

package memhook

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func anonPage(t *testing.T) uintptr {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, int(pageSize), unix.PROT_READ|unix.PROT_EXEC, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	return uintptr(unsafe.Pointer(&mem[0]))
}

func TestAllocTrampolineNearMapping(t *testing.T) {
	target := anonPage(t) + 0x40
	tr, err := allocTrampoline(target, -0x100, 0x2000, zerolog.Nop())
	require.NoError(t, err)
	defer tr.release()

	w := placementWindow(target, -0x100, 0x2000)
	assert.True(t, w.contains(tr.Entry()))
	assert.True(t, fitsRel32(tr.Entry()+maxCodeBytes, target))
	assert.True(t, fitsRel32(target+jmpCodeBytes, tr.stubAddr()))
	assert.Len(t, tr.mem, int(trampolineMapSize()))

	// writable until sealed
	tr.code.entryCode[0] = int3
	require.NoError(t, tr.seal())
}

func TestAllocTrampolineNearText(t *testing.T) {
	target := reflect.ValueOf(TestAllocTrampolineNearText).Pointer()
	tr, err := allocTrampoline(target, 0, 0, zerolog.Nop())
	require.NoError(t, err)
	defer tr.release()
	assert.True(t, placementWindow(target, 0, 0).contains(tr.Entry()))
}

func TestGapHints(t *testing.T) {
	target := anonPage(t)
	w := placementWindow(target, 0, 0)
	size := trampolineMapSize()
	hints, err := gapHints(target, w, size)
	require.NoError(t, err)
	require.NotEmpty(t, hints)
	for i, h := range hints {
		assert.True(t, w.contains(h), "hint %#x", h)
		assert.Zero(t, h%pageSize)
		if i > 0 {
			assert.LessOrEqual(t, distance(hints[i-1], target), distance(h, target))
		}
	}
}
