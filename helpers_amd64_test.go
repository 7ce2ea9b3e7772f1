//go:build linux && amd64

package memhook

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// execPages maps n writable executable pages filled with INT3 and copies
// code to the start. The pages stay mapped: installed hooks point into them.
func execPages(t *testing.T, n int, code []byte) uintptr {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, n*int(pageSize),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	require.NoError(t, err)
	for i := range mem {
		mem[i] = int3
	}
	copy(mem, code)
	return uintptr(unsafe.Pointer(&mem[0]))
}

func writeCode(addr uintptr, code ...byte) {
	copy(makeSlice(addr, uintptr(len(code))), code)
}

func le32(v int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// jmpTo encodes a JMP rel32 placed at from.
func jmpTo(from, to uintptr) []byte {
	return cat([]byte{0xe9}, le32(int32(to-(from+5))))
}

// a+b under the register calling convention: args in AX and BX, result in AX
var addCode = []byte{
	0x48, 0x89, 0xc1, // mov rcx, rax
	0x48, 0x01, 0xd9, // add rcx, rbx
	0x48, 0x89, 0xc8, // mov rax, rcx
	0xc3, // ret
}
