//go:build linux && amd64

package memhook

import (
	"encoding/binary"
	"unsafe"

	"github.com/cockroachdb/errors"
)

const int3 = 0xcc

// jumpTarget decodes an unconditional jump at pc: JMP rel32, JMP rel8,
// and JMP [RIP+disp32] with or without REX.W. Indirect jumps are resolved
// through the pointer they load.
func jumpTarget(pc uintptr) (uintptr, bool) {
	code := makeSlice(pc, 7)
	switch {
	case code[0] == 0xff && code[1] == 0x25:
		offset := int32(binary.LittleEndian.Uint32(code[2:]))
		return loadPointer(pc + 6 + uintptr(offset))
	case code[0] == 0x48 && code[1] == 0xff && code[2] == 0x25:
		offset := int32(binary.LittleEndian.Uint32(code[3:]))
		return loadPointer(pc + 7 + uintptr(offset))
	case code[0] == 0xe9:
		offset := int32(binary.LittleEndian.Uint32(code[1:]))
		return pc + 5 + uintptr(offset), true
	case code[0] == 0xeb:
		return pc + 2 + uintptr(int8(code[1])), true
	}
	return 0, false
}

func loadPointer(slot uintptr) (uintptr, bool) {
	p := *(*uintptr)(unsafe.Pointer(slot))
	return p, p != 0
}

// skipJumps follows unconditional jumps until it lands on real code.
func skipJumps(pc uintptr) uintptr {
	if to, ok := jumpTarget(pc); ok {
		return skipJumps(to)
	}
	return pc
}

// emitJump writes a jump to to into code, which will execute at address
// at, and returns its length: JMP rel32 when in reach, otherwise
// JMP [RIP+0] followed by the absolute address.
func emitJump(code []byte, at, to uintptr) int {
	if fitsRel32(at+jmpCodeBytes, to) {
		_ = emitRel32(code, at, to)
		return jmpCodeBytes
	}
	code[0] = 0xff
	code[1] = 0x25
	binary.LittleEndian.PutUint32(code[2:], 0)
	binary.LittleEndian.PutUint64(code[6:], uint64(to))
	return absJmpCodeBytes
}

// emitRel32 writes JMP rel32 and fails when to is out of reach.
func emitRel32(code []byte, at, to uintptr) error {
	from := at + jmpCodeBytes
	if !fitsRel32(from, to) {
		return errors.Wrapf(ErrNoTrampoline, "jump %#x -> %#x exceeds rel32", at, to)
	}
	code[0] = 0xe9
	binary.LittleEndian.PutUint32(code[1:], uint32(to-from))
	return nil
}
