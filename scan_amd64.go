//go:build linux && amd64

package memhook

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/arch/x86/x86asm"
)

// ripFixup is a RIP-relative displacement that must be rewritten once the
// instruction holding it moves.
type ripFixup struct {
	// offset of the disp32 field within the scanned bytes
	offset int
	// displacement as found in the target
	displacement int32
}

// patch describes the head of a target that can be moved into a trampoline.
type patch struct {
	// bytes safe to relocate
	length int
	// lowest and highest displacement from the target entry that the
	// relocated code refers to
	bottom, top int64

	fixups  [maxRIPFixups]ripFixup
	nfixups int

	// absorbed trailing jump, jmpAddr == 0 when there is none
	jmpOffset int
	jmpLength int
	jmpAddr   uintptr
}

func (p *patch) span(d int64) {
	if d < p.bottom {
		p.bottom = d
	}
	if d > p.top {
		p.top = d
	}
}

// scan decodes whole instructions at pc until a jmpCodeBytes redirect fits.
// It stops short at the first control transfer, except for a jump long
// enough to be overwritten outright, which ends the scan.
func scan(pc uintptr, log zerolog.Logger) (patch, error) {
	var p patch
	code := makeSlice(pc, maxCodeBytes)
	for p.length < jmpCodeBytes {
		if n := endbrLength(code[p.length:]); n > 0 {
			if isDebug {
				log.Debug().
					Str("pc", hexAddr(pc+uintptr(p.length))).
					Hex("bytes", code[p.length:p.length+n]).
					Str("inst", "endbr").
					Msg("decode")
			}
			p.length += n
			continue
		}
		inst, err := x86asm.Decode(code[p.length:], 64)
		if err != nil {
			return p, errors.Wrapf(ErrMalformed, "at %#x+%d: %v", pc, p.length, err)
		}
		raw := code[p.length : p.length+inst.Len]
		if isDebug {
			log.Debug().
				Str("pc", hexAddr(pc+uintptr(p.length))).
				Hex("bytes", raw).
				Str("inst", x86asm.IntelSyntax(inst, uint64(pc)+uint64(p.length), nil)).
				Msg("decode")
		}
		if isControlTransfer(inst) {
			if inst.Op == x86asm.JMP && inst.Len >= jmpCodeBytes {
				if to, ok := jumpTarget(pc + uintptr(p.length)); ok {
					p.jmpOffset = p.length
					p.jmpLength = inst.Len
					p.jmpAddr = to
					p.span(int64(to - pc))
					p.length += inst.Len
					return p, nil
				}
			}
			return p, errors.Wrapf(ErrTooShort, "%v at %#x+%d", inst.Op, pc, p.length)
		}
		if err := p.addFixups(raw, inst); err != nil {
			return p, errors.Wrapf(err, "at %#x+%d", pc, p.length)
		}
		p.length += inst.Len
	}
	if isDebug {
		log.Debug().
			Int("length", p.length).
			Int("fixups", p.nfixups).
			Int64("bottom", p.bottom).
			Int64("top", p.top).
			Msg("scan done")
	}
	return p, nil
}

// endbrLength recognizes ENDBR64 and ENDBR32, which x86asm does not
// decode. Both are position independent no-ops.
func endbrLength(code []byte) int {
	if len(code) >= 4 && code[0] == 0xf3 && code[1] == 0x0f && code[2] == 0x1e &&
		(code[3] == 0xfa || code[3] == 0xfb) {
		return 4
	}
	return 0
}

func (p *patch) addFixups(raw []byte, inst x86asm.Inst) error {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		mem, ok := a.(x86asm.Mem)
		if !ok || mem.Base != x86asm.RIP {
			continue
		}
		// x86asm zero-extends the disp32 of RIP operands
		disp := int32(mem.Disp)
		off := inst.PCRelOff
		if inst.PCRel != 4 || !hasDisp(raw, off, disp) {
			off = dispOffset(raw, disp)
		}
		if off < 0 {
			return errors.Wrapf(ErrNotRelocatable, "no disp32 in % x", raw)
		}
		if p.nfixups == maxRIPFixups {
			return errors.Wrapf(ErrNotRelocatable, "more than %d rip-relative operands", maxRIPFixups)
		}
		p.fixups[p.nfixups] = ripFixup{
			offset:       p.length + off,
			displacement: disp,
		}
		p.nfixups++
		p.span(int64(p.length) + int64(inst.Len) + int64(disp))
	}
	return nil
}

// dispOffset finds the disp32 of a RIP-relative operand: it follows a
// ModRM byte with mod=00 and r/m=101.
func dispOffset(raw []byte, disp int32) int {
	for i := 1; i+4 <= len(raw); i++ {
		if raw[i-1]&0xc7 == 0x05 && hasDisp(raw, i, disp) {
			return i
		}
	}
	return -1
}

func hasDisp(raw []byte, off int, disp int32) bool {
	return off > 0 && off+4 <= len(raw) && int32(binary.LittleEndian.Uint32(raw[off:])) == disp
}

func isControlTransfer(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.JMP, x86asm.CALL, x86asm.RET,
		x86asm.LJMP, x86asm.LCALL, x86asm.LRET,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return true
	}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if _, ok := a.(x86asm.Rel); ok {
			return true
		}
	}
	return false
}

// relocate rewrites code, a copy of the scanned bytes that will execute at
// address at instead of from, so every relative reference still resolves
// to the same absolute address.
func (p *patch) relocate(code []byte, at, from uintptr) error {
	diff := int64(at - from)
	for _, f := range p.fixups[:p.nfixups] {
		d := int64(f.displacement) - diff
		if d != int64(int32(d)) {
			return errors.Wrapf(ErrNotRelocatable, "displacement %#x out of rel32 at %#x", d, at)
		}
		binary.LittleEndian.PutUint32(code[f.offset:], uint32(int32(d)))
	}
	if p.jmpAddr != 0 {
		if err := emitRel32(code[p.jmpOffset:], at+uintptr(p.jmpOffset), p.jmpAddr); err != nil {
			return err
		}
		for i := p.jmpOffset + jmpCodeBytes; i < p.jmpOffset+p.jmpLength; i++ {
			code[i] = int3
		}
	}
	return nil
}
