//go:build linux && amd64

// Copyright (C) 2022 K2 Cyber Security Inc.

package memhook

import (
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
)

// install moves the head of target into a fresh trampoline and overwrites it
// with a jump to hook. Both addresses are already resolved. The target is
// only written once every encoding is known to fit.
func install(target, hook uintptr, log zerolog.Logger) (*Trampoline, error) {
	p, err := scan(target, log)
	if err != nil {
		return nil, err
	}
	tr, err := allocTrampoline(target, p.bottom, p.top, log)
	if err != nil {
		return nil, err
	}
	tr.original = target
	tr.hook = hook
	tr.length = p.length

	n := uintptr(p.length)
	head := makeSlice(target, n)
	copy(tr.code.originalCode[:], head)

	entry := tr.code.entryCode[:]
	copy(entry, head)
	if err = p.relocate(entry, tr.Entry(), target); err != nil {
		tr.release()
		return nil, err
	}
	if err = emitRel32(entry[p.length:], tr.Entry()+n, target+n); err != nil {
		tr.release()
		return nil, err
	}

	var jmp [maxCodeBytes]byte
	if fitsRel32(target+jmpCodeBytes, hook) {
		err = emitRel32(jmp[:], target, hook)
	} else {
		emitJump(tr.code.stubCode[:], tr.stubAddr(), hook)
		tr.stub = true
		err = emitRel32(jmp[:], target, tr.stubAddr())
	}
	if err != nil {
		tr.release()
		return nil, err
	}
	for i := jmpCodeBytes; i < p.length; i++ {
		jmp[i] = int3
	}

	if err = protectPages(target, n); err != nil {
		tr.release()
		return nil, errors.Wrapf(ErrProtect, "unprotect %#x: %v", target, err)
	}
	copy(head, jmp[:p.length])
	if err = reProtectPages(target, n); err != nil {
		// a failed reprotect leaves the whole region writable
		copy(head, tr.code.originalCode[:p.length])
		if reProtectPages(target, n) != nil {
			log.Warn().Str("target", hexAddr(target)).Msg("restored target left writable")
		}
		tr.release()
		return nil, errors.Wrapf(ErrProtect, "reprotect %#x: %v", target, err)
	}
	if err = tr.seal(); err != nil {
		log.Warn().Err(err).Str("entry", hexAddr(tr.Entry())).Msg("trampoline left writable")
	}
	tr.sum = xxh3.Hash(head)
	return tr, nil
}
