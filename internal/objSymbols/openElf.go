package symbols

import (
	"debug/elf"
	"io"

	"github.com/cockroachdb/errors"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Symbols() (map[string]uintptr, error) {
	elfSyms, err := e.elf.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	off := getElfOff(elfSyms)
	if len(off) > 0 {
		return off, nil
	}
	return e.goSymbols()
}

func getElfOff(stab []elf.Symbol) map[string]uintptr {
	elfOff := make(map[string]uintptr, len(stab))
	for _, k := range stab {
		if elf.ST_TYPE(k.Info) != elf.STT_FUNC {
			continue
		}
		elfOff[k.Name] = uintptr(k.Value)
	}
	return elfOff
}

// goSymbols falls back to the pcln table of stripped Go executables. Other
// stripped objects have no function names left.
func (e *elfFile) goSymbols() (map[string]uintptr, error) {
	pcln := e.elf.Section(".gopclntab")
	text := e.elf.Section(".text")
	if pcln == nil || text == nil {
		return map[string]uintptr{}, nil
	}
	data, err := pcln.Data()
	if err != nil {
		return nil, errors.Wrap(err, "read .gopclntab")
	}
	return goFuncs(data, text.Addr)
}
