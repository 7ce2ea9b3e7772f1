package symbols

import (
	"debug/macho"
	"io"

	"github.com/cockroachdb/errors"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Symbols() (map[string]uintptr, error) {
	if f.macho.Symtab == nil || len(f.macho.Symtab.Syms) == 0 {
		return f.goSymbols()
	}
	off := make(map[string]uintptr, len(f.macho.Symtab.Syms))
	for _, s := range f.macho.Symtab.Syms {
		off[s.Name] = uintptr(s.Value)
	}
	return off, nil
}

func (f *machoFile) goSymbols() (map[string]uintptr, error) {
	pcln := f.macho.Section("__gopclntab")
	text := f.macho.Section("__text")
	if pcln == nil || text == nil {
		return map[string]uintptr{}, nil
	}
	data, err := pcln.Data()
	if err != nil {
		return nil, errors.Wrap(err, "read __gopclntab")
	}
	return goFuncs(data, text.Addr)
}
