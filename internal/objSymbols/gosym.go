package symbols

import (
	"debug/gosym"

	"github.com/cockroachdb/errors"
)

// goFuncs reads the function entries of a Go pcln table. The table survives
// stripping, so it names Go functions when the symbol table is gone.
func goFuncs(pclntab []byte, textStart uint64) (map[string]uintptr, error) {
	tab, err := gosym.NewTable(nil, gosym.NewLineTable(pclntab, textStart))
	if err != nil {
		return nil, errors.Wrap(err, "read pcln table")
	}
	off := make(map[string]uintptr, len(tab.Funcs))
	for _, f := range tab.Funcs {
		off[f.Name] = uintptr(f.Entry)
	}
	return off, nil
}
