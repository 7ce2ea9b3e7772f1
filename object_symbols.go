package memhook

import (
	"github.com/cockroachdb/errors"

	sym "github.com/k2io/memhook/internal/objSymbols"
)

// GetSymbols reads the function symbols of the object file name.
func GetSymbols(name string) (map[string]uintptr, error) {
	return sym.ReadSymbols(name)
}

// InstallSymbol hooks the function called name in the running executable.
func InstallSymbol(name string, observer uintptr, opts ...Option) (uintptr, error) {
	target, err := sym.Lookup(name)
	if err != nil {
		if errors.Is(err, sym.ErrNotFound) {
			return 0, errors.Wrapf(ErrSymbolNotFound, "%q", name)
		}
		return 0, err
	}
	return Install(target, observer, opts...)
}
