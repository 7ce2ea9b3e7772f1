package symbols

import (
	"io"
	"os"
	"reflect"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrNotFound means the executable has no symbol of that name.
var ErrNotFound = errors.New("symbol not found")

type rawFile interface {
	Symbols() (map[string]uintptr, error)
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
}

// ReadSymbols returns the symbol table of the object file name, with the
// link-time values of every symbol.
func ReadSymbols(name string) (map[string]uintptr, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var errs error
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		return raw.Symbols()
	}
	return nil, errors.Wrapf(errs, "open %s: unrecognized object file", name)
}

var self struct {
	once sync.Once
	syms map[string]uintptr
	bias uintptr
	err  error
}

// Lookup returns the run-time address of a symbol of the running
// executable. The table is read once; the load bias of position
// independent executables is derived from a function of this package.
func Lookup(name string) (uintptr, error) {
	self.once.Do(loadSelf)
	if self.err != nil {
		return 0, self.err
	}
	v, ok := self.syms[name]
	if !ok || v == 0 {
		return 0, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return v + self.bias, nil
}

func loadSelf() {
	exe, err := os.Executable()
	if err != nil {
		self.err = err
		return
	}
	syms, err := ReadSymbols(exe)
	if err != nil {
		self.err = err
		return
	}
	if len(syms) == 0 {
		self.err = errors.Newf("%s: no symbol table", exe)
		return
	}
	pc := reflect.ValueOf(ReadSymbols).Pointer()
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		self.err = errors.New("cannot name own function")
		return
	}
	linked, ok := syms[fn.Name()]
	if !ok {
		self.err = errors.Newf("%s: %s missing from symbol table", exe, fn.Name())
		return
	}
	self.syms = syms
	self.bias = pc - linked
}
