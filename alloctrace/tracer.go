//go:build unix

package alloctrace

import (
	"os"
	"reflect"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/k2io/memhook"
	"github.com/k2io/memhook/calltrace"
	"github.com/k2io/memhook/internal/logging"
)

var logger = logging.NewWithComponent(logging.Config{
	Level:  "info",
	Output: os.Stderr,
}, "alloctrace")

// SetLogger replaces the logger used for installation results.
func SetLogger(l zerolog.Logger) {
	logger = l
}

// Result is the outcome of hooking one allocation function.
type Result struct {
	Name  string
	Entry uintptr
	Err   error
}

var (
	table atomic.Pointer[calltrace.Table]

	installOnce sync.Once
	results     []Result
	installErr  error

	origMalloc        func(uintptr) uintptr
	origFree          func(uintptr)
	origCalloc        func(uintptr, uintptr) uintptr
	origRealloc       func(uintptr, uintptr) uintptr
	origMemalign      func(uintptr, uintptr) uintptr
	origPosixMemalign func(*uintptr, uintptr, uintptr) int32
)

// Install hooks every allocation function once per process and sends their
// events to t from then on. Later calls only switch the table. The error
// combines the functions that could not be hooked; the others stay traced.
func Install(t *calltrace.Table, opts ...memhook.Option) error {
	table.Store(t)
	installOnce.Do(func() {
		installErr = hookAll(opts)
	})
	return installErr
}

// Results lists the outcome per function of the first Install.
func Results() []Result {
	return append([]Result(nil), results...)
}

func hookAll(opts []memhook.Option) error {
	var errs error
	done := func(name string, fn interface{}, err error) {
		r := Result{Name: name, Err: err}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "hook %s", name))
			logger.Warn().Err(err).Str("func", name).Msg("hook failed")
		} else {
			if tr, ok := memhook.Lookup(reflect.ValueOf(fn).Pointer()); ok {
				r.Entry = tr.Entry()
			}
			logger.Info().Str("func", name).Str("entry", hexAddr(r.Entry)).Msg("hooked")
		}
		results = append(results, r)
	}

	var err error
	origRealloc, err = memhook.Hook(Realloc, reallocHook, opts...)
	done("realloc", Realloc, err)
	origMalloc, err = memhook.Hook(Malloc, mallocHook, opts...)
	done("malloc", Malloc, err)
	origFree, err = memhook.Hook(Free, freeHook, opts...)
	done("free", Free, err)
	origCalloc, err = memhook.Hook(Calloc, callocHook, opts...)
	done("calloc", Calloc, err)
	origMemalign, err = memhook.Hook(Memalign, memalignHook, opts...)
	done("memalign", Memalign, err)
	origPosixMemalign, err = memhook.Hook(PosixMemalign, posixMemalignHook, opts...)
	done("posix_memalign", PosixMemalign, err)
	return errs
}

func record(r calltrace.Record) {
	if t := table.Load(); t != nil {
		t.Record(r)
	}
}

func mallocHook(size uintptr) uintptr {
	p := origMalloc(size)
	record(calltrace.Malloc(size, p))
	return p
}

func freeHook(ptr uintptr) {
	record(calltrace.Free(ptr))
	origFree(ptr)
}

func callocHook(count, size uintptr) uintptr {
	p := origCalloc(count, size)
	record(calltrace.Calloc(count, size, p))
	return p
}

func reallocHook(ptr, size uintptr) uintptr {
	p := origRealloc(ptr, size)
	record(calltrace.Realloc(ptr, size, p))
	return p
}

func memalignHook(align, size uintptr) uintptr {
	p := origMemalign(align, size)
	record(calltrace.Memalign(align, size, p))
	return p
}

func posixMemalignHook(memptr *uintptr, align, size uintptr) int32 {
	ret := origPosixMemalign(memptr, align, size)
	var p uintptr
	if ret == 0 {
		p = *memptr
	}
	record(calltrace.PosixMemalign(align, size, p, ret))
	return ret
}

func hexAddr(p uintptr) string {
	return "0x" + strconv.FormatUint(uint64(p), 16)
}
