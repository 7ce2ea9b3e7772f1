package memhook

import (
	"reflect"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/xxh3"

	"github.com/k2io/memhook/internal/metrics"
)

// Trampoline is the record of one installed hook. The code areas live in an
// executable mapping owned by the engine for the life of the process.
type Trampoline struct {
	// resolved entry of the hooked function
	original uintptr
	// resolved entry of the observer
	hook uintptr
	// bytes relocated out of the target head
	length int
	// the head jumps through stubCode instead of straight to the observer
	stub bool
	// xxh3 of the target head right after patching
	sum uint64
	// the mapping and its code areas
	mem  []byte
	code *trampolineCode
	// func value handed out by Hook, kept reachable with the record
	fn interface{}
}

var (
	// hooks applied with resolved target addresses as keys
	hooks = make(map[uintptr]*Trampoline)
	// protect the hooks map and the installation sequence
	lock sync.Mutex
)

var (
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrDifferentType means target and observer are of different types
	ErrDifferentType = errors.New("inputs are of different type")
	// ErrInputType means inputs are not func type
	ErrInputType = errors.New("inputs are not func type")
	// ErrMalformed means the target head does not decode
	ErrMalformed = errors.New("malformed instruction")
	// ErrTooShort means a control transfer comes before the redirect fits
	ErrTooShort = errors.New("function too short to hook")
	// ErrNotRelocatable means an instruction cannot be moved into the trampoline
	ErrNotRelocatable = errors.New("instruction not relocatable")
	// ErrNoTrampoline means no executable region in reach of the target
	ErrNoTrampoline = errors.New("no trampoline in range")
	// ErrProtect means a page protection change failed
	ErrProtect = errors.New("cannot change page protection")
	// ErrUnsupported means the platform has no hooking engine
	ErrUnsupported = errors.New("unsupported platform")
	// ErrSymbolNotFound means the executable has no such symbol
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Install redirects every call of target to observer and returns the address
// of the trampoline that runs the original behavior. Observers must call the
// original through that address only, and Go observers must be top-level
// functions. On error the target is left untouched.
//
// Installation is expected to happen while no other thread executes the
// target's first instructions.
func Install(target, observer uintptr, opts ...Option) (uintptr, error) {
	tr, err := apply(target, observer, newOptions(opts))
	if err != nil {
		return 0, err
	}
	return tr.Entry(), nil
}

// Hook is Install for Go functions of identical signature. The returned func
// value calls the original behavior of target.
//
// The observer must be a top-level function. The redirect enters it with the
// closure context of target, so func literals and method values are refused
// with ErrInputType.
func Hook[T any](target, observer T, opts ...Option) (T, error) {
	var zero T
	vf := reflect.ValueOf(target)
	vo := reflect.ValueOf(observer)
	if vf.Kind() != reflect.Func || vo.Kind() != reflect.Func {
		return zero, ErrInputType
	}
	if vf.Type() != vo.Type() {
		return zero, ErrDifferentType
	}
	if vf.IsNil() || vo.IsNil() {
		return zero, ErrInputType
	}
	if name, ok := closureName(vo.Pointer()); ok {
		return zero, errors.Wrapf(ErrInputType, "observer %s is not a top-level function", name)
	}
	tr, err := apply(vf.Pointer(), vo.Pointer(), newOptions(opts))
	if err != nil {
		return zero, err
	}
	fn := funcOf[T](tr.Entry())
	lock.Lock()
	tr.fn = fn
	lock.Unlock()
	return fn, nil
}

// Lookup returns the record installed for the resolved target address.
func Lookup(target uintptr) (*Trampoline, bool) {
	lock.Lock()
	defer lock.Unlock()
	tr, ok := hooks[target]
	return tr, ok
}

// Trampolines lists every installed hook.
func Trampolines() []*Trampoline {
	lock.Lock()
	defer lock.Unlock()
	out := make([]*Trampoline, 0, len(hooks))
	for _, tr := range hooks {
		out = append(out, tr)
	}
	return out
}

// names the compiler gives to func literals and method values
var closureSuffix = regexp.MustCompile(`(\.func\d+(\.\d+)*|-fm)$`)

func closureName(pc uintptr) (string, bool) {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "", false
	}
	return fn.Name(), closureSuffix.MatchString(fn.Name())
}

func apply(target, observer uintptr, o options) (*Trampoline, error) {
	lock.Lock()
	defer lock.Unlock()
	log := o.logger
	if !o.hasLogger {
		log = logger
	}

	from := target
	if o.followJumps {
		resolved, err := resolveTarget(target)
		if err != nil {
			metrics.HookInstallTotal.WithLabelValues(resultOf(err)).Inc()
			return nil, err
		}
		from = resolved
	} else if _, ok := hooks[target]; ok {
		metrics.HookInstallTotal.WithLabelValues(metrics.ResultDoubleHook).Inc()
		return nil, errors.Wrapf(ErrDoubleHook, "target %#x", target)
	}
	to := skipJumps(observer)

	tr, err := install(from, to, log)
	if err != nil {
		metrics.HookInstallTotal.WithLabelValues(resultOf(err)).Inc()
		log.Warn().Err(err).
			Str("target", hexAddr(from)).
			Str("hook", hexAddr(to)).
			Msg("hook failed")
		return nil, err
	}
	hooks[from] = tr
	metrics.HookInstallTotal.WithLabelValues(metrics.ResultOK).Inc()
	log.Debug().
		Str("target", hexAddr(from)).
		Str("hook", hexAddr(to)).
		Str("entry", hexAddr(tr.Entry())).
		Int("length", tr.length).
		Bool("stub", tr.stub).
		Msg("hook installed")
	return tr, nil
}

// resolveTarget follows the jump chain at pc and refuses any hop that is
// already hooked, since its head now leads to an observer.
func resolveTarget(pc uintptr) (uintptr, error) {
	if _, ok := hooks[pc]; ok {
		return 0, errors.Wrapf(ErrDoubleHook, "target %#x", pc)
	}
	if to, ok := jumpTarget(pc); ok {
		return resolveTarget(to)
	}
	return pc, nil
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrDoubleHook):
		return metrics.ResultDoubleHook
	case errors.Is(err, ErrMalformed):
		return metrics.ResultMalformed
	case errors.Is(err, ErrTooShort):
		return metrics.ResultTooShort
	case errors.Is(err, ErrNotRelocatable):
		return metrics.ResultNotRelocatable
	case errors.Is(err, ErrNoTrampoline):
		return metrics.ResultNoTrampoline
	case errors.Is(err, ErrProtect):
		return metrics.ResultProtect
	case errors.Is(err, ErrUnsupported):
		return metrics.ResultUnsupported
	}
	return metrics.ResultError
}

// Original is the resolved address of the hooked function.
func (tr *Trampoline) Original() uintptr { return tr.original }

// Hook is the resolved address of the observer.
func (tr *Trampoline) Hook() uintptr { return tr.hook }

// Length is the number of bytes relocated out of the target.
func (tr *Trampoline) Length() int { return tr.length }

// UsesStub reports whether the target reaches the observer through the
// trampoline's long-range stub.
func (tr *Trampoline) UsesStub() bool { return tr.stub }

// Entry is the address that runs the original behavior.
func (tr *Trampoline) Entry() uintptr {
	return uintptr(unsafe.Pointer(&tr.code.entryCode[0]))
}

func (tr *Trampoline) stubAddr() uintptr {
	return uintptr(unsafe.Pointer(&tr.code.stubCode[0]))
}

// OriginalCode returns a copy of the bytes the target started with.
func (tr *Trampoline) OriginalCode() []byte {
	out := make([]byte, tr.length)
	copy(out, tr.code.originalCode[:tr.length])
	return out
}

// Verify checks that the target head still holds the redirect written at
// installation.
func (tr *Trampoline) Verify() error {
	if xxh3.Hash(makeSlice(tr.original, uintptr(tr.length))) != tr.sum {
		return errors.Newf("hook at %#x was overwritten", tr.original)
	}
	return nil
}

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func hexAddr(p uintptr) string {
	return "0x" + strconv.FormatUint(uint64(p), 16)
}
