package memhook

import "unsafe"

// funcval mirrors the runtime layout behind a Go func value.
type funcval struct {
	fn uintptr
}

// funcOf turns a code address into a func value of type T. T must be a func
// type whose calling convention matches the code at entry.
func funcOf[T any](entry uintptr) T {
	f := &funcval{fn: entry}
	return *(*T)(unsafe.Pointer(&f))
}
