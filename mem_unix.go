//go:build unix

package memhook

import (
	"golang.org/x/sys/unix"
)

// pageBounds returns the page-aligned region covering [addr, addr+size).
func pageBounds(addr, size uintptr) (start, length uintptr) {
	start = roundDown(addr, pageSize)
	length = roundUp(addr+size-start, pageSize)
	return start, length
}

const (
	protRX  = unix.PROT_EXEC | unix.PROT_READ
	protRWX = unix.PROT_EXEC | unix.PROT_READ | unix.PROT_WRITE
)

func reProtectPages(addr, size uintptr) error {
	return mprotectPages(addr, size, protRX, protRWX)
}

func protectPages(addr, size uintptr) error {
	return mprotectPages(addr, size, protRWX, protRX)
}

// mprotectPages sets prot on every page of the region. When one page fails
// the pages already changed get undo back, so the region never ends up
// with mixed protections.
func mprotectPages(addr, size uintptr, prot, undo int) error {
	start, length := pageBounds(addr, size)
	for i := uintptr(0); i < length; i += pageSize {
		err := unix.Mprotect(makeSlice(start+i, pageSize), prot)
		if err != nil {
			for j := uintptr(0); j < i; j += pageSize {
				_ = unix.Mprotect(makeSlice(start+j, pageSize), undo)
			}
			return err
		}
	}
	return nil
}
