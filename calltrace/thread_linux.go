//go:build linux

package calltrace

import "golang.org/x/sys/unix"

func gettid() int {
	return unix.Gettid()
}
