//go:build !linux

package calltrace

import "os"

// no portable thread id: every thread shares the buffer of the process
func gettid() int {
	return os.Getpid()
}
