//go:build linux

package memhook

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// readOnlyFilePage maps one page of a read-only file holding code, shared
// and executable, at fixed when it is not zero. Such a page can never be
// made writable.
func readOnlyFilePage(t *testing.T, code []byte, fixed uintptr) uintptr {
	t.Helper()
	content := make([]byte, pageSize)
	for i := range content {
		content[i] = int3
	}
	copy(content, code)
	name := filepath.Join(t.TempDir(), "code")
	require.NoError(t, os.WriteFile(name, content, 0o444))
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()

	flags := unix.MAP_SHARED
	if fixed != 0 {
		flags |= unix.MAP_FIXED
	}
	p, err := unix.MmapPtr(int(f.Fd()), 0, unsafe.Pointer(fixed), pageSize, unix.PROT_READ|unix.PROT_EXEC, flags)
	if errors.Is(err, unix.EPERM) {
		t.Skip("temporary directory does not allow executable mappings")
	}
	require.NoError(t, err)
	return uintptr(p)
}

func findMapping(t *testing.T, addr uintptr) *procfs.ProcMap {
	t.Helper()
	self, err := procfs.Self()
	require.NoError(t, err)
	maps, err := self.ProcMaps()
	require.NoError(t, err)
	for _, m := range maps {
		if m.StartAddr <= addr && addr < m.EndAddr {
			return m
		}
	}
	return nil
}

func TestProtectPagesUndoesOnFailure(t *testing.T) {
	region, err := unix.Mmap(-1, 0, 2*int(pageSize), unix.PROT_READ|unix.PROT_EXEC, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(region) })
	first := uintptr(unsafe.Pointer(&region[0]))
	readOnlyFilePage(t, nil, first+pageSize)

	// a head straddling both pages
	err = protectPages(first+pageSize-2, 5)
	assert.True(t, errors.Is(err, unix.EACCES), "%v", err)

	m := findMapping(t, first)
	require.NotNil(t, m)
	assert.False(t, m.Perms.Write)
	assert.True(t, m.Perms.Execute)
}
