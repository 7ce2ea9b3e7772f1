//go:build !(linux && amd64)

package memhook

import (
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

func jumpTarget(uintptr) (uintptr, bool) { return 0, false }

func skipJumps(pc uintptr) uintptr { return pc }

func install(target, _ uintptr, _ zerolog.Logger) (*Trampoline, error) {
	return nil, errors.Wrapf(ErrUnsupported, "%s/%s target %#x", runtime.GOOS, runtime.GOARCH, target)
}
