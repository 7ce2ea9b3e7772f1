package memhook

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/k2io/memhook/internal/logging"
)

// Option tunes a single installation.
type Option func(*options)

type options struct {
	followJumps bool
	logger      zerolog.Logger
	hasLogger   bool
}

func newOptions(opts []Option) options {
	o := options{followJumps: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithoutJumpResolution installs at target itself instead of at the end of
// its jump chain. The observer is always resolved.
func WithoutJumpResolution() Option {
	return func(o *options) {
		o.followJumps = false
	}
}

// WithLogger sends the diagnostics of one installation to l.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
		o.hasLogger = true
	}
}

var (
	// guarded by lock, like the hooks map
	isDebug = false
	logger  = logging.NewWithComponent(logging.Config{
		Level:  "warn",
		Output: os.Stderr,
	}, "memhook")
)

// SetDebug switches per-instruction disassembly and success logs on or off.
func SetDebug(x bool) {
	lock.Lock()
	defer lock.Unlock()
	isDebug = x
	if x {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.WarnLevel)
	}
}

// SetLogger replaces the package diagnostic sink.
func SetLogger(l zerolog.Logger) {
	lock.Lock()
	defer lock.Unlock()
	logger = l
}
