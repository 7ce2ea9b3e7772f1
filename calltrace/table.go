package calltrace

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/k2io/memhook/internal/logging"
	"github.com/k2io/memhook/internal/metrics"
)

const (
	// DefaultCapacity is the number of records a thread buffer holds.
	DefaultCapacity = 10000
	// DefaultMaxThreads caps the threads that get a buffer.
	DefaultMaxThreads = 256
)

// ErrThreadLimit means every thread slot of the table is taken.
var ErrThreadLimit = errors.New("thread limit reached")

// Config tunes a Table.
type Config struct {
	Capacity   int
	MaxThreads int
	// capture the drain caller's stack into every summary
	CaptureStack bool
	// defaults to a LogSink over Logger
	Sink Sink
	// defaults to the process-wide Postponed queue
	Scheduler Scheduler
	// the zero value discards
	Logger zerolog.Logger
}

// DefaultConfig returns the configuration of the process-wide table.
func DefaultConfig() Config {
	return Config{
		Capacity:   DefaultCapacity,
		MaxThreads: DefaultMaxThreads,
		Logger: logging.NewWithComponent(logging.Config{
			Level:  "info",
			Output: os.Stderr,
		}, "calltrace"),
	}
}

// Table maps OS threads to their buffers. One mutex guards lookup and
// insertion; it is never held across a drain.
type Table struct {
	cfg Config

	mu      sync.Mutex
	buffers []*Buffer

	rejected atomic.Uint64
	warnOnce sync.Once
}

// New creates a table, filling unset fields of cfg with defaults.
func New(cfg Config) *Table {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = DefaultMaxThreads
	}
	if cfg.Sink == nil {
		cfg.Sink = LogSink{Logger: cfg.Logger}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = DefaultScheduler()
	}
	return &Table{
		cfg:     cfg,
		buffers: make([]*Buffer, 0, cfg.MaxThreads),
	}
}

var (
	defaultOnce      sync.Once
	defaultTable     *Table
	defaultPostponed = NewPostponed()
)

// Default is the process-wide table.
func Default() *Table {
	defaultOnce.Do(func() {
		defaultTable = New(DefaultConfig())
	})
	return defaultTable
}

// DefaultScheduler is the process-wide postponed job queue. Threads that
// record events must call its Run at safe points.
func DefaultScheduler() *Postponed {
	return defaultPostponed
}

// Record stores r in the calling thread's buffer. Events of threads beyond
// the table's limit are counted and dropped.
func (t *Table) Record(r Record) {
	b, err := t.Acquire()
	if err != nil {
		t.reject(err)
		return
	}
	b.add(r)
}

// Acquire returns the calling thread's buffer, creating it on first use.
func (t *Table) Acquire() (*Buffer, error) {
	return t.acquire(gettid())
}

func (t *Table) acquire(tid int) (*Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buffers {
		if b.tid == tid {
			return b, nil
		}
	}
	if len(t.buffers) == t.cfg.MaxThreads {
		return nil, errors.Wrapf(ErrThreadLimit, "%d threads, thread %d", t.cfg.MaxThreads, tid)
	}
	b, err := newBuffer(t, tid)
	if err != nil {
		return nil, err
	}
	t.buffers = append(t.buffers, b)
	metrics.TraceThreadBuffers.Inc()
	return b, nil
}

func (t *Table) reject(err error) {
	t.rejected.Inc()
	metrics.EventsRejected.Inc()
	t.warnOnce.Do(func() {
		t.cfg.Logger.Warn().Err(err).Msg("events dropped, no thread buffer")
	})
}

// Lookup returns the buffer of thread tid if it has one.
func (t *Table) Lookup(tid int) (*Buffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buffers {
		if b.tid == tid {
			return b, true
		}
	}
	return nil, false
}

// Buffers lists the buffers in creation order.
func (t *Table) Buffers() []*Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Buffer, len(t.buffers))
	copy(out, t.buffers)
	return out
}

// Rejected is the number of events dropped because their thread had no
// buffer.
func (t *Table) Rejected() uint64 { return t.rejected.Load() }
