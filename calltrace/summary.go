package calltrace

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Summary aggregates one drained buffer.
type Summary struct {
	TID int
	// records drained
	Records int
	// per-kind call counts and requested bytes, indexed by Kind
	Counts [numKinds]uint64
	Sizes  [numKinds]uint64
	// totals of the thread since its buffer was created
	Overflowed uint64
	Dropped    uint64
	// frames of the drain caller when stack capture is on
	Stack string
}

func (s *Summary) add(r Record) {
	if int(r.Kind) >= numKinds {
		return
	}
	s.Records++
	s.Counts[r.Kind]++
	s.Sizes[r.Kind] += uint64(r.Bytes())
}

// Count is the number of calls of kind k.
func (s Summary) Count(k Kind) uint64 {
	if int(k) >= numKinds {
		return 0
	}
	return s.Counts[k]
}

// Size is the number of bytes requested by calls of kind k.
func (s Summary) Size(k Kind) uint64 {
	if int(k) >= numKinds {
		return 0
	}
	return s.Sizes[k]
}

// Sink receives drain summaries on the drained thread.
type Sink interface {
	Report(Summary)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Summary)

func (f SinkFunc) Report(s Summary) { f(s) }

var (
	countKeys [numKinds]string
	sizeKeys  [numKinds]string
)

func init() {
	for _, k := range Kinds() {
		countKeys[k] = k.String() + "_count"
		sizeKeys[k] = k.String() + "_size"
	}
}

// LogSink writes every summary as one log line.
type LogSink struct {
	Logger zerolog.Logger
}

func (l LogSink) Report(s Summary) {
	ev := l.Logger.Info().
		Int("tid", s.TID).
		Int("records", s.Records)
	for _, k := range Kinds() {
		if s.Counts[k] == 0 {
			continue
		}
		ev = ev.Uint64(countKeys[k], s.Counts[k]).Uint64(sizeKeys[k], s.Sizes[k])
	}
	if s.Overflowed > 0 {
		ev = ev.Uint64("overflowed", s.Overflowed)
	}
	if s.Dropped > 0 {
		ev = ev.Uint64("dropped", s.Dropped)
	}
	if s.Stack != "" {
		ev = ev.Str("stack", s.Stack)
	}
	ev.Msg("drain")
}

const maxStackDepth = 32

// captureStack describes the calling goroutine's stack, skipping skip
// frames above the caller.
func captureStack(skip int) string {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		f, more := frames.Next()
		if sb.Len() > 0 {
			sb.WriteString(" <- ")
		}
		sb.WriteString(f.Function)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(f.Line))
		if !more {
			break
		}
	}
	return sb.String()
}
