package calltrace

// Kind tags the call a Record describes.
type Kind uint8

const (
	KindMalloc Kind = iota + 1
	KindFree
	KindCalloc
	KindRealloc
	KindMemalign
	KindPosixMemalign

	numKinds = int(KindPosixMemalign) + 1
)

var kindNames = [numKinds]string{
	"unknown",
	"malloc",
	"free",
	"calloc",
	"realloc",
	"memalign",
	"posix_memalign",
}

func (k Kind) String() string {
	if int(k) < numKinds {
		return kindNames[k]
	}
	return kindNames[0]
}

// Kinds lists every valid kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindMalloc, KindFree, KindCalloc, KindRealloc, KindMemalign, KindPosixMemalign}
}

// Record is one traced call. It holds no Go pointers so buffers can live
// outside the Go heap.
type Record struct {
	Kind Kind
	// return value of posix_memalign
	Status int32
	Size   uintptr
	// element count of calloc
	Count uintptr
	Align uintptr
	// pointer passed in, for free and realloc
	Ptr uintptr
	// pointer handed out
	Result uintptr
}

func Malloc(size, result uintptr) Record {
	return Record{Kind: KindMalloc, Size: size, Result: result}
}

func Free(ptr uintptr) Record {
	return Record{Kind: KindFree, Ptr: ptr}
}

func Calloc(count, size, result uintptr) Record {
	return Record{Kind: KindCalloc, Count: count, Size: size, Result: result}
}

func Realloc(ptr, size, result uintptr) Record {
	return Record{Kind: KindRealloc, Ptr: ptr, Size: size, Result: result}
}

func Memalign(align, size, result uintptr) Record {
	return Record{Kind: KindMemalign, Align: align, Size: size, Result: result}
}

func PosixMemalign(align, size, result uintptr, status int32) Record {
	return Record{Kind: KindPosixMemalign, Align: align, Size: size, Result: result, Status: status}
}

// Bytes is the amount of memory the call asked for.
func (r Record) Bytes() uintptr {
	switch r.Kind {
	case KindFree:
		return 0
	case KindCalloc:
		return r.Count * r.Size
	}
	return r.Size
}
