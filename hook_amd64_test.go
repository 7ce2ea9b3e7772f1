//go:build linux && amd64

package memhook

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"

	"github.com/k2io/memhook/internal/metrics"
)

type binaryFunc = func(a, b int) int

var (
	addCalls int
	origAdd  binaryFunc
)

func addObserver(a, b int) int {
	addCalls++
	return origAdd(a, b) + 1000
}

func TestInstallHandCode(t *testing.T) {
	page := execPages(t, 1, addCode)
	add := funcOf[binaryFunc](page)
	require.Equal(t, 5, add(2, 3))

	observer := reflect.ValueOf(addObserver).Pointer()
	entry, err := Install(page, observer)
	require.NoError(t, err)
	origAdd = funcOf[binaryFunc](entry)

	assert.Equal(t, 1005, add(2, 3))
	assert.Equal(t, 1, addCalls)
	assert.Equal(t, 9, origAdd(4, 5))

	tr, ok := Lookup(page)
	require.True(t, ok)
	assert.Equal(t, page, tr.Original())
	assert.Equal(t, observer, tr.Hook())
	assert.Equal(t, entry, tr.Entry())
	assert.Equal(t, 6, tr.Length())
	assert.Equal(t, addCode[:6], tr.OriginalCode())
	assert.Equal(t, !fitsRel32(page+jmpCodeBytes, observer), tr.UsesStub())
	assert.Contains(t, Trampolines(), tr)

	head := makeSlice(page, 6)
	assert.Equal(t, byte(0xe9), head[0])
	assert.Equal(t, byte(int3), head[5])
	require.NoError(t, tr.Verify())

	// a foreign rewrite of the head is noticed
	require.NoError(t, protectPages(page, 6))
	head[5] = 0x90
	assert.Error(t, tr.Verify())
	head[5] = int3
	require.NoError(t, reProtectPages(page, 6))
	assert.NoError(t, tr.Verify())
}

var origLoad func(x int) int

func loadObserver(x int) int {
	return origLoad(x) * 2
}

func TestInstallRelocatesRIPOperand(t *testing.T) {
	// x + *(int64*)(code+pageSize+0x800); the data sits on the second page,
	// which keeps its write access while the first one is patched
	disp := int32(pageSize) + 0x800 - 7
	code := cat(
		[]byte{0x48, 0x8b, 0x0d}, le32(disp), // mov rcx, [rip+disp]
		[]byte{0x48, 0x01, 0xc8}, // add rax, rcx
		[]byte{0xc3},
	)
	page := execPages(t, 2, code)
	data := (*int64)(unsafe.Pointer(page + pageSize + 0x800))
	*data = 1000
	load := funcOf[func(int) int](page)
	require.Equal(t, 1005, load(5))

	entry, err := Install(page, reflect.ValueOf(loadObserver).Pointer())
	require.NoError(t, err)
	origLoad = funcOf[func(int) int](entry)

	assert.Equal(t, 2010, load(5))
	*data = 2000
	assert.Equal(t, 4010, load(5))
	assert.Equal(t, 2001, origLoad(1))

	tr, ok := Lookup(page)
	require.True(t, ok)
	assert.Equal(t, 7, tr.Length())
}

var origLoadBefore func(x int) int

func loadBeforeObserver(x int) int {
	return origLoadBefore(x) + 1
}

func TestInstallRelocatesNegativeRIPOperand(t *testing.T) {
	// the data sits in the page before the code
	page := execPages(t, 2, nil)
	code := page + pageSize
	disp := int32(0x800) - int32(pageSize) - 7
	writeCode(code, cat(
		[]byte{0x48, 0x8b, 0x0d}, le32(disp), // mov rcx, [rip-disp]
		[]byte{0x48, 0x01, 0xc8}, // add rax, rcx
		[]byte{0xc3},
	)...)
	data := (*int64)(unsafe.Pointer(page + 0x800))
	*data = 40

	p, err := scan(code, zerolog.Nop())
	require.NoError(t, err)
	assert.EqualValues(t, 7+disp, p.bottom)
	assert.Zero(t, p.top)

	entry, err := Install(code, reflect.ValueOf(loadBeforeObserver).Pointer())
	require.NoError(t, err)
	origLoadBefore = funcOf[func(int) int](entry)

	load := funcOf[func(int) int](code)
	assert.Equal(t, 43, load(2))
	*data = 50
	assert.Equal(t, 52, origLoadBefore(2))
}

var origEndbr binaryFunc

func endbrObserver(a, b int) int { return origEndbr(a, b) * 10 }

func TestInstallAfterEndbr(t *testing.T) {
	page := execPages(t, 1, cat([]byte{0xf3, 0x0f, 0x1e, 0xfa}, addCode))
	require.Equal(t, 5, funcOf[binaryFunc](page)(2, 3))

	entry, err := Install(page, reflect.ValueOf(endbrObserver).Pointer())
	require.NoError(t, err)
	origEndbr = funcOf[binaryFunc](entry)

	assert.Equal(t, 50, funcOf[binaryFunc](page)(2, 3))
	assert.Equal(t, 7, origEndbr(3, 4))
	tr, ok := Lookup(page)
	require.True(t, ok)
	assert.Equal(t, 7, tr.Length())
}

var origAbs binaryFunc

func absObserver(a, b int) int {
	return origAbs(a, b) * 100
}

func TestInstallOnJumpItself(t *testing.T) {
	page := execPages(t, 1, nil)
	writeCode(page, jmpTo(page, page+0x100)...)
	writeCode(page+0x100, addCode...)

	entry, err := Install(page, reflect.ValueOf(absObserver).Pointer(), WithoutJumpResolution())
	require.NoError(t, err)
	origAbs = funcOf[binaryFunc](entry)

	tr, ok := Lookup(page)
	require.True(t, ok)
	assert.Equal(t, 5, tr.Length())
	assert.Equal(t, 500, funcOf[binaryFunc](page)(2, 3))
	// the code behind the jump is untouched
	assert.Equal(t, 5, funcOf[binaryFunc](page+0x100)(2, 3))
}

var origChained binaryFunc

func chainedObserver(a, b int) int {
	return -origChained(a, b)
}

func TestInstallFollowsJumpChain(t *testing.T) {
	page := execPages(t, 1, nil)
	writeCode(page, jmpTo(page, page+0x100)...)
	writeCode(page+0x100, 0xeb, 0x7e) // to 0x180
	writeCode(page+0x180, addCode...)

	entry, err := Install(page, reflect.ValueOf(chainedObserver).Pointer())
	require.NoError(t, err)
	origChained = funcOf[binaryFunc](entry)

	_, ok := Lookup(page)
	assert.False(t, ok)
	tr, ok := Lookup(page + 0x180)
	require.True(t, ok)
	assert.Equal(t, 6, tr.Length())
	assert.Equal(t, -5, funcOf[binaryFunc](page)(2, 3))

	// every hop now leads to an observer
	_, err = Install(page, reflect.ValueOf(chainedObserver).Pointer())
	assert.True(t, errors.Is(err, ErrDoubleHook))
	_, err = Install(page+0x180, reflect.ValueOf(chainedObserver).Pointer())
	assert.True(t, errors.Is(err, ErrDoubleHook))
}

func TestInstallMachineCodeObserver(t *testing.T) {
	target := execPages(t, 1, addCode)
	// inc qword [rip+0x7f9]; jmp [rip+0]; <entry>
	observer := execPages(t, 1, cat(
		[]byte{0x48, 0xff, 0x05}, le32(0x7f9),
		[]byte{0xff, 0x25}, le32(0),
	))
	counter := (*int64)(unsafe.Pointer(observer + 0x800))
	*counter = 0

	entry, err := Install(target, observer)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(makeSlice(observer+13, 8), uint64(entry))

	add := funcOf[binaryFunc](target)
	assert.Equal(t, 5, add(2, 3))
	assert.Equal(t, 7, add(3, 4))
	assert.EqualValues(t, 2, *counter)

	tr, ok := Lookup(target)
	require.True(t, ok)
	assert.Equal(t, !fitsRel32(target+jmpCodeBytes, observer), tr.UsesStub())
}

func TestInstallTooShortLeavesTarget(t *testing.T) {
	page := execPages(t, 1, []byte{0x31, 0xc0, 0xc3})
	before := xxh3.Hash(makeSlice(page, maxCodeBytes))
	failed := testutil.ToFloat64(metrics.HookInstallTotal.WithLabelValues(metrics.ResultTooShort))

	var logs bytes.Buffer
	entry, err := Install(page, reflect.ValueOf(addObserver).Pointer(), WithLogger(zerolog.New(&logs)))
	assert.True(t, errors.Is(err, ErrTooShort))
	assert.Zero(t, entry)

	assert.Equal(t, before, xxh3.Hash(makeSlice(page, maxCodeBytes)))
	assert.Equal(t, 0, funcOf[func() int](page)())
	_, ok := Lookup(page)
	assert.False(t, ok)
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.HookInstallTotal.WithLabelValues(metrics.ResultTooShort)))
	assert.Contains(t, logs.String(), "hook failed")
}

var origSecond binaryFunc

func secondObserver(a, b int) int { return origSecond(a, b) }

func TestDoubleHookRejected(t *testing.T) {
	page := execPages(t, 1, addCode)
	_, err := Install(page, reflect.ValueOf(secondObserver).Pointer())
	require.NoError(t, err)
	head := xxh3.Hash(makeSlice(page, 6))

	_, err = Install(page, reflect.ValueOf(secondObserver).Pointer())
	assert.True(t, errors.Is(err, ErrDoubleHook))
	_, err = Install(page, reflect.ValueOf(secondObserver).Pointer(), WithoutJumpResolution())
	assert.True(t, errors.Is(err, ErrDoubleHook))
	assert.Equal(t, head, xxh3.Hash(makeSlice(page, 6)))

	// a new jump into the hooked code
	other := execPages(t, 1, nil)
	if !fitsRel32(other+jmpCodeBytes, page) {
		t.Skip("pages mapped too far apart for a rel32 jump")
	}
	writeCode(other, jmpTo(other, page)...)
	_, err = Install(other, reflect.ValueOf(secondObserver).Pointer())
	assert.True(t, errors.Is(err, ErrDoubleHook))
}

func skipIfRace(t *testing.T) {
	if raceEnabled {
		t.Skip("race instrumentation changes function prologues")
	}
}

//go:noinline
func fill(v *[2]int, x int) {
	v[0] = x
	v[1] = 7
}

// The targets below keep a frame, so their first instructions set it up
// with no stack check in between.

//go:nosplit
//go:noinline
func tripleOf(x int) int {
	var v [2]int
	fill(&v, x)
	return v[0]*3 + v[1]
}

//go:nosplit
//go:noinline
func quadOf(x int) int {
	var v [2]int
	fill(&v, x)
	return v[0]*4 + v[1]
}

var (
	origTriple func(int) int
	origQuad   func(int) int
)

func tripleObserver(x int) int { return origTriple(x) + 100 }

func quadObserver(x int) int { return origQuad(x) + 200 }

func TestHookGoFunc(t *testing.T) {
	skipIfRace(t)
	require.Equal(t, 13, tripleOf(2))

	var err error
	origTriple, err = Hook(tripleOf, tripleObserver)
	require.NoError(t, err)

	assert.Equal(t, 113, tripleOf(2))
	assert.Equal(t, 13, origTriple(2))

	tr, ok := Lookup(reflect.ValueOf(tripleOf).Pointer())
	require.True(t, ok)
	assert.NoError(t, tr.Verify())
	assert.GreaterOrEqual(t, tr.Length(), jmpCodeBytes)

	_, err = Hook(tripleOf, tripleObserver)
	assert.True(t, errors.Is(err, ErrDoubleHook))
}

func TestInstallSymbol(t *testing.T) {
	skipIfRace(t)
	require.Equal(t, 11, quadOf(1))

	entry, err := InstallSymbol("github.com/k2io/memhook.quadOf", reflect.ValueOf(quadObserver).Pointer())
	require.NoError(t, err)
	origQuad = funcOf[func(int) int](entry)

	assert.Equal(t, 211, quadOf(1))
	assert.Equal(t, 15, origQuad(2))

	_, err = InstallSymbol("github.com/k2io/memhook.noSuchFunc", reflect.ValueOf(quadObserver).Pointer())
	assert.True(t, errors.Is(err, ErrSymbolNotFound))
}
