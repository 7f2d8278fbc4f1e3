package rxring

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000rx-go/dma"
	"github.com/romshark/e1000rx-go/regs"
)

type mapWindow map[uint32]uint32

func (w mapWindow) Read32(off uint32) uint32     { return w[off] }
func (w mapWindow) Write32(off uint32, v uint32) { w[off] = v }

var errNoMem = errors.New("no memory")

// testHost hands out word-aligned memory at fake bus addresses.
type testHost struct {
	next          dma.Addr
	failCoherent  bool
	coherentFrees int
}

func alignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func (h *testHost) Alloc(size int) ([]byte, error) { return alignedBytes(size), nil }
func (h *testHost) Free([]byte) error              { return nil }
func (h *testHost) Map(buf []byte) (dma.Addr, error) {
	h.next += 0x1000
	return 0x1_0000_0000 + h.next, nil
}
func (h *testHost) Unmap(dma.Addr, int) error { return nil }

func (h *testHost) AllocCoherent(size int) (dma.Region, error) {
	if h.failCoherent {
		return dma.Region{}, errNoMem
	}
	return dma.Region{Buf: alignedBytes(size), Addr: 0x2_4000_0000}, nil
}

func (h *testHost) FreeCoherent(dma.Region) error {
	h.coherentFrees++
	return nil
}

func newRing(t *testing.T, size int) (*Ring, mapWindow, *dma.Pool, *testHost) {
	t.Helper()
	h := &testHost{}
	pool, err := dma.Allocate(h, size, 2048)
	require.NoError(t, err)
	w := mapWindow{}
	r, err := Init(w, h, pool)
	require.NoError(t, err)
	return r, w, pool, h
}

func TestInit(t *testing.T) {
	r, w, pool, _ := newRing(t, 16)

	assert.Equal(t, 16, r.Size())
	assert.Equal(t, uint32(0x4000_0000), w[regs.RDBAL])
	assert.Equal(t, uint32(0x2), w[regs.RDBAH])
	assert.Equal(t, uint32(16*DescriptorSize), w[regs.RDLEN])
	assert.Equal(t, uint32(0), w[regs.RDH])
	assert.Equal(t, uint32(15), w[regs.RDT])
	assert.Equal(t, uint16(15), r.Tail())

	for i := range r.Size() {
		v := r.Inspect(i)
		assert.Equal(t, i, v.Index)
		assert.Equal(t, uint64(pool.BufferAddress(i)), v.Addr, "descriptor %d", i)
		assert.False(t, v.Done())
		assert.Zero(t, v.Upper)
		assert.Zero(t, v.Lower)
	}
}

func TestInit_InvalidSize(t *testing.T) {
	h := &testHost{}
	pool, err := dma.Allocate(h, 1, 2048)
	require.NoError(t, err)
	_, err = Init(mapWindow{}, h, pool)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestInit_AllocFailure(t *testing.T) {
	h := &testHost{failCoherent: true}
	pool, err := dma.Allocate(h, 16, 2048)
	require.NoError(t, err)

	w := mapWindow{}
	_, err = Init(w, h, pool)
	require.Error(t, err)
	assert.ErrorIs(t, err, dma.ErrOutOfMemory)
	assert.ErrorIs(t, err, errNoMem)
	assert.Empty(t, w, "no register may be programmed")

	// The pool is still usable and owned by the caller.
	assert.NotZero(t, pool.BufferAddress(0))
	require.NoError(t, pool.Release())
}

func TestAdvanceTail_Wraps(t *testing.T) {
	for _, size := range []int{2, 4, 8, 16, 256, 4096} {
		r, w, _, _ := newRing(t, size)
		start := r.Tail()
		for i := range size {
			got := r.AdvanceTail()
			assert.Equal(t, uint16((int(start)+i+1)%size), got)
			assert.Equal(t, uint32(got), w[regs.RDT])
		}
		assert.Equal(t, start, r.Tail(), "size %d", size)
	}
}

func TestAdvanceTail_NonPowerOfTwo(t *testing.T) {
	r, _, _, _ := newRing(t, 5)
	assert.Equal(t, uint16(4), r.Tail())
	assert.Equal(t, uint16(0), r.AdvanceTail())
	assert.Equal(t, uint16(1), r.AdvanceTail())
}

func TestMarkFree(t *testing.T) {
	r, _, _, _ := newRing(t, 4)

	d := r.Descriptor(2)
	d.SetLower(MakeLower(60, 0xBEEF))
	d.SetUpper(MakeUpper(StatusDD|StatusEOP, 0x01, 0x0042))

	v := r.Inspect(2)
	require.True(t, v.Done())
	assert.Equal(t, uint8(0x03), v.Status)
	assert.Equal(t, uint16(60), v.Length)
	assert.Equal(t, uint16(0xBEEF), v.Checksum)
	assert.Equal(t, uint8(0x01), v.Errors)
	assert.Equal(t, uint16(0x0042), v.Special)

	r.MarkFree(2)
	v = r.Inspect(2)
	assert.False(t, v.Done())
	assert.Zero(t, v.Status)
	assert.Equal(t, uint8(0x01), v.Errors)
	assert.Equal(t, uint16(60), v.Length)
}

func TestIndices(t *testing.T) {
	r, w, _, _ := newRing(t, 16)
	w[regs.RDH] = 7
	head, tail := r.Indices()
	assert.Equal(t, uint16(7), head)
	assert.Equal(t, uint16(15), tail)
}

func TestBuffer(t *testing.T) {
	r, _, pool, _ := newRing(t, 4)
	r.Buffer(1)[0] = 0xAA
	assert.Equal(t, byte(0xAA), pool.Buffer(1)[0])
}

func TestClose(t *testing.T) {
	r, _, pool, h := newRing(t, 4)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, h.coherentFrees)
	require.NoError(t, pool.Release())
}

func TestView_String(t *testing.T) {
	v := View{
		Index:  3,
		Addr:   0x12345000,
		Lower:  MakeLower(64, 0),
		Upper:  MakeUpper(0x03, 0, 0),
		Status: 0x03,
		Length: 64,
	}
	assert.Equal(t, "R[0x03] 0000000012345000 0000000300000040 03 0040", v.String())
}
