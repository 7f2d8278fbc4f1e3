package regs

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWindow(size int) (*MMIO, []byte) {
	words := make([]uint32, size/4)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return NewMMIO(mem), mem
}

func TestMMIO_ReadWrite(t *testing.T) {
	w, mem := newWindow(0x3000)

	w.Write32(RDT, 0xF)
	w.Write32(RDBAL, 0xdeadbeef)
	assert.Equal(t, uint32(0xF), w.Read32(RDT))
	assert.Equal(t, uint32(0xdeadbeef), w.Read32(RDBAL))
	assert.Equal(t, uint32(0), w.Read32(RDH))

	// Registers are little-endian in the window.
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(mem[RDBAL:]))
	assert.Equal(t, 0x3000, w.Len())
}

func TestWriteAddr64(t *testing.T) {
	w, _ := newWindow(0x3000)

	WriteAddr64(w, RDBAL, RDBAH, 0x0000_0001_2345_6000)
	assert.Equal(t, uint32(0x2345_6000), w.Read32(RDBAL))
	assert.Equal(t, uint32(0x1), w.Read32(RDBAH))
}

type recordingWindow struct {
	writes []uint32
}

func (r *recordingWindow) Read32(uint32) uint32 { return 0 }
func (r *recordingWindow) Write32(offset, _ uint32) {
	r.writes = append(r.writes, offset)
}

func TestWriteAddr64_HighFirst(t *testing.T) {
	var w recordingWindow
	WriteAddr64(&w, RDBAL, RDBAH, 1)
	assert.Equal(t, []uint32{RDBAH, RDBAL}, w.writes)
}

func TestMMIO_Close(t *testing.T) {
	w, _ := newWindow(0x3000)

	var calls int
	w.unmap = func([]byte) error {
		calls++
		return nil
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, calls)
}
