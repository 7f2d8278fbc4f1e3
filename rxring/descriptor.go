package rxring

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// DescriptorSize is the size of a legacy receive descriptor in bytes.
const DescriptorSize = 16

// Status bits of the descriptor's upper word.
const (
	StatusDD  = 0x01 // descriptor done
	StatusEOP = 0x02 // end of packet
)

// Byte offsets inside a descriptor.
const (
	offAddr  = 0
	offLower = 8
	offUpper = 12
)

// Descriptor is a view of one 16-byte legacy receive descriptor:
//
//	[63:0]    buffer address
//	[79:64]   length         \ lower word
//	[95:80]   packet checksum /
//	[103:96]  status         \
//	[111:104] errors          | upper word
//	[127:112] special        /
//
// The lower and upper words are accessed whole with 32-bit atomics, the
// individual fields are extracted from them. The view must be 4-byte
// aligned. Hosts are little-endian, like the descriptor layout.
type Descriptor []byte

func (d Descriptor) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&d[off]))
}

// BufferAddr returns the device address of the descriptor's buffer.
func (d Descriptor) BufferAddr() uint64 {
	lo := atomic.LoadUint32(d.word(offAddr))
	hi := atomic.LoadUint32(d.word(offAddr + 4))
	return uint64(hi)<<32 | uint64(lo)
}

// SetBufferAddr stores the device address of the descriptor's buffer.
func (d Descriptor) SetBufferAddr(addr uint64) {
	atomic.StoreUint32(d.word(offAddr), uint32(addr))
	atomic.StoreUint32(d.word(offAddr+4), uint32(addr>>32))
}

// Lower returns the raw length/checksum word.
func (d Descriptor) Lower() uint32 { return atomic.LoadUint32(d.word(offLower)) }

// Upper returns the raw status/errors/special word.
func (d Descriptor) Upper() uint32 { return atomic.LoadUint32(d.word(offUpper)) }

// SetLower stores the raw length/checksum word.
func (d Descriptor) SetLower(v uint32) { atomic.StoreUint32(d.word(offLower), v) }

// SetUpper stores the raw status/errors/special word. Writing the upper
// word publishes everything written to the descriptor and its buffer
// before it.
func (d Descriptor) SetUpper(v uint32) { atomic.StoreUint32(d.word(offUpper), v) }

// ClearStatus zeroes the status byte, leaving errors and special intact.
func (d Descriptor) ClearStatus() { atomic.AndUint32(d.word(offUpper), ^uint32(0xFF)) }

// MakeLower packs a length and checksum into a lower word.
func MakeLower(length, checksum uint16) uint32 {
	return uint32(checksum)<<16 | uint32(length)
}

// MakeUpper packs status, errors and special into an upper word.
func MakeUpper(status, errors uint8, special uint16) uint32 {
	return uint32(special)<<16 | uint32(errors)<<8 | uint32(status)
}

func lowerLength(lower uint32) uint16   { return uint16(lower) }
func lowerChecksum(lower uint32) uint16 { return uint16(lower >> 16) }
func upperStatus(upper uint32) uint8    { return uint8(upper) }
func upperErrors(upper uint32) uint8    { return uint8(upper >> 8) }
func upperSpecial(upper uint32) uint16  { return uint16(upper >> 16) }

// View is a snapshot of a descriptor.
type View struct {
	Index    int
	Addr     uint64
	Lower    uint32
	Upper    uint32
	Length   uint16
	Checksum uint16
	Status   uint8
	Errors   uint8
	Special  uint16
}

// Snapshot reads the descriptor. The upper word is loaded first so a done
// bit observed in it covers the lower word and buffer contents.
func (d Descriptor) Snapshot() View {
	upper := d.Upper()
	lower := d.Lower()
	return View{
		Addr:     d.BufferAddr(),
		Lower:    lower,
		Upper:    upper,
		Length:   lowerLength(lower),
		Checksum: lowerChecksum(lower),
		Status:   upperStatus(upper),
		Errors:   upperErrors(upper),
		Special:  upperSpecial(upper),
	}
}

// Done reports whether the device finished writing the descriptor.
func (v View) Done() bool { return v.Status&StatusDD != 0 }

// String formats the view as a ring dump line:
// index, address, upper and lower words, status, length.
func (v View) String() string {
	return fmt.Sprintf("R[0x%02X] %016X %08X%08X %02X %04X",
		v.Index, v.Addr, v.Upper, v.Lower, v.Status, v.Length)
}
