package sim

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/romshark/e1000rx-go/dma"
)

var (
	ErrInjected      = errors.New("sim: injected fault")
	ErrUnknownBuffer = errors.New("sim: buffer was not allocated on this bus")
	ErrNotMapped     = errors.New("sim: address is not mapped")
	ErrBadAddress    = errors.New("sim: device access outside any mapping")
)

const pageSize = 4096

// Outstanding counts what was handed out by a Bus and not given back yet.
type Outstanding struct {
	Allocs   int
	Mappings int
	Coherent int
}

// Zero reports whether everything was given back.
func (o Outstanding) Zero() bool { return o == Outstanding{} }

// Bus is the simulated DMA host. Buffers are 8-byte aligned so the
// descriptor words can be accessed atomically.
type Bus struct {
	mu     sync.Mutex
	faults *Faults
	mask   int
	next   uint64

	allocs   map[*byte]int
	mappings map[dma.Addr][]byte
	coherent map[dma.Addr][]byte

	allocCalls  int
	mapCalls    int
	badUnmaps   int
	badFrees    int
	totalMapped int
}

func newBus(f *Faults) *Bus {
	return &Bus{
		faults:   f,
		mask:     64,
		allocs:   make(map[*byte]int),
		mappings: make(map[dma.Addr][]byte),
		coherent: make(map[dma.Addr][]byte),
	}
}

var _ dma.Host = (*Bus)(nil)

func alignedBytes(size int) []byte {
	backing := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), size)
}

// nextAddr reserves a page aligned device address range.
func (b *Bus) nextAddr(size int) dma.Addr {
	base := uint64(0x1_0000_0000)
	if b.mask < 64 {
		base = 0x1000_0000
	}
	a := base + b.next
	b.next += uint64((size + pageSize - 1) / pageSize * pageSize)
	return dma.Addr(a)
}

func (b *Bus) Alloc(size int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allocCalls++
	if b.faults.AllocAt == b.allocCalls {
		return nil, fmt.Errorf("%w: allocation %d", ErrInjected, b.allocCalls)
	}
	if size <= 0 {
		return nil, fmt.Errorf("sim: invalid allocation size %d", size)
	}
	buf := alignedBytes(size)
	b.allocs[&buf[0]] = size
	return buf, nil
}

func (b *Bus) Free(buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(buf) == 0 {
		b.badFrees++
		return ErrUnknownBuffer
	}
	if _, ok := b.allocs[&buf[0]]; !ok {
		b.badFrees++
		return ErrUnknownBuffer
	}
	delete(b.allocs, &buf[0])
	return nil
}

func (b *Bus) Map(buf []byte) (dma.Addr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mapCalls++
	if b.faults.MapAt == b.mapCalls {
		return 0, fmt.Errorf("%w: mapping %d", ErrInjected, b.mapCalls)
	}
	if len(buf) == 0 {
		return 0, ErrUnknownBuffer
	}
	if _, ok := b.allocs[&buf[0]]; !ok {
		return 0, ErrUnknownBuffer
	}
	addr := b.nextAddr(len(buf))
	b.mappings[addr] = buf
	b.totalMapped++
	return addr, nil
}

func (b *Bus) Unmap(addr dma.Addr, size int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.mappings[addr]
	if !ok {
		b.badUnmaps++
		return fmt.Errorf("%w: %#x", ErrNotMapped, uint64(addr))
	}
	if len(buf) != size {
		return fmt.Errorf("sim: unmapping %#x with size %d, mapped %d", uint64(addr), size, len(buf))
	}
	delete(b.mappings, addr)
	return nil
}

func (b *Bus) AllocCoherent(size int) (dma.Region, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.faults.AllocCoherent; err != nil {
		return dma.Region{}, err
	}
	if size <= 0 {
		return dma.Region{}, fmt.Errorf("sim: invalid coherent size %d", size)
	}
	r := dma.Region{Buf: alignedBytes(size), Addr: b.nextAddr(size)}
	b.coherent[r.Addr] = r.Buf
	return r, nil
}

func (b *Bus) FreeCoherent(r dma.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.coherent[r.Addr]; !ok {
		b.badFrees++
		return fmt.Errorf("%w: coherent %#x", ErrUnknownBuffer, uint64(r.Addr))
	}
	delete(b.coherent, r.Addr)
	return nil
}

// Outstanding returns what is currently allocated or mapped.
func (b *Bus) Outstanding() Outstanding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Outstanding{
		Allocs:   len(b.allocs),
		Mappings: len(b.mappings),
		Coherent: len(b.coherent),
	}
}

// BadReleases returns the number of unmaps of addresses that were not
// mapped and frees of buffers that were not allocated.
func (b *Bus) BadReleases() (unmaps, frees int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.badUnmaps, b.badFrees
}

// Mapped returns the number of successful Map calls so far.
func (b *Bus) Mapped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalMapped
}

func (b *Bus) setMask(bits int) {
	b.mu.Lock()
	b.mask = bits
	b.mu.Unlock()
}

// resolve returns the host memory behind the device range [addr, addr+n).
func (b *Bus) resolve(addr dma.Addr, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range []map[dma.Addr][]byte{b.coherent, b.mappings} {
		for base, buf := range m {
			if addr < base || uint64(addr)+uint64(n) > uint64(base)+uint64(len(buf)) {
				continue
			}
			off := int(addr - base)
			return buf[off : off+n : off+n], nil
		}
	}
	return nil, fmt.Errorf("%w: %#x+%d", ErrBadAddress, uint64(addr), n)
}
