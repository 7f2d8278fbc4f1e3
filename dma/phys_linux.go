//go:build linux

package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pagemapPath = "/proc/self/pagemap"

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

var ErrNoPhysAddr = errors.New("physical address unavailable (requires CAP_SYS_ADMIN)")

// PhysHost hands out pinned anonymous memory and resolves device addresses
// through /proc/self/pagemap. It assumes the device sees host physical
// addresses, i.e. no IOMMU translation.
type PhysHost struct {
	pageSize int

	mu      sync.Mutex
	pagemap int
	mask    uint64
}

// OpenPhysHost opens the pagemap of the calling process.
func OpenPhysHost() (*PhysHost, error) {
	fd, err := unix.Open(pagemapPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", pagemapPath, err)
	}
	return &PhysHost{
		pageSize: unix.Getpagesize(),
		pagemap:  fd,
		mask:     ^uint64(0),
	}, nil
}

// SetMask limits device addresses to the given number of bits.
func (h *PhysHost) SetMask(bits int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bits >= 64 {
		h.mask = ^uint64(0)
		return
	}
	h.mask = 1<<uint(bits) - 1
}

// Close closes the pagemap.
func (h *PhysHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pagemap < 0 {
		return nil
	}
	err := unix.Close(h.pagemap)
	h.pagemap = -1
	return err
}

func (h *PhysHost) roundUp(size int) int {
	return (size + h.pageSize - 1) &^ (h.pageSize - 1)
}

// Alloc returns page-aligned, pinned, zeroed memory.
func (h *PhysHost) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrOutOfMemory, size)
	}
	n := h.roundUp(size)
	mem, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrOutOfMemory, n, err)
	}
	if err := unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: mlock %d bytes: %w", ErrOutOfMemory, n, err)
	}
	return mem[:size:n], nil
}

// Free unpins and unmaps memory returned by Alloc.
func (h *PhysHost) Free(buf []byte) error {
	mem := buf[:cap(buf)]
	if err := unix.Munlock(mem); err != nil {
		return fmt.Errorf("munlock: %w", err)
	}
	return unix.Munmap(mem)
}

// Map resolves the device address of buf. Buffers spanning several pages
// must be physically contiguous.
func (h *PhysHost) Map(buf []byte) (Addr, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrMappingFailed)
	}
	virt := uintptr(unsafe.Pointer(&buf[0]))

	h.mu.Lock()
	defer h.mu.Unlock()

	first, err := h.translate(virt)
	if err != nil {
		return 0, err
	}

	// Check that every following page is the physical successor.
	pageMask := uintptr(h.pageSize - 1)
	start := virt &^ pageMask
	for p := start + uintptr(h.pageSize); p < virt+uintptr(len(buf)); p += uintptr(h.pageSize) {
		phys, err := h.translate(p)
		if err != nil {
			return 0, err
		}
		if want := first&^uint64(pageMask) + uint64(p-start); phys != want {
			return 0, fmt.Errorf("%w: buffer is not physically contiguous", ErrMappingFailed)
		}
	}

	end := first + uint64(len(buf)) - 1
	if end&^h.mask != 0 {
		return 0, fmt.Errorf("%w: address %#x exceeds DMA mask %#x", ErrMappingFailed, end, h.mask)
	}
	return Addr(first), nil
}

func (h *PhysHost) translate(virt uintptr) (uint64, error) {
	var entry [8]byte
	off := int64(virt/uintptr(h.pageSize)) * 8
	if _, err := unix.Pread(h.pagemap, entry[:], off); err != nil {
		return 0, fmt.Errorf("%w: reading pagemap: %w", ErrMappingFailed, err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("%w: page %#x not present", ErrMappingFailed, virt)
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, errors.Join(ErrMappingFailed, ErrNoPhysAddr)
	}
	return pfn*uint64(h.pageSize) + uint64(virt%uintptr(h.pageSize)), nil
}

// Unmap is a no-op: memory stays pinned until it is freed.
func (h *PhysHost) Unmap(Addr, int) error { return nil }

// AllocCoherent returns a pinned region of at most one page, so it is
// physically contiguous and naturally aligned.
func (h *PhysHost) AllocCoherent(size int) (Region, error) {
	if size > h.pageSize {
		return Region{}, fmt.Errorf("%w: coherent region of %d bytes exceeds page size %d",
			ErrOutOfMemory, size, h.pageSize)
	}
	buf, err := h.Alloc(size)
	if err != nil {
		return Region{}, err
	}
	addr, err := h.Map(buf)
	if err != nil {
		_ = h.Free(buf)
		return Region{}, err
	}
	return Region{Buf: buf, Addr: addr}, nil
}

// FreeCoherent releases a region returned by AllocCoherent.
func (h *PhysHost) FreeCoherent(r Region) error { return h.Free(r.Buf) }
