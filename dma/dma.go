// Package dma manages host memory the network controller reads and writes
// directly: per-descriptor receive buffers with streaming mappings and
// coherent regions for descriptor arrays.
//
// Every buffer handed to the device is paired with exactly one Map and one
// Unmap call. Pool enforces the pairing by owning each mapping and zeroing
// it on unmap, so a mapping can never be released twice.
package dma

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfMemory   = errors.New("out of memory")
	ErrMappingFailed = errors.New("dma mapping failed")
)

// Addr is a device-visible bus address.
type Addr uint64

// Allocator hands out zeroed host memory.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte) error
}

// Mapper translates host buffers into device-visible addresses.
type Mapper interface {
	Map(buf []byte) (Addr, error)
	Unmap(addr Addr, size int) error
}

// CoherentAllocator hands out memory that both the host and the device may
// access at any time without explicit synchronization.
type CoherentAllocator interface {
	AllocCoherent(size int) (Region, error)
	FreeCoherent(r Region) error
}

// StreamingHost provides buffers with streaming mappings.
type StreamingHost interface {
	Allocator
	Mapper
}

// Host is everything a receive ring needs from the platform.
type Host interface {
	StreamingHost
	CoherentAllocator
}

// Region is a coherent memory block and its device address.
type Region struct {
	Buf  []byte
	Addr Addr
}

// SlotError reports the pool slot an allocation or mapping failed on.
type SlotError struct {
	Index int
	Err   error
}

func (e *SlotError) Error() string { return fmt.Sprintf("slot %d: %v", e.Index, e.Err) }

func (e *SlotError) Unwrap() error { return e.Err }

type mapping struct {
	addr   Addr
	size   int
	mapped bool
}

func (m *mapping) unmap(mp Mapper) error {
	if !m.mapped {
		return nil
	}
	addr, size := m.addr, m.size
	*m = mapping{}
	return mp.Unmap(addr, size)
}

type slot struct {
	buf []byte
	m   mapping
}

// release unmaps and frees the slot. Parts that were never acquired are
// skipped.
func (s *slot) release(h StreamingHost) error {
	var errs []error
	if err := s.m.unmap(h); err != nil {
		errs = append(errs, fmt.Errorf("unmapping: %w", err))
	}
	if s.buf != nil {
		if err := h.Free(s.buf); err != nil {
			errs = append(errs, fmt.Errorf("freeing: %w", err))
		}
		s.buf = nil
	}
	return errors.Join(errs...)
}

// Pool owns a fixed set of equally sized receive buffers, one per
// descriptor index.
//
// WARNING: Pool is not safe for concurrent use.
type Pool struct {
	host     StreamingHost
	size     int
	slots    []slot
	released bool
}

// Allocate reserves count buffers of size bytes each and maps every one of
// them for the device. On failure all buffers acquired by this call are
// unmapped and freed before the error is returned.
func Allocate(h StreamingHost, count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: %d buffers of %d bytes", ErrOutOfMemory, count, size)
	}

	p := &Pool{
		host:  h,
		size:  size,
		slots: make([]slot, count),
	}

	for i := range p.slots {
		s := &p.slots[i]

		buf, err := h.Alloc(size)
		if err != nil {
			return nil, p.rollback(&SlotError{Index: i, Err: errors.Join(ErrOutOfMemory, err)})
		}
		s.buf = buf

		addr, err := h.Map(buf)
		if err != nil {
			return nil, p.rollback(&SlotError{Index: i, Err: errors.Join(ErrMappingFailed, err)})
		}
		s.m = mapping{addr: addr, size: size, mapped: true}
	}

	return p, nil
}

func (p *Pool) rollback(cause error) error {
	if err := p.Release(); err != nil {
		return errors.Join(cause, fmt.Errorf("rolling back: %w", err))
	}
	return cause
}

// Len returns the number of slots.
func (p *Pool) Len() int { return len(p.slots) }

// BufferSize returns the size of every slot's buffer.
func (p *Pool) BufferSize() int { return p.size }

// BufferAddress returns the device address of slot i.
// It panics if the pool was released.
func (p *Pool) BufferAddress(i int) Addr {
	p.mustBeLive()
	return p.slots[i].m.addr
}

// Buffer returns the host view of slot i.
// It panics if the pool was released.
func (p *Pool) Buffer(i int) []byte {
	p.mustBeLive()
	return p.slots[i].buf
}

func (p *Pool) mustBeLive() {
	if p.released {
		panic("dma: use of released pool")
	}
}

// Release unmaps and frees every slot. Slots that were never mapped are
// skipped. Calling Release again is a no-op.
func (p *Pool) Release() error {
	if p.released {
		return nil
	}
	p.released = true

	var errs []error
	for i := range p.slots {
		if err := p.slots[i].release(p.host); err != nil {
			errs = append(errs, &SlotError{Index: i, Err: err})
		}
	}
	return errors.Join(errs...)
}
