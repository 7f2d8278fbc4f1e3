// Package rxring implements the receive descriptor ring shared between the
// network controller (producer) and the driver (consumer).
//
// The device owns the head index and the status bits of descriptors it has
// not yet written back. The driver owns the tail index and the buffer
// address fields. Software returns descriptors to the device only by
// advancing tail.
package rxring

import (
	"errors"
	"fmt"

	"github.com/romshark/e1000rx-go/dma"
	"github.com/romshark/e1000rx-go/regs"
)

const (
	MinSize = 2
	MaxSize = 1<<16 - 1
)

var ErrInvalidSize = errors.New("invalid ring size")

// Ring is a receive descriptor ring.
//
// WARNING: Ring is not safe for concurrent use. The device is the only
// other party touching its memory.
type Ring struct {
	w     regs.Window
	alloc dma.CoherentAllocator
	pool  *dma.Pool

	mem   dma.Region
	size  uint16
	tail  uint16
	descs []Descriptor
}

// Init allocates the descriptor array for pool.Len() descriptors, points
// each descriptor at its pool buffer and programs the ring registers.
// The tail starts at size-1 so every descriptor but one is offered to the
// device. On error the pool is untouched and still owned by the caller.
func Init(w regs.Window, alloc dma.CoherentAllocator, pool *dma.Pool) (*Ring, error) {
	n := pool.Len()
	if n < MinSize || n > MaxSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}

	length := n * DescriptorSize
	mem, err := alloc.AllocCoherent(length)
	if err != nil {
		return nil, fmt.Errorf("allocating %d descriptors: %w", n, errors.Join(dma.ErrOutOfMemory, err))
	}
	if len(mem.Buf) < length {
		_ = alloc.FreeCoherent(mem)
		return nil, fmt.Errorf("%w: descriptor region is %d bytes, want %d",
			dma.ErrOutOfMemory, len(mem.Buf), length)
	}

	r := &Ring{
		w:     w,
		alloc: alloc,
		pool:  pool,
		mem:   mem,
		size:  uint16(n),
		descs: make([]Descriptor, n),
	}
	for i := range r.descs {
		d := Descriptor(mem.Buf[i*DescriptorSize : (i+1)*DescriptorSize : (i+1)*DescriptorSize])
		d.SetLower(0)
		d.SetUpper(0)
		d.SetBufferAddr(uint64(pool.BufferAddress(i)))
		r.descs[i] = d
	}

	regs.WriteAddr64(w, regs.RDBAL, regs.RDBAH, uint64(mem.Addr))
	w.Write32(regs.RDLEN, uint32(length))
	w.Write32(regs.RDH, 0)
	r.tail = r.size - 1
	w.Write32(regs.RDT, uint32(r.tail))

	return r, nil
}

// Size returns the number of descriptors.
func (r *Ring) Size() int { return int(r.size) }

// Base returns the device address of the descriptor array.
func (r *Ring) Base() dma.Addr { return r.mem.Addr }

// Tail returns the last tail value software wrote.
func (r *Ring) Tail() uint16 { return r.tail }

// AdvanceTail moves tail to the next descriptor, wrapping at the ring size,
// and writes it to the device. It returns the new tail.
func (r *Ring) AdvanceTail() uint16 {
	r.tail = uint16((uint32(r.tail) + 1) % uint32(r.size))
	r.w.Write32(regs.RDT, uint32(r.tail))
	return r.tail
}

// Indices reads the head and tail registers. Head is advisory: the device
// may advance it at any time after the read.
func (r *Ring) Indices() (head, tail uint16) {
	return uint16(r.w.Read32(regs.RDH)), uint16(r.w.Read32(regs.RDT))
}

// Descriptor returns descriptor i.
func (r *Ring) Descriptor(i int) Descriptor { return r.descs[i] }

// Inspect returns a snapshot of descriptor i.
func (r *Ring) Inspect(i int) View {
	v := r.descs[i].Snapshot()
	v.Index = i
	return v
}

// MarkFree clears the status of descriptor i so the device may reuse it.
// It must only be called after the descriptor's data was consumed.
func (r *Ring) MarkFree(i int) { r.descs[i].ClearStatus() }

// Buffer returns the host view of the buffer behind descriptor i.
func (r *Ring) Buffer(i int) []byte { return r.pool.Buffer(i) }

// Close frees the descriptor array. The buffer pool is not released.
// Closing twice is a no-op.
func (r *Ring) Close() error {
	if r.mem.Buf == nil {
		return nil
	}
	mem := r.mem
	r.mem = dma.Region{}
	r.descs = nil
	if err := r.alloc.FreeCoherent(mem); err != nil {
		return fmt.Errorf("freeing descriptor ring: %w", err)
	}
	return nil
}
