// Package regs provides typed access to the memory-mapped control register
// block of an Intel 8254x (e1000) network controller.
//
// Only the registers the receive path touches are named here. Offsets are
// relative to the start of BAR0.
package regs

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Register offsets.
const (
	CTRL   = 0x00000 // device control (RW)
	STATUS = 0x00008 // device status (R)
	ICR    = 0x000C0 // interrupt cause read, clears on read (R)
	IMS    = 0x000D0 // interrupt mask set (RW)
	IMC    = 0x000D8 // interrupt mask clear (W)
	RCTL   = 0x00100 // receive control (RW)
	LEDCTL = 0x00E00 // LED control (RW)
	RDBAL  = 0x02800 // receive descriptor base address low (RW)
	RDBAH  = 0x02804 // receive descriptor base address high (RW)
	RDLEN  = 0x02808 // receive descriptor ring length in bytes (RW)
	RDH    = 0x02810 // receive descriptor head (RW, hardware advanced)
	RDT    = 0x02818 // receive descriptor tail (RW, software advanced)
)

// CTRL bits.
const (
	CtrlSLU   = 1 << 6  // set link up
	CtrlReset = 1 << 26 // global device reset, self clearing

	// CtrlLinkUp forces full duplex 1000Mb/s with the link set up.
	CtrlLinkUp = 0x1A41
)

// StatusLinkUp is the STATUS.LU bit.
const StatusLinkUp = 1 << 1

// RCTL bits.
const (
	RctlEnable = 1 << 1

	// RctlSetup enables the receiver in unicast and multicast promiscuous
	// mode, accepts broadcast and strips the Ethernet CRC.
	RctlSetup = 0x821A
)

// Interrupt cause bits shared by ICR, IMS and IMC.
const (
	IntRXDMT0 = 1 << 4 // receive descriptor minimum threshold reached
	IntRXO    = 1 << 6 // receiver overrun
	IntRXT0   = 1 << 7 // receiver timer, a frame was written back

	IntAll = 0xFFFFFFFF
)

// LEDCTL per-LED modes. Each of the four LEDs takes one byte of LEDCTL.
const (
	LedModeOn  = 0xE
	LedModeOff = 0xF
)

var ErrWindowTooSmall = errors.New("register window too small")

// Window is a register block. Offsets are not validated, callers keep them
// inside the mapped window. Writes are observed by the device in program order.
type Window interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// WriteAddr64 writes a 64-bit device address into a high/low register pair.
// The high half is written first.
func WriteAddr64(w Window, lo, hi uint32, addr uint64) {
	w.Write32(hi, uint32(addr>>32))
	w.Write32(lo, uint32(addr))
}

// MMIO is a Window backed by memory, normally a mapped PCI BAR.
type MMIO struct {
	mem   []byte
	unmap func([]byte) error
}

// NewMMIO wraps mem as a register window. mem must be 4-byte aligned.
func NewMMIO(mem []byte) *MMIO { return &MMIO{mem: mem} }

func (m *MMIO) addr(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mem[offset]))
}

// Read32 loads the 32-bit register at offset.
func (m *MMIO) Read32(offset uint32) uint32 { return atomic.LoadUint32(m.addr(offset)) }

// Write32 stores value into the 32-bit register at offset.
func (m *MMIO) Write32(offset uint32, value uint32) { atomic.StoreUint32(m.addr(offset), value) }

// Len returns the window size in bytes.
func (m *MMIO) Len() int { return len(m.mem) }

// Close unmaps the window if it was created by MapResource.
// Closing twice is a no-op.
func (m *MMIO) Close() error {
	if m.mem == nil {
		return nil
	}
	var err error
	if m.unmap != nil {
		err = m.unmap(m.mem)
	}
	m.mem = nil
	return err
}
