// Package sim simulates an Intel 8254x controller on a PCI bus closely
// enough to drive the receive path without hardware: a register file with
// the read-to-clear and mask set/clear semantics, a DMA bus that tracks
// every allocation and mapping, an interrupt line and a receive engine
// that writes frames into the descriptor ring.
//
// Faults can be injected at every step the driver's attach sequence
// depends on.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000rx-go/dma"
	"github.com/romshark/e1000rx-go/e1000"
	"github.com/romshark/e1000rx-go/regs"
	"github.com/romshark/e1000rx-go/rxring"
)

var (
	ErrReceiverDisabled = errors.New("sim: receiver disabled")
	ErrOverrun          = errors.New("sim: receive overrun, no free descriptor")
	ErrFrameTooLarge    = errors.New("sim: frame exceeds receive buffer")
	ErrBusy             = errors.New("sim: regions already claimed")
	ErrNotEnabled       = errors.New("sim: device not enabled")
)

// Faults selects the operations that fail. The zero value injects nothing.
type Faults struct {
	Enable         error
	DMAMask64      error // only SetDMAMask(64) fails
	DMAMask        error // every SetDMAMask fails
	RequestRegions error
	SetMaster      error
	MapBAR         error
	RequestIRQ     error
	AllocCoherent  error

	// AllocAt and MapAt fail the n-th streaming Alloc or Map call,
	// counting from 1. Zero disables them.
	AllocAt int
	MapAt   int
}

// Write is a recorded register write.
type Write struct {
	Offset uint32
	Value  uint32
}

func (w Write) String() string { return fmt.Sprintf("%#05x <- %#08x", w.Offset, w.Value) }

// NIC is a simulated controller. It implements e1000.PCIDevice.
type NIC struct {
	name   string
	l      *logrus.Entry
	faults Faults
	bus    *Bus
	line   *Line

	mu       sync.Mutex
	regs     map[uint32]uint32
	enabled  bool
	master   bool
	owner    string
	mapped   int
	record   bool
	writes   []Write
	received int
	dropped  int
	overruns int
}

var _ e1000.PCIDevice = (*NIC)(nil)

// New creates a powered down controller.
func New(name string, l *logrus.Logger) *NIC {
	if l == nil {
		l = logrus.StandardLogger()
	}
	n := &NIC{
		name: name,
		l:    l.WithFields(logrus.Fields{"device": name, "sim": true}),
		regs: make(map[uint32]uint32),
	}
	n.bus = newBus(&n.faults)
	n.line = newLine(func() error { return n.faults.RequestIRQ })
	return n
}

// SetFaults replaces the injected faults. It must not be called while
// the device is attached.
func (n *NIC) SetFaults(f Faults) {
	n.bus.mu.Lock()
	n.faults = f
	n.bus.mu.Unlock()
}

// RecordWrites starts or stops recording register writes.
func (n *NIC) RecordWrites(on bool) {
	n.mu.Lock()
	n.record = on
	if !on {
		n.writes = nil
	}
	n.mu.Unlock()
}

// Writes returns the register writes recorded so far.
func (n *NIC) Writes() []Write {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Write(nil), n.writes...)
}

func (n *NIC) Name() string { return n.name }

func (n *NIC) Enable() error {
	if err := n.faults.Enable; err != nil {
		return err
	}
	n.mu.Lock()
	n.enabled = true
	n.mu.Unlock()
	return nil
}

func (n *NIC) Disable() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled {
		return ErrNotEnabled
	}
	n.enabled = false
	n.master = false
	return nil
}

func (n *NIC) SetDMAMask(bits int) error {
	if err := n.faults.DMAMask; err != nil {
		return err
	}
	if bits == 64 && n.faults.DMAMask64 != nil {
		return n.faults.DMAMask64
	}
	if bits != 32 && bits != 64 {
		return fmt.Errorf("sim: unsupported DMA mask %d", bits)
	}
	n.bus.setMask(bits)
	return nil
}

func (n *NIC) RequestRegions(owner string) error {
	if err := n.faults.RequestRegions; err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.owner != "" {
		return fmt.Errorf("%w by %s", ErrBusy, n.owner)
	}
	n.owner = owner
	return nil
}

func (n *NIC) ReleaseRegions() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.owner == "" {
		return errors.New("sim: regions not claimed")
	}
	n.owner = ""
	return nil
}

func (n *NIC) SetMaster() error {
	if err := n.faults.SetMaster; err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled {
		return ErrNotEnabled
	}
	n.master = true
	return nil
}

func (n *NIC) MapBAR(bar int) (e1000.RegisterWindow, error) {
	if err := n.faults.MapBAR; err != nil {
		return nil, err
	}
	if bar != 0 {
		return nil, fmt.Errorf("sim: BAR%d is not a memory BAR", bar)
	}
	n.mu.Lock()
	n.mapped++
	n.mu.Unlock()
	return &window{n: n}, nil
}

func (n *NIC) IRQ() e1000.IRQLine { return n.line }

func (n *NIC) DMA() dma.Host { return n.bus }

// Bus returns the simulated DMA host.
func (n *NIC) Bus() *Bus { return n.bus }

// Line returns the simulated interrupt line.
func (n *NIC) Line() *Line { return n.line }

// State is a snapshot of the bus-level state of the device.
type State struct {
	Enabled  bool
	Master   bool
	Owner    string
	Mapped   int
	Received int
	Dropped  int
	Overruns int
}

func (n *NIC) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return State{
		Enabled:  n.enabled,
		Master:   n.master,
		Owner:    n.owner,
		Mapped:   n.mapped,
		Received: n.received,
		Dropped:  n.dropped,
		Overruns: n.overruns,
	}
}

// Peek reads a register without side effects.
func (n *NIC) Peek(offset uint32) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.regs[offset]
}

// read32 implements the device side of a register read.
func (n *NIC) read32(offset uint32) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.regs[offset]
	if offset == regs.ICR {
		n.regs[regs.ICR] = 0
	}
	return v
}

// write32 implements the device side of a register write.
func (n *NIC) write32(offset, value uint32) {
	n.mu.Lock()
	if n.record {
		n.writes = append(n.writes, Write{Offset: offset, Value: value})
	}

	switch offset {
	case regs.CTRL:
		if value&regs.CtrlReset != 0 {
			clear(n.regs)
			n.l.Debug("Device reset")
			break
		}
		n.regs[regs.CTRL] = value
		if value&regs.CtrlSLU != 0 {
			n.regs[regs.STATUS] |= regs.StatusLinkUp
		} else {
			n.regs[regs.STATUS] &^= regs.StatusLinkUp
		}
	case regs.STATUS:
		// read only
	case regs.ICR:
		n.regs[regs.ICR] &^= value
	case regs.IMS:
		n.regs[regs.IMS] |= value
	case regs.IMC:
		n.regs[regs.IMS] &^= value
	default:
		n.regs[offset] = value
	}

	fire := offset == regs.IMS && n.regs[regs.ICR]&n.regs[regs.IMS] != 0
	n.mu.Unlock()

	if fire {
		n.line.Raise()
	}
}

// bufferSize decodes RCTL.BSIZE.
func bufferSize(rctl uint32) int { return 2048 >> ((rctl >> 16) & 3) }

// Receive writes frame into the next free descriptor and raises a receive
// interrupt if it is unmasked. It fails if the receiver is disabled or no
// descriptor is free, in which case the frame is dropped.
func (n *NIC) Receive(frame []byte) error {
	n.mu.Lock()
	err := n.receive(frame)
	switch {
	case errors.Is(err, ErrOverrun):
		n.overruns++
		n.dropped++
		n.regs[regs.ICR] |= regs.IntRXO
	case err != nil:
		n.dropped++
	default:
		n.received++
		n.regs[regs.ICR] |= regs.IntRXT0
	}
	fire := n.regs[regs.ICR]&n.regs[regs.IMS] != 0
	n.mu.Unlock()

	if err != nil {
		n.l.WithError(err).WithField("length", len(frame)).Debug("Frame dropped")
	}
	if fire {
		n.line.Raise()
	}
	return err
}

func (n *NIC) receive(frame []byte) error {
	rctl := n.regs[regs.RCTL]
	length := n.regs[regs.RDLEN]
	if rctl&regs.RctlEnable == 0 || length < rxring.DescriptorSize {
		return ErrReceiverDisabled
	}
	if bs := bufferSize(rctl); len(frame) > bs {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), bs)
	}

	size := length / rxring.DescriptorSize
	head, tail := n.regs[regs.RDH], n.regs[regs.RDT]
	if head >= size || tail >= size {
		return fmt.Errorf("%w: head=%d tail=%d size=%d", ErrReceiverDisabled, head, tail, size)
	}
	if head == tail {
		return ErrOverrun
	}

	base := dma.Addr(uint64(n.regs[regs.RDBAH])<<32 | uint64(n.regs[regs.RDBAL]))
	mem, err := n.bus.resolve(base+dma.Addr(head*rxring.DescriptorSize), rxring.DescriptorSize)
	if err != nil {
		return fmt.Errorf("fetching descriptor %d: %w", head, err)
	}
	desc := rxring.Descriptor(mem)

	if len(frame) > 0 {
		buf, err := n.bus.resolve(dma.Addr(desc.BufferAddr()), len(frame))
		if err != nil {
			return fmt.Errorf("writing descriptor %d buffer: %w", head, err)
		}
		copy(buf, frame)
	}
	desc.SetLower(rxring.MakeLower(uint16(len(frame)), checksum(frame)))
	desc.SetUpper(rxring.MakeUpper(rxring.StatusDD|rxring.StatusEOP, 0, 0))

	n.regs[regs.RDH] = (head + 1) % size
	return nil
}

// checksum is the 16-bit ones' complement sum over the frame, like the
// packet checksum the device writes back.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum>>16 + sum&0xFFFF
	}
	return uint16(sum)
}

// window is a mapping of BAR0.
type window struct {
	n      *NIC
	closed bool
}

func (w *window) Read32(offset uint32) uint32 { return w.n.read32(offset) }

func (w *window) Write32(offset, value uint32) { w.n.write32(offset, value) }

func (w *window) Close() error {
	if w.closed {
		return errors.New("sim: BAR already unmapped")
	}
	w.closed = true
	w.n.mu.Lock()
	w.n.mapped--
	w.n.mu.Unlock()
	return nil
}
