// Package e1000 implements the receive path of an Intel 8254x network
// controller: device attach and detach, the interrupt front end and the
// deferred task that drains the receive descriptor ring.
//
// Terminology mapping (device ↔ driver):
//
//   - RDH: head, next descriptor the device writes; advanced by the device.
//   - RDT: tail, boundary of descriptors offered to the device; advanced
//     by the driver only.
//   - ICR: interrupt causes, cleared by the read in the interrupt handler.
//   - IMS/IMC: interrupt mask set and clear.
package e1000

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000rx-go/dma"
	"github.com/romshark/e1000rx-go/regs"
	"github.com/romshark/e1000rx-go/rxring"
	"github.com/romshark/e1000rx-go/workqueue"
)

// DriverName identifies the driver when claiming device regions.
const DriverName = "e1000rx"

const (
	DefaultRingSize   = 16
	DefaultBufferSize = 2048

	// resetDelay is how long the device needs after a global reset.
	resetDelay = 5 * time.Microsecond
)

var (
	ErrDeviceIO         = errors.New("device I/O failure")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotAttached      = errors.New("device not attached")
	ErrInconsistentRing = errors.New("inconsistent ring indices")
	ErrBufferSize       = errors.New("BufferSize must be one of 256, 512, 1024, 2048")
	ErrRingSize         = fmt.Errorf("RingSize must be between %d and %d", rxring.MinSize, rxring.MaxSize)
)

// RegisterWindow is a mapped register block that must be unmapped once.
type RegisterWindow interface {
	regs.Window
	io.Closer
}

// IRQLine delivers device interrupts.
type IRQLine interface {
	// Request installs handler. The handler runs in interrupt context:
	// it must not block. It reports whether this device raised the
	// interrupt.
	Request(handler func() bool) error

	// Free uninstalls the handler and waits for a running invocation
	// to return.
	Free() error
}

// PCIDevice is the bus-level view of a controller the driver binds to.
type PCIDevice interface {
	Name() string
	Enable() error
	Disable() error
	SetDMAMask(bits int) error
	RequestRegions(owner string) error
	ReleaseRegions() error
	SetMaster() error
	MapBAR(bar int) (RegisterWindow, error)
	IRQ() IRQLine
	DMA() dma.Host
}

// Config controls how a device is attached.
type Config struct {
	// RingSize is the number of receive descriptors.
	RingSize int
	// BufferSize is the size of each receive buffer in bytes.
	BufferSize int
	// MaxPerPass caps the descriptors one servicing pass visits.
	// A capped pass reschedules itself.
	MaxPerPass int
	// ActivityLED blinks LED1 while descriptors are consumed.
	ActivityLED bool

	// Handler is called for every received frame from the servicing task.
	// Packet.Buf is only valid until Handler returns.
	Handler func(*Packet)

	// Queue runs the servicing task. A private queue is used if nil.
	Queue *workqueue.Queue
	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger
	// Registry receives the device counters. A private registry is used if nil.
	Registry metrics.Registry
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.RingSize < rxring.MinSize || c.RingSize > rxring.MaxSize {
		return ErrRingSize
	}
	if _, ok := rctlBufferSize[c.BufferSize]; !ok {
		return ErrBufferSize
	}
	if c.MaxPerPass <= 0 || c.MaxPerPass > c.RingSize-1 {
		c.MaxPerPass = c.RingSize - 1
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Registry == nil {
		c.Registry = metrics.NewRegistry()
	}
	return nil
}

// rctlBufferSize maps buffer sizes to RCTL.BSIZE (bits 17:16).
var rctlBufferSize = map[int]uint32{
	2048: 0 << 16,
	1024: 1 << 16,
	512:  2 << 16,
	256:  3 << 16,
}

// rxInterrupts are the causes the driver enables.
const rxInterrupts = regs.IntRXT0 | regs.IntRXO | regs.IntRXDMT0

// Device is an attached controller. It owns the register mapping, the
// buffer pool, the descriptor ring and the servicing task.
type Device struct {
	name string
	pdev PCIDevice
	conf Config
	l    *logrus.Entry

	// mu guards attached against Detach for readers of the registers
	// outside the interrupt and servicing paths.
	mu       sync.RWMutex
	attached bool

	regs     RegisterWindow
	host     dma.Host
	pool     *dma.Pool
	ring     *rxring.Ring
	irq      IRQLine
	wq       *workqueue.Queue
	ownQueue bool
	work     *workqueue.Work

	stats *counters
	ledOn bool
	pkt   Packet
}

type unwinder []func()

func (u *unwinder) push(f func()) { *u = append(*u, f) }

// run executes the steps in reverse order of acquisition.
func (u unwinder) run() {
	for i := len(u) - 1; i >= 0; i-- {
		u[i]()
	}
}

// Attach brings up the device and its receive ring and enables receive
// interrupts. If any step fails, everything acquired so far is released in
// reverse order and the device is left unattached.
func Attach(pdev PCIDevice, conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	d := &Device{
		name: pdev.Name(),
		pdev: pdev,
		conf: conf,
		l:    conf.Logger.WithField("device", pdev.Name()),
		host: pdev.DMA(),
		irq:  pdev.IRQ(),
	}
	d.stats = newCounters(d.name, conf.Registry)

	var undo unwinder
	fail := func(err error) (*Device, error) {
		undo.run()
		d.l.WithError(err).Error("Attach failed")
		return nil, err
	}
	warnIf := func(err error, msg string) {
		if err != nil {
			d.l.WithError(err).Warn(msg)
		}
	}

	if err := pdev.Enable(); err != nil {
		return fail(fmt.Errorf("%w: enabling device: %w", ErrDeviceIO, err))
	}
	undo.push(func() { warnIf(pdev.Disable(), "Failed to disable device") })

	if err := pdev.SetDMAMask(64); err != nil {
		d.l.WithError(err).Info("64-bit DMA unavailable, falling back to 32-bit")
		if err := pdev.SetDMAMask(32); err != nil {
			return fail(fmt.Errorf("%w: configuring DMA mask: %w", ErrDeviceIO, err))
		}
	}

	if err := pdev.RequestRegions(DriverName); err != nil {
		return fail(fmt.Errorf("%w: requesting regions: %w", ErrDeviceIO, err))
	}
	undo.push(func() { warnIf(pdev.ReleaseRegions(), "Failed to release regions") })

	if err := pdev.SetMaster(); err != nil {
		return fail(fmt.Errorf("%w: enabling bus mastering: %w", ErrDeviceIO, err))
	}

	w, err := pdev.MapBAR(0)
	if err != nil {
		return fail(fmt.Errorf("%w: mapping BAR0: %w", ErrDeviceIO, err))
	}
	d.regs = w
	undo.push(func() { warnIf(w.Close(), "Failed to unmap registers") })

	d.reset()

	pool, err := dma.Allocate(d.host, conf.RingSize, conf.BufferSize)
	if err != nil {
		return fail(fmt.Errorf("allocating receive buffers: %w", err))
	}
	d.pool = pool
	undo.push(func() { warnIf(pool.Release(), "Failed to release receive buffers") })

	ring, err := rxring.Init(w, d.host, pool)
	if err != nil {
		return fail(fmt.Errorf("initializing receive ring: %w", err))
	}
	d.ring = ring
	undo.push(func() { warnIf(ring.Close(), "Failed to free receive ring") })

	w.Write32(regs.RCTL, regs.RctlSetup|rctlBufferSize[conf.BufferSize])
	undo.push(func() { w.Write32(regs.RCTL, 0) })

	if conf.ActivityLED {
		w.Write32(regs.LEDCTL, ledPattern(2))
		undo.push(func() { w.Write32(regs.LEDCTL, ledPattern()) })
	}

	d.wq = conf.Queue
	if d.wq == nil {
		d.wq = workqueue.New()
		d.ownQueue = true
		undo.push(d.wq.Close)
	}
	d.work = d.wq.NewWork(d.service)

	if err := d.irq.Request(d.handleIRQ); err != nil {
		return fail(fmt.Errorf("%w: requesting IRQ: %w", ErrDeviceIO, err))
	}

	d.attached = true
	w.Write32(regs.IMS, rxInterrupts)

	d.l.WithFields(logrus.Fields{
		"ring_size":   conf.RingSize,
		"buffer_size": humanize.IBytes(uint64(conf.BufferSize)),
		"ring_base":   fmt.Sprintf("%#x", uint64(ring.Base())),
		"link_up":     w.Read32(regs.STATUS)&regs.StatusLinkUp != 0,
	}).Info("Device attached")

	return d, nil
}

// reset issues a global reset, forces the link up and masks every interrupt.
func (d *Device) reset() {
	d.regs.Write32(regs.CTRL, regs.CtrlReset)
	time.Sleep(resetDelay)
	d.regs.Write32(regs.CTRL, regs.CtrlLinkUp)
	d.regs.Write32(regs.IMC, regs.IntAll)
}

// Name returns the bus name of the device.
func (d *Device) Name() string { return d.name }

// RingSize returns the number of receive descriptors.
func (d *Device) RingSize() int { return d.conf.RingSize }

// Detach disables interrupts, waits for the servicing task to finish and
// releases every resource acquired by Attach. It does not fail: problems
// releasing individual resources are logged. Calling it again is a no-op.
func (d *Device) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		d.l.Warn("Detach called on a device that is not attached")
		return
	}
	d.attached = false

	warnIf := func(err error, msg string) {
		if err != nil {
			d.l.WithError(err).Warn(msg)
		}
	}

	d.regs.Write32(regs.IMC, regs.IntAll)
	warnIf(d.irq.Free(), "Failed to free IRQ")

	if d.work.CancelSync() {
		d.l.Debug("Cancelled pending servicing task")
	}

	d.regs.Write32(regs.RCTL, 0)
	if d.conf.ActivityLED {
		d.regs.Write32(regs.LEDCTL, ledPattern())
	}

	warnIf(d.ring.Close(), "Failed to free receive ring")
	warnIf(d.pool.Release(), "Failed to release receive buffers")
	warnIf(d.regs.Close(), "Failed to unmap registers")
	warnIf(d.pdev.ReleaseRegions(), "Failed to release regions")
	warnIf(d.pdev.Disable(), "Failed to disable device")

	if d.ownQueue {
		d.wq.Close()
	}

	d.l.Info("Device detached")
}

// HeadTail returns the packed (head<<16)|tail register snapshot.
func (d *Device) HeadTail() (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return 0, ErrNotAttached
	}
	head, tail := d.ring.Indices()
	return uint32(head)<<16 | uint32(tail), nil
}

// Inspect returns a snapshot of descriptor i.
func (d *Device) Inspect(i int) (rxring.View, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.attached {
		return rxring.View{}, ErrNotAttached
	}
	if i < 0 || i >= d.ring.Size() {
		return rxring.View{}, fmt.Errorf("%w: descriptor index %d", ErrInvalidArgument, i)
	}
	return d.ring.Inspect(i), nil
}

// Flush waits until no servicing pass is pending or running.
func (d *Device) Flush() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.attached {
		d.work.Flush()
	}
}
