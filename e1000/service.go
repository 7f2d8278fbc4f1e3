package e1000

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000rx-go/dma"
	"github.com/romshark/e1000rx-go/regs"
	"github.com/romshark/e1000rx-go/rxring"
)

// Packet is a received frame handed to Config.Handler.
type Packet struct {
	// Buf points directly into the receive buffer and is recycled as
	// soon as the handler returns.
	Buf []byte
	// Addr is the device address of the buffer.
	Addr dma.Addr
	// Len is the frame length written back by the device.
	Len uint32
	// Index is the descriptor the frame was received on.
	Index int

	Status   uint8
	Errors   uint8
	Checksum uint16
}

// service is the deferred task scheduled by the interrupt front end.
func (d *Device) service() {
	d.stats.passes.Inc(1)

	n, err := d.drain()
	if err != nil {
		// The next interrupt triggers another pass.
		d.stats.abandoned.Inc(1)
		d.l.WithError(err).Warn("Abandoned servicing pass")
		return
	}
	if n > 0 {
		d.l.WithField("consumed", n).Debug("Serviced receive ring")
	}
}

// drain consumes the descriptors the device completed before the pass
// started. Descriptors completed meanwhile are left for the next pass.
func (d *Device) drain() (consumed int, err error) {
	size := uint16(d.ring.Size())

	head, tail := d.ring.Indices()
	if head >= size || tail >= size {
		return 0, fmt.Errorf("%w: head=%d tail=%d size=%d", ErrInconsistentRing, head, tail, size)
	}
	if tail != d.ring.Tail() {
		return 0, fmt.Errorf("%w: tail register %d, last written %d", ErrInconsistentRing, tail, d.ring.Tail())
	}

	// Last descriptor the device fully produced.
	prevHead := size - 1
	if head != 0 {
		prevHead = head - 1
	}

	trace := d.l.Logger.IsLevelEnabled(logrus.TraceLevel)
	debug := d.l.Logger.IsLevelEnabled(logrus.DebugLevel)

	for visited := 0; tail != prevHead; visited++ {
		if visited == d.conf.MaxPerPass {
			d.stats.capped.Inc(1)
			d.work.Schedule()
			break
		}

		tail = d.ring.AdvanceTail()

		if trace {
			h, t := d.ring.Indices()
			d.l.WithFields(logrus.Fields{"head": h, "tail": t}).Trace("Advanced tail")
		}

		v := d.ring.Inspect(int(tail))
		if debug {
			d.l.Debug(v.String())
		}
		if !v.Done() {
			d.stats.notDone.Inc(1)
			continue
		}

		d.deliver(v)
		d.ring.MarkFree(int(tail))
		consumed++

		if d.conf.ActivityLED {
			d.toggleLED()
		}
	}
	return consumed, nil
}

func (d *Device) deliver(v rxring.View) {
	buf := d.ring.Buffer(v.Index)
	n := int(v.Length)
	if n > len(buf) {
		d.stats.errors.Inc(1)
		d.l.WithFields(logrus.Fields{
			"descriptor": v.Index,
			"length":     n,
		}).Warn("Descriptor length exceeds buffer size")
		n = len(buf)
	}
	if v.Errors != 0 {
		d.stats.errors.Inc(1)
	}
	d.stats.packets.Inc(1)
	d.stats.bytes.Inc(int64(n))

	if d.conf.Handler == nil {
		return
	}
	d.pkt = Packet{
		Buf:      buf[:n],
		Addr:     dma.Addr(v.Addr),
		Len:      uint32(n),
		Index:    v.Index,
		Status:   v.Status,
		Errors:   v.Errors,
		Checksum: v.Checksum,
	}
	d.conf.Handler(&d.pkt)
	d.pkt = Packet{}
}

// ledPattern returns an LEDCTL value with the given LEDs on and the
// others off.
func ledPattern(on ...int) uint32 {
	var v uint32
	for led := range 4 {
		v |= regs.LedModeOff << (8 * led)
	}
	for _, led := range on {
		v &^= 0xFF << (8 * led)
		v |= regs.LedModeOn << (8 * led)
	}
	return v
}

func (d *Device) toggleLED() {
	d.ledOn = !d.ledOn
	if d.ledOn {
		d.regs.Write32(regs.LEDCTL, ledPattern(1))
	} else {
		d.regs.Write32(regs.LEDCTL, ledPattern())
	}
}
