package e1000

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Endpoint is the byte-oriented read/write boundary towards user space.
// A read yields the 4-byte little-endian (head<<16)|tail snapshot once,
// then io.EOF. Writes are acknowledged and logged but otherwise unused.
type Endpoint struct {
	d   *Device
	off int64
}

// Endpoint opens a new endpoint on the device.
func (d *Device) Endpoint() *Endpoint { return &Endpoint{d: d} }

func (e *Endpoint) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty read buffer", ErrInvalidArgument)
	}
	if e.off >= 4 {
		return 0, io.EOF
	}
	if len(p) < 4 {
		return 0, io.ErrShortBuffer
	}

	v, err := e.d.HeadTail()
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(p, v)
	e.off += 4

	e.d.l.WithField("head_tail", fmt.Sprintf("0x%08x", v)).Debug("Endpoint read")
	return 4, nil
}

func (e *Endpoint) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty write buffer", ErrInvalidArgument)
	}
	var raw [4]byte
	copy(raw[:], p)
	e.d.l.WithField("value", fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(raw[:]))).
		Info("Endpoint written")
	return len(p), nil
}

// Rewind makes the next Read return a fresh snapshot.
func (e *Endpoint) Rewind() { e.off = 0 }
