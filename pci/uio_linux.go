//go:build linux

package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// uioLine receives interrupts from a UIO device node. Reading the node
// blocks until the next interrupt and yields the total count, writing 1
// unmasks the interrupt again.
type uioLine struct {
	path string
	l    *logrus.Entry

	mu   sync.Mutex
	fd   int
	stop int // eventfd
	done chan struct{}
}

func (u *uioLine) Request(handler func() bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done != nil {
		return errors.New("interrupt handler already installed")
	}

	fd, err := unix.Open(u.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", u.path, err)
	}
	stop, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("creating eventfd: %w", err)
	}
	if err := unmask(fd); err != nil {
		_ = unix.Close(fd)
		_ = unix.Close(stop)
		return err
	}

	u.fd, u.stop = fd, stop
	u.done = make(chan struct{})
	go u.run(handler, fd, stop, u.done)
	return nil
}

func unmask(fd int) error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(fd, b[:]); err != nil {
		return fmt.Errorf("unmasking interrupt: %w", err)
	}
	return nil
}

func (u *uioLine) run(handler func() bool, fd, stop int, done chan struct{}) {
	defer close(done)

	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(stop), Events: unix.POLLIN},
	}
	var count [4]byte
	var last uint32
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			u.l.WithError(err).Error("Polling interrupt line failed")
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		if _, err := unix.Read(fd, count[:]); err != nil {
			u.l.WithError(err).Error("Reading interrupt count failed")
			return
		}
		n := binary.NativeEndian.Uint32(count[:])
		if last != 0 && n-last > 1 {
			u.l.WithField("missed", n-last-1).Debug("Coalesced interrupts")
		}
		last = n

		if !handler() {
			u.l.Trace("Interrupt not raised by this device")
		}
		if err := unmask(fd); err != nil {
			u.l.WithError(err).Error("Re-enabling interrupt failed")
			return
		}
	}
}

// Free stops the interrupt goroutine and waits for a running handler to
// return.
func (u *uioLine) Free() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done == nil {
		return errors.New("no interrupt handler installed")
	}

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, werr := unix.Write(u.stop, one[:])
	if werr == nil {
		<-u.done
	}
	err := errors.Join(werr, unix.Close(u.fd), unix.Close(u.stop))
	u.done = nil
	return err
}
