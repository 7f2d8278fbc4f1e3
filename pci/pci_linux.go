//go:build linux

// Package pci binds the driver to a real controller through sysfs and UIO:
// the device is enabled and claimed through its sysfs directory, BAR0 is
// mapped from the resource file, interrupts arrive on a UIO device node and
// DMA memory is pinned host memory.
package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/e1000rx-go/dma"
	"github.com/romshark/e1000rx-go/e1000"
	"github.com/romshark/e1000rx-go/regs"
)

// SysfsDevices is where the kernel lists PCI functions.
const SysfsDevices = "/sys/bus/pci/devices"

// Configuration space.
const (
	configCommand      = 0x04
	commandMemory      = 1 << 1
	commandBusMaster   = 1 << 2
	commandINTxDisable = 1 << 10
)

var ErrRegionsBusy = errors.New("device regions claimed by another process")

// Device is a PCI function bound to uio_pci_generic.
type Device struct {
	name    string
	dir     string
	barSize int
	l       *logrus.Entry

	host *dma.PhysHost
	irq  *uioLine

	mu      sync.Mutex
	claimFd int
}

var _ e1000.PCIDevice = (*Device)(nil)

// Open prepares the function at bus address addr, e.g. 0000:02:01.0, whose
// interrupts are delivered on uioPath. barSize overrides the size of the
// BAR0 mapping if non-zero.
func Open(addr, uioPath string, barSize int, l *logrus.Logger) (*Device, error) {
	return OpenDir(filepath.Join(SysfsDevices, addr), uioPath, barSize, l)
}

// OpenDir is Open with an explicit sysfs device directory.
func OpenDir(dir, uioPath string, barSize int, l *logrus.Logger) (*Device, error) {
	if _, err := os.Stat(filepath.Join(dir, "config")); err != nil {
		return nil, fmt.Errorf("no PCI function at %s: %w", dir, err)
	}
	host, err := dma.OpenPhysHost()
	if err != nil {
		return nil, err
	}
	name := filepath.Base(dir)
	e := l.WithField("device", name)
	return &Device{
		name:    name,
		dir:     dir,
		barSize: barSize,
		l:       e,
		host:    host,
		irq:     &uioLine{path: uioPath, l: e},
		claimFd: -1,
	}, nil
}

// Close releases the host resources. The device must be detached.
func (d *Device) Close() error { return d.host.Close() }

func (d *Device) Name() string { return d.name }

func (d *Device) writeAttr(attr, value string) error {
	p := filepath.Join(d.dir, attr)
	if err := os.WriteFile(p, []byte(value), 0); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}

func (d *Device) Enable() error  { return d.writeAttr("enable", "1") }
func (d *Device) Disable() error { return d.writeAttr("enable", "0") }

// SetDMAMask limits the addresses handed to the device. Pinned memory is
// not relocated, a buffer above the mask fails to map.
func (d *Device) SetDMAMask(bits int) error {
	if bits < 32 || bits > 64 {
		return fmt.Errorf("unsupported DMA mask of %d bits", bits)
	}
	d.host.SetMask(bits)
	return nil
}

// RequestRegions takes an exclusive lock on the BAR0 resource file, so two
// drivers can not program the same device.
func (d *Device) RequestRegions(owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimFd >= 0 {
		return ErrRegionsBusy
	}

	p := filepath.Join(d.dir, "resource0")
	fd, err := unix.Open(p, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrRegionsBusy
		}
		return fmt.Errorf("locking %s: %w", p, err)
	}
	d.claimFd = fd
	d.l.WithField("owner", owner).Debug("Claimed device regions")
	return nil
}

func (d *Device) ReleaseRegions() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimFd < 0 {
		return errors.New("regions not claimed")
	}
	fd := d.claimFd
	d.claimFd = -1
	return errors.Join(unix.Flock(fd, unix.LOCK_UN), unix.Close(fd))
}

// SetMaster enables memory decoding and bus mastering and lets the
// function raise INTx.
func (d *Device) SetMaster() error {
	p := filepath.Join(d.dir, "config")
	fd, err := unix.Open(p, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	defer unix.Close(fd)

	var b [2]byte
	if _, err := unix.Pread(fd, b[:], configCommand); err != nil {
		return fmt.Errorf("reading command register: %w", err)
	}
	cmd := binary.LittleEndian.Uint16(b[:])
	cmd |= commandMemory | commandBusMaster
	cmd &^= commandINTxDisable
	binary.LittleEndian.PutUint16(b[:], cmd)
	if _, err := unix.Pwrite(fd, b[:], configCommand); err != nil {
		return fmt.Errorf("writing command register: %w", err)
	}
	return nil
}

func (d *Device) MapBAR(bar int) (e1000.RegisterWindow, error) {
	p := filepath.Join(d.dir, "resource"+strconv.Itoa(bar))
	size := d.barSize
	if size == 0 {
		var st unix.Stat_t
		if err := unix.Stat(p, &st); err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		size = int(st.Size)
	}
	m, err := regs.MapResource(p, size)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Device) IRQ() e1000.IRQLine { return d.irq }

func (d *Device) DMA() dma.Host { return d.host }
