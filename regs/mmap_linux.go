//go:build linux

package regs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapResource maps size bytes of a PCI BAR resource file, typically
// /sys/bus/pci/devices/<addr>/resource0, as a shared register window.
func MapResource(path string, size int) (*MMIO, error) {
	if size < RDT+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrWindowTooSmall, size)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q: %w", path, err)
	}
	return &MMIO{mem: mem, unmap: unix.Munmap}, nil
}
