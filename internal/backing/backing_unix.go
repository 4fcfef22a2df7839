//go:build unix

package backing

import (
	"errors"

	"golang.org/x/sys/unix"
)

// HostPageSize returns the host's page size.
func HostPageSize() uintptr { return uintptr(unix.Getpagesize()) }

func reserve(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	release := func() error {
		err := unix.Munmap(data)
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, release, nil
}
