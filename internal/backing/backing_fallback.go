//go:build !unix

package backing

import "os"

// HostPageSize returns the host's page size.
func HostPageSize() uintptr { return uintptr(os.Getpagesize()) }

// reserve uses the Go heap when anonymous mmap is not available.
func reserve(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
