//go:build linux

package mem

import "golang.org/x/sys/unix"

// reserveRAM requests an anonymous, private, readable and writable mapping.
// The kernel zero-fills the pages on first access.
func reserveRAM(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, err
	}

	return data, unix.Munmap, nil
}
