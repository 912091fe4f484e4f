//go:build unix

package arena

import "golang.org/x/sys/unix"

// mapRegion maps anonymous private memory that is not part of the Go heap, so the GC
// never scans or moves the blocks.
func mapRegion(size int) ([]byte, bool, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, false, err
	}
	return mem, true, nil
}

func unmapRegion(mem []byte) error {
	return unix.Munmap(mem)
}
