// Package arena provides fixed-size memory blocks sliced out of a single region that is
// allocated once, outside of the Go heap where the platform allows it.
package arena

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var ErrInvalidSize = errors.New("invalid arena size")

// Arena is a contiguous memory region divided into blocks of equal size.
// Blocks are handed out by index; an Arena does no bookkeeping of which blocks are in use.
type Arena struct {
	mem       []byte
	blockSize int
	blocks    int
	mapped    bool // mem was obtained from mapRegion and must be unmapped.
}

// New allocates a region of blocks*blockSize bytes.
// A zero block count yields an empty arena whatever the block size.
func New(blockSize, blocks int) (*Arena, error) {
	if blocks < 0 {
		return nil, fmt.Errorf("%w: %d blocks of %d bytes", ErrInvalidSize, blocks, blockSize)
	}
	if blocks == 0 {
		return &Arena{blockSize: max(blockSize, 0)}, nil
	}
	if blockSize <= 0 || blockSize > math.MaxInt/blocks {
		return nil, fmt.Errorf("%w: %d blocks of %d bytes", ErrInvalidSize, blocks, blockSize)
	}
	a := &Arena{blockSize: blockSize, blocks: blocks}

	mem, mapped, err := mapRegion(blockSize * blocks)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate %d blocks of %d bytes: %w", blocks, blockSize, err)
	}
	a.mem = mem
	a.mapped = mapped
	return a, nil
}

// BlockSize returns the size of each block in bytes.
func (a *Arena) BlockSize() int {
	return a.blockSize
}

// Len returns the number of blocks in the arena.
func (a *Arena) Len() int {
	return a.blocks
}

// Block returns the i-th block. The returned slice has its capacity capped at the block
// size so it cannot be grown into the next block.
func (a *Arena) Block(i int) []byte {
	if i < 0 || i >= a.blocks {
		panic(fmt.Sprintf("arena block index %d out of range [0, %d)", i, a.blocks))
	}
	off := i * a.blockSize
	return a.mem[off : off+a.blockSize : off+a.blockSize]
}

// Index returns the index of the block b starts in, or -1 if b does not point into the
// arena.
func (a *Arena) Index(b []byte) int {
	if len(a.mem) == 0 || cap(b) == 0 {
		return -1
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if addr < base || addr >= base+uintptr(len(a.mem)) {
		return -1
	}
	return int(addr-base) / a.blockSize
}

// Close releases the region. Blocks must not be used after Close.
func (a *Arena) Close() error {
	mem := a.mem
	a.mem = nil
	a.blocks = 0
	if mem == nil || !a.mapped {
		return nil
	}
	return unmapRegion(mem)
}
