package pktmem

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/holmberd/go-pktmem/internal/arena"
	"github.com/holmberd/go-pktmem/internal/packet"
)

const poisonByte = 0xa5

// blockList is a pool of fixed-size blocks sliced from one arena. Each block has a
// preallocated descriptor, and free descriptors are kept on an intrusive list.
//
// The mutex only guards free-list mutation. Carving a block and poisoning it happen
// outside the critical section.
type blockList struct {
	name   string
	logger *slog.Logger
	arena  *arena.Arena
	descs  []packet.Packet

	mu   sync.Mutex
	free packet.List

	// Transmit flow control, nil for lists that do not drive it.
	gate      *flowGate
	pauseAt   int // Pause when free length <= pauseAt.
	resumeAt  int // Resume when free length >= resumeAt.
	poison    bool
	poisonSum uint64 // xxhash of a poisoned block body.

	allocs      atomic.Uint64
	failures    atomic.Uint64
	corruptions atomic.Uint64
}

func newBlockList(name string, blocks, blockSize int, poison bool, logger *slog.Logger) (*blockList, error) {
	a, err := arena.New(blockSize, blocks)
	if err != nil {
		return nil, fmt.Errorf("%s pool: %w", name, err)
	}
	l := &blockList{
		name:   name,
		logger: logger,
		arena:  a,
		descs:  make([]packet.Packet, blocks),
		poison: poison,
	}
	if poison {
		pattern := make([]byte, max(blockSize-packet.HeaderSize, 0))
		fillPoison(pattern)
		l.poisonSum = xxhash.Sum64(pattern)
	}
	for i := range l.descs {
		p := &l.descs[i]
		p.Init(a.Block(i), 0, l)
		if poison {
			fillPoison(poisonBody(a.Block(i)))
		}
		l.free.Append(p)
	}
	return l, nil
}

// poisonBody returns the part of a block that is poisoned while it is free. The header
// is left intact so the release state and generation survive.
func poisonBody(block []byte) []byte {
	if len(block) < packet.HeaderSize {
		return block
	}
	return block[packet.HeaderSize:]
}

func fillPoison(b []byte) {
	for i := range b {
		b[i] = poisonByte
	}
}

// blockOf returns the full backing block of a descriptor owned by l.
func (l *blockList) blockOf(p *packet.Packet) []byte {
	return l.arena.Block(l.index(p))
}

// index returns the position of p in descs.
func (l *blockList) index(p *packet.Packet) int {
	if len(l.descs) > 0 {
		base := uintptr(unsafe.Pointer(&l.descs[0]))
		addr := uintptr(unsafe.Pointer(p))
		size := unsafe.Sizeof(l.descs[0])
		if addr >= base && (addr-base)%size == 0 && (addr-base)/size < uintptr(len(l.descs)) {
			return int((addr - base) / size)
		}
	}
	panic(fmt.Errorf("%w: packet does not belong to the %s pool", ErrContractViolation, l.name))
}

func (l *blockList) capacity() int {
	return len(l.descs)
}

func (l *blockList) freeLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.free.Len()
}

// get takes a block off the free list and carves the requested layout into it, counting
// a failure if it cannot.
func (l *blockList) get(headroom, tailroom, metaLen int) (*packet.Packet, error) {
	p, err := l.tryGet(headroom, tailroom, metaLen)
	if err != nil {
		l.failures.Add(1)
	}
	return p, err
}

// tryGet is get without failure accounting, for callers that fall back to another list.
// If the layout does not fit, the block is returned to the free list before the error is.
func (l *blockList) tryGet(headroom, tailroom, metaLen int) (*packet.Packet, error) {
	l.mu.Lock()
	p := l.free.Dequeue()
	l.mu.Unlock()

	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrExhausted, l.name)
	}

	block := l.blockOf(p)
	if l.poison {
		l.verifyPoison(block)
	}
	if err := packet.Carve(p, block, headroom, tailroom, metaLen, l); err != nil {
		l.mu.Lock()
		l.free.Append(p)
		l.mu.Unlock()
		return nil, err
	}
	l.allocs.Add(1)
	return p, nil
}

// verifyPoison checks that nothing wrote to block while it was free.
func (l *blockList) verifyPoison(block []byte) {
	body := poisonBody(block)
	if xxhash.Sum64(body) == l.poisonSum {
		return
	}
	l.corruptions.Add(1)
	l.logger.Error(
		"Write to released packet detected",
		"pool", l.name,
		"block", l.arena.Index(block),
	)
	fillPoison(body)
}

// Free implements packet.Releaser.
func (l *blockList) Free(p *packet.Packet) {
	block := l.blockOf(p)
	if l.poison {
		fillPoison(poisonBody(block))
	}

	l.mu.Lock()
	l.free.Append(p)
	resumed := l.gate != nil && l.free.Len() >= l.resumeAt && l.gate.resume()
	l.mu.Unlock()

	if resumed {
		l.gate.dispatch()
	}
}

// updatePause pauses transmit if the free list is at or below the pause watermark.
func (l *blockList) updatePause() {
	l.mu.Lock()
	paused := l.free.Len() <= l.pauseAt && l.gate.pause()
	l.mu.Unlock()

	if paused {
		l.gate.dispatch()
	}
}

func (l *blockList) stats() ClassStats {
	return ClassStats{
		Capacity: l.capacity(),
		InUse:    l.capacity() - l.freeLen(),
		Allocs:   l.allocs.Load(),
		Failures: l.failures.Load(),
	}
}

// outstanding returns the number of blocks not on the free list.
func (l *blockList) outstanding() int {
	return l.capacity() - l.freeLen()
}

// close unmaps the arena if every block is free. Blocks still held by packets stay
// mapped so late releases and accesses remain valid.
func (l *blockList) close() {
	if l.outstanding() != 0 {
		return
	}
	if err := l.arena.Close(); err != nil {
		l.logger.Error("Failed to unmap packet pool", "pool", l.name, "error", err)
	}
}
