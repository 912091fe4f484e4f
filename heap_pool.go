package pktmem

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/holmberd/go-pktmem/internal/packet"
	"golang.org/x/sys/cpu"
)

// HeapPool is an Allocator that sizes every transmit data and receive packet exactly
// to the requested layout on the Go heap, and bounds the number of live packets with
// atomic counters. Command packets are served from a small static pool first.
//
// The allocation and release paths use atomics only and never block.
type HeapPool struct {
	config      Config
	logger      *slog.Logger
	pauseAbove  int64
	resumeBelow int64

	command *blockList

	_           cpu.CacheLinePad
	txAllocated atomic.Int64
	_           cpu.CacheLinePad
	rxAllocated atomic.Int64
	_           cpu.CacheLinePad

	txAllocs   atomic.Uint64
	txFailures atomic.Uint64
	rxAllocs   atomic.Uint64
	rxFailures atomic.Uint64

	gate   flowGate
	closed atomic.Bool
}

var _ Allocator = (*HeapPool)(nil)

// heapTxOwner and heapRxOwner are the release paths of heap packets. They share the
// HeapPool memory layout so converting a *HeapPool to a Releaser does not allocate.
type (
	heapTxOwner HeapPool
	heapRxOwner HeapPool
)

// NewHeapPool creates a heap pool from config.Heap.
func NewHeapPool(config Config) (*HeapPool, error) {
	config.Strategy = StrategyHeap
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := config.Heap
	h := &HeapPool{
		config:      config,
		logger:      config.logger(),
		pauseAbove:  int64(c.PauseAbove),
		resumeBelow: int64(c.ResumeBelow),
	}
	h.gate.init(config.OnFlowControl, h.logger)

	var err error
	if h.command, err = newBlockList("tx command", c.CommandBlocks, c.CommandBlockSize, false, h.logger); err != nil {
		return nil, err
	}
	return h, nil
}

// checkLayout returns the block size for the layout, or an error if the layout is
// invalid or larger than MaxPacketSize. It runs before any counter is touched.
func (h *HeapPool) checkLayout(headroom, tailroom, metaLen int) (int, error) {
	size, err := packet.CheckLayout(headroom, tailroom, metaLen)
	if err != nil {
		return 0, err
	}
	if size > h.config.Heap.MaxPacketSize {
		return 0, fmt.Errorf("%w: need %d bytes, limit is %d", ErrLayoutTooLarge, size, h.config.Heap.MaxPacketSize)
	}
	return size, nil
}

// alloc allocates size bytes of backing memory and carves the layout into it.
func alloc(size, headroom, tailroom, metaLen int, owner packet.Releaser) *Packet {
	p := &Packet{}
	if err := packet.Carve(p, make([]byte, size), headroom, tailroom, metaLen, owner); err != nil {
		panic(err) // The layout was checked against size.
	}
	return p
}

// AllocForTx allocates a transmit packet. Command packets are taken from the reserved
// command pool first and fall back to the transmit data path.
func (h *HeapPool) AllocForTx(class Class, headroom, tailroom, metaLen int) (*Packet, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if !class.valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClass, class)
	}
	if class == ClassCommand {
		if p, err := h.command.tryGet(headroom, tailroom, metaLen); err == nil {
			return p, nil
		}
	}

	size, err := h.checkLayout(headroom, tailroom, metaLen)
	if err != nil {
		h.txFailures.Add(1)
		return nil, err
	}
	n := h.txAllocated.Add(1)
	if n > int64(h.config.Heap.TxMax) {
		// Maximum allocations reached. Undo the increment.
		h.txAllocated.Add(-1)
		h.txFailures.Add(1)
		return nil, fmt.Errorf("%w: tx data", ErrExhausted)
	}
	p := alloc(size, headroom, tailroom, metaLen, (*heapTxOwner)(h))
	h.txAllocs.Add(1)
	h.settle(n)
	return p, nil
}

// AllocForRx allocates a receive packet with capacity bytes of tailroom.
func (h *HeapPool) AllocForRx(capacity, metaLen int) (*Packet, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	size, err := h.checkLayout(0, capacity, metaLen)
	if err != nil {
		h.rxFailures.Add(1)
		return nil, err
	}
	if n := h.rxAllocated.Add(1); n > int64(h.config.Heap.RxMax) {
		h.rxAllocated.Add(-1)
		h.rxFailures.Add(1)
		return nil, fmt.Errorf("%w: rx", ErrExhausted)
	}
	p := alloc(size, 0, capacity, metaLen, (*heapRxOwner)(h))
	h.rxAllocs.Add(1)
	return p, nil
}

// settle brings the paused flag in line with the transmit allocation count n. After a
// transition it re-reads the counter, so a pause that raced with the releases that should
// end it cannot leave transmit paused with nothing outstanding.
func (h *HeapPool) settle(n int64) {
	changed := false
	for {
		switch {
		case n > h.pauseAbove && h.gate.pause():
		case n < h.resumeBelow && h.gate.resume():
		default:
			if changed {
				h.gate.dispatch()
			}
			return
		}
		changed = true
		n = h.txAllocated.Load()
	}
}

// Free implements packet.Releaser for transmit data packets.
func (o *heapTxOwner) Free(p *Packet) {
	h := (*HeapPool)(o)
	n := h.txAllocated.Add(-1)
	if n < 0 {
		panic(fmt.Errorf("%w: tx data allocation count below zero", ErrContractViolation))
	}
	h.settle(n)
}

// Free implements packet.Releaser for receive packets.
func (o *heapRxOwner) Free(p *Packet) {
	h := (*HeapPool)(o)
	if h.rxAllocated.Add(-1) < 0 {
		panic(fmt.Errorf("%w: rx allocation count below zero", ErrContractViolation))
	}
}

// Paused reports whether transmit is currently paused.
func (h *HeapPool) Paused() bool {
	return h.gate.isPaused()
}

func (h *HeapPool) Stats() Stats {
	return Stats{
		Command: h.command.stats(),
		TxData: ClassStats{
			Capacity: h.config.Heap.TxMax,
			InUse:    int(h.txAllocated.Load()),
			Allocs:   h.txAllocs.Load(),
			Failures: h.txFailures.Load(),
		},
		Rx: ClassStats{
			Capacity: h.config.Heap.RxMax,
			InUse:    int(h.rxAllocated.Load()),
			Allocs:   h.rxAllocs.Load(),
			Failures: h.rxFailures.Load(),
		},
		Paused:  h.gate.isPaused(),
		Pauses:  h.gate.pauses.Load(),
		Resumes: h.gate.resumes.Load(),
	}
}

// Close disables allocation, waits a bounded time for outstanding packets and reports
// those still outstanding as a *LeakError. The flow-control callback is unregistered.
func (h *HeapPool) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := awaitRelease(h.config, h.logger, func() []ClassLeak {
		var leaks []ClassLeak
		if n := h.command.outstanding(); n > 0 {
			leaks = append(leaks, ClassLeak{Pool: h.command.name, Outstanding: n})
		}
		if n := h.txAllocated.Load(); n > 0 {
			leaks = append(leaks, ClassLeak{Pool: "tx data", Outstanding: int(n)})
		}
		if n := h.rxAllocated.Load(); n > 0 {
			leaks = append(leaks, ClassLeak{Pool: "rx", Outstanding: int(n)})
		}
		return leaks
	})
	h.gate.setCallback(nil)
	h.command.close()
	return err
}
