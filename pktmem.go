// Package pktmem implements bounded packet memory for a wireless transmit and receive
// data path.
//
// An Allocator hands out zero-copy packet buffers for transmission and reception and
// never blocks: an allocation either succeeds immediately or fails with ErrExhausted.
// Transmit pressure is signalled to the producer through an edge-triggered flow-control
// callback that alternates strictly between FlowPaused and FlowReady.
//
// Two strategies are provided: StaticPool slices preallocated regions into fixed-size
// blocks, HeapPool sizes every packet exactly and bounds the number of live packets with
// atomic counters.
package pktmem

import (
	"errors"
	"fmt"

	"github.com/holmberd/go-pktmem/internal/packet"
)

type (
	// Packet is a packet buffer descriptor. See the methods for the window operations.
	Packet = packet.Packet
	// List is an intrusive FIFO of packets.
	List = packet.List
	// Releaser returns a packet to its allocator.
	Releaser = packet.Releaser
	// ReleaserFunc adapts a function to the Releaser interface.
	ReleaserFunc = packet.ReleaserFunc
)

var (
	ErrExhausted         = errors.New("packet pool exhausted")
	ErrClosed            = errors.New("packet pool is closed")
	ErrInvalidClass      = errors.New("invalid packet class")
	ErrLeak              = errors.New("potential memory leak")
	ErrLayoutTooLarge    = packet.ErrLayoutTooLarge
	ErrInvalidLayout     = packet.ErrInvalidLayout
	ErrContractViolation = packet.ErrContractViolation
	ErrDoubleRelease     = packet.ErrDoubleRelease
	ErrListCorrupted     = packet.ErrListCorrupted
)

// HeaderSize is the per-packet block header that precedes the data region.
const HeaderSize = packet.HeaderSize

// Alignment is the alignment of the data and metadata regions. Static block sizes
// must be a multiple of it.
const Alignment = packet.Alignment

// Release returns p to the allocator it came from. A nil p is a no-op.
// It panics if p was already released.
func Release(p *Packet) {
	packet.Release(p)
}

// AllocOnHeap allocates an unbounded packet on the Go heap.
func AllocOnHeap(headroom, tailroom, metaLen int) *Packet {
	return packet.AllocOnHeap(headroom, tailroom, metaLen)
}

// LayoutSize returns the number of block bytes a packet with the given layout needs.
// Static block sizes must be at least the largest layout any producer requests.
func LayoutSize(headroom, tailroom, metaLen int) int {
	return packet.LayoutSize(headroom, tailroom, metaLen)
}

// Class is the class of a transmit packet.
type Class uint8

const (
	ClassDataTID0 Class = iota
	ClassDataTID1
	ClassDataTID2
	ClassDataTID3
	ClassDataTID4
	ClassDataTID5
	ClassDataTID6
	ClassDataTID7
	ClassManagement // 802.11 management and other important frames.
	ClassCommand    // Commands from the driver to the chip.
)

func (c Class) String() string {
	switch {
	case c <= ClassDataTID7:
		return fmt.Sprintf("dataTID%d", c)
	case c == ClassManagement:
		return "management"
	case c == ClassCommand:
		return "command"
	default:
		return fmt.Sprintf("Class(%d)", c)
	}
}

func (c Class) valid() bool {
	return c <= ClassCommand
}

// FlowState is the state of the transmit data path.
type FlowState int

const (
	FlowReady  FlowState = iota // Transmit data path accepts packets.
	FlowPaused                  // Transmit data path is paused.
)

func (s FlowState) String() string {
	switch s {
	case FlowReady:
		return "ready"
	case FlowPaused:
		return "paused"
	default:
		return fmt.Sprintf("FlowState(%d)", s)
	}
}

// FlowControlFunc is called when the transmit pool crosses a watermark.
// Successive calls for one allocator alternate between FlowPaused and FlowReady, and
// calls never overlap. It may be called from any goroutine that allocates or releases,
// so it should return quickly.
type FlowControlFunc func(state FlowState)

// Allocator supplies packets for the transmit and receive paths.
type Allocator interface {
	// AllocForTx allocates a transmit packet with the given headroom, tailroom and
	// metadata length. Command packets are served from a reserved pool first.
	AllocForTx(class Class, headroom, tailroom, metaLen int) (*Packet, error)

	// AllocForRx allocates a receive packet with capacity bytes of tailroom.
	AllocForRx(capacity, metaLen int) (*Packet, error)

	// Stats returns a snapshot of the allocator statistics.
	Stats() Stats

	// Close waits a bounded time for outstanding packets to be released, reports any
	// that remain and disables further allocation.
	Close() error
}

// New creates an allocator using the strategy selected in config.
func New(config Config) (Allocator, error) {
	switch config.Strategy {
	case StrategyStatic:
		return NewStaticPool(config)
	case StrategyHeap:
		return NewHeapPool(config)
	default:
		return nil, fmt.Errorf("invalid config: unknown strategy %v", config.Strategy)
	}
}
