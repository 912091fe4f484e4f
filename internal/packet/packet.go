// Package packet implements the packet buffer descriptor used on the transmit and receive
// data paths, its release dispatch and an intrusive packet list.
//
// A packet describes one contiguous backing block laid out as:
//
//	+--------+----------+-------------+----------+----------+
//	| header | headroom | data window | tailroom | metadata |
//	+--------+----------+-------------+----------+----------+
//	         |<-------------- Cap() -------------->|
//
// The data window can grow into the headroom and tailroom without copying.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unsafe"
)

const (
	// HeaderSize is the size of the block header that precedes the data region.
	HeaderSize = 16
	// Alignment of the data and metadata regions, in bytes.
	Alignment = 4

	headerMagic         = 0x6b706d6d // "mmpk"
	headerStateLive     = 1
	headerStateReleased = 0xdeaddead
)

var (
	ErrLayoutTooLarge    = errors.New("packet layout does not fit in block")
	ErrInvalidLayout     = errors.New("packet layout is invalid")
	ErrContractViolation = errors.New("packet contract violation")
	ErrDoubleRelease     = errors.New("packet released more than once")
)

// violated panics with an error wrapping ErrContractViolation.
// Contract violations are caller bugs and are never recovered.
func violated(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...)))
}

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// maxLayout bounds headroom+tailroom+metaLen so the aligned total including the header
// fits in an int.
const maxLayout = math.MaxInt - HeaderSize - 2*(Alignment-1)

// CheckLayout returns the number of backing bytes Carve needs for the given layout.
// It returns an error wrapping ErrInvalidLayout for negative sizes and ErrLayoutTooLarge
// if the total does not fit in an int.
func CheckLayout(headroom, tailroom, metaLen int) (int, error) {
	if headroom < 0 || tailroom < 0 || metaLen < 0 {
		return 0, fmt.Errorf("%w: headroom=%d tailroom=%d metadata=%d", ErrInvalidLayout, headroom, tailroom, metaLen)
	}
	if headroom > maxLayout-tailroom || metaLen > maxLayout-(headroom+tailroom) {
		return 0, fmt.Errorf("%w: headroom=%d tailroom=%d metadata=%d overflows", ErrLayoutTooLarge, headroom, tailroom, metaLen)
	}
	return HeaderSize + AlignUp(headroom+tailroom) + AlignUp(metaLen), nil
}

// LayoutSize returns the number of backing bytes Carve needs for the given layout.
// It panics if CheckLayout rejects the layout.
func LayoutSize(headroom, tailroom, metaLen int) int {
	n, err := CheckLayout(headroom, tailroom, metaLen)
	if err != nil {
		panic(err)
	}
	return n
}

// Packet is a buffer descriptor for a single packet.
//
// A Packet is owned by exactly one goroutine at a time and is not safe for concurrent
// use. Ownership is handed off by passing the pointer; the last owner must call Release.
type Packet struct {
	block    []byte // Whole backing allocation, nil for packets set up with Init.
	buf      []byte // Data region (headroom + window + tailroom).
	start    int    // Offset of the data window within buf.
	length   int    // Length of the data window.
	headroom int    // Headroom at initialization, restored by Reset.
	meta     []byte
	owner    Releaser
	next     *Packet
	released bool
}

// Init initializes p over buf with the data window starting at headroom.
// The window is initially empty.
func (p *Packet) Init(buf []byte, headroom int, owner Releaser) {
	if headroom < 0 || headroom > len(buf) {
		violated("headroom %d outside buffer of %d bytes", headroom, len(buf))
	}
	*p = Packet{
		buf:      buf[:len(buf):len(buf)],
		start:    headroom,
		headroom: headroom,
		owner:    owner,
	}
}

// Carve lays out a packet over block: a header, a data region of
// AlignUp(headroom+tailroom) bytes with the window starting at headroom, and a zeroed
// metadata region of AlignUp(metaLen) bytes.
//
// It returns an error wrapping ErrLayoutTooLarge if the regions do not fit in block,
// in which case neither p nor block is modified.
func Carve(p *Packet, block []byte, headroom, tailroom, metaLen int, owner Releaser) error {
	need, err := CheckLayout(headroom, tailroom, metaLen)
	if err != nil {
		return err
	}
	dataLen := AlignUp(headroom + tailroom)
	metaSize := AlignUp(metaLen)
	if need > len(block) {
		return fmt.Errorf("%w: need %d bytes, block has %d", ErrLayoutTooLarge, need, len(block))
	}

	gen := uint64(1)
	if binary.LittleEndian.Uint32(block[0:4]) == headerMagic {
		gen = binary.LittleEndian.Uint64(block[8:16]) + 1
	}
	binary.LittleEndian.PutUint32(block[0:4], headerMagic)
	binary.LittleEndian.PutUint32(block[4:8], headerStateLive)
	binary.LittleEndian.PutUint64(block[8:16], gen)

	end := HeaderSize + dataLen
	p.Init(block[HeaderSize:end:end], headroom, owner)
	p.block = block
	if metaSize > 0 {
		p.meta = block[end : end+metaSize : end+metaSize]
		clear(p.meta)
	}
	return nil
}

// headerLive reports whether the block header marks the packet as live.
// Packets without a block have no header and are always considered live.
func (p *Packet) headerLive() bool {
	if p.block == nil {
		return true
	}
	return binary.LittleEndian.Uint32(p.block[0:4]) == headerMagic &&
		binary.LittleEndian.Uint32(p.block[4:8]) == headerStateLive
}

func (p *Packet) markReleased() {
	p.released = true
	if p.block != nil {
		binary.LittleEndian.PutUint32(p.block[4:8], headerStateReleased)
	}
}

// Generation returns the number of times the backing block has been carved.
// It is zero for packets without a block header.
func (p *Packet) Generation() uint64 {
	if p.block == nil || binary.LittleEndian.Uint32(p.block[0:4]) != headerMagic {
		return 0
	}
	return binary.LittleEndian.Uint64(p.block[8:16])
}

// Block returns the whole backing allocation, header and metadata included.
// It is intended for allocators returning the block to their free lists.
func (p *Packet) Block() []byte {
	return p.block
}

// Data returns the current data window. The slice aliases the packet memory.
func (p *Packet) Data() []byte {
	return p.buf[p.start : p.start+p.length : p.start+p.length]
}

// Len returns the length of the data window.
func (p *Packet) Len() int {
	return p.length
}

// Cap returns the total length of the data region.
func (p *Packet) Cap() int {
	return len(p.buf)
}

// Offset returns the offset of the data window within the data region.
func (p *Packet) Offset() int {
	return p.start
}

// Headroom returns the space available for Prepend.
func (p *Packet) Headroom() int {
	return p.start
}

// Tailroom returns the space available for Append.
func (p *Packet) Tailroom() int {
	return len(p.buf) - (p.start + p.length)
}

// Metadata returns the opaque per-packet metadata region, or nil if none was reserved.
func (p *Packet) Metadata() []byte {
	return p.meta
}

// Next returns the packet following p in a List.
func (p *Packet) Next() *Packet {
	return p.next
}

// Prepend grows the window by n bytes at the start and returns the new space.
// It panics if n exceeds Headroom.
func (p *Packet) Prepend(n int) []byte {
	if n < 0 || n > p.Headroom() {
		violated("prepend %d bytes with %d bytes of headroom", n, p.Headroom())
	}
	p.start -= n
	p.length += n
	return p.buf[p.start : p.start+n : p.start+n]
}

// PrependData copies data in front of the window. It panics if data exceeds Headroom.
func (p *Packet) PrependData(data []byte) {
	copy(p.Prepend(len(data)), data)
}

// Append grows the window by n bytes at the end and returns the new space.
// It panics if n exceeds Tailroom.
func (p *Packet) Append(n int) []byte {
	if n < 0 || n > p.Tailroom() {
		violated("append %d bytes with %d bytes of tailroom", n, p.Tailroom())
	}
	end := p.start + p.length
	p.length += n
	return p.buf[end : end+n : end+n]
}

// AppendData copies data after the window. It panics if data exceeds Tailroom.
func (p *Packet) AppendData(data []byte) {
	copy(p.Append(len(data)), data)
}

// RemoveFromStart shrinks the window by n bytes at the start and returns the removed span.
// It returns nil if n exceeds Len.
func (p *Packet) RemoveFromStart(n int) []byte {
	if n < 0 || n > p.length {
		return nil
	}
	removed := p.buf[p.start : p.start+n : p.start+n]
	p.start += n
	p.length -= n
	return removed
}

// RemoveFromEnd shrinks the window by n bytes at the end and returns the removed span.
// It returns nil if n exceeds Len.
func (p *Packet) RemoveFromEnd(n int) []byte {
	if n < 0 || n > p.length {
		return nil
	}
	end := p.start + p.length
	p.length -= n
	return p.buf[end-n : end : end]
}

// Truncate sets the window length to n. It panics if n exceeds Len.
func (p *Packet) Truncate(n int) {
	if n < 0 || n > p.length {
		violated("truncate to %d bytes with %d bytes of data", n, p.length)
	}
	p.length = n
}

// Reset empties the window and restores the headroom the packet was initialized with.
func (p *Packet) Reset() {
	p.start = p.headroom
	p.length = 0
}

// ContainsPointer reports whether ptr points into the data region of p.
func (p *Packet) ContainsPointer(ptr unsafe.Pointer) bool {
	if len(p.buf) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(p.buf)))
	addr := uintptr(ptr)
	return addr >= base && addr < base+uintptr(len(p.buf))
}

// Contains reports whether the first byte of b lies within the data region of p.
// It is used to validate slices handed back by lower layers.
func (p *Packet) Contains(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return p.ContainsPointer(unsafe.Pointer(unsafe.SliceData(b)))
}

// WriteTo writes the data window to w.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.Data())
	return int64(n), err
}

// Bytes returns a copy of the data window.
func (p *Packet) Bytes() []byte {
	return append([]byte(nil), p.Data()...)
}

// Clone returns a deep copy of p on the Go heap, preserving the window position and
// metadata. The copy is released like any other packet.
func (p *Packet) Clone() *Packet {
	c := AllocOnHeap(0, len(p.buf), len(p.meta))
	c.start = p.start
	c.length = p.length
	c.headroom = p.headroom
	copy(c.buf, p.buf)
	copy(c.meta, p.meta)
	return c
}

// AllocOnHeap allocates a packet on the Go heap with the given layout.
// Heap packets are unbounded; allocators that need limits track them separately.
// It panics if CheckLayout rejects the layout.
func AllocOnHeap(headroom, tailroom, metaLen int) *Packet {
	p := &Packet{}
	block := make([]byte, LayoutSize(headroom, tailroom, metaLen))
	if err := Carve(p, block, headroom, tailroom, metaLen, heapReleaser{}); err != nil {
		panic(err)
	}
	return p
}
