package packet

// Releaser returns a packet to the allocator it came from.
//
// Free is called exactly once per allocation, by Release, after the packet has been
// marked released. Implementations must be safe to call from any goroutine.
type Releaser interface {
	Free(p *Packet)
}

// ReleaserFunc adapts a function to the Releaser interface.
type ReleaserFunc func(p *Packet)

// Free calls f(p).
func (f ReleaserFunc) Free(p *Packet) {
	f(p)
}

// heapReleaser frees packets allocated with AllocOnHeap; the memory is left to the GC.
type heapReleaser struct{}

func (heapReleaser) Free(p *Packet) {
	p.buf = nil
	p.meta = nil
	p.block = nil
}

// Release hands p back to its owner. A nil p is a no-op.
//
// Release panics with ErrDoubleRelease if p was already released, and with
// ErrContractViolation if p has no owner. After Release returns the caller must not
// touch p again.
func Release(p *Packet) {
	if p == nil {
		return
	}
	if p.released || !p.headerLive() {
		panic(ErrDoubleRelease)
	}
	owner := p.owner
	if owner == nil {
		violated("release of packet without owner")
	}
	p.markReleased()
	p.owner = nil
	p.next = nil
	owner.Free(p)
}

// Released reports whether p has been released and not reallocated since.
func (p *Packet) Released() bool {
	return p.released || !p.headerLive()
}
