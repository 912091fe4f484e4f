package txgate

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
	"github.com/holmberd/go-pktmem"
)

var ErrBacklogFull = errors.New("transmit backlog is full")

// Backlog is a bounded FIFO of transmit packets deferred while transmit is paused.
// It is safe for concurrent use.
type Backlog struct {
	mu    sync.Mutex
	q     *queue.Queue
	limit int
}

// NewBacklog returns a backlog holding at most limit packets. A limit <= 0 means unbounded.
func NewBacklog(limit int) *Backlog {
	return &Backlog{q: queue.New(), limit: limit}
}

// Push appends p. It returns ErrBacklogFull if the backlog is at its limit, in which case
// the caller still owns p.
func (b *Backlog) Push(p *pktmem.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.q.Length() >= b.limit {
		return ErrBacklogFull
	}
	b.q.Add(p)
	return nil
}

// Pop removes and returns the oldest packet, or nil if the backlog is empty.
func (b *Backlog) Pop() *pktmem.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Length() == 0 {
		return nil
	}
	return b.q.Remove().(*pktmem.Packet)
}

func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

// Drain hands packets to send in FIFO order until the backlog is empty or send fails.
// A packet is removed only once send accepted it, so on error the failed packet stays at
// the front. It returns the number of packets sent.
//
// send is called without the backlog lock held and may push to the backlog. Drain must
// not run concurrently with itself.
func (b *Backlog) Drain(send func(p *pktmem.Packet) error) (int, error) {
	var sent int
	for {
		b.mu.Lock()
		if b.q.Length() == 0 {
			b.mu.Unlock()
			return sent, nil
		}
		p := b.q.Peek().(*pktmem.Packet)
		b.mu.Unlock()

		if err := send(p); err != nil {
			return sent, err
		}

		b.mu.Lock()
		if b.q.Length() > 0 && b.q.Peek() == p {
			b.q.Remove()
		}
		b.mu.Unlock()
		sent++
	}
}

// Clear releases every packet in the backlog.
func (b *Backlog) Clear() {
	b.mu.Lock()
	packets := make([]*pktmem.Packet, 0, b.q.Length())
	for b.q.Length() > 0 {
		packets = append(packets, b.q.Remove().(*pktmem.Packet))
	}
	b.mu.Unlock()

	for _, p := range packets {
		pktmem.Release(p)
	}
}
