package packet

import (
	"errors"
	"testing"
)

// newTestPackets returns n heap packets whose first data byte identifies them.
func newTestPackets(t *testing.T, n int) []*Packet {
	t.Helper()
	pkts := make([]*Packet, n)
	for i := range pkts {
		pkts[i] = AllocOnHeap(0, 4, 0)
		pkts[i].AppendData([]byte{byte(i)})
	}
	return pkts
}

// assertOrder asserts that l contains exactly want, in order, and is consistent.
func assertOrder(t *testing.T, l *List, want ...*Packet) {
	t.Helper()
	if err := l.Check(); err != nil {
		t.Fatal(err)
	}
	if l.Len() != len(want) {
		t.Fatalf("expected length %d, got %d", len(want), l.Len())
	}
	i := 0
	for p := range l.All() {
		if p != want[i] {
			t.Fatalf("expected packet %d at position %d, got packet %d", want[i].Data()[0], i, p.Data()[0])
		}
		i++
	}
}

func TestList(t *testing.T) {
	t.Run("Empty list", func(t *testing.T) {
		var l List
		if !l.IsEmpty() || l.Len() != 0 || l.Peek() != nil || l.PeekTail() != nil {
			t.Fatal("expected zero value to be an empty list")
		}
		if l.Dequeue() != nil || l.DequeueTail() != nil || l.DequeueAll() != nil {
			t.Fatal("expected dequeue on empty list to return nil")
		}
		assertOrder(t, &l)
	})

	t.Run("Append and prepend", func(t *testing.T) {
		p := newTestPackets(t, 3)
		var l List
		l.Append(p[1])
		l.Append(p[2])
		l.Prepend(p[0])
		assertOrder(t, &l, p[0], p[1], p[2])
		if l.Peek() != p[0] || l.PeekTail() != p[2] {
			t.Error("expected head and tail to be the first and last packets")
		}
	})

	t.Run("Prepend to empty list sets tail", func(t *testing.T) {
		p := newTestPackets(t, 1)
		var l List
		l.Prepend(p[0])
		if l.PeekTail() != p[0] {
			t.Error("expected tail to be set")
		}
		assertOrder(t, &l, p[0])
	})

	t.Run("Dequeue from head and tail", func(t *testing.T) {
		p := newTestPackets(t, 3)
		var l List
		for _, pkt := range p {
			l.Append(pkt)
		}
		if got := l.Dequeue(); got != p[0] || got.Next() != nil {
			t.Fatal("expected head with cleared link")
		}
		if got := l.DequeueTail(); got != p[2] {
			t.Fatal("expected tail")
		}
		assertOrder(t, &l, p[1])
		l.Dequeue()
		assertOrder(t, &l)
	})

	t.Run("Remove", func(t *testing.T) {
		testCases := []struct {
			name   string
			remove int
			want   []int
		}{
			{"Head", 0, []int{1, 2, 3}},
			{"Middle", 2, []int{0, 1, 3}},
			{"Tail", 3, []int{0, 1, 2}},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				p := newTestPackets(t, 4)
				var l List
				for _, pkt := range p {
					l.Append(pkt)
				}
				if !l.Remove(p[tc.remove]) {
					t.Fatal("expected remove to succeed")
				}
				want := make([]*Packet, len(tc.want))
				for i, idx := range tc.want {
					want[i] = p[idx]
				}
				assertOrder(t, &l, want...)
			})
		}
	})

	t.Run("Remove reports absent packet", func(t *testing.T) {
		p := newTestPackets(t, 3)
		var l List
		if l.Remove(p[0]) {
			t.Fatal("expected remove from empty list to fail")
		}
		l.Append(p[0])
		l.Append(p[1])
		if l.Remove(p[2]) || l.Remove(nil) {
			t.Fatal("expected remove of absent packet to fail")
		}
		assertOrder(t, &l, p[0], p[1])
	})

	t.Run("Dequeue all detaches the chain", func(t *testing.T) {
		p := newTestPackets(t, 3)
		var l List
		for _, pkt := range p {
			l.Append(pkt)
		}
		head := l.DequeueAll()
		assertOrder(t, &l)
		n := 0
		for walk := head; walk != nil; walk = walk.Next() {
			if walk != p[n] {
				t.Fatalf("expected packet %d in detached chain", n)
			}
			n++
		}
		if n != 3 {
			t.Fatalf("expected 3 packets in detached chain, got %d", n)
		}
	})

	t.Run("Iteration tolerates removal of the visited packet", func(t *testing.T) {
		p := newTestPackets(t, 4)
		var l List
		for _, pkt := range p {
			l.Append(pkt)
		}
		for pkt := range l.All() {
			if pkt.Data()[0]%2 == 0 {
				l.Remove(pkt)
			}
		}
		assertOrder(t, &l, p[1], p[3])
	})

	t.Run("Clear releases every packet", func(t *testing.T) {
		r := &countingReleaser{}
		var l List
		for i := 0; i < 3; i++ {
			p := &Packet{}
			if err := Carve(p, make([]byte, 32), 0, 4, 0, r); err != nil {
				t.Fatal(err)
			}
			l.Append(p)
		}
		l.Clear()
		if r.freed != 3 {
			t.Errorf("expected 3 releases, got %d", r.freed)
		}
		assertOrder(t, &l)
	})

	t.Run("Check detects corruption", func(t *testing.T) {
		p := newTestPackets(t, 3)
		testCases := []struct {
			name    string
			corrupt func(l *List)
		}{
			{"Length too large", func(l *List) { l.len++ }},
			{"Length too small", func(l *List) { l.len-- }},
			{"Tail not reachable", func(l *List) { l.tail = p[1] }},
			{"Tail has successor", func(l *List) { p[2].next = p[0]; l.len = 3 }},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				var l List
				for _, pkt := range p {
					l.Append(pkt)
				}
				tc.corrupt(&l)
				if err := l.Check(); !errors.Is(err, ErrListCorrupted) {
					t.Fatalf("expected ErrListCorrupted, got %v", err)
				}
				p[2].next = nil
			})
		}
	})
}
