package packet

import (
	"errors"
	"fmt"
	"iter"
)

var ErrListCorrupted = errors.New("packet list is corrupted")

// List is an intrusive singly linked list of packets with a maintained length.
// Packets are linked through their own next field, so a packet can be on at most one
// list at a time. The zero value is an empty list. A List is not safe for concurrent use.
type List struct {
	head *Packet
	tail *Packet
	len  int
}

// Len returns the number of packets in the list.
func (l *List) Len() int {
	return l.len
}

// IsEmpty reports whether the list has no packets.
func (l *List) IsEmpty() bool {
	return l.head == nil
}

// Peek returns the head of the list without removing it, or nil if empty.
func (l *List) Peek() *Packet {
	return l.head
}

// PeekTail returns the tail of the list without removing it, or nil if empty.
func (l *List) PeekTail() *Packet {
	return l.tail
}

// Prepend adds p at the head of the list.
func (l *List) Prepend(p *Packet) {
	p.next = l.head
	l.head = p
	if l.tail == nil {
		l.tail = p
	}
	l.len++
	l.sanity()
}

// Append adds p at the tail of the list.
func (l *List) Append(p *Packet) {
	p.next = nil
	if l.head == nil {
		l.head = p
	} else {
		l.tail.next = p
	}
	l.tail = p
	l.len++
	l.sanity()
}

// Remove unlinks p from the list in O(n). It returns false if p is not in the list.
func (l *List) Remove(p *Packet) bool {
	if l.head == nil || p == nil {
		return false
	}

	var prev *Packet
	if l.head == p {
		l.head = p.next
	} else {
		prev = l.findPrev(p)
		if prev == nil {
			return false
		}
		prev.next = p.next
	}
	if l.tail == p {
		l.tail = prev
	}
	l.len--
	p.next = nil
	l.sanity()
	return true
}

func (l *List) findPrev(p *Packet) *Packet {
	for walk := l.head; walk.next != nil; walk = walk.next {
		if walk.next == p {
			return walk
		}
	}
	return nil
}

// Dequeue removes and returns the head of the list, or nil if empty.
func (l *List) Dequeue() *Packet {
	p := l.head
	if p == nil {
		return nil
	}
	l.head = p.next
	if l.tail == p {
		l.tail = nil
	}
	l.len--
	p.next = nil
	l.sanity()
	return p
}

// DequeueTail removes and returns the tail of the list, or nil if empty.
func (l *List) DequeueTail() *Packet {
	p := l.tail
	if p == nil {
		return nil
	}
	l.Remove(p)
	return p
}

// DequeueAll detaches the whole chain in O(1) and returns its head, leaving the list
// empty. The chain can be walked with Packet.Next.
//
// This allows draining a list inside a critical section and processing it outside.
func (l *List) DequeueAll() *Packet {
	head := l.head
	l.head = nil
	l.tail = nil
	l.len = 0
	return head
}

// All returns an iterator over the packets in the list. The packet being visited may be
// removed from the list or released by the loop body.
func (l *List) All() iter.Seq[*Packet] {
	return func(yield func(*Packet) bool) {
		for p := l.head; p != nil; {
			next := p.next
			if !yield(p) {
				return
			}
			p = next
		}
	}
}

// Clear releases every packet in the list and empties it.
func (l *List) Clear() {
	l.sanity()
	for p := l.DequeueAll(); p != nil; {
		next := p.next
		p.next = nil
		Release(p)
		p = next
	}
}

// Check walks the list and verifies that the maintained length matches the number of
// reachable packets and that the tail is the last reachable packet.
func (l *List) Check() error {
	n := 0
	var last *Packet
	for walk := l.head; walk != nil; walk = walk.next {
		n++
		last = walk
		if n > l.len {
			return fmt.Errorf("%w: more than %d reachable packets", ErrListCorrupted, l.len)
		}
	}
	if n != l.len {
		return fmt.Errorf("%w: length %d, %d reachable packets", ErrListCorrupted, l.len, n)
	}
	if last != l.tail {
		return fmt.Errorf("%w: tail is not the last reachable packet", ErrListCorrupted)
	}
	if l.tail != nil && l.tail.next != nil {
		return fmt.Errorf("%w: tail has a successor", ErrListCorrupted)
	}
	return nil
}

// sanity runs Check after every mutation when built with the pktsanity tag.
func (l *List) sanity() {
	if !sanityChecks {
		return
	}
	if err := l.Check(); err != nil {
		panic(err)
	}
}
