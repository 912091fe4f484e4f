package testutils

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/holmberd/go-pktmem/internal/packet"
)

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Recorder records values passed to Record in call order. It is safe for concurrent use.
type Recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func (r *Recorder[T]) Record(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

// Values returns a copy of the recorded values.
func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

// MockReleaser counts released packets without reusing them.
type MockReleaser struct {
	freeCalls atomic.Int64
}

func (r *MockReleaser) Free(p *packet.Packet) {
	r.freeCalls.Add(1)
}

func (r *MockReleaser) FreeCalls() int64 {
	return r.freeCalls.Load()
}

// NewPacket returns a packet over a fresh buffer owned by r.
func (r *MockReleaser) NewPacket(size, headroom int) *packet.Packet {
	p := &packet.Packet{}
	p.Init(make([]byte, size), headroom, r)
	return p
}

func (r *MockReleaser) Reset() {
	r.freeCalls.Store(0)
}
