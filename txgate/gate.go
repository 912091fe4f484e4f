// Package txgate adapts the transmit flow-control callback of a pktmem.Allocator for
// producers: blocking admission with a context, fan-out of flow-state changes to several
// subscribers, and a bounded backlog for packets deferred while transmit is paused.
package txgate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/holmberd/go-pktmem"
)

// Gate tracks the transmit flow state of one allocator. Its Notify method is meant to be
// installed as pktmem.Config.OnFlowControl.
type Gate struct {
	logger *slog.Logger

	mu     sync.Mutex
	state  pktmem.FlowState
	ready  chan struct{} // Closed while the state is FlowReady.
	subs   map[uint64]func(pktmem.FlowState)
	nextID uint64
}

// New returns a gate in the FlowReady state. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	ready := make(chan struct{})
	close(ready)
	return &Gate{
		logger: logger,
		state:  pktmem.FlowReady,
		ready:  ready,
		subs:   make(map[uint64]func(pktmem.FlowState)),
	}
}

// Notify records a flow-state change and forwards it to every subscriber.
// Repeated notifications of the current state are ignored.
func (g *Gate) Notify(state pktmem.FlowState) {
	g.mu.Lock()
	if state == g.state {
		g.mu.Unlock()
		return
	}
	g.state = state
	if state == pktmem.FlowReady {
		close(g.ready)
	} else {
		g.ready = make(chan struct{})
	}
	subs := make([]func(pktmem.FlowState), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.mu.Unlock()

	g.logger.Debug("Transmit flow state changed", "state", state, "subscribers", len(subs))
	for _, fn := range subs {
		fn(state)
	}
}

// State returns the last notified flow state.
func (g *Gate) State() pktmem.FlowState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Subscribe registers fn to be called on every flow-state change, after the gate has
// recorded it. Subscribers run on the notifying goroutine and must not block.
// The returned function unregisters fn.
func (g *Gate) Subscribe(fn func(pktmem.FlowState)) (unsubscribe func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.subs, id)
	}
}

// WaitReady blocks until the flow state is FlowReady or ctx is done, in which case it
// returns ctx.Err(). Transmit may pause again by the time the caller allocates, so
// allocation failures must still be handled.
func (g *Gate) WaitReady(ctx context.Context) error {
	g.mu.Lock()
	ready := g.ready
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
