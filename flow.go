package pktmem

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// flowGate is the edge-triggered transmit flow-control state machine of one allocator.
//
// paused is the single source of truth and only changes through compare-and-swap, so of
// several goroutines crossing the same watermark exactly one observes the transition.
// Delivery is serialized without locks: whoever wins the dispatching flag delivers every
// pending transition in order, and everyone else returns immediately. Callbacks therefore
// never overlap and strictly alternate between FlowPaused and FlowReady.
type flowGate struct {
	paused atomic.Bool
	_      cpu.CacheLinePad

	dispatching atomic.Bool
	reported    bool // Last delivered state; owned by the dispatching goroutine.

	callback atomic.Pointer[FlowControlFunc]
	logger   *slog.Logger
	pauses   atomic.Uint64
	resumes  atomic.Uint64
}

func (g *flowGate) init(fn FlowControlFunc, logger *slog.Logger) {
	g.logger = logger
	g.setCallback(fn)
}

func (g *flowGate) setCallback(fn FlowControlFunc) {
	if fn == nil {
		g.callback.Store(nil)
		return
	}
	g.callback.Store(&fn)
}

// pause marks the transmit path paused. It returns true if the state changed.
func (g *flowGate) pause() bool {
	return g.paused.CompareAndSwap(false, true)
}

// resume marks the transmit path ready. It returns true if the state changed.
func (g *flowGate) resume() bool {
	return g.paused.CompareAndSwap(true, false)
}

func (g *flowGate) isPaused() bool {
	return g.paused.Load()
}

// dispatch delivers pending transitions to the callback. It never blocks: if another
// goroutine is already delivering, that goroutine picks up the new state.
func (g *flowGate) dispatch() {
	for {
		if !g.dispatching.CompareAndSwap(false, true) {
			return
		}
		reported := g.drain()
		// A transition may have landed after drain's last check but before the flag was
		// cleared, while its goroutine saw the flag still held.
		if g.paused.Load() == reported {
			return
		}
	}
}

// drain must be called with the dispatching flag held and releases it. It returns the
// last delivered state.
func (g *flowGate) drain() (reported bool) {
	defer g.dispatching.Store(false)
	for {
		paused := g.paused.Load()
		if paused == g.reported {
			return paused
		}
		g.reported = paused

		state := FlowReady
		if paused {
			state = FlowPaused
			g.pauses.Add(1)
		} else {
			g.resumes.Add(1)
		}
		g.logger.Debug("Transmit flow control", "state", state)
		if fn := g.callback.Load(); fn != nil {
			(*fn)(state)
		}
	}
}
