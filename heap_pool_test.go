package pktmem

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func newTestHeapPool(t *testing.T, mutate func(c *HeapConfig)) (*HeapPool, *flowRecorder) {
	t.Helper()
	c, rec := newTestConfig(StrategyHeap)
	c.Heap.TxMax = 4
	c.Heap.RxMax = 4
	c.Heap.PauseAbove = 2
	c.Heap.ResumeBelow = 2
	if mutate != nil {
		mutate(&c.Heap)
	}
	h, err := NewHeapPool(c)
	if err != nil {
		t.Fatalf("failed to create heap pool: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, rec
}

func TestHeapPoolAllocForTx(t *testing.T) {
	t.Run("Sized exactly", func(t *testing.T) {
		h, _ := newTestHeapPool(t, nil)
		p := mustAllocTx(t, h, ClassDataTID3, 20, 10, 6)
		defer Release(p)

		if got, want := len(p.Block()), LayoutSize(20, 10, 6); got != want {
			t.Errorf("expected block of %d bytes, got %d", want, got)
		}
		if p.Headroom() != 20 || p.Tailroom() != 12 {
			t.Errorf("expected headroom 20 and tailroom 12, got %d and %d", p.Headroom(), p.Tailroom())
		}
		if len(p.Metadata()) != 6 {
			t.Errorf("expected 6 metadata bytes, got %d", len(p.Metadata()))
		}
	})

	t.Run("Exhausted after maximum", func(t *testing.T) {
		h, _ := newTestHeapPool(t, nil)
		var packets []*Packet
		for range 4 {
			packets = append(packets, mustAllocTx(t, h, ClassManagement, 0, 64, 0))
		}
		if _, err := h.AllocForTx(ClassManagement, 0, 64, 0); !errors.Is(err, ErrExhausted) {
			t.Fatalf("expected %v, got %v", ErrExhausted, err)
		}
		if got := h.txAllocated.Load(); got != 4 {
			t.Errorf("expected failed allocation to undo its increment, got %d allocated", got)
		}
		for _, p := range packets {
			Release(p)
		}
		want := ClassStats{Capacity: 4, Allocs: 4, Failures: 1}
		if diff := cmp.Diff(want, h.Stats().TxData); diff != "" {
			t.Errorf("tx data stats mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Invalid layout", func(t *testing.T) {
		h, _ := newTestHeapPool(t, nil)
		if _, err := h.AllocForTx(ClassDataTID0, -1, 10, 0); !errors.Is(err, ErrInvalidLayout) {
			t.Fatalf("expected %v, got %v", ErrInvalidLayout, err)
		}
		if got := h.txAllocated.Load(); got != 0 {
			t.Errorf("expected 0 allocated, got %d", got)
		}
	})

	t.Run("Oversized layout leaves counters untouched", func(t *testing.T) {
		h, rec := newTestHeapPool(t, nil)
		tests := []struct {
			name                        string
			headroom, tailroom, metaLen int
		}{
			{"Overflows", math.MaxInt, 1, 0},
			{"Above maximum packet size", 0, DefaultMaxPacketSize, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				for _, class := range []Class{ClassDataTID0, ClassCommand} {
					_, err := h.AllocForTx(class, tt.headroom, tt.tailroom, tt.metaLen)
					if !errors.Is(err, ErrLayoutTooLarge) {
						t.Fatalf("expected %v for %v, got %v", ErrLayoutTooLarge, class, err)
					}
				}
				if _, err := h.AllocForRx(tt.tailroom, tt.metaLen+tt.headroom); !errors.Is(err, ErrLayoutTooLarge) {
					t.Fatalf("expected %v, got %v", ErrLayoutTooLarge, err)
				}
				if tx, rx := h.txAllocated.Load(), h.rxAllocated.Load(); tx != 0 || rx != 0 {
					t.Errorf("expected 0 tx and rx allocated, got %d and %d", tx, rx)
				}
			})
		}
		if h.Paused() || len(rec.Values()) != 0 {
			t.Errorf("expected no flow-control events, got %v", rec.Values())
		}
		p := mustAllocTx(t, h, ClassDataTID0, 0, DefaultMaxPacketSize-HeaderSize, 0)
		Release(p)
	})

	t.Run("Command packets use the command pool first", func(t *testing.T) {
		h, rec := newTestHeapPool(t, nil)
		var packets []*Packet
		for range DefaultCommandBlocks + 1 {
			packets = append(packets, mustAllocTx(t, h, ClassCommand, 0, 16, 0))
		}
		stats := h.Stats()
		if stats.Command.InUse != DefaultCommandBlocks || stats.TxData.InUse != 1 {
			t.Errorf(
				"expected %d command and 1 tx data packets, got %d and %d",
				DefaultCommandBlocks, stats.Command.InUse, stats.TxData.InUse,
			)
		}
		if stats.Command.Failures != 0 {
			t.Errorf("expected fallthrough not to count as a command failure, got %d", stats.Command.Failures)
		}
		for _, p := range packets {
			Release(p)
		}
		if len(rec.Values()) != 0 {
			t.Errorf("expected no flow-control events, got %v", rec.Values())
		}
	})
}

func TestHeapPoolWithoutCommandPool(t *testing.T) {
	h, _ := newTestHeapPool(t, func(c *HeapConfig) {
		c.CommandBlocks = 0
		c.CommandBlockSize = 0
	})
	p := mustAllocTx(t, h, ClassCommand, 0, 32, 0)
	defer Release(p)
	stats := h.Stats()
	if stats.Command.Capacity != 0 || stats.TxData.InUse != 1 {
		t.Errorf(
			"expected command served from tx data, got command capacity %d and %d tx data in use",
			stats.Command.Capacity, stats.TxData.InUse,
		)
	}
}

func TestHeapPoolAllocForRx(t *testing.T) {
	h, rec := newTestHeapPool(t, func(c *HeapConfig) {
		c.RxMax = 2
	})
	a, err := h.AllocForRx(2000, 0)
	if err != nil {
		t.Fatalf("failed to allocate rx packet: %v", err)
	}
	b, err := h.AllocForRx(10, 4)
	if err != nil {
		t.Fatalf("failed to allocate rx packet: %v", err)
	}
	if _, err := h.AllocForRx(10, 0); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected %v, got %v", ErrExhausted, err)
	}
	if a.Tailroom() != 2000 {
		t.Errorf("expected tailroom 2000, got %d", a.Tailroom())
	}

	Release(a)
	a, err = h.AllocForRx(10, 0)
	if err != nil {
		t.Fatalf("failed to allocate rx packet after release: %v", err)
	}
	Release(a)
	Release(b)

	if got := h.Stats().Rx.InUse; got != 0 {
		t.Errorf("expected 0 rx packets in use, got %d", got)
	}
	if len(rec.Values()) != 0 {
		t.Errorf("expected rx allocations not to affect flow control, got %v", rec.Values())
	}
}

func TestHeapPoolFlowControl(t *testing.T) {
	t.Run("Watermarks alternate", func(t *testing.T) {
		h, rec := newTestHeapPool(t, nil) // Pause above 2, resume below 2.

		packets := make([]*Packet, 0, 4)
		for range 2 {
			packets = append(packets, mustAllocTx(t, h, ClassDataTID0, 0, 10, 0))
		}
		if h.Paused() {
			t.Fatal("expected pool not to be paused with 2 allocated")
		}
		packets = append(packets, mustAllocTx(t, h, ClassDataTID0, 0, 10, 0))
		if !h.Paused() {
			t.Fatal("expected pool to be paused with 3 allocated")
		}
		packets = append(packets, mustAllocTx(t, h, ClassDataTID0, 0, 10, 0))

		for len(packets) > 1 {
			Release(packets[len(packets)-1])
			packets = packets[:len(packets)-1]
			if len(packets) >= 2 && !h.Paused() {
				t.Fatalf("expected pool to stay paused with %d allocated", len(packets))
			}
		}
		if h.Paused() {
			t.Fatal("expected pool to resume with 1 allocated")
		}
		packets = append(packets, mustAllocTx(t, h, ClassDataTID0, 0, 10, 0))
		packets = append(packets, mustAllocTx(t, h, ClassDataTID0, 0, 10, 0))

		want := []FlowState{FlowPaused, FlowReady, FlowPaused}
		if diff := cmp.Diff(want, rec.Values()); diff != "" {
			t.Errorf("flow states mismatch (-want +got):\n%s", diff)
		}
		for _, p := range packets {
			Release(p)
		}
	})

	t.Run("Concurrent allocations alternate", func(t *testing.T) {
		h, rec := newTestHeapPool(t, func(c *HeapConfig) {
			c.TxMax = 8
			c.PauseAbove = 5
			c.ResumeBelow = 3
		})

		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				for range 1000 {
					p, err := h.AllocForTx(ClassDataTID5, 0, 32, 0)
					if errors.Is(err, ErrExhausted) {
						continue
					}
					if err != nil {
						return err
					}
					Release(p)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}

		states := rec.Values()
		assertAlternating(t, states)
		if h.Paused() {
			t.Error("expected pool to be ready once every packet is released")
		}
		if len(states)%2 != 0 {
			t.Errorf("expected the last event to be %v, got %v", FlowReady, states)
		}
		if got := h.txAllocated.Load(); got != 0 {
			t.Errorf("expected 0 allocated, got %d", got)
		}
	})
}

func TestHeapPoolRelease(t *testing.T) {
	t.Run("Double release panics", func(t *testing.T) {
		h, _ := newTestHeapPool(t, nil)
		p := mustAllocTx(t, h, ClassDataTID0, 0, 10, 0)
		Release(p)
		expectPanic(t, ErrDoubleRelease, func() { Release(p) })
		if got := h.txAllocated.Load(); got != 0 {
			t.Errorf("expected 0 allocated, got %d", got)
		}
	})

	t.Run("Count below zero panics", func(t *testing.T) {
		h, _ := newTestHeapPool(t, nil)
		expectPanic(t, ErrContractViolation, func() { (*heapTxOwner)(h).Free(nil) })
		h.txAllocated.Store(0)
		expectPanic(t, ErrContractViolation, func() { (*heapRxOwner)(h).Free(nil) })
		h.rxAllocated.Store(0)
	})
}

func TestHeapPoolClose(t *testing.T) {
	h, _ := newTestHeapPool(t, nil)
	tx := mustAllocTx(t, h, ClassDataTID0, 0, 10, 0)
	cmd := mustAllocTx(t, h, ClassCommand, 0, 10, 0)
	rx, err := h.AllocForRx(10, 0)
	if err != nil {
		t.Fatalf("failed to allocate rx packet: %v", err)
	}

	err = h.Close()
	var leakErr *LeakError
	if !errors.As(err, &leakErr) {
		t.Fatalf("expected *LeakError, got %v", err)
	}
	want := []ClassLeak{
		{Pool: "tx command", Outstanding: 1},
		{Pool: "tx data", Outstanding: 1},
		{Pool: "rx", Outstanding: 1},
	}
	if diff := cmp.Diff(want, leakErr.Leaks); diff != "" {
		t.Errorf("leaks mismatch (-want +got):\n%s", diff)
	}
	if _, err := h.AllocForTx(ClassDataTID0, 0, 10, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected %v, got %v", ErrClosed, err)
	}

	Release(tx)
	Release(cmd)
	Release(rx)
	if got := h.Stats().InUse(); got != 0 {
		t.Errorf("expected nothing in use after late releases, got %d", got)
	}
}
