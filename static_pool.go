package pktmem

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// StaticPool is an Allocator that serves packets from fixed-size blocks sliced out of
// three regions allocated at construction: command, transmit data and receive.
// After construction it performs no further memory allocation.
type StaticPool struct {
	config Config
	logger *slog.Logger

	command *blockList
	txData  *blockList
	rx      *blockList

	gate   flowGate
	closed atomic.Bool
}

var _ Allocator = (*StaticPool)(nil)

// NewStaticPool creates a static pool from config.Static.
func NewStaticPool(config Config) (*StaticPool, error) {
	config.Strategy = StrategyStatic
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := config.Static
	s := &StaticPool{config: config, logger: config.logger()}
	s.gate.init(config.OnFlowControl, s.logger)

	var err error
	if s.command, err = newBlockList("tx command", c.CommandBlocks, c.CommandBlockSize, c.Poison, s.logger); err != nil {
		return nil, err
	}
	if s.txData, err = newBlockList("tx data", c.TxBlocks, c.TxBlockSize, c.Poison, s.logger); err != nil {
		s.command.close()
		return nil, err
	}
	if s.rx, err = newBlockList("rx", c.RxBlocks, c.RxBlockSize, c.Poison, s.logger); err != nil {
		s.command.close()
		s.txData.close()
		return nil, err
	}
	s.txData.gate = &s.gate
	s.txData.pauseAt = c.PauseFree
	s.txData.resumeAt = c.ResumeFree
	return s, nil
}

// AllocForTx allocates a transmit packet. Command packets are taken from the command
// pool and fall back to the transmit data pool when it is exhausted or its blocks are
// too small for the layout.
//
// Every transmit data allocation re-evaluates the pause watermark, including failed ones.
func (s *StaticPool) AllocForTx(class Class, headroom, tailroom, metaLen int) (*Packet, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !class.valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClass, class)
	}
	if class == ClassCommand {
		if p, err := s.command.tryGet(headroom, tailroom, metaLen); err == nil {
			return p, nil
		}
	}
	p, err := s.txData.get(headroom, tailroom, metaLen)
	s.txData.updatePause()
	return p, err
}

// AllocForRx allocates a receive packet with capacity bytes of tailroom.
func (s *StaticPool) AllocForRx(capacity, metaLen int) (*Packet, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.rx.get(0, capacity, metaLen)
}

// Paused reports whether transmit is currently paused.
func (s *StaticPool) Paused() bool {
	return s.gate.isPaused()
}

func (s *StaticPool) Stats() Stats {
	return Stats{
		Command:     s.command.stats(),
		TxData:      s.txData.stats(),
		Rx:          s.rx.stats(),
		Paused:      s.gate.isPaused(),
		Pauses:      s.gate.pauses.Load(),
		Resumes:     s.gate.resumes.Load(),
		Corruptions: s.command.corruptions.Load() + s.txData.corruptions.Load() + s.rx.corruptions.Load(),
	}
}

// Close disables allocation, waits a bounded time for outstanding packets and reports
// those still outstanding as a *LeakError. Regions with outstanding blocks stay mapped.
// The flow-control callback is unregistered.
func (s *StaticPool) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	lists := []*blockList{s.command, s.txData, s.rx}
	err := awaitRelease(s.config, s.logger, func() []ClassLeak {
		var leaks []ClassLeak
		for _, l := range lists {
			if n := l.outstanding(); n > 0 {
				leaks = append(leaks, ClassLeak{Pool: l.name, Outstanding: n})
			}
		}
		return leaks
	})
	s.gate.setCallback(nil)
	for _, l := range lists {
		l.close()
	}
	return err
}
