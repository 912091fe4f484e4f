package pktmem

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	KiB = 1024

	DefaultCommandBlocks    = 2
	DefaultCommandBlockSize = 256
	DefaultTxBlocks         = 32
	DefaultRxBlocks         = 32
	DefaultBlockSize        = 1664 // Fits an 802.11 MPDU with driver headroom and metadata.
	DefaultMaxPacketSize    = 64 * KiB

	DefaultDeinitRetries  = 100
	DefaultDeinitInterval = 10 * time.Millisecond

	envPrefix = "PKTMEM_"
)

// Strategy selects the allocator implementation.
type Strategy int

const (
	StrategyStatic Strategy = iota // Fixed-size blocks from preallocated regions.
	StrategyHeap                   // Exactly sized heap packets bounded by counters.
)

func (s Strategy) String() string {
	switch s {
	case StrategyStatic:
		return "static"
	case StrategyHeap:
		return "heap"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses "static" or "heap".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static":
		return StrategyStatic, nil
	case "heap":
		return StrategyHeap, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

// StaticConfig configures a StaticPool.
//
// Watermarks are free-list lengths of the transmit data pool: transmit is paused when
// the number of free blocks drops to PauseFree or below, and resumed once it climbs back
// to ResumeFree or above. PauseFree must be below ResumeFree so the state cannot chatter
// around a single boundary.
type StaticConfig struct {
	CommandBlocks    int // Blocks reserved for command packets.
	CommandBlockSize int
	TxBlocks         int
	TxBlockSize      int
	RxBlocks         int
	RxBlockSize      int
	PauseFree        int
	ResumeFree       int

	// Poison fills released blocks with a fixed pattern and verifies it on the next
	// allocation to detect writes through stale packets.
	Poison bool
}

// HeapConfig configures a HeapPool.
//
// Watermarks are counts of allocated transmit data packets: transmit is paused when
// more than PauseAbove packets are allocated, and resumed when fewer than ResumeBelow
// remain.
type HeapConfig struct {
	CommandBlocks    int // Static blocks reserved for command packets.
	CommandBlockSize int
	TxMax            int // Maximum number of allocated transmit data packets.
	RxMax            int // Maximum number of allocated receive packets.
	PauseAbove       int
	ResumeBelow      int

	// MaxPacketSize bounds the block of a single heap packet, header included.
	// Larger layouts fail with ErrLayoutTooLarge.
	MaxPacketSize int
}

// Config configures an Allocator.
type Config struct {
	Strategy Strategy
	Static   StaticConfig
	Heap     HeapConfig

	// OnFlowControl is the transmit flow-control callback. It may be nil.
	OnFlowControl FlowControlFunc

	Logger *slog.Logger // Defaults to slog.Default().

	// Close polls for outstanding packets up to DeinitRetries times, DeinitInterval apart,
	// before reporting leaks.
	DeinitRetries  int
	DeinitInterval time.Duration
}

func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		CommandBlocks:    DefaultCommandBlocks,
		CommandBlockSize: DefaultCommandBlockSize,
		TxBlocks:         DefaultTxBlocks,
		TxBlockSize:      DefaultBlockSize,
		RxBlocks:         DefaultRxBlocks,
		RxBlockSize:      DefaultBlockSize,
		PauseFree:        1, // Pause with one block left.
		ResumeFree:       2,
	}
}

func DefaultHeapConfig() HeapConfig {
	return HeapConfig{
		CommandBlocks:    DefaultCommandBlocks,
		CommandBlockSize: DefaultCommandBlockSize,
		TxMax:            DefaultTxBlocks,
		RxMax:            DefaultRxBlocks,
		PauseAbove:       DefaultTxBlocks - 1, // Pause when the last packet is taken.
		ResumeBelow:      DefaultTxBlocks - 2,
		MaxPacketSize:    DefaultMaxPacketSize,
	}
}

// DefaultConfig returns a configuration for the given strategy.
func DefaultConfig(strategy Strategy) Config {
	return Config{
		Strategy:       strategy,
		Static:         DefaultStaticConfig(),
		Heap:           DefaultHeapConfig(),
		DeinitRetries:  DefaultDeinitRetries,
		DeinitInterval: DefaultDeinitInterval,
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Validate validates the configuration of the selected strategy.
func (c Config) Validate() error {
	var errs []error
	if c.DeinitRetries < 0 {
		errs = append(errs, errors.New("invalid config: DeinitRetries must be >= 0"))
	}
	if c.DeinitInterval < 0 {
		errs = append(errs, errors.New("invalid config: DeinitInterval must be >= 0"))
	}
	switch c.Strategy {
	case StrategyStatic:
		errs = append(errs, c.Static.Validate())
	case StrategyHeap:
		errs = append(errs, c.Heap.Validate())
	default:
		errs = append(errs, fmt.Errorf("invalid config: unknown strategy %v", c.Strategy))
	}
	return errors.Join(errs...)
}

func validateBlocks(name string, blocks, blockSize int, required bool) error {
	var errs []error
	if blocks < 0 || (required && blocks == 0) {
		errs = append(errs, fmt.Errorf("invalid config: invalid %s block count %d", name, blocks))
	}
	if blocks > 0 && blockSize <= HeaderSize {
		errs = append(errs, fmt.Errorf(
			"invalid config: %s block size %d must be larger than the %d byte header", name, blockSize, HeaderSize,
		))
	}
	if blocks > 0 && blockSize%Alignment != 0 {
		errs = append(errs, fmt.Errorf(
			"invalid config: %s block size %d must be a multiple of %d", name, blockSize, Alignment,
		))
	}
	return errors.Join(errs...)
}

func (c StaticConfig) Validate() error {
	errs := []error{
		validateBlocks("command", c.CommandBlocks, c.CommandBlockSize, false),
		validateBlocks("tx", c.TxBlocks, c.TxBlockSize, true),
		validateBlocks("rx", c.RxBlocks, c.RxBlockSize, true),
	}
	if c.PauseFree < 0 || c.PauseFree >= c.ResumeFree {
		errs = append(errs, fmt.Errorf(
			"invalid config: PauseFree %d must be >= 0 and below ResumeFree %d", c.PauseFree, c.ResumeFree,
		))
	}
	if c.ResumeFree > c.TxBlocks {
		errs = append(errs, fmt.Errorf(
			"invalid config: ResumeFree %d exceeds the %d tx blocks", c.ResumeFree, c.TxBlocks,
		))
	}
	return errors.Join(errs...)
}

func (c HeapConfig) Validate() error {
	errs := []error{
		validateBlocks("command", c.CommandBlocks, c.CommandBlockSize, false),
	}
	if c.TxMax <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: TxMax %d must be > 0", c.TxMax))
	}
	if c.RxMax <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: RxMax %d must be > 0", c.RxMax))
	}
	if c.MaxPacketSize <= HeaderSize {
		errs = append(errs, fmt.Errorf(
			"invalid config: MaxPacketSize %d must be larger than the %d byte header", c.MaxPacketSize, HeaderSize,
		))
	}
	if c.PauseAbove >= c.TxMax {
		errs = append(errs, fmt.Errorf("invalid config: PauseAbove %d must be below TxMax %d", c.PauseAbove, c.TxMax))
	}
	if c.ResumeBelow < 1 || c.ResumeBelow > c.PauseAbove {
		errs = append(errs, fmt.Errorf(
			"invalid config: ResumeBelow %d must be between 1 and PauseAbove %d", c.ResumeBelow, c.PauseAbove,
		))
	}
	return errors.Join(errs...)
}

// LoadEnv applies PKTMEM_* environment overrides to c:
//
//	PKTMEM_STRATEGY          static | heap
//	PKTMEM_TX_POOL_N_BLOCKS  transmit data blocks (static) or maximum allocations (heap)
//	PKTMEM_RX_POOL_N_BLOCKS  receive blocks (static) or maximum allocations (heap)
//	PKTMEM_POISON            1 to poison released static blocks
//
// Heap watermarks are recomputed relative to a new TxMax.
func LoadEnv(c *Config) error {
	var errs []error
	if v, ok := lookupEnv("STRATEGY"); ok {
		s, err := ParseStrategy(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSTRATEGY: %w", envPrefix, err))
		} else {
			c.Strategy = s
		}
	}
	if n, ok, err := envInt("TX_POOL_N_BLOCKS"); err != nil {
		errs = append(errs, err)
	} else if ok {
		c.Static.TxBlocks = n
		c.Heap.TxMax = n
		c.Heap.PauseAbove = n - 1
		c.Heap.ResumeBelow = n - 2
	}
	if n, ok, err := envInt("RX_POOL_N_BLOCKS"); err != nil {
		errs = append(errs, err)
	} else if ok {
		c.Static.RxBlocks = n
		c.Heap.RxMax = n
	}
	if v, ok := lookupEnv("POISON"); ok {
		c.Static.Poison = v == "1" || strings.EqualFold(v, "true")
	}
	return errors.Join(errs...)
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func envInt(key string) (int, bool, error) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return n, true, nil
}
