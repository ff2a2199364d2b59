package bcache

import (
	"fmt"
	"strings"
)

const (
	NBUF    uint64 = 30 // default number of buffers in the pool
	NBUCKET uint64 = 13 // default number of hash buckets

	// NODEV marks a buffer that holds no block.
	NODEV uint64 = ^uint64(0)
)

// Strategy selects how a miss finds a buffer to reuse.
type Strategy int

const (
	// Steal keeps unreferenced buffers linked in their bucket and, when the
	// local bucket has none, moves one over from another bucket.
	Steal Strategy = iota
	// GlobalScan serializes misses on one pool-wide lock and scans the whole
	// pool for an unreferenced buffer.
	GlobalScan
	// FreeList unlinks a buffer from its bucket when its last reference is
	// dropped and keeps it on a pool-wide list in release order.
	FreeList
)

var strategyNames = []string{"steal", "global", "freelist"}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(name, n) {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q (want one of %s)",
		name, strings.Join(strategyNames, ", "))
}

// Strategies lists every miss strategy, for tests and benchmarks.
func Strategies() []Strategy {
	return []Strategy{Steal, GlobalScan, FreeList}
}

type Config struct {
	NBuf     uint64
	NBucket  uint64
	Strategy Strategy
}

func DefaultConfig() Config {
	return Config{
		NBuf:     NBUF,
		NBucket:  NBUCKET,
		Strategy: Steal,
	}
}

func (cfg Config) Validate() error {
	if cfg.NBuf == 0 {
		return fmt.Errorf("bcache: pool needs at least one buffer")
	}
	if cfg.NBucket == 0 {
		return fmt.Errorf("bcache: table needs at least one bucket")
	}
	if cfg.Strategy < Steal || cfg.Strategy > FreeList {
		return fmt.Errorf("bcache: invalid strategy %v", cfg.Strategy)
	}
	return nil
}
