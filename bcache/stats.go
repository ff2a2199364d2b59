package bcache

import (
	"fmt"
	"io"

	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/util/stats"
)

const (
	readOp int = iota
	writeOp
	releaseOp
	pinOp
	unpinOp
	numOps
)

var opNames = []string{"bcache.Read", "bcache.Write", "bcache.Release", "bcache.Pin", "bcache.Unpin"}

const (
	hitEv int = iota
	missEv
	raceEv
	stealEv
	reviveEv
	releaseEv
	diskReadEv
	diskWriteEv
	numEvents
)

var eventNames = []string{
	"hit",
	"miss",
	"race",
	"steal",
	"revive",
	"release",
	"disk read",
	"disk write",
}

// Stats counts cache events since creation or the last ResetStats.
//
// Every Read is either a hit or a miss. A miss gave a buffer a new
// identity; a hit found a buffer already holding the block. Races and
// Revivals are hits found on the miss path and are included in Hits.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Races      uint64 // hits on a block another thread brought in after the first lookup
	Steals     uint64 // buffers moved between buckets
	Revivals   uint64 // free buffers reused for the block they still held
	Releases   uint64
	DiskReads  uint64
	DiskWrites uint64
}

func (bc *Bcache) Stats() Stats {
	c := &bc.counters
	return Stats{
		Hits:       c[hitEv].Load(),
		Misses:     c[missEv].Load(),
		Races:      c[raceEv].Load(),
		Steals:     c[stealEv].Load(),
		Revivals:   c[reviveEv].Load(),
		Releases:   c[releaseEv].Load(),
		DiskReads:  c[diskReadEv].Load(),
		DiskWrites: c[diskWriteEv].Load(),
	}
}

func (bc *Bcache) WriteStats(w io.Writer) {
	stats.WriteTable(opNames, bc.ops[:], w)
	stats.WriteCounters(eventNames, bc.counters[:], w)
}

func (bc *Bcache) ResetStats() {
	for i := range bc.ops {
		bc.ops[i].Reset()
	}
	for i := range bc.counters {
		bc.counters[i].Reset()
	}
}

func (bc *Bcache) PrintCache() {
	bc.lockAll()
	defer bc.unlockAll()
	for h := range bc.buckets {
		bk := &bc.buckets[h]
		util.DPrintf(0, "Bucket %d spare %d\n", h, bk.spare)
		for _, i := range bk.members {
			s := &bc.slots[i]
			util.DPrintf(0, "  buf %d dev %d bn %d ref %d locked %v\n",
				i, s.dev, s.bn, s.refcnt, s.lock.Locked())
		}
	}
	if fl, ok := bc.alloc.(*freeList); ok {
		util.DPrintf(0, "Free %v\n", fl.snapshot())
	}
}

type ident struct {
	dev uint64
	bn  uint64
}

// Check freezes the table and panics if its structure is inconsistent:
// every buffer is in exactly one place, bucket indices and spare counts
// match membership, referenced buffers sit in the bucket their block
// hashes to, and no block is held by two buffers.
func (bc *Bcache) Check() {
	bc.lockAll()
	defer bc.unlockAll()
	if err := bc.check(); err != nil {
		panic(fmt.Sprintf("bcache: check: %v", err))
	}
}

// check is called with every bucket locked.
func (bc *Bcache) check() error {
	seen := make([]bool, len(bc.slots))
	owner := make(map[ident]uint64)
	note := func(i uint64) error {
		if i >= uint64(len(bc.slots)) {
			return fmt.Errorf("index %d out of range", i)
		}
		if seen[i] {
			return fmt.Errorf("buf %d listed twice", i)
		}
		seen[i] = true
		s := &bc.slots[i]
		if s.dev == NODEV {
			return nil
		}
		id := ident{s.dev, s.bn}
		if j, ok := owner[id]; ok {
			return fmt.Errorf("bufs %d and %d both hold %d/%d", j, i, s.dev, s.bn)
		}
		owner[id] = i
		return nil
	}

	for h := range bc.buckets {
		bk := &bc.buckets[h]
		spare := uint64(0)
		for _, i := range bk.members {
			if err := note(i); err != nil {
				return err
			}
			s := &bc.slots[i]
			if s.bucket != uint64(h) {
				return fmt.Errorf("buf %d in bucket %d thinks it is in %d", i, h, s.bucket)
			}
			if s.refcnt == 0 {
				spare++
				if !bc.linked() {
					return fmt.Errorf("unreferenced buf %d linked in bucket %d", i, h)
				}
			} else if bc.hash(s.bn) != uint64(h) {
				return fmt.Errorf("buf %d for block %d in bucket %d", i, s.bn, h)
			}
		}
		if bc.linked() && spare != bk.spare {
			return fmt.Errorf("bucket %d spare %d, counted %d", h, bk.spare, spare)
		}
	}
	if fl, ok := bc.alloc.(*freeList); ok {
		for _, i := range fl.snapshot() {
			if err := note(i); err != nil {
				return err
			}
			s := &bc.slots[i]
			if s.refcnt != 0 || s.bucket != noBucket {
				return fmt.Errorf("free buf %d ref %d bucket %d", i, s.refcnt, s.bucket)
			}
		}
	}
	for i := range seen {
		if !seen[i] {
			return fmt.Errorf("buf %d lost", i)
		}
	}
	return nil
}
