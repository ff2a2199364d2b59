package bcache

import (
	"sync"

	"github.com/mit-pdos/go-journal/util"
)

// An allocator finds a buffer for (dev, bn) after a lookup in bucket h
// missed.
type allocator interface {
	// alloc is called with bucket h locked. It returns the index of a buffer
	// for (dev, bn) with a reference already added, with no bucket lock held.
	alloc(h uint64, dev uint64, bn uint64) uint64

	// released is called with buffer i's bucket locked, right after its
	// reference count dropped to 0.
	released(i uint64)
}

func (bc *Bcache) linked() bool {
	return bc.cfg.Strategy != FreeList
}

func mkAllocator(bc *Bcache) allocator {
	switch bc.cfg.Strategy {
	case GlobalScan:
		return &globalScan{bc: bc, mu: new(sync.Mutex)}
	case FreeList:
		return &freeList{bc: bc, mu: new(sync.Mutex), free: make([]uint64, 0, bc.cfg.NBuf)}
	default:
		return &steal{bc: bc}
	}
}

// exhausted is called with no locks held.
func (bc *Bcache) exhausted() {
	if util.Debug > 0 {
		bc.PrintCache()
	}
	panic("bcache: no buffers")
}

// retake handles a lookup hit found while re-checking bucket h on the miss
// path: another thread brought (dev, bn) in after our first lookup.
func (bc *Bcache) retake(h uint64, dev uint64, bn uint64) (uint64, bool) {
	i, ok := bc.lookup(h, dev, bn)
	if ok {
		bc.take(i)
		bc.counters[raceEv].Inc()
		bc.counters[hitEv].Inc()
	}
	return i, ok
}

type steal struct {
	bc *Bcache
}

func (a *steal) alloc(h uint64, dev uint64, bn uint64) uint64 {
	bc := a.bc
	if i, ok := bc.spareIn(h); ok {
		bc.claim(i, dev, bn)
		bc.buckets[h].mu.Unlock()
		return i
	}
	bc.buckets[h].mu.Unlock()

	for f := uint64(0); f < bc.cfg.NBucket; f++ {
		if f == h {
			continue
		}
		bc.lockPair(h, f)
		i, ok := a.tryBucket(h, f, dev, bn)
		bc.unlockPair(h, f)
		if ok {
			return i
		}
	}

	// Spares can migrate into buckets this pass already probed. Decide
	// exhaustion with the whole table frozen.
	bc.lockAll()
	for f := uint64(0); f < bc.cfg.NBucket; f++ {
		i, ok := a.tryBucket(h, f, dev, bn)
		if ok {
			bc.unlockAll()
			return i
		}
	}
	bc.unlockAll()
	bc.exhausted()
	return 0
}

// tryBucket is called with buckets h and f locked.
func (a *steal) tryBucket(h uint64, f uint64, dev uint64, bn uint64) (uint64, bool) {
	bc := a.bc
	if i, ok := bc.retake(h, dev, bn); ok {
		return i, true
	}
	if i, ok := bc.spareIn(h); ok {
		bc.claim(i, dev, bn)
		return i, true
	}
	i, ok := bc.spareIn(f)
	if !ok {
		return 0, false
	}
	util.DPrintf(5, "bget: steal buf %d from bucket %d to %d\n", i, f, h)
	bc.transfer(i, f, h)
	bc.claim(i, dev, bn)
	bc.counters[stealEv].Inc()
	return i, true
}

func (a *steal) released(i uint64) {
	a.bc.buckets[a.bc.slots[i].bucket].spare++
}

type globalScan struct {
	bc *Bcache
	mu *sync.Mutex // serializes misses; taken before any bucket lock
}

func (a *globalScan) alloc(h uint64, dev uint64, bn uint64) uint64 {
	bc := a.bc
	bc.buckets[h].mu.Unlock()

	a.mu.Lock()
	bc.lockAll()
	if i, ok := bc.retake(h, dev, bn); ok {
		bc.unlockAll()
		a.mu.Unlock()
		return i
	}
	idx, ok := a.scan()
	if !ok {
		bc.unlockAll()
		a.mu.Unlock()
		bc.exhausted()
	}
	s := &bc.slots[idx]
	if s.bucket != h {
		bc.transfer(idx, s.bucket, h)
		bc.counters[stealEv].Inc()
	}
	bc.claim(idx, dev, bn)
	bc.unlockAll()
	a.mu.Unlock()
	return idx
}

// scan returns the first unused buffer in pool order, or else the first
// unreferenced one. Caller holds every bucket lock.
func (a *globalScan) scan() (uint64, bool) {
	var found = false
	var victim uint64
	for i := range a.bc.slots {
		s := &a.bc.slots[i]
		if s.refcnt != 0 {
			continue
		}
		if s.dev == NODEV {
			return uint64(i), true
		}
		if !found {
			found = true
			victim = uint64(i)
		}
	}
	return victim, found
}

func (a *globalScan) released(i uint64) {
	a.bc.buckets[a.bc.slots[i].bucket].spare++
}

// Lock order: bucket, then freeList.mu.
type freeList struct {
	bc   *Bcache
	mu   *sync.Mutex
	free []uint64 // least recently released first
}

func (a *freeList) alloc(h uint64, dev uint64, bn uint64) uint64 {
	bc := a.bc
	a.mu.Lock()
	if len(a.free) == 0 {
		a.mu.Unlock()
		bc.buckets[h].mu.Unlock()
		bc.exhausted()
	}
	pos := 0
	revive := false
	for k, i := range a.free {
		if bc.slots[i].dev == dev && bc.slots[i].bn == bn {
			pos = k
			revive = true
			break
		}
	}
	i := a.free[pos]
	a.free = append(a.free[:pos], a.free[pos+1:]...)
	a.mu.Unlock()

	bc.link(h, i)
	if revive {
		util.DPrintf(5, "bget: revive buf %d for %d/%d\n", i, dev, bn)
		bc.take(i)
		bc.counters[reviveEv].Inc()
		bc.counters[hitEv].Inc()
	} else {
		bc.claim(i, dev, bn)
	}
	bc.buckets[h].mu.Unlock()
	return i
}

func (a *freeList) released(i uint64) {
	bc := a.bc
	bc.unlink(bc.slots[i].bucket, i)
	bc.slots[i].bucket = noBucket
	a.mu.Lock()
	a.free = append(a.free, i)
	a.mu.Unlock()
}

// snapshot returns the free list. Caller holds every bucket lock.
func (a *freeList) snapshot() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.free...)
}
