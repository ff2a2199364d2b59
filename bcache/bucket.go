package bcache

import (
	"sync"
)

// A bucket owns the buffers whose block hashes to it. Its mutex guards the
// member list, the spare count, and the reference count and identity of
// every member.
type bucket struct {
	mu      *sync.Mutex
	members []uint64 // pool indices, in insertion order
	spare   uint64   // members with refcnt 0 (linked strategies only)
}

func mkBucket(nbuf uint64) bucket {
	return bucket{
		mu:      new(sync.Mutex),
		members: make([]uint64, 0, nbuf),
	}
}

func (bc *Bcache) hash(bn uint64) uint64 {
	return bn % bc.cfg.NBucket
}

// lookup finds the member of bucket h holding (dev, bn). Caller holds h.
func (bc *Bcache) lookup(h uint64, dev uint64, bn uint64) (uint64, bool) {
	for _, i := range bc.buckets[h].members {
		s := &bc.slots[i]
		if s.dev == dev && s.bn == bn {
			return i, true
		}
	}
	return 0, false
}

// spareIn finds an unreferenced member of bucket h, preferring one that
// holds no block. Caller holds h.
func (bc *Bcache) spareIn(h uint64) (uint64, bool) {
	bk := &bc.buckets[h]
	if bk.spare == 0 {
		return 0, false
	}
	var found = false
	var victim uint64
	for _, i := range bk.members {
		s := &bc.slots[i]
		if s.refcnt != 0 {
			continue
		}
		if s.dev == NODEV {
			return i, true
		}
		if !found {
			found = true
			victim = i
		}
	}
	if !found {
		panic("bcache: spare count")
	}
	return victim, true
}

func (bc *Bcache) link(h uint64, i uint64) {
	bk := &bc.buckets[h]
	s := &bc.slots[i]
	bk.members = append(bk.members, i)
	s.bucket = h
	if s.refcnt == 0 && bc.linked() {
		bk.spare++
	}
}

func (bc *Bcache) unlink(h uint64, i uint64) {
	bk := &bc.buckets[h]
	for k, m := range bk.members {
		if m == i {
			bk.members = append(bk.members[:k], bk.members[k+1:]...)
			if bc.slots[i].refcnt == 0 && bc.linked() {
				bk.spare--
			}
			return
		}
	}
	panic("bcache: unlink")
}

// transfer moves buffer i from bucket from to bucket to. Caller holds both
// locks, taken with lockPair.
func (bc *Bcache) transfer(i uint64, from uint64, to uint64) {
	if from == to {
		return
	}
	bc.unlink(from, i)
	bc.link(to, i)
}

// take adds a reference to buffer i. Caller holds i's bucket.
func (bc *Bcache) take(i uint64) {
	s := &bc.slots[i]
	if s.refcnt == 0 && bc.linked() {
		bc.buckets[s.bucket].spare--
	}
	s.refcnt++
}

// claim gives an unreferenced buffer a new identity and its first reference.
// Caller holds i's bucket and, for FreeList, has already linked it there.
func (bc *Bcache) claim(i uint64, dev uint64, bn uint64) {
	s := &bc.slots[i]
	if s.refcnt != 0 {
		panic("bcache: claim of referenced buffer")
	}
	s.dev = dev
	s.bn = bn
	s.valid = false
	bc.take(i)
	bc.counters[missEv].Inc()
}

// Bucket locks are always taken in ascending index order.

func (bc *Bcache) lockPair(a uint64, b uint64) {
	if a == b {
		bc.buckets[a].mu.Lock()
		return
	}
	if b < a {
		a, b = b, a
	}
	bc.buckets[a].mu.Lock()
	bc.buckets[b].mu.Lock()
}

func (bc *Bcache) unlockPair(a uint64, b uint64) {
	bc.buckets[a].mu.Unlock()
	if a != b {
		bc.buckets[b].mu.Unlock()
	}
}

func (bc *Bcache) lockAll() {
	for h := range bc.buckets {
		bc.buckets[h].mu.Lock()
	}
}

func (bc *Bcache) unlockAll() {
	for h := range bc.buckets {
		bc.buckets[h].mu.Unlock()
	}
}
