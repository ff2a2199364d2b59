package bcache

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/sleeplock"
	"github.com/mit-pdos/go-bcache/util/stats"
)

//
// Write-through buffer cache.
//
// The cache is a fixed pool of buffers, each mirroring one disk block,
// sharded into buckets by block number. Read returns a buffer with its
// sleep lock held; only that holder may touch the data. Write sends the
// data to disk immediately. Release gives the buffer up; once nobody holds
// or pins it, a miss for another block may reuse it.
//
// Misuse (writing or releasing a buffer one does not hold, unpinning an
// unreferenced buffer) and running out of buffers are fatal and panic.
//

// Device is the disk the cache reads from and writes through to.
type Device interface {
	Rw(dev uint64, bn uint64, data disk.Block, write bool)
}

const noBucket uint64 = ^uint64(0)

type slot struct {
	lock *sleeplock.Lock

	// guarded by the bucket lock (or the free list lock while free)
	dev    uint64
	bn     uint64
	refcnt uint64
	bucket uint64

	// guarded by lock
	valid bool
	data  disk.Block
}

type Bcache struct {
	cfg     Config
	d       Device
	slots   []slot
	buckets []bucket
	alloc   allocator

	ops      [numOps]stats.Op
	counters [numEvents]stats.Counter
}

// Buf is one holder's claim on a buffer: it is returned locked by Read and
// dies at Release.
type Buf struct {
	bc     *Bcache
	i      uint64
	ticket sleeplock.Ticket
}

func MkBcache(cfg Config, d Device) *Bcache {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	bc := &Bcache{
		cfg:     cfg,
		d:       d,
		slots:   make([]slot, cfg.NBuf),
		buckets: make([]bucket, cfg.NBucket),
	}
	for h := range bc.buckets {
		bc.buckets[h] = mkBucket(cfg.NBuf)
	}
	bc.alloc = mkAllocator(bc)
	for i := uint64(0); i < cfg.NBuf; i++ {
		bc.slots[i] = slot{
			lock:   sleeplock.Mk("buffer"),
			dev:    NODEV,
			bucket: noBucket,
			data:   make(disk.Block, disk.BlockSize),
		}
		if fl, ok := bc.alloc.(*freeList); ok {
			fl.free = append(fl.free, i)
		} else {
			bc.link(bc.hash(i), i)
		}
	}
	util.DPrintf(1, "bcache: %d buffers, %d buckets, strategy %v\n",
		cfg.NBuf, cfg.NBucket, cfg.Strategy)
	return bc
}

// get returns the buffer for (dev, bn), referenced and locked, allocating
// one if the block is not cached.
func (bc *Bcache) get(dev uint64, bn uint64) *Buf {
	if dev == NODEV {
		panic("bcache: bad device")
	}
	h := bc.hash(bn)
	bk := &bc.buckets[h]

	bk.mu.Lock()
	if i, ok := bc.lookup(h, dev, bn); ok {
		bc.take(i)
		bk.mu.Unlock()
		bc.counters[hitEv].Inc()
		return bc.lockBuf(i)
	}
	i := bc.alloc.alloc(h, dev, bn)
	return bc.lockBuf(i)
}

func (bc *Bcache) lockBuf(i uint64) *Buf {
	t := bc.slots[i].lock.Acquire()
	return &Buf{bc: bc, i: i, ticket: t}
}

// Read returns a locked buffer holding the contents of block bn on dev.
func (bc *Bcache) Read(dev uint64, bn uint64) *Buf {
	defer bc.ops[readOp].Record(time.Now())
	b := bc.get(dev, bn)
	s := &bc.slots[b.i]
	if !s.valid {
		bc.d.Rw(dev, bn, s.data, false)
		s.valid = true
		bc.counters[diskReadEv].Inc()
	}
	return b
}

// Write writes b's data to disk. The caller must hold b.
func (bc *Bcache) Write(b *Buf) {
	defer bc.ops[writeOp].Record(time.Now())
	if !b.holding() {
		panic("bcache: write")
	}
	s := &bc.slots[b.i]
	bc.d.Rw(s.dev, s.bn, s.data, true)
	bc.counters[diskWriteEv].Inc()
}

// Release unlocks b and drops its reference. b must not be used afterwards.
func (bc *Bcache) Release(b *Buf) {
	defer bc.ops[releaseOp].Record(time.Now())
	if !b.holding() {
		panic("bcache: release")
	}
	s := &bc.slots[b.i]
	s.lock.Release(b.ticket)
	bc.counters[releaseEv].Inc()
	bc.deref(b.i)
}

// Pin adds a reference to b, so the block stays cached across later
// Read/Release cycles until the matching Unpin. The caller must hold b.
func (bc *Bcache) Pin(b *Buf) {
	defer bc.ops[pinOp].Record(time.Now())
	if !b.holding() {
		panic("bcache: pin")
	}
	// b's reference keeps the buffer in its bucket.
	s := &bc.slots[b.i]
	bk := &bc.buckets[s.bucket]
	bk.mu.Lock()
	s.refcnt++
	bk.mu.Unlock()
}

// Unpin drops a reference added by Pin; b need not be held.
func (bc *Bcache) Unpin(b *Buf) {
	defer bc.ops[unpinOp].Record(time.Now())
	bc.deref(b.i)
}

// deref drops one reference to buffer i. The bucket index is stable while
// the caller's reference keeps refcnt above 0.
func (bc *Bcache) deref(i uint64) {
	s := &bc.slots[i]
	h := s.bucket
	if h == noBucket {
		panic("bcache: unpin")
	}
	bk := &bc.buckets[h]
	bk.mu.Lock()
	if s.refcnt == 0 {
		bk.mu.Unlock()
		panic("bcache: unpin")
	}
	s.refcnt--
	if s.refcnt == 0 {
		bc.alloc.released(i)
	}
	bk.mu.Unlock()
}

func (b *Buf) holding() bool {
	return b.bc.slots[b.i].lock.Holding(b.ticket)
}

// Data returns the block contents; the caller must hold b.
func (b *Buf) Data() disk.Block {
	if !b.holding() {
		panic("bcache: data")
	}
	return b.bc.slots[b.i].data
}

func (b *Buf) Dev() uint64 {
	return b.bc.slots[b.i].dev
}

func (b *Buf) Blockno() uint64 {
	return b.bc.slots[b.i].bn
}

func (b *Buf) String() string {
	return fmt.Sprintf("buf %d (%d/%d)", b.i, b.Dev(), b.Blockno())
}
