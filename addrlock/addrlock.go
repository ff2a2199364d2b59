// Package addrlock provides exclusive locks on individual disk blocks,
// identified by (device, block number), without preallocating a lock per
// block.
package addrlock

import (
	"sync"
)

type Addr struct {
	Dev uint64
	Bn  uint64
}

type lockShard struct {
	mu      *sync.Mutex
	cond    *sync.Cond
	holders map[Addr]bool
}

func mkLockShard() *lockShard {
	mu := new(sync.Mutex)
	a := &lockShard{
		mu:      mu,
		cond:    sync.NewCond(mu),
		holders: make(map[Addr]bool),
	}
	return a
}

func (lmap *lockShard) acquire(addr Addr) {
	lmap.mu.Lock()
	for lmap.holders[addr] {
		lmap.cond.Wait()
	}
	lmap.holders[addr] = true
	lmap.mu.Unlock()
}

func (lmap *lockShard) release(addr Addr) {
	lmap.mu.Lock()
	if !lmap.holders[addr] {
		lmap.mu.Unlock()
		panic("addrlock: release of unlocked block")
	}
	delete(lmap.holders, addr)
	lmap.mu.Unlock()
	lmap.cond.Broadcast()
}


const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	shards := make([]*lockShard, NSHARD)
	for i := uint64(0); i < NSHARD; i++ {
		shards[i] = mkLockShard()
	}
	a := &LockMap{
		shards: shards,
	}
	return a
}

func (lmap *LockMap) shard(addr Addr) *lockShard {
	return lmap.shards[addr.Bn%NSHARD]
}

func (lmap *LockMap) Acquire(addr Addr) {
	lmap.shard(addr).acquire(addr)
}

func (lmap *LockMap) Release(addr Addr) {
	lmap.shard(addr).release(addr)
}

