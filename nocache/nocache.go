// Package nocache offers the buffer cache's Read/Write/Release contract
// without caching anything: every Read goes to disk. Blocks are still
// locked one holder at a time. It serves as a baseline for benchmarks.
package nocache

import (
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/addrlock"
	"github.com/mit-pdos/go-bcache/bcache"
)

type Bcache struct {
	d     bcache.Device
	locks *addrlock.LockMap
}

type Buf struct {
	addr addrlock.Addr
	data disk.Block
	held bool
}

func MkBcache(d bcache.Device) *Bcache {
	return &Bcache{d: d, locks: addrlock.MkLockMap()}
}

func (bc *Bcache) Read(dev uint64, bn uint64) *Buf {
	a := addrlock.Addr{Dev: dev, Bn: bn}
	bc.locks.Acquire(a)
	b := &Buf{addr: a, data: make(disk.Block, disk.BlockSize), held: true}
	bc.d.Rw(dev, bn, b.data, false)
	return b
}

func (bc *Bcache) Write(b *Buf) {
	if !b.held {
		panic("nocache: write")
	}
	bc.d.Rw(b.addr.Dev, b.addr.Bn, b.data, true)
}

func (bc *Bcache) Release(b *Buf) {
	if !b.held {
		panic("nocache: release")
	}
	b.held = false
	bc.locks.Release(b.addr)
}

func (b *Buf) Data() disk.Block {
	return b.data
}
