// Package blkdev maps device numbers onto goose disks and performs the
// synchronous block transfers the buffer cache asks for.
//
// A device is either a whole disk.Disk or a contiguous partition of one.
// Every transfer is timed; see WriteStats.
package blkdev

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goose-lang/std"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/util/stats"
)

type part struct {
	d     disk.Disk
	start uint64
	size  uint64
}

type Table struct {
	mu   *sync.RWMutex
	devs map[uint64]part
	ops  [3]stats.Op

	// Unstable skips the barrier after each write. By default every write
	// reaches stable storage before Rw returns.
	Unstable bool
}

const (
	readOp int = iota
	writeOp
	barrierOp
)

var opNames = []string{"disk.Read", "disk.Write", "disk.Barrier"}

func MkTable() *Table {
	return &Table{
		mu:   new(sync.RWMutex),
		devs: make(map[uint64]part),
	}
}

// Attach makes all of d available as device dev.
func (t *Table) Attach(dev uint64, d disk.Disk) {
	t.AttachPartition(dev, d, 0, d.Size())
}

// AttachPartition makes blocks [start, start+nblocks) of d available as
// device dev, addressed from block 0.
func (t *Table) AttachPartition(dev uint64, d disk.Disk, start uint64, nblocks uint64) {
	if nblocks > d.Size() || start > d.Size()-nblocks {
		panic(fmt.Sprintf("blkdev: partition [%d,+%d) beyond disk of %d blocks",
			start, nblocks, d.Size()))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devs[dev]; ok {
		panic(fmt.Sprintf("blkdev: device %d already attached", dev))
	}
	t.devs[dev] = part{d: d, start: start, size: nblocks}
	util.DPrintf(1, "blkdev: attach dev %d start %d size %d\n", dev, start, nblocks)
}

func (t *Table) lookup(dev uint64) part {
	t.mu.RLock()
	p, ok := t.devs[dev]
	t.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("blkdev: no device %d", dev))
	}
	return p
}

// Size returns the number of blocks on dev.
func (t *Table) Size(dev uint64) uint64 {
	return t.lookup(dev).size
}

// Rw transfers one block between data and block bn of dev. data must be
// exactly disk.BlockSize bytes.
func (t *Table) Rw(dev uint64, bn uint64, data disk.Block, write bool) {
	if uint64(len(data)) != disk.BlockSize {
		panic(fmt.Sprintf("blkdev: transfer of %d bytes", len(data)))
	}
	p := t.lookup(dev)
	if bn >= p.size {
		panic(fmt.Sprintf("blkdev: block %d out of range on dev %d (size %d)",
			bn, dev, p.size))
	}
	a := std.SumAssumeNoOverflow(p.start, bn)
	if write {
		t.write(p.d, a, data)
		return
	}
	t.read(p.d, a, data)
}

func (t *Table) read(d disk.Disk, a uint64, data disk.Block) {
	defer t.ops[readOp].Record(time.Now())
	util.DPrintf(10, "blkdev: read %d\n", a)
	copy(data, d.Read(a))
}

func (t *Table) write(d disk.Disk, a uint64, data disk.Block) {
	start := time.Now()
	util.DPrintf(10, "blkdev: write %d\n", a)
	d.Write(a, data)
	t.ops[writeOp].Record(start)
	if !t.Unstable {
		start = time.Now()
		d.Barrier()
		t.ops[barrierOp].Record(start)
	}
}

// Reads returns the number of block reads issued since the last reset.
func (t *Table) Reads() uint64 {
	return t.ops[readOp].Count()
}

// Writes returns the number of block writes issued since the last reset.
func (t *Table) Writes() uint64 {
	return t.ops[writeOp].Count()
}

func (t *Table) WriteStats(w io.Writer) {
	stats.WriteTable(opNames, t.ops[:], w)
}

func (t *Table) ResetStats() {
	for i := range t.ops {
		t.ops[i].Reset()
	}
}
