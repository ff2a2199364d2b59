package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/blkdev"
	"github.com/mit-pdos/go-bcache/stamp"
)

type tester struct {
	cfg    config
	bc     *bcache.Bcache
	tbl    *blkdev.Table
	lim    *rate.Limiter
	latest []uint64 // seq of the last write to each block, by flat index
	seq    uint64
	writes uint64
}

func mkDisk(cfg config) (disk.Disk, error) {
	nblocks := cfg.Devices * cfg.Blocks
	if cfg.Disk == "" {
		return disk.NewMemDisk(nblocks), nil
	}
	util.DPrintf(1, "stress: file disk %s, %d blocks\n", cfg.Disk, nblocks)
	d, err := disk.NewFileDisk(cfg.Disk, nblocks)
	if err != nil {
		return nil, fmt.Errorf("could not create disk: %w", err)
	}
	return d, nil
}

func mkTester(cfg config, d disk.Disk) (*tester, error) {
	ccfg, err := cfg.cacheConfig()
	if err != nil {
		return nil, err
	}
	tbl := blkdev.MkTable()
	tbl.Unstable = cfg.Unstable
	for dev := uint64(0); dev < cfg.Devices; dev++ {
		tbl.AttachPartition(dev, d, dev*cfg.Blocks, cfg.Blocks)
	}
	ts := &tester{
		cfg:    cfg,
		bc:     bcache.MkBcache(ccfg, tbl),
		tbl:    tbl,
		latest: make([]uint64, cfg.Devices*cfg.Blocks),
	}
	if cfg.Rate > 0 {
		ts.lim = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Threads)
	}
	return ts, nil
}

// access reads one block, checks its stamp against the last write this run
// made to it, and sometimes rewrites it.
func (ts *tester) access(rnd *rand.Rand, id int, dev uint64, bn uint64) error {
	flat := dev*ts.cfg.Blocks + bn
	b := ts.bc.Read(dev, bn)
	defer ts.bc.Release(b)

	h, err := stamp.Check(b.Data(), dev, bn)
	if err != nil {
		return err
	}
	// blocks not written by this run may carry stamps from an earlier one
	if want := atomic.LoadUint64(&ts.latest[flat]); want != 0 && h.Seq != want {
		return fmt.Errorf("block %d/%d: read seq %d, last write was %d",
			dev, bn, h.Seq, want)
	}
	if rnd.Float64() < ts.cfg.WriteFrac {
		seq := atomic.AddUint64(&ts.seq, 1)
		stamp.Put(b.Data(), stamp.Header{Dev: dev, Bn: bn, Seq: seq, Writer: uint32(id)})
		ts.bc.Write(b)
		atomic.StoreUint64(&ts.latest[flat], seq)
		atomic.AddUint64(&ts.writes, 1)
	}
	return nil
}

func (ts *tester) worker(ctx context.Context, id int, touched *roaring.Bitmap) error {
	rnd := rand.New(rand.NewSource(ts.cfg.Seed + int64(id)))
	ws := int64(ts.cfg.workingSet())
	for i := 0; i < ts.cfg.Iters; i++ {
		if ts.lim != nil {
			if err := ts.lim.Wait(ctx); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		dev := uint64(rnd.Int63n(int64(ts.cfg.Devices)))
		bn := uint64(rnd.Int63n(ws))
		touched.Add(uint32(dev*ts.cfg.Blocks + bn))
		if err := ts.access(rnd, id, dev, bn); err != nil {
			return fmt.Errorf("thread %d iter %d: %w", id, i, err)
		}
	}
	return nil
}

func (ts *tester) run(ctx context.Context) (*report, error) {
	touched := make([]*roaring.Bitmap, ts.cfg.Threads)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for id := 0; id < ts.cfg.Threads; id++ {
		id := id
		touched[id] = roaring.New()
		g.Go(func() error {
			return ts.worker(gctx, id, touched[id])
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}
	ts.bc.Check()

	ops := uint64(ts.cfg.Threads) * uint64(ts.cfg.Iters)
	r := &report{
		Config:     ts.cfg,
		Elapsed:    elapsed.String(),
		Ops:        ops,
		Writes:     atomic.LoadUint64(&ts.writes),
		Touched:    roaring.FastOr(touched...).GetCardinality(),
		Cache:      ts.bc.Stats(),
		DiskReads:  ts.tbl.Reads(),
		DiskWrites: ts.tbl.Writes(),
	}
	if elapsed > 0 {
		r.OpsPerSec = float64(ops) / elapsed.Seconds()
	}
	return r, nil
}

func (ts *tester) writeStats(w io.Writer) {
	ts.bc.WriteStats(w)
	ts.tbl.WriteStats(w)
}
