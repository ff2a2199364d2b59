package bcache

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/blkdev"
)

const DISKSZ uint64 = 1000

func mkCache(cfg Config) (*Bcache, *blkdev.Table) {
	tbl := blkdev.MkTable()
	tbl.Unstable = true
	d := disk.NewMemDisk(2 * DISKSZ)
	tbl.AttachPartition(0, d, 0, DISKSZ)
	tbl.AttachPartition(1, d, DISKSZ, DISKSZ)
	return MkBcache(cfg, tbl), tbl
}

func cfgFor(s Strategy) Config {
	cfg := DefaultConfig()
	cfg.Strategy = s
	return cfg
}

func forEachStrategy(t *testing.T, f func(t *testing.T, s Strategy)) {
	for _, s := range Strategies() {
		s := s
		t.Run(s.String(), func(t *testing.T) {
			f(t, s)
		})
	}
}

func mkData(b byte) []byte {
	data := make([]byte, disk.BlockSize)
	for i := range data {
		data[i] = b + byte(i%128)
	}
	return data
}

func TestReadZero(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		bc, _ := mkCache(cfgFor(s))
		b := bc.Read(0, 3)
		assert.Equal(t, uint64(0), b.Dev())
		assert.Equal(t, uint64(3), b.Blockno())
		assert.Equal(t, make([]byte, disk.BlockSize), []byte(b.Data()))
		bc.Release(b)
		bc.Check()
	})
}

func TestReadAfterWrite(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		assert := assert.New(t)
		bc, tbl := mkCache(cfgFor(s))

		b := bc.Read(1, 7)
		copy(b.Data(), mkData(7))
		bc.Write(b)
		bc.Release(b)
		assert.Equal(uint64(1), tbl.Reads())
		assert.Equal(uint64(1), tbl.Writes())

		b = bc.Read(1, 7)
		assert.Equal(mkData(7), []byte(b.Data()))
		bc.Release(b)
		assert.Equal(uint64(1), tbl.Reads(), "resident block must not be re-read")

		st := bc.Stats()
		assert.Equal(uint64(1), st.Misses)
		assert.Equal(uint64(1), st.Hits)
		assert.Equal(uint64(1), st.DiskReads)
		assert.Equal(uint64(1), st.DiskWrites)
		assert.Equal(uint64(2), st.Releases)
		bc.Check()
	})
}

func TestWriteThrough(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		cfg := cfgFor(s)
		cfg.NBuf = 2
		cfg.NBucket = 1
		bc, _ := mkCache(cfg)

		b := bc.Read(0, 1)
		copy(b.Data(), mkData(1))
		bc.Write(b)
		bc.Release(b)

		// push block 1 out of the cache
		for bn := uint64(2); bn < 6; bn++ {
			bc.Release(bc.Read(0, bn))
		}

		b = bc.Read(0, 1)
		assert.Equal(t, mkData(1), []byte(b.Data()))
		bc.Release(b)
		bc.Check()
	})
}

func TestDevicesAreDistinct(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		bc, _ := mkCache(cfgFor(s))
		b0 := bc.Read(0, 4)
		b1 := bc.Read(1, 4)
		assert.NotEqual(t, b0.i, b1.i)
		copy(b0.Data(), mkData(0))
		copy(b1.Data(), mkData(1))
		bc.Write(b0)
		bc.Write(b1)
		bc.Release(b0)
		bc.Release(b1)

		b := bc.Read(0, 4)
		assert.Equal(t, mkData(0), []byte(b.Data()))
		bc.Release(b)
		bc.Check()
	})
}

func TestCoalescingRead(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		assert := assert.New(t)
		bc, tbl := mkCache(cfgFor(s))

		first := bc.Read(0, 42)
		done := make(chan *Buf)
		go func() {
			done <- bc.Read(0, 42)
		}()

		select {
		case <-done:
			t.Fatal("second reader got the buffer while the first holds it")
		case <-time.After(20 * time.Millisecond):
		}
		bc.Release(first)
		second := <-done
		assert.Equal(first.i, second.i, "both readers share one buffer")
		assert.Equal(uint64(1), tbl.Reads(), "the block is loaded once")
		bc.Release(second)
		bc.Check()
	})
}

func TestContractViolations(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		bc, _ := mkCache(cfgFor(s))
		b := bc.Read(0, 1)
		bc.Release(b)
		assert.PanicsWithValue(t, "bcache: write", func() { bc.Write(b) })
		assert.PanicsWithValue(t, "bcache: release", func() { bc.Release(b) })
		assert.PanicsWithValue(t, "bcache: data", func() { b.Data() })

		// a handle from before a re-read does not hold the new acquisition
		b2 := bc.Read(0, 1)
		assert.PanicsWithValue(t, "bcache: release", func() { bc.Release(b) })
		bc.Release(b2)
		bc.Check()
	})
}

func TestUnpinUnderflow(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		bc, _ := mkCache(cfgFor(s))
		b := bc.Read(0, 1)
		bc.Release(b)
		assert.PanicsWithValue(t, "bcache: unpin", func() { bc.Unpin(b) })
		assert.PanicsWithValue(t, "bcache: pin", func() { bc.Pin(b) })
		bc.Check()
	})
}

func TestPinStaleHandle(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		cfg := cfgFor(s)
		cfg.NBuf = 1
		cfg.NBucket = 1
		bc, _ := mkCache(cfg)

		a := bc.Read(0, 1)
		bc.Release(a)
		b := bc.Read(0, 2)
		assert.Equal(t, a.i, b.i, "only one buffer")
		assert.PanicsWithValue(t, "bcache: pin", func() { bc.Pin(a) })
		assert.Equal(t, uint64(1), bc.slots[b.i].refcnt)
		bc.Release(b)
		bc.Check()

		// the buffer was not leaked
		bc.Release(bc.Read(0, 3))
	})
}

func TestExhaustionAndRecovery(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		bc, _ := mkCache(cfgFor(s))
		held := make([]*Buf, 0, NBUF)
		for bn := uint64(0); bn < NBUF; bn++ {
			held = append(held, bc.Read(0, bn*7))
		}
		assert.PanicsWithValue(t, "bcache: no buffers", func() { bc.Read(0, 999) })
		bc.Check()

		bc.Release(held[5])
		b := bc.Read(0, 999)
		assert.Equal(t, uint64(999), b.Blockno())
		bc.Release(b)
		for i, h := range held {
			if i != 5 {
				bc.Release(h)
			}
		}
		bc.Check()
	})
}

func TestHitOnHeldBlockDoesNotExhaust(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		bc, _ := mkCache(cfgFor(s))
		held := make([]*Buf, 0, NBUF)
		for bn := uint64(0); bn < NBUF; bn++ {
			held = append(held, bc.Read(0, bn))
		}
		bc.Pin(held[3])
		bc.Release(held[3])
		b := bc.Read(0, 3)
		assert.Equal(t, held[3].i, b.i)
		bc.Release(b)
		bc.Unpin(held[3])
		for i, h := range held {
			if i != 3 {
				bc.Release(h)
			}
		}
		bc.Check()
	})
}

func TestPinKeepsBlockResident(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		assert := assert.New(t)
		cfg := cfgFor(s)
		cfg.NBuf = 4
		cfg.NBucket = 3
		bc, tbl := mkCache(cfg)

		b := bc.Read(0, 100)
		bc.Pin(b)
		bc.Release(b)

		// cycle many blocks through the remaining buffers
		for bn := uint64(0); bn < 50; bn++ {
			bc.Release(bc.Read(0, bn))
		}
		reads := tbl.Reads()
		b2 := bc.Read(0, 100)
		assert.Equal(b.i, b2.i)
		assert.Equal(reads, tbl.Reads(), "pinned block stays cached")
		bc.Release(b2)
		bc.Unpin(b)
		bc.Check()

		// with the pin gone the buffer is reusable again
		held := make([]*Buf, 0, cfg.NBuf)
		for bn := uint64(200); bn < 200+cfg.NBuf; bn++ {
			held = append(held, bc.Read(0, bn))
		}
		for _, h := range held {
			bc.Release(h)
		}
		bc.Check()
	})
}

func TestPinnedCountsTowardExhaustion(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		cfg := cfgFor(s)
		cfg.NBuf = 3
		bc, _ := mkCache(cfg)
		var pinned []*Buf
		for bn := uint64(0); bn < cfg.NBuf; bn++ {
			b := bc.Read(0, bn)
			bc.Pin(b)
			bc.Release(b)
			pinned = append(pinned, b)
		}
		assert.PanicsWithValue(t, "bcache: no buffers", func() { bc.Read(0, 77) })
		bc.Unpin(pinned[0])
		bc.Release(bc.Read(0, 77))
		for _, b := range pinned[1:] {
			bc.Unpin(b)
		}
		bc.Check()
	})
}

func TestWorkingSetRefetch(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		run := func(ws uint64) uint64 {
			bc, tbl := mkCache(cfgFor(s))
			for round := 0; round < 5; round++ {
				for bn := uint64(0); bn < ws; bn++ {
					bc.Release(bc.Read(0, bn))
				}
			}
			bc.Check()
			return tbl.Reads()
		}
		assert.Equal(t, uint64(10), run(10), "a small working set is read once")
		assert.Greater(t, run(60), uint64(60), "a large working set is re-read")
	})
}

func TestSingleBucket(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		cfg := cfgFor(s)
		cfg.NBucket = 1
		cfg.NBuf = 5
		bc, _ := mkCache(cfg)
		for bn := uint64(0); bn < 20; bn++ {
			b := bc.Read(0, bn)
			copy(b.Data(), mkData(byte(bn)))
			bc.Write(b)
			bc.Release(b)
		}
		for bn := uint64(0); bn < 20; bn++ {
			b := bc.Read(0, bn)
			assert.Equal(t, mkData(byte(bn)), []byte(b.Data()))
			bc.Release(b)
		}
		bc.Check()
	})
}

func TestBadConfig(t *testing.T) {
	assert.Panics(t, func() { MkBcache(Config{NBuf: 0, NBucket: 1}, nil) })
	assert.Panics(t, func() { MkBcache(Config{NBuf: 1, NBucket: 0}, nil) })
	assert.Panics(t, func() { MkBcache(Config{NBuf: 1, NBucket: 1, Strategy: 9}, nil) })
}

func TestBadDevice(t *testing.T) {
	bc, _ := mkCache(DefaultConfig())
	assert.PanicsWithValue(t, "bcache: bad device", func() { bc.Read(NODEV, 0) })
}

// Eight threads read, check, and rewrite random blocks. A per-block holder
// count catches two threads inside the same block at once, which would
// happen if a block were resident in two buffers.
func TestConcurrentReadRelease(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		const (
			nthread = 8
			niter   = 5000
			nblock  = 200
		)
		bc, _ := mkCache(cfgFor(s))
		var holders [nblock]int32
		var wg sync.WaitGroup
		stop := make(chan struct{})
		checked := make(chan int)

		go func() {
			n := 0
			for {
				bc.Check()
				n++
				select {
				case <-stop:
					checked <- n
					return
				default:
				}
			}
		}()

		for th := 0; th < nthread; th++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				rnd := rand.New(rand.NewSource(seed))
				for i := 0; i < niter; i++ {
					bn := uint64(rnd.Intn(nblock))
					b := bc.Read(0, bn)
					if n := atomic.AddInt32(&holders[bn], 1); n != 1 {
						t.Errorf("block %d held by %d threads", bn, n)
					}
					data := b.Data()
					if data[0] != 0 && data[0] != byte(bn) {
						t.Errorf("block %d holds data of block %d", bn, data[0])
					}
					if rnd.Intn(4) == 0 {
						data[0] = byte(bn)
						bc.Write(b)
					}
					atomic.AddInt32(&holders[bn], -1)
					bc.Release(b)
				}
			}(int64(th))
		}
		wg.Wait()
		close(stop)
		require.Greater(t, <-checked, 0)
		bc.Check()

		st := bc.Stats()
		assert.Equal(t, uint64(nthread*niter), st.Hits+st.Misses)
		assert.Equal(t, uint64(nthread*niter), st.Releases)
	})
}

func TestConcurrentPinUnpin(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, s Strategy) {
		bc, _ := mkCache(cfgFor(s))
		b := bc.Read(0, 9)
		bc.Pin(b)
		bc.Release(b)

		var wg sync.WaitGroup
		for th := 0; th < 4; th++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					b := bc.Read(0, 9)
					bc.Pin(b)
					bc.Release(b)
					bc.Unpin(b)
				}
			}()
		}
		wg.Wait()
		bc.Unpin(b)
		bc.Check()

		// every reference is gone: the whole pool can be claimed
		held := make([]*Buf, 0, NBUF)
		for bn := uint64(500); bn < 500+NBUF; bn++ {
			held = append(held, bc.Read(0, bn))
		}
		for _, h := range held {
			bc.Release(h)
		}
	})
}

// A miss that finds, on its recheck, the block another thread brought in
// meanwhile must take that buffer instead of loading a second copy.
func TestMissRecheckTakesResident(t *testing.T) {
	for _, s := range []Strategy{Steal, GlobalScan} {
		t.Run(s.String(), func(t *testing.T) {
			assert := assert.New(t)
			cfg := cfgFor(s)
			cfg.NBuf = 2
			cfg.NBucket = 2
			bc, tbl := mkCache(cfg)

			b := bc.Read(0, 4)
			h := bc.hash(4)

			// replay a miss whose first lookup ran before b was loaded
			bc.buckets[h].mu.Lock()
			i := bc.alloc.alloc(h, 0, 4)
			assert.Equal(b.i, i)
			assert.Equal(uint64(2), bc.slots[i].refcnt)

			st := bc.Stats()
			assert.Equal(uint64(1), st.Races)
			assert.Equal(uint64(1), st.Hits)
			assert.Equal(uint64(1), st.Misses)
			assert.Equal(uint64(0), st.Steals)
			assert.Equal(uint64(1), tbl.Reads())

			bc.Release(b)
			bc.deref(i)
			bc.Check()
		})
	}
}
