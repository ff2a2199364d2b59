// Command bcache-bench measures throughput and disk reads of each miss
// strategy across a sweep of working-set sizes.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mit-pdos/go-journal/util"
	"github.com/rodaine/table"
	flag "github.com/spf13/pflag"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/blkdev"
	"github.com/mit-pdos/go-bcache/nocache"
)

// access reads and releases one block.
type access func(bn uint64)

func cached(bc *bcache.Bcache) access {
	return func(bn uint64) {
		bc.Release(bc.Read(0, bn))
	}
}

func uncached(bc *nocache.Bcache) access {
	return func(bn uint64) {
		bc.Release(bc.Read(0, bn))
	}
}

func client(acc access, duration time.Duration, ws uint64, seed int64) int {
	rnd := rand.New(rand.NewSource(seed))
	start := time.Now()
	i := 0
	for {
		acc(uint64(rnd.Int63n(int64(ws))))
		i++
		if time.Since(start) >= duration {
			break
		}
	}
	return i
}

func run(acc access, duration time.Duration, nt int, ws uint64) int {
	count := make(chan int)
	for i := 0; i < nt; i++ {
		go func(tid int) {
			count <- client(acc, duration, ws, int64(tid))
		}(i)
	}
	n := 0
	for i := 0; i < nt; i++ {
		n += <-count
	}
	return n
}

type result struct {
	strategy string
	ws       uint64
	ops      int
	reads    uint64
	elapsed  time.Duration
}

const uncachedName = "none"

// bench runs one configuration; strategy "none" bypasses the cache.
func bench(cfg bcache.Config, strategy string, d disk.Disk, duration time.Duration, nt int, ws uint64) result {
	tbl := blkdev.MkTable()
	tbl.Unstable = true
	tbl.Attach(0, d)
	var acc access
	if strategy == uncachedName {
		acc = uncached(nocache.MkBcache(tbl))
	} else {
		acc = cached(bcache.MkBcache(cfg, tbl))
	}

	// warmup (skip if running for very little time, for example when using a
	// duration of 0s to run just one iteration)
	if duration > 500*time.Millisecond {
		run(acc, 500*time.Millisecond, nt, ws)
	}
	tbl.ResetStats()
	start := time.Now()
	n := run(acc, duration, nt, ws)
	return result{
		strategy: strategy,
		ws:       ws,
		ops:      n,
		reads:    tbl.Reads(),
		elapsed:  time.Since(start),
	}
}

func parseSizes(s string) ([]uint64, error) {
	var sizes []uint64
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("bad working-set size %q", f)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func main() {
	var duration time.Duration
	var nthread int
	var nbuf, nbucket, nblocks uint64
	var sizeList, strategyList string
	flag.DurationVar(&duration, "benchtime", 2*time.Second, "time to run each configuration for")
	flag.IntVar(&nthread, "threads", 8, "number of threads")
	flag.Uint64Var(&nbuf, "nbuf", bcache.NBUF, "number of buffers")
	flag.Uint64Var(&nbucket, "nbucket", bcache.NBUCKET, "number of hash buckets")
	flag.Uint64Var(&nblocks, "blocks", 10000, "disk size in blocks")
	flag.StringVar(&sizeList, "working-sets", "10,20,30,60,1000,10000", "comma-separated working-set sizes")
	flag.StringVar(&strategyList, "strategies", "none,steal,global,freelist", "comma-separated strategies (none bypasses the cache)")
	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()

	sizes, err := parseSizes(sizeList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcache-bench: %v\n", err)
		os.Exit(2)
	}
	if nthread < 1 || uint64(nthread) > nbuf {
		fmt.Fprintf(os.Stderr, "bcache-bench: need 1..%d threads\n", nbuf)
		os.Exit(2)
	}

	d := disk.NewMemDisk(nblocks)
	out := table.New("strategy", "working set", "ops/sec", "disk reads", "reads/op")
	for _, name := range strings.Split(strategyList, ",") {
		name = strings.TrimSpace(name)
		cfg := bcache.Config{NBuf: nbuf, NBucket: nbucket}
		if name != uncachedName {
			s, err := bcache.ParseStrategy(name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bcache-bench: %v\n", err)
				os.Exit(2)
			}
			cfg.Strategy = s
			name = s.String()
		}
		for _, ws := range sizes {
			if ws > nblocks {
				ws = nblocks
			}
			r := bench(cfg, name, d, duration, nthread, ws)
			var perOp float64
			if r.ops > 0 {
				perOp = float64(r.reads) / float64(r.ops)
			}
			out.AddRow(r.strategy, r.ws,
				fmt.Sprintf("%0.0f", float64(r.ops)/r.elapsed.Seconds()),
				r.reads, fmt.Sprintf("%0.3f", perOp))
		}
	}
	out.Print()
}
