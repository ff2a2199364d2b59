// Command bcache-stress hammers a buffer cache with concurrent random
// reads and writes, verifies every block it reads, and reports cache and
// disk statistics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"

	"github.com/mit-pdos/go-journal/util"
	flag "github.com/spf13/pflag"
)

type options struct {
	cfg        config
	cpuprofile string
	stats      bool
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("bcache-stress", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fl := defaultConfig()
	configPath := fs.String("config", "", "JSON (with comments) config file")
	fs.Uint64Var(&fl.NBuf, "nbuf", fl.NBuf, "number of buffers")
	fs.Uint64Var(&fl.NBucket, "nbucket", fl.NBucket, "number of hash buckets")
	fs.StringVar(&fl.Strategy, "strategy", fl.Strategy, "miss strategy: steal, global or freelist")
	fs.IntVarP(&fl.Threads, "threads", "t", fl.Threads, "number of threads")
	fs.IntVarP(&fl.Iters, "iters", "n", fl.Iters, "iterations per thread")
	fs.Uint64Var(&fl.Devices, "devices", fl.Devices, "number of devices (partitions of the disk)")
	fs.Uint64Var(&fl.Blocks, "blocks", fl.Blocks, "blocks per device")
	fs.Uint64Var(&fl.WorkingSet, "working-set", fl.WorkingSet, "blocks per device actually accessed (0 for all)")
	fs.Float64Var(&fl.WriteFrac, "write-frac", fl.WriteFrac, "fraction of reads followed by a write")
	fs.Float64Var(&fl.Rate, "rate", fl.Rate, "limit on total ops/sec (0 for none)")
	fs.StringVar(&fl.Disk, "disk", fl.Disk, "disk image (empty for MemDisk)")
	fs.BoolVar(&fl.Unstable, "unstable", fl.Unstable, "skip the barrier after each write")
	fs.StringVar(&fl.Report, "report", fl.Report, "write a JSON report to this file")
	fs.Int64Var(&fl.Seed, "seed", fl.Seed, "random seed")
	fs.StringVar(&opts.cpuprofile, "cpuprofile", "", "write cpu profile to file")
	fs.BoolVar(&opts.stats, "stats", true, "dump per-op stats to stderr at end")
	fs.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfigFile(*configPath, cfg)
		if err != nil {
			return opts, err
		}
	}

	overrides := map[string]func(){
		"nbuf":        func() { cfg.NBuf = fl.NBuf },
		"nbucket":     func() { cfg.NBucket = fl.NBucket },
		"strategy":    func() { cfg.Strategy = fl.Strategy },
		"threads":     func() { cfg.Threads = fl.Threads },
		"iters":       func() { cfg.Iters = fl.Iters },
		"devices":     func() { cfg.Devices = fl.Devices },
		"blocks":      func() { cfg.Blocks = fl.Blocks },
		"working-set": func() { cfg.WorkingSet = fl.WorkingSet },
		"write-frac":  func() { cfg.WriteFrac = fl.WriteFrac },
		"rate":        func() { cfg.Rate = fl.Rate },
		"disk":        func() { cfg.Disk = fl.Disk },
		"unstable":    func() { cfg.Unstable = fl.Unstable },
		"report":      func() { cfg.Report = fl.Report },
		"seed":        func() { cfg.Seed = fl.Seed },
	}
	fs.Visit(func(f *flag.Flag) {
		if o, ok := overrides[f.Name]; ok {
			o()
		}
	})

	if err := cfg.validate(); err != nil {
		return opts, err
	}
	opts.cfg = cfg
	return opts, nil
}

func run(ctx context.Context, opts options, stdout io.Writer, stderr io.Writer) error {
	d, err := mkDisk(opts.cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ts, err := mkTester(opts.cfg, d)
	if err != nil {
		return err
	}
	r, err := ts.run(ctx)
	if err != nil {
		return err
	}
	if err := r.addRusage(); err != nil {
		return err
	}
	if opts.stats {
		ts.writeStats(stderr)
	}
	r.print(stdout)
	if opts.cfg.Report != "" {
		return writeReport(opts.cfg.Report, r)
	}
	return nil
}

// startProfile starts CPU profiling into path. The caller stops it with
// pprof.StopCPUProfile, which also flushes the file.
func startProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cpuprofile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("cpuprofile: %w", err)
	}
	return nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "bcache-stress: %v\n", err)
		os.Exit(2)
	}

	if opts.cpuprofile != "" {
		if err := startProfile(opts.cpuprofile); err != nil {
			fmt.Fprintf(os.Stderr, "bcache-stress: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "bcache-stress: %v\n", err)
		stop()
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}
