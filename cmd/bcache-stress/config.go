package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/tailscale/hujson"

	"github.com/mit-pdos/go-bcache/bcache"
)

// config is loaded from defaults, then an optional JSON-with-comments file,
// then command-line flags.
type config struct {
	NBuf       uint64  `json:"nbuf"`
	NBucket    uint64  `json:"nbucket"`
	Strategy   string  `json:"strategy"`
	Threads    int     `json:"threads"`
	Iters      int     `json:"iters"`
	Devices    uint64  `json:"devices"`
	Blocks     uint64  `json:"blocks"`      // blocks per device
	WorkingSet uint64  `json:"working_set"` // 0 means all blocks
	WriteFrac  float64 `json:"write_frac"`  // fraction of reads followed by a write
	Rate       float64 `json:"rate"`        // ops/sec across all threads, 0 for no limit
	Disk       string  `json:"disk"`        // disk image, empty for a MemDisk
	Unstable   bool    `json:"unstable"`
	Report     string  `json:"report"`
	Seed       int64   `json:"seed"`
}

func defaultConfig() config {
	return config{
		NBuf:      bcache.NBUF,
		NBucket:   bcache.NBUCKET,
		Strategy:  bcache.Steal.String(),
		Threads:   8,
		Iters:     100000,
		Devices:   1,
		Blocks:    10000,
		WriteFrac: 0.1,
		Unstable:  true,
		Seed:      1,
	}
}

var errConfig = errors.New("invalid config")

func loadConfigFile(path string, cfg config) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}
	// fields absent from the file keep their current values
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg config) cacheConfig() (bcache.Config, error) {
	s, err := bcache.ParseStrategy(cfg.Strategy)
	if err != nil {
		return bcache.Config{}, fmt.Errorf("%w: %w", errConfig, err)
	}
	c := bcache.Config{NBuf: cfg.NBuf, NBucket: cfg.NBucket, Strategy: s}
	if err := c.Validate(); err != nil {
		return bcache.Config{}, fmt.Errorf("%w: %w", errConfig, err)
	}
	return c, nil
}

func (cfg config) validate() error {
	if _, err := cfg.cacheConfig(); err != nil {
		return err
	}
	switch {
	case cfg.Threads < 1:
		return fmt.Errorf("%w: threads must be at least 1", errConfig)
	case cfg.Iters < 0:
		return fmt.Errorf("%w: iters must not be negative", errConfig)
	case cfg.Devices < 1 || cfg.Blocks < 1:
		return fmt.Errorf("%w: need at least one device and one block", errConfig)
	case cfg.Devices*cfg.Blocks > math.MaxUint32 || cfg.Blocks > math.MaxUint32:
		return fmt.Errorf("%w: at most %d blocks in total", errConfig, uint64(math.MaxUint32))
	case cfg.WorkingSet > cfg.Blocks:
		return fmt.Errorf("%w: working set %d larger than %d blocks",
			errConfig, cfg.WorkingSet, cfg.Blocks)
	case cfg.WriteFrac < 0 || cfg.WriteFrac > 1:
		return fmt.Errorf("%w: write_frac must be in [0, 1]", errConfig)
	case cfg.Rate < 0:
		return fmt.Errorf("%w: rate must not be negative", errConfig)
	case uint64(cfg.Threads) > cfg.NBuf:
		// each thread holds at most one buffer at a time
		return fmt.Errorf("%w: %d threads can exhaust %d buffers",
			errConfig, cfg.Threads, cfg.NBuf)
	}
	return nil
}

func (cfg config) workingSet() uint64 {
	if cfg.WorkingSet == 0 {
		return cfg.Blocks
	}
	return cfg.WorkingSet
}
