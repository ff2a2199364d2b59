package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rodaine/table"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-bcache/bcache"
)

type report struct {
	Config     config       `json:"config"`
	Elapsed    string       `json:"elapsed"`
	Ops        uint64       `json:"ops"`
	OpsPerSec  float64      `json:"ops_per_sec"`
	Writes     uint64       `json:"writes"`
	Touched    uint64       `json:"touched"` // distinct blocks accessed
	Cache      bcache.Stats `json:"cache"`
	DiskReads  uint64       `json:"disk_reads"`
	DiskWrites uint64       `json:"disk_writes"`
	MaxRSSKB   int64        `json:"max_rss_kb"`
	UserTime   string       `json:"user_time"`
	SysTime    string       `json:"sys_time"`
}

func (r *report) addRusage() error {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return fmt.Errorf("getrusage: %w", err)
	}
	r.MaxRSSKB = int64(ru.Maxrss)
	r.UserTime = time.Duration(ru.Utime.Nano()).String()
	r.SysTime = time.Duration(ru.Stime.Nano()).String()
	return nil
}

func (r *report) print(w io.Writer) {
	tbl := table.New("metric", "value")
	tbl.WithWriter(w)
	tbl.AddRow("strategy", r.Config.Strategy)
	tbl.AddRow("buffers/buckets", fmt.Sprintf("%d/%d", r.Config.NBuf, r.Config.NBucket))
	tbl.AddRow("threads", r.Config.Threads)
	tbl.AddRow("ops", r.Ops)
	tbl.AddRow("ops/sec", fmt.Sprintf("%0.0f", r.OpsPerSec))
	tbl.AddRow("elapsed", r.Elapsed)
	tbl.AddRow("blocks touched", r.Touched)
	tbl.AddRow("disk reads", r.DiskReads)
	tbl.AddRow("disk writes", r.DiskWrites)
	if r.Ops > 0 {
		tbl.AddRow("hit rate", fmt.Sprintf("%0.3f", float64(r.Cache.Hits)/float64(r.Ops)))
	}
	if r.UserTime != "" {
		tbl.AddRow("user/sys", r.UserTime+"/"+r.SysTime)
		tbl.AddRow("max rss", fmt.Sprintf("%d KB", r.MaxRSSKB))
	}
	tbl.Print()
}

func writeReport(path string, r *report) error {
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	buf = append(buf, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
