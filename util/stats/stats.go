// package stats tracks operation latencies and event counts
package stats

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rodaine/table"
)

type Op struct {
	count uint64
	nanos uint64
}

func (op *Op) Record(start time.Time) {
	atomic.AddUint64(&op.count, 1)
	dur := time.Since(start)
	atomic.AddUint64(&op.nanos, uint64(dur.Nanoseconds()))
}

func (op *Op) Reset() {
	atomic.StoreUint64(&op.count, 0)
	atomic.StoreUint64(&op.nanos, 0)
}

func (op *Op) Count() uint64 {
	return atomic.LoadUint64(&op.count)
}

func (op *Op) load() Op {
	return Op{
		count: atomic.LoadUint64(&op.count),
		nanos: atomic.LoadUint64(&op.nanos),
	}
}

func (op Op) MicrosPerOp() float64 {
	if op.count == 0 {
		return 0
	}
	return float64(op.nanos) / float64(op.count) / 1e3
}

// A Counter is an event count, safe for concurrent use.
type Counter struct {
	n uint64
}

func (c *Counter) Inc() {
	atomic.AddUint64(&c.n, 1)
}

func (c *Counter) Load() uint64 {
	return atomic.LoadUint64(&c.n)
}

func (c *Counter) Reset() {
	atomic.StoreUint64(&c.n, 0)
}

func WriteTable(names []string, ops []Op, w io.Writer) {
	if len(names) != len(ops) {
		panic("mismatched names and ops lists")
	}
	tbl := table.New("op", "count", "us")
	tbl.WithWriter(w)
	var totalOp Op
	for i, name := range names {
		op := ops[i].load()
		totalOp.count += op.count
		totalOp.nanos += op.nanos
		micros := fmt.Sprintf("%0.1f us/op", op.MicrosPerOp())
		tbl.AddRow(name, op.count, micros)
	}
	totalMicros := float64(totalOp.nanos) / 1e3
	tbl.AddRow("total", totalOp.count, fmt.Sprintf("%0.1f us", totalMicros))
	tbl.Print()
}

func WriteCounters(names []string, counters []Counter, w io.Writer) {
	if len(names) != len(counters) {
		panic("mismatched names and counters lists")
	}
	tbl := table.New("event", "count")
	tbl.WithWriter(w)
	for i, name := range names {
		tbl.AddRow(name, counters[i].Load())
	}
	tbl.Print()
}

func FormatTable(names []string, ops []Op) string {
	buf := new(bytes.Buffer)
	WriteTable(names, ops, buf)
	return buf.String()
}
