package nocache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/blkdev"
)

func TestEveryReadHitsDisk(t *testing.T) {
	tbl := blkdev.MkTable()
	tbl.Unstable = true
	tbl.Attach(0, disk.NewMemDisk(10))
	bc := MkBcache(tbl)

	b := bc.Read(0, 3)
	b.Data()[0] = 9
	bc.Write(b)
	bc.Release(b)

	b = bc.Read(0, 3)
	assert.Equal(t, byte(9), b.Data()[0])
	bc.Release(b)
	assert.Equal(t, uint64(2), tbl.Reads())

	assert.PanicsWithValue(t, "nocache: write", func() { bc.Write(b) })
	assert.PanicsWithValue(t, "nocache: release", func() { bc.Release(b) })
}
