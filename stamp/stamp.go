// Package stamp writes a self-describing header and a derived fill pattern
// into a block, so a reader can tell which block and which write it is
// looking at.
package stamp

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"
)

const MAGIC uint64 = 0x62636163686531 // "bcache1"

// HDRSZ is the on-disk size of a Header.
const HDRSZ uint64 = 8 + 8 + 8 + 8 + 4

type Header struct {
	Dev    uint64
	Bn     uint64
	Seq    uint64
	Writer uint32
}

func (h Header) Encode() []byte {
	enc := marshal.NewEnc(HDRSZ)
	enc.PutInt(MAGIC)
	enc.PutInt(h.Dev)
	enc.PutInt(h.Bn)
	enc.PutInt(h.Seq)
	enc.PutInt32(h.Writer)
	return enc.Finish()
}

// Decode returns false if b does not start with a header.
func Decode(b []byte) (Header, bool) {
	if uint64(len(b)) < HDRSZ {
		return Header{}, false
	}
	dec := marshal.NewDec(b[:HDRSZ])
	if dec.GetInt() != MAGIC {
		return Header{}, false
	}
	var h Header
	h.Dev = dec.GetInt()
	h.Bn = dec.GetInt()
	h.Seq = dec.GetInt()
	h.Writer = dec.GetInt32()
	return h, true
}

func fill(h Header, k uint64) byte {
	return byte(h.Seq + h.Bn + k)
}

// Put stamps data with h.
func Put(data disk.Block, h Header) {
	copy(data, h.Encode())
	for k := HDRSZ; k < uint64(len(data)); k++ {
		data[k] = fill(h, k)
	}
}

// Check verifies that data is either never written (all zero) or carries a
// stamp for (dev, bn) with an intact fill pattern. It returns the header,
// which is zero for an unwritten block.
func Check(data disk.Block, dev uint64, bn uint64) (Header, error) {
	h, ok := Decode(data)
	if !ok {
		for k, b := range data {
			if b != 0 {
				return Header{}, fmt.Errorf("block %d/%d: no stamp and byte %d is %#x",
					dev, bn, k, b)
			}
		}
		return Header{}, nil
	}
	if h.Dev != dev || h.Bn != bn {
		return h, fmt.Errorf("block %d/%d: holds stamp for %d/%d", dev, bn, h.Dev, h.Bn)
	}
	for k := HDRSZ; k < uint64(len(data)); k++ {
		if data[k] != fill(h, k) {
			return h, fmt.Errorf("block %d/%d seq %d: torn at byte %d", dev, bn, h.Seq, k)
		}
	}
	return h, nil
}
