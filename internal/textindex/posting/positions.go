package posting

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/golang/snappy"
)

// Positions are the ascending offsets at which one token occurs in one point.
type Positions []uint32

func (p Positions) Contains(offset uint32) bool {
	_, found := slices.BinarySearch(p, offset)
	return found
}

// Add appends offset if it is larger than the last one, otherwise inserts it
// in order. Duplicates are ignored.
func (p *Positions) Add(offset uint32) {
	s := *p
	if n := len(s); n == 0 || s[n-1] < offset {
		*p = append(s, offset)
		return
	}
	i, found := slices.BinarySearch(s, offset)
	if !found {
		*p = slices.Insert(s, i, offset)
	}
}

// PositionCodec tags how a position block is stored.
type PositionCodec uint8

const (
	PositionsPlain PositionCodec = iota
	PositionsSnappy
)

// EncodePositionBlock serialises the positions of one token for every point
// of its posting list, in posting order. The block starts with one uint32
// offset per point so a single point can be read without scanning, followed
// by uvarint-encoded counts and gaps. Snappy is applied when it saves at
// least a quarter of the block.
func EncodePositionBlock(perPoint []Positions) (PositionCodec, []byte) {
	head := make([]byte, 4*len(perPoint))
	body := make([]byte, 0, 4*len(perPoint))
	var tmp [binary.MaxVarintLen32]byte
	for i, ps := range perPoint {
		binary.LittleEndian.PutUint32(head[4*i:], uint32(len(body)))
		n := binary.PutUvarint(tmp[:], uint64(len(ps)))
		body = append(body, tmp[:n]...)
		var prev uint32
		for j, off := range ps {
			gap := off
			if j > 0 {
				gap = off - prev
			}
			n = binary.PutUvarint(tmp[:], uint64(gap))
			body = append(body, tmp[:n]...)
			prev = off
		}
	}
	raw := append(head, body...)
	if len(raw) >= 64 {
		if compressed := snappy.Encode(nil, raw); len(compressed)*4 <= len(raw)*3 {
			return PositionsSnappy, compressed
		}
	}
	return PositionsPlain, raw
}

// PositionBlock is a read-only view over an encoded block for n points.
type PositionBlock struct {
	data []byte
	n    int
}

// NewPositionBlock validates and, when needed, decompresses a block.
// Plain blocks are not copied.
func NewPositionBlock(codec PositionCodec, data []byte, n int) (PositionBlock, error) {
	switch codec {
	case PositionsPlain:
	case PositionsSnappy:
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return PositionBlock{}, fmt.Errorf("decompressing position block: %w", err)
		}
		data = decoded
	default:
		return PositionBlock{}, fmt.Errorf("unknown position codec %d", codec)
	}
	if len(data) < 4*n {
		return PositionBlock{}, fmt.Errorf("position block: %d bytes for %d points", len(data), n)
	}
	return PositionBlock{data: data, n: n}, nil
}

// At returns the positions of the idx-th point of the posting list.
func (b PositionBlock) At(idx int) (Positions, error) {
	if idx < 0 || idx >= b.n {
		return nil, fmt.Errorf("position index %d out of range [0,%d)", idx, b.n)
	}
	body := b.data[4*b.n:]
	off := binary.LittleEndian.Uint32(b.data[4*idx:])
	if int(off) > len(body) {
		return nil, fmt.Errorf("position offset %d beyond block", off)
	}
	buf := body[off:]
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("reading position count at %d", off)
	}
	buf = buf[n:]
	out := make(Positions, 0, count)
	var acc uint32
	for i := uint64(0); i < count; i++ {
		gap, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("reading position %d at %d", i, off)
		}
		buf = buf[n:]
		acc += uint32(gap)
		out = append(out, acc)
	}
	return out, nil
}
