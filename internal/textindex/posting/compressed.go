package posting

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/jwilder/encoding/simple8b"
)

// Encoding tags how a frozen posting list is laid out in bytes. The tag is
// persisted in the index file, so values must never be renumbered.
type Encoding uint8

const (
	// EncodingRaw stores each point as a little-endian uint32.
	EncodingRaw Encoding = iota
	// EncodingSimple8b stores the gaps between points packed into
	// big-endian simple8b words.
	EncodingSimple8b
	// EncodingRoaring stores a serialised roaring bitmap. Only chosen for
	// dense lists.
	EncodingRoaring
)

// roaringDensity is the minimum fraction (1/n) of the id span a list must
// cover before a bitmap is tried.
const roaringDensity = 16

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingSimple8b:
		return "simple8b"
	case EncodingRoaring:
		return "roaring"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// Encode picks the smallest encoding for l.
func Encode(l List) (Encoding, []byte, error) {
	bestEnc, best := EncodingRaw, encodeRaw(l)
	if len(l) < 2 {
		return bestEnc, best, nil
	}

	packed, err := encodeSimple8b(l)
	if err != nil {
		return 0, nil, fmt.Errorf("simple8b encoding: %w", err)
	}
	if len(packed) < len(best) {
		bestEnc, best = EncodingSimple8b, packed
	}

	span := uint64(l[len(l)-1]-l[0]) + 1
	if uint64(len(l))*roaringDensity >= span {
		bm := roaring.New()
		bm.AddMany(l)
		bm.RunOptimize()
		data, err := bm.ToBytes()
		if err != nil {
			return 0, nil, fmt.Errorf("roaring encoding: %w", err)
		}
		if len(data) < len(best) {
			bestEnc, best = EncodingRoaring, data
		}
	}
	return bestEnc, best, nil
}

func encodeRaw(l List) []byte {
	out := make([]byte, 4*len(l))
	for i, p := range l {
		binary.LittleEndian.PutUint32(out[4*i:], p)
	}
	return out
}

func encodeSimple8b(l List) ([]byte, error) {
	gaps := make([]uint64, len(l))
	var prev PointOffset
	for i, p := range l {
		if i == 0 {
			gaps[i] = uint64(p)
		} else {
			gaps[i] = uint64(p - prev)
		}
		prev = p
	}
	words, err := simple8b.EncodeAll(gaps)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint64(out[8*i:], w)
	}
	return out, nil
}

// Compressed is a read-only view over an encoded posting list. It does not
// copy data, so data must outlive the view (for mmap-backed lists, the
// mapping must stay open).
type Compressed struct {
	enc  Encoding
	data []byte
	n    int
	bm   *roaring.Bitmap
}

// NewCompressed wraps data holding n points encoded as enc.
func NewCompressed(enc Encoding, data []byte, n int) (Compressed, error) {
	c := Compressed{enc: enc, data: data, n: n}
	switch enc {
	case EncodingRaw:
		if len(data) != 4*n {
			return Compressed{}, fmt.Errorf("raw posting list: %d bytes for %d points", len(data), n)
		}
	case EncodingSimple8b:
		if len(data)%8 != 0 {
			return Compressed{}, fmt.Errorf("simple8b posting list: length %d not word aligned", len(data))
		}
	case EncodingRoaring:
		bm := roaring.New()
		if _, err := bm.FromBuffer(data); err != nil {
			return Compressed{}, fmt.Errorf("roaring posting list: %w", err)
		}
		if int(bm.GetCardinality()) != n {
			return Compressed{}, fmt.Errorf("roaring posting list: cardinality %d, expected %d", bm.GetCardinality(), n)
		}
		c.bm = bm
	default:
		return Compressed{}, fmt.Errorf("unknown posting encoding %d", enc)
	}
	return c, nil
}

func (c Compressed) Encoding() Encoding { return c.enc }

func (c Compressed) Len() int { return c.n }

// Size is the encoded size in bytes.
func (c Compressed) Size() int { return len(c.data) }

// Contains probes for p without materialising the list where the encoding
// allows it.
func (c Compressed) Contains(p PointOffset) bool {
	switch c.enc {
	case EncodingRaw:
		lo, hi := 0, c.n
		for lo < hi {
			mid := int(uint(lo+hi) >> 1)
			v := binary.LittleEndian.Uint32(c.data[4*mid:])
			switch {
			case v == p:
				return true
			case v < p:
				lo = mid + 1
			default:
				hi = mid
			}
		}
		return false
	case EncodingRoaring:
		return c.bm.Contains(p)
	default:
		found := false
		c.forEach(func(v PointOffset) bool {
			if v >= p {
				found = v == p
				return false
			}
			return true
		})
		return found
	}
}

// Decode materialises the list.
func (c Compressed) Decode() (List, error) {
	switch c.enc {
	case EncodingRaw:
		out := make(List, c.n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(c.data[4*i:])
		}
		return out, nil
	case EncodingRoaring:
		return List(c.bm.ToArray()), nil
	case EncodingSimple8b:
		words := make([]uint64, len(c.data)/8)
		for i := range words {
			words[i] = binary.BigEndian.Uint64(c.data[8*i:])
		}
		// DecodeAll writes whole selector blocks, so leave room for one.
		gaps := make([]uint64, c.n+240)
		n, err := simple8b.DecodeAll(gaps, words)
		if err != nil {
			return nil, fmt.Errorf("decoding simple8b posting list: %w", err)
		}
		if n != c.n {
			return nil, fmt.Errorf("decoding simple8b posting list: got %d points, expected %d", n, c.n)
		}
		out := make(List, n)
		var acc uint64
		for i, g := range gaps[:n] {
			acc += g
			out[i] = PointOffset(acc)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown posting encoding %d", c.enc)
	}
}

func (c Compressed) forEach(fn func(PointOffset) bool) {
	dec := simple8b.NewDecoder(c.data)
	var acc uint64
	for i := 0; i < c.n && dec.Next(); i++ {
		acc += dec.Read()
		if !fn(PointOffset(acc)) {
			return
		}
	}
}

// Equal reports whether two lists hold the same points.
func Equal(a, b List) bool {
	return slices.Equal(a, b)
}
