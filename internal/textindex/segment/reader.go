package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/index"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

// Reader serves an index file straight from its memory mapping. Every slice
// it holds points into the mapping, which stays valid until Close.
type Reader struct {
	path   string
	data   []byte
	header Header

	dir        []byte
	postings   []byte
	positions  []byte
	counts     []byte
	vocabOffs  []byte
	vocabTerms []byte
	// lists are validated views over the posting section, one per token.
	lists []posting.Compressed

	wg sync.WaitGroup
}

var _ index.Inverted = (*Reader)(nil)

// Open maps path and validates its structure and checksum.
func Open(path string) (*Reader, error) {
	data, err := mmapFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping index file: %w", err)
	}
	r := &Reader{path: path, data: data}
	if err := r.init(); err != nil {
		munmap(data)
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return r, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperrors.ErrCorruptFile)
}

func (r *Reader) init() error {
	if len(r.data) < HeaderSize+FooterSize {
		return corrupt("file too short (%d bytes)", len(r.data))
	}
	h := decodeHeader(r.data[:HeaderSize])
	if h.Magic != Magic {
		return corrupt("bad magic bytes %x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("version %d: %w", h.Version, apperrors.ErrUnsupportedVersion)
	}

	body := uint64(len(r.data) - HeaderSize - FooterSize)
	for _, sz := range []uint64{h.DirSize, h.PostingsSize, h.PositionsSize, h.CountsSize, h.VocabSize} {
		if sz > body {
			return corrupt("section of %d bytes exceeds file size %d", sz, len(r.data))
		}
	}
	if h.DirSize+h.PostingsSize+h.PositionsSize+h.CountsSize+h.VocabSize != body {
		return corrupt("section sizes do not match file size %d", len(r.data))
	}
	if h.DirSize != uint64(DirEntrySize)*uint64(h.TokenCount) || h.CountsSize != uint64(CountEntrySize)*uint64(h.PointCount) ||
		h.VocabSize < 4*(uint64(h.TokenCount)+1) {
		return corrupt("inconsistent section sizes")
	}

	footer := r.data[len(r.data)-FooterSize:]
	if binary.LittleEndian.Uint32(footer[8:12]) != Magic {
		return corrupt("bad footer magic")
	}
	if want, got := binary.LittleEndian.Uint64(footer[0:8]), xxhash.Sum64(r.data[:len(r.data)-FooterSize]); want != got {
		return corrupt("checksum mismatch: stored %x, computed %x", want, got)
	}

	off := uint64(HeaderSize)
	next := func(n uint64) []byte {
		b := r.data[off : off+n]
		off += n
		return b
	}
	r.header = h
	r.dir = next(h.DirSize)
	r.postings = next(h.PostingsSize)
	r.positions = next(h.PositionsSize)
	r.counts = next(h.CountsSize)
	vocab := next(h.VocabSize)
	split := 4 * (int(h.TokenCount) + 1)
	r.vocabOffs, r.vocabTerms = vocab[:split], vocab[split:]

	if last := r.vocabOffset(int(h.TokenCount)); last != len(r.vocabTerms) {
		return corrupt("vocabulary holds %d bytes, offsets end at %d", len(r.vocabTerms), last)
	}
	for id := 0; id < int(h.TokenCount); id++ {
		if r.vocabOffset(id) > r.vocabOffset(id+1) {
			return corrupt("vocabulary offsets not ascending at token %d", id)
		}
		e := r.entry(index.TokenID(id))
		if e.PostingOff+uint64(e.PostingSize) > h.PostingsSize {
			return corrupt("posting list of token %d out of bounds", id)
		}
		if e.PositionOff+uint64(e.PositionSize) > h.PositionsSize {
			return corrupt("position block of token %d out of bounds", id)
		}
	}
	r.lists = make([]posting.Compressed, h.TokenCount)
	for id := range r.lists {
		e := r.entry(index.TokenID(id))
		c, err := posting.NewCompressed(e.Encoding, r.postings[e.PostingOff:e.PostingOff+uint64(e.PostingSize)], int(e.Length))
		if err != nil {
			return corrupt("token %d: %v", id, err)
		}
		r.lists[id] = c
	}
	for i := 1; i < int(h.PointCount); i++ {
		if r.countPoint(i-1) >= r.countPoint(i) {
			return corrupt("point counts not ascending at entry %d", i)
		}
	}
	return nil
}

func (r *Reader) vocabOffset(i int) int {
	return int(binary.LittleEndian.Uint32(r.vocabOffs[4*i:]))
}

func (r *Reader) term(id int) []byte {
	return r.vocabTerms[r.vocabOffset(id):r.vocabOffset(id+1)]
}

func (r *Reader) entry(id index.TokenID) index.TokenHeader {
	b := r.dir[int(id)*DirEntrySize:]
	return index.TokenHeader{
		Length:       binary.LittleEndian.Uint32(b[0:4]),
		Encoding:     posting.Encoding(b[4]),
		PosCodec:     posting.PositionCodec(b[5]),
		PostingOff:   binary.LittleEndian.Uint64(b[8:16]),
		PostingSize:  binary.LittleEndian.Uint32(b[16:20]),
		PositionSize: binary.LittleEndian.Uint32(b[20:24]),
		PositionOff:  binary.LittleEndian.Uint64(b[24:32]),
	}
}

func (r *Reader) compressed(id index.TokenID) (posting.Compressed, index.TokenHeader) {
	return r.lists[id], r.entry(id)
}

func (r *Reader) valid(id index.TokenID) bool { return id < r.header.TokenCount }

// Path returns the mapped file path.
func (r *Reader) Path() string { return r.path }

// Size returns the size of the index file, in bytes.
func (r *Reader) Size() int64 { return int64(len(r.data)) }

func (r *Reader) Header() Header { return r.header }

// Retain adds a reference to the mapping. Every Retain must be paired with a
// Release before Close can return.
func (r *Reader) Retain() { r.wg.Add(1) }

// Release removes a reference added by Retain.
func (r *Reader) Release() { r.wg.Done() }

// Close waits until all references are released, then unmaps the file.
func (r *Reader) Close() error {
	r.wg.Wait()
	data := r.data
	r.data, r.dir, r.postings, r.positions, r.counts, r.vocabOffs, r.vocabTerms = nil, nil, nil, nil, nil, nil, nil
	r.lists = nil
	return munmap(data)
}

func (r *Reader) TokenID(term string) (index.TokenID, bool) {
	key := []byte(term)
	n := int(r.header.TokenCount)
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(r.term(i), key) >= 0
	})
	if i < n && bytes.Equal(r.term(i), key) {
		return index.TokenID(i), true
	}
	return 0, false
}

func (r *Reader) PostingLen(id index.TokenID) int {
	if !r.valid(id) {
		return 0
	}
	return int(binary.LittleEndian.Uint32(r.dir[int(id)*DirEntrySize:]))
}

func (r *Reader) Postings(id index.TokenID, hw *hwcounter.Cell) (posting.List, error) {
	if !r.valid(id) {
		return posting.List{}, nil
	}
	c := r.lists[id]
	hw.AddPayloadIndexRead(c.Size())
	return c.Decode()
}

func (r *Reader) Contains(id index.TokenID, point index.PointOffset, hw *hwcounter.Cell) bool {
	if !r.valid(id) {
		return false
	}
	hw.AddPayloadIndexRead(4)
	return r.lists[id].Contains(point)
}

func (r *Reader) PositionsOf(id index.TokenID, hw *hwcounter.Cell) (index.TokenPositions, error) {
	if !r.HasPositions() {
		return nil, index.ErrNoPositions
	}
	if !r.valid(id) {
		return nil, fmt.Errorf("unknown token id %d", id)
	}
	c, e := r.compressed(id)
	list, err := c.Decode()
	if err != nil {
		return nil, err
	}
	block := r.positions[e.PositionOff : e.PositionOff+uint64(e.PositionSize)]
	hw.AddPayloadIndexRead(c.Size() + len(block))
	return index.NewFrozenPositions(list, e.PosCodec, block)
}

func (r *Reader) HasPositions() bool { return r.header.Flags&FlagPositions != 0 }

func (r *Reader) PointsCount() int { return int(r.header.PointCount) }

func (r *Reader) countPoint(i int) index.PointOffset {
	return binary.LittleEndian.Uint32(r.counts[CountEntrySize*i:])
}

func (r *Reader) ValuesCount(point index.PointOffset) int {
	n := int(r.header.PointCount)
	i := sort.Search(n, func(i int) bool { return r.countPoint(i) >= point })
	if i == n || r.countPoint(i) != point {
		return 0
	}
	return int(binary.LittleEndian.Uint32(r.counts[CountEntrySize*i+4:]))
}

func (r *Reader) TokensCount() int { return int(r.header.TokenCount) }

func (r *Reader) ForEachToken(fn func(term string, id index.TokenID, postingLen int) bool) {
	for id := 0; id < int(r.header.TokenCount); id++ {
		if !fn(string(r.term(id)), index.TokenID(id), r.PostingLen(index.TokenID(id))) {
			return
		}
	}
}

func (r *Reader) Immutable() bool { return true }
