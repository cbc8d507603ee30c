// Package segment persists a compacted text index as a single file that is
// memory-mapped for reading.
package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/index"
)

// File layout, all little-endian:
//
//	header      64 bytes
//	directory   32 bytes per token
//	postings    encoded posting lists, 8-byte aligned
//	positions   encoded position blocks
//	counts      (point, distinct-token count) uint32 pairs sorted by point
//	vocabulary  uint32 offsets (tokens+1) followed by term bytes
//	footer      xxhash64 of everything before it, then magic
const (
	FileName            = "text_index.ti"
	Magic        uint32 = 0x49585450 // "PTXI"
	Version      uint32 = 2
	HeaderSize          = 64
	DirEntrySize        = 32
	CountEntrySize      = 8
	FooterSize          = 16
)

// Header flags.
const (
	FlagPositions uint32 = 1 << iota
)

// Header is the fixed-size prefix of an index file. Sections follow the
// header back to back, so only their sizes are stored.
type Header struct {
	Magic         uint32
	Version       uint32
	Flags         uint32
	TokenCount    uint32
	PointCount    uint32
	DirSize       uint64
	PostingsSize  uint64
	PositionsSize uint64
	CountsSize    uint64
	VocabSize     uint64
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.Flags)
	binary.LittleEndian.PutUint32(b[12:16], h.TokenCount)
	binary.LittleEndian.PutUint32(b[16:20], h.PointCount)
	binary.LittleEndian.PutUint64(b[24:32], h.DirSize)
	binary.LittleEndian.PutUint64(b[32:40], h.PostingsSize)
	binary.LittleEndian.PutUint64(b[40:48], h.PositionsSize)
	binary.LittleEndian.PutUint64(b[48:56], h.CountsSize)
	binary.LittleEndian.PutUint64(b[56:64], h.VocabSize)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Magic:         binary.LittleEndian.Uint32(b[0:4]),
		Version:       binary.LittleEndian.Uint32(b[4:8]),
		Flags:         binary.LittleEndian.Uint32(b[8:12]),
		TokenCount:    binary.LittleEndian.Uint32(b[12:16]),
		PointCount:    binary.LittleEndian.Uint32(b[16:20]),
		DirSize:       binary.LittleEndian.Uint64(b[24:32]),
		PostingsSize:  binary.LittleEndian.Uint64(b[32:40]),
		PositionsSize: binary.LittleEndian.Uint64(b[40:48]),
		CountsSize:    binary.LittleEndian.Uint64(b[48:56]),
		VocabSize:     binary.LittleEndian.Uint64(b[56:64]),
	}
}

func encodeDirEntry(b []byte, h index.TokenHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.Length)
	b[4] = byte(h.Encoding)
	b[5] = byte(h.PosCodec)
	binary.LittleEndian.PutUint64(b[8:16], h.PostingOff)
	binary.LittleEndian.PutUint32(b[16:20], h.PostingSize)
	binary.LittleEndian.PutUint32(b[20:24], h.PositionSize)
	binary.LittleEndian.PutUint64(b[24:32], h.PositionOff)
}

// Write atomically creates dir/text_index.ti from l. It writes to a .tmp file,
// syncs, and renames on success. The output depends only on l, so writing
// the same layout twice yields identical bytes.
func Write(dir string, l *index.Layout) (string, error) {
	finalPath := filepath.Join(dir, FileName)
	tmpPath := finalPath + ".tmp"

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating index directory: %w", err)
	}
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp index file: %w", err)
	}
	defer f.Close()

	if err := writeTo(f, l); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Sync(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing index file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming index file: %w", err)
	}
	return finalPath, nil
}

func writeTo(w io.Writer, l *index.Layout) error {
	var vocabLen int
	for _, t := range l.Terms {
		vocabLen += len(t)
	}
	h := Header{
		Magic:         Magic,
		Version:       Version,
		TokenCount:    uint32(len(l.Terms)),
		PointCount:    uint32(l.PointsCount),
		DirSize:       uint64(DirEntrySize * len(l.Headers)),
		PostingsSize:  uint64(len(l.Postings)),
		PositionsSize: uint64(len(l.Positions)),
		CountsSize:    uint64(CountEntrySize * len(l.PointCounts)),
		VocabSize:     uint64(4*(len(l.Terms)+1) + vocabLen),
	}
	if l.WithPositions {
		h.Flags |= FlagPositions
	}

	sum := xxhash.New()
	bw := bufio.NewWriter(io.MultiWriter(w, sum))
	write := func(section string, b []byte) error {
		if _, err := bw.Write(b); err != nil {
			return fmt.Errorf("writing %s: %w", section, err)
		}
		return nil
	}

	if err := write("header", h.encode()); err != nil {
		return err
	}
	entry := make([]byte, DirEntrySize)
	for _, th := range l.Headers {
		clear(entry)
		encodeDirEntry(entry, th)
		if err := write("directory", entry); err != nil {
			return err
		}
	}
	if err := write("postings", l.Postings); err != nil {
		return err
	}
	if err := write("positions", l.Positions); err != nil {
		return err
	}
	counts := make([]byte, h.CountsSize)
	for i, pc := range l.PointCounts {
		binary.LittleEndian.PutUint32(counts[CountEntrySize*i:], pc.Point)
		binary.LittleEndian.PutUint32(counts[CountEntrySize*i+4:], pc.Count)
	}
	if err := write("point counts", counts); err != nil {
		return err
	}
	offsets := make([]byte, 4*(len(l.Terms)+1))
	var off uint32
	for i, t := range l.Terms {
		binary.LittleEndian.PutUint32(offsets[4*i:], off)
		off += uint32(len(t))
	}
	binary.LittleEndian.PutUint32(offsets[4*len(l.Terms):], off)
	if err := write("vocabulary", offsets); err != nil {
		return err
	}
	for _, t := range l.Terms {
		if _, err := bw.WriteString(t); err != nil {
			return fmt.Errorf("writing vocabulary: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing index file: %w", err)
	}

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(footer[0:8], sum.Sum64())
	binary.LittleEndian.PutUint32(footer[8:12], Magic)
	if _, err := w.Write(footer); err != nil {
		return fmt.Errorf("writing footer: %w", err)
	}
	return nil
}
