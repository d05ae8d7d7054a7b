// Package nso parses Nintendo Switch NSO0 executables: the header, the
// three LZ4-compressed segments (text, rodata, data), and the build ID.
package nso

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pierrec/lz4/v4"
)

const (
	magic          = 0x304F534E // "NSO0" little-endian
	headerSize     = 0x100
	defaultBaseVA  = 0x7100000000
	buildIDRawSize = 32
)

// SegmentKind identifies one of the three loaded segments.
type SegmentKind int

const (
	Text SegmentKind = iota
	Rodata
	Data
)

func (k SegmentKind) String() string {
	switch k {
	case Text:
		return "text"
	case Rodata:
		return "rodata"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Segment is one decompressed region of the image, mapped at MemOffset
// bytes above the image base address.
type Segment struct {
	Kind      SegmentKind
	FileOff   uint32
	MemOffset uint32
	Size      uint32
	Data      []byte
}

type segHeader struct {
	FileOff   uint32
	MemOffset uint32
	DecompSz  uint32
}

// Image is a fully loaded, decompressed NSO. It owns the only copies of
// segment bytes; callers receive addresses and read through ReadMemory.
type Image struct {
	BuildID string // 64 uppercase hex chars
	Base    uint64
	Text    Segment
	Rodata  Segment
	Data    Segment
}

// Open reads and fully decompresses the NSO at path.
func Open(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nso: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decompresses an in-memory NSO image.
func Parse(raw []byte) (*Image, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("nso: file too small (%d bytes)", len(raw))
	}
	if got := binary.LittleEndian.Uint32(raw[0:4]); got != magic {
		return nil, fmt.Errorf("nso: bad magic 0x%08X", got)
	}

	flags := binary.LittleEndian.Uint32(raw[0x0C:0x10])
	text := segHeader{
		FileOff:   binary.LittleEndian.Uint32(raw[0x10:0x14]),
		MemOffset: binary.LittleEndian.Uint32(raw[0x14:0x18]),
		DecompSz:  binary.LittleEndian.Uint32(raw[0x18:0x1C]),
	}
	rodata := segHeader{
		FileOff:   binary.LittleEndian.Uint32(raw[0x20:0x24]),
		MemOffset: binary.LittleEndian.Uint32(raw[0x24:0x28]),
		DecompSz:  binary.LittleEndian.Uint32(raw[0x28:0x2C]),
	}
	data := segHeader{
		FileOff:   binary.LittleEndian.Uint32(raw[0x30:0x34]),
		MemOffset: binary.LittleEndian.Uint32(raw[0x34:0x38]),
		DecompSz:  binary.LittleEndian.Uint32(raw[0x38:0x3C]),
	}

	buildIDRaw := raw[0x40 : 0x40+buildIDRawSize]
	buildID := fmt.Sprintf("%X", buildIDRaw) // 32 bytes -> 64 uppercase hex chars

	textCompSz := binary.LittleEndian.Uint32(raw[0x60:0x64])
	rodataCompSz := binary.LittleEndian.Uint32(raw[0x64:0x68])
	dataCompSz := binary.LittleEndian.Uint32(raw[0x68:0x6C])

	img := &Image{BuildID: buildID, Base: defaultBaseVA}

	var err error
	img.Text, err = loadSegment(raw, Text, text, textCompSz, flags&0x1 != 0)
	if err != nil {
		return nil, err
	}
	img.Rodata, err = loadSegment(raw, Rodata, rodata, rodataCompSz, flags&0x2 != 0)
	if err != nil {
		return nil, err
	}
	img.Data, err = loadSegment(raw, Data, data, dataCompSz, flags&0x4 != 0)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func loadSegment(raw []byte, kind SegmentKind, h segHeader, compSz uint32, compressed bool) (Segment, error) {
	seg := Segment{Kind: kind, FileOff: h.FileOff, MemOffset: h.MemOffset, Size: h.DecompSz}

	if !compressed {
		end := int(h.FileOff) + int(h.DecompSz)
		if end > len(raw) || int(h.FileOff) < 0 {
			return Segment{}, fmt.Errorf("nso: %s segment out of range", kind)
		}
		seg.Data = append([]byte(nil), raw[h.FileOff:end]...)
		return seg, nil
	}

	end := int(h.FileOff) + int(compSz)
	if end > len(raw) || int(h.FileOff) < 0 {
		return Segment{}, fmt.Errorf("nso: %s compressed region out of range", kind)
	}
	src := raw[h.FileOff:end]
	dst := make([]byte, h.DecompSz)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return Segment{}, fmt.Errorf("nso: %s LZ4 decompress: %w", kind, err)
	}
	if uint32(n) != h.DecompSz {
		return Segment{}, fmt.Errorf("nso: %s decompressed to %d bytes, want %d", kind, n, h.DecompSz)
	}
	seg.Data = dst
	return seg, nil
}

// segmentAt returns the segment containing virtual address va, in
// text/rodata/data priority order, and the offset within it.
func (img *Image) segmentAt(va uint64) (*Segment, uint64, bool) {
	if va < img.Base {
		return nil, 0, false
	}
	off := va - img.Base
	for _, seg := range []*Segment{&img.Text, &img.Rodata, &img.Data} {
		start := uint64(seg.MemOffset)
		end := start + uint64(seg.Size)
		if off >= start && off < end {
			return seg, off - start, true
		}
	}
	return nil, 0, false
}

// SegmentContaining reports which segment (if any) owns va.
func (img *Image) SegmentContaining(va uint64) (SegmentKind, bool) {
	seg, _, ok := img.segmentAt(va)
	if !ok {
		return 0, false
	}
	return seg.Kind, true
}

// ReadMemory copies n bytes starting at virtual address va. It returns an
// error if the requested range is not entirely within one segment.
func (img *Image) ReadMemory(va uint64, n int) ([]byte, error) {
	seg, off, ok := img.segmentAt(va)
	if !ok {
		return nil, fmt.Errorf("nso: address 0x%X not mapped", va)
	}
	if off+uint64(n) > uint64(len(seg.Data)) {
		return nil, fmt.Errorf("nso: read of %d bytes at 0x%X exceeds %s segment", n, va, seg.Kind)
	}
	out := make([]byte, n)
	copy(out, seg.Data[off:off+uint64(n)])
	return out, nil
}

// ReadU32 reads a little-endian 32-bit word at va.
func (img *Image) ReadU32(va uint64) (uint32, error) {
	b, err := img.ReadMemory(va, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadCString reads a NUL-terminated string at va, up to maxLen bytes.
func (img *Image) ReadCString(va uint64, maxLen int) (string, error) {
	seg, off, ok := img.segmentAt(va)
	if !ok {
		return "", fmt.Errorf("nso: address 0x%X not mapped", va)
	}
	remaining := seg.Data[off:]
	if len(remaining) > maxLen {
		remaining = remaining[:maxLen]
	}
	if idx := bytes.IndexByte(remaining, 0); idx >= 0 {
		return string(remaining[:idx]), nil
	}
	return string(remaining), nil
}

// TextBase, RodataBase, DataBase return the virtual address of the start
// of each segment.
func (img *Image) TextBase() uint64   { return img.Base + uint64(img.Text.MemOffset) }
func (img *Image) RodataBase() uint64 { return img.Base + uint64(img.Rodata.MemOffset) }
func (img *Image) DataBase() uint64   { return img.Base + uint64(img.Data.MemOffset) }
