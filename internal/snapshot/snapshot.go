// Package snapshot persists and restores an analyzed image's function,
// string, and xref tables to a binary cache file keyed by build ID, so a
// repeat analysis of the same NSO can skip straight to querying.
//
// Unlike the implementation this format was ported from — whose loader
// reads only the header and never repopulates the in-memory tables —
// Load here is a complete round-trip reader.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"nsoscope/internal/function"
	"nsoscope/internal/strtab"
	"nsoscope/internal/xref"
)

const (
	magic   uint32 = 0x4F4C494B // "KILO"
	version uint32 = 1

	buildIDFieldSize = 64
	headerSize       = 4 + 4 + buildIDFieldSize + 8*6
)

// Header mirrors the on-disk ProgressHeader layout exactly.
type Header struct {
	Magic        uint32
	Version      uint32
	BuildID      string
	FunctionCnt  uint64
	StringCnt    uint64
	XRefCnt      uint64
	TextSize     uint64
	RodataSize   uint64
	DataSize     uint64
}

// Snapshot is the fully reconstructed result of loading a progress file.
type Snapshot struct {
	Header  Header
	Funcs   *function.Table
	Strings *strtab.Table
	XRefs   *xref.Graph
}

// Store manages the on-disk directory of snapshot files.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at <executableDir>/nsoscope/snapshots.
func NewStore() (*Store, error) {
	exe, err := os.Executable()
	dir := "."
	if err == nil {
		dir = filepath.Dir(exe)
	}
	return &Store{baseDir: filepath.Join(dir, "nsoscope", "snapshots")}, nil
}

// SetBaseDir overrides the store's root directory.
func (s *Store) SetBaseDir(dir string) { s.baseDir = dir }

// BaseDir returns the store's current root directory.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) dirFor(buildID string) string {
	shortID := buildID
	if len(shortID) > 16 {
		shortID = shortID[:16]
	}
	return filepath.Join(s.baseDir, shortID)
}

func (s *Store) pathFor(buildID string) string {
	return filepath.Join(s.dirFor(buildID), "progress.bin")
}

// Has reports whether a snapshot exists for buildID.
func (s *Store) Has(buildID string) bool {
	_, err := os.Stat(s.pathFor(buildID))
	return err == nil
}

// Save writes the given tables to the snapshot file for buildID.
func (s *Store) Save(buildID string, textSize, rodataSize, dataSize uint64, funcs *function.Table, strs *strtab.Table, xrefs *xref.Graph) error {
	dir := s.dirFor(buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	f, err := os.Create(s.pathFor(buildID))
	if err != nil {
		return fmt.Errorf("snapshot: create file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	allFuncs := funcs.All()
	allStrings := strs.All()
	allXRefs := xrefs.All()

	h := Header{
		Magic: magic, Version: version, BuildID: buildID,
		FunctionCnt: uint64(len(allFuncs)), StringCnt: uint64(len(allStrings)), XRefCnt: uint64(len(allXRefs)),
		TextSize: textSize, RodataSize: rodataSize, DataSize: dataSize,
	}
	if err := writeHeader(w, h); err != nil {
		return err
	}
	if err := writeFunctions(w, allFuncs); err != nil {
		return err
	}
	if err := writeStrings(w, allStrings); err != nil {
		return err
	}
	if err := writeXRefs(w, allXRefs); err != nil {
		return err
	}
	return w.Flush()
}

// Load reads the snapshot for buildID back into full in-memory tables.
func (s *Store) Load(buildID string) (*Snapshot, error) {
	f, err := os.Open(s.pathFor(buildID))
	if err != nil {
		return nil, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Magic != magic {
		return nil, fmt.Errorf("snapshot: bad magic 0x%08X", h.Magic)
	}
	if h.Version != version {
		return nil, fmt.Errorf("snapshot: unsupported version %d", h.Version)
	}

	funcs, err := readFunctions(r, h.FunctionCnt)
	if err != nil {
		return nil, err
	}
	strs, err := readStrings(r, h.StringCnt)
	if err != nil {
		return nil, err
	}
	xrefs, err := readXRefs(r, h.XRefCnt)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Header: h, Funcs: funcs, Strings: strs, XRefs: xref.FromEntries(xrefs)}, nil
}

// List enumerates every build ID with a saved snapshot, read from each
// progress.bin's header (not from the directory name, which is
// truncated to 16 characters).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.baseDir, e.Name(), "progress.bin")
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h, err := readHeader(bufio.NewReader(f))
		f.Close()
		if err != nil || h.Magic != magic {
			continue
		}
		out = append(out, h.BuildID)
	}
	return out, nil
}

// Delete removes the snapshot directory for buildID.
func (s *Store) Delete(buildID string) error {
	return os.RemoveAll(s.dirFor(buildID))
}

func writeHeader(w io.Writer, h Header) error {
	var idBuf [buildIDFieldSize]byte
	copy(idBuf[:], h.BuildID)

	fields := []any{h.Magic, h.Version}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("snapshot: write header: %w", err)
		}
	}
	if _, err := w.Write(idBuf[:]); err != nil {
		return fmt.Errorf("snapshot: write build id: %w", err)
	}
	counts := []uint64{h.FunctionCnt, h.StringCnt, h.XRefCnt, h.TextSize, h.RodataSize, h.DataSize}
	for _, c := range counts {
		if err := binary.Write(w, binary.LittleEndian, c); err != nil {
			return fmt.Errorf("snapshot: write header: %w", err)
		}
	}
	return nil
}

func readHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return h, fmt.Errorf("snapshot: read magic: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return h, fmt.Errorf("snapshot: read version: %w", err)
	}
	var idBuf [buildIDFieldSize]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return h, fmt.Errorf("snapshot: read build id: %w", err)
	}
	h.BuildID = cStringTrim(idBuf[:])

	counts := make([]*uint64, 6)
	counts[0], counts[1], counts[2] = &h.FunctionCnt, &h.StringCnt, &h.XRefCnt
	counts[3], counts[4], counts[5] = &h.TextSize, &h.RodataSize, &h.DataSize
	for _, c := range counts {
		if err := binary.Read(r, binary.LittleEndian, c); err != nil {
			return h, fmt.Errorf("snapshot: read header: %w", err)
		}
	}
	return h, nil
}

func cStringTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

const (
	flagLeaf     = 1
	flagThunk    = 2
	flagNoreturn = 4
)

func writeFunctions(w io.Writer, funcs []*function.Function) error {
	for _, fn := range funcs {
		if err := binary.Write(w, binary.LittleEndian, fn.Address); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, fn.EndAddress); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, fn.Size); err != nil {
			return err
		}
		var flags byte
		if fn.IsLeaf {
			flags |= flagLeaf
		}
		if fn.IsThunk {
			flags |= flagThunk
		}
		if fn.IsNoreturn {
			flags |= flagNoreturn
		}
		if err := binary.Write(w, binary.LittleEndian, flags); err != nil {
			return err
		}
		if err := writeString(w, fn.Name); err != nil {
			return err
		}
	}
	return nil
}

// Record is a restored function summary — the subset of function.Function
// the binary format actually persists. Full instruction listings are not
// part of the snapshot; re-disassembling requires the live NSO image.
type Record struct {
	Address    uint64
	EndAddress uint64
	Size       uint64
	IsLeaf     bool
	IsThunk    bool
	IsNoreturn bool
	Name       string
}

func readFunctions(r io.Reader, count uint64) (*function.Table, error) {
	t := function.NewRestoredTable()
	for i := uint64(0); i < count; i++ {
		var rec Record
		if err := binary.Read(r, binary.LittleEndian, &rec.Address); err != nil {
			return nil, fmt.Errorf("snapshot: read function: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.EndAddress); err != nil {
			return nil, fmt.Errorf("snapshot: read function: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.Size); err != nil {
			return nil, fmt.Errorf("snapshot: read function: %w", err)
		}
		var flags byte
		if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
			return nil, fmt.Errorf("snapshot: read function: %w", err)
		}
		rec.IsLeaf = flags&flagLeaf != 0
		rec.IsThunk = flags&flagThunk != 0
		rec.IsNoreturn = flags&flagNoreturn != 0
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("snapshot: read function name: %w", err)
		}
		rec.Name = name
		t.Restore(rec.Address, rec.EndAddress, rec.Size, rec.Name, rec.IsLeaf, rec.IsThunk, rec.IsNoreturn)
	}
	return t, nil
}

func writeStrings(w io.Writer, entries []strtab.Entry) error {
	for _, e := range entries {
		if err := binary.Write(w, binary.LittleEndian, e.Address); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(e.Length)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, byte(0)); err != nil { // is_wide: always false
			return err
		}
		if err := writeString(w, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader, count uint64) (*strtab.Table, error) {
	entries := make([]strtab.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var addr, length uint64
		var isWide byte
		if err := binary.Read(r, binary.LittleEndian, &addr); err != nil {
			return nil, fmt.Errorf("snapshot: read string: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("snapshot: read string: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &isWide); err != nil {
			return nil, fmt.Errorf("snapshot: read string: %w", err)
		}
		value, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("snapshot: read string value: %w", err)
		}
		entries = append(entries, strtab.Entry{Address: addr, Value: value, Length: int(length)})
	}
	return strtab.FromEntries(entries), nil
}

func writeXRefs(w io.Writer, entries []xref.XRef) error {
	for _, e := range entries {
		if err := binary.Write(w, binary.LittleEndian, e.FromAddress); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.ToAddress); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, byte(e.Type)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.FromFunction); err != nil {
			return err
		}
		if err := writeString(w, e.Description); err != nil {
			return err
		}
		if err := writeString(w, e.FromFuncName); err != nil {
			return err
		}
	}
	return nil
}

func readXRefs(r io.Reader, count uint64) ([]xref.XRef, error) {
	out := make([]xref.XRef, 0, count)
	for i := uint64(0); i < count; i++ {
		var e xref.XRef
		var t byte
		if err := binary.Read(r, binary.LittleEndian, &e.FromAddress); err != nil {
			return nil, fmt.Errorf("snapshot: read xref: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &e.ToAddress); err != nil {
			return nil, fmt.Errorf("snapshot: read xref: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
			return nil, fmt.Errorf("snapshot: read xref: %w", err)
		}
		e.Type = xref.Type(t)
		if err := binary.Read(r, binary.LittleEndian, &e.FromFunction); err != nil {
			return nil, fmt.Errorf("snapshot: read xref: %w", err)
		}
		desc, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("snapshot: read xref description: %w", err)
		}
		e.Description = desc
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("snapshot: read xref function name: %w", err)
		}
		e.FromFuncName = name
		out = append(out, e)
	}
	return out, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
