// Package facade is the read-only query surface external tools (CLI, TUI)
// use to inspect an analyzed NSO image. It owns the loaded image and the
// four analysis tables (symbols, functions, strings, xrefs). Strings,
// xrefs and instructions are handed back as copies; functions and the
// image itself are handed back as pointers shared with the facade, for
// read-only use.
package facade

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"nsoscope/internal/decoder"
	"nsoscope/internal/function"
	"nsoscope/internal/nso"
	"nsoscope/internal/pseudocode"
	"nsoscope/internal/snapshot"
	"nsoscope/internal/strtab"
	"nsoscope/internal/symtab"
	"nsoscope/internal/xref"
)

// Sentinel errors, wrapped with %w at each call site per the corpus's
// fmt.Errorf idiom.
var (
	ErrNotLoaded         = errors.New("facade: no image loaded")
	ErrAddressOutOfRange = errors.New("facade: address out of range")
	ErrNotFound          = errors.New("facade: not found")
	ErrParse             = errors.New("facade: cannot parse address")
)

// Analyzer coordinates loading, analysis, and querying of one NSO image.
type Analyzer struct {
	img      *nso.Image
	syms     *symtab.Table
	funcs    *function.Table
	strings  *strtab.Table
	xrefs    *xref.Graph
	store    *snapshot.Store
	analyzed bool
}

// New creates an unloaded Analyzer backed by the given snapshot store.
func New(store *snapshot.Store) *Analyzer {
	return &Analyzer{store: store}
}

// LoadNso opens and decompresses the NSO at path.
func (a *Analyzer) LoadNso(path string) error {
	img, err := nso.Open(path)
	if err != nil {
		return fmt.Errorf("facade: load: %w", err)
	}
	a.img = img
	a.syms = nil
	a.funcs = nil
	a.strings = nil
	a.xrefs = nil
	a.analyzed = false
	return nil
}

// Analyze runs the full discovery pipeline: symbol table, function
// discovery, string recovery, cross-references. It is the single
// analysis epoch; the only other state changes are LoadNso, which clears
// the tables, and Load, which swaps in tables read from a snapshot.
func (a *Analyzer) Analyze() error {
	if a.img == nil {
		return ErrNotLoaded
	}
	a.syms = symtab.Load(a.img)
	a.funcs = function.Discover(a.img)
	function.Classify(a.funcs, a.syms)
	a.strings = strtab.Find(a.img)
	a.xrefs = xref.Build(a.img, a.funcs)
	a.analyzed = true
	return nil
}

// BuildID returns the loaded image's build ID.
func (a *Analyzer) BuildID() (string, error) {
	if a.img == nil {
		return "", ErrNotLoaded
	}
	return a.img.BuildID, nil
}

// Image exposes the loaded image (read-only use expected by callers).
func (a *Analyzer) Image() (*nso.Image, error) {
	if a.img == nil {
		return nil, ErrNotLoaded
	}
	return a.img, nil
}

// DisassembleAt disassembles count instructions starting at address.
func (a *Analyzer) DisassembleAt(address uint64, count int) ([]decoder.Instruction, error) {
	if a.img == nil {
		return nil, ErrNotLoaded
	}
	out := make([]decoder.Instruction, 0, count)
	addr := address
	for i := 0; i < count; i++ {
		raw, err := a.img.ReadMemory(addr, 4)
		if err != nil {
			break
		}
		inst, err := decoder.DecodeAt(addr, raw)
		if err != nil {
			break
		}
		out = append(out, inst)
		addr += 4
	}
	return out, nil
}

// FunctionAt returns the function whose entry address is exactly address.
func (a *Analyzer) FunctionAt(address uint64) (*function.Function, error) {
	if a.funcs == nil {
		return nil, ErrNotLoaded
	}
	f, ok := a.funcs.Get(address)
	if !ok {
		return nil, fmt.Errorf("%w: function at 0x%X", ErrNotFound, address)
	}
	return f, nil
}

// FunctionContaining returns the function whose instruction range
// contains address.
func (a *Analyzer) FunctionContaining(address uint64) (*function.Function, error) {
	if a.funcs == nil {
		return nil, ErrNotLoaded
	}
	f, ok := a.funcs.Containing(address)
	if !ok {
		return nil, fmt.Errorf("%w: function containing 0x%X", ErrNotFound, address)
	}
	return f, nil
}

// Functions returns every discovered function, sorted by address.
func (a *Analyzer) Functions() ([]*function.Function, error) {
	if a.funcs == nil {
		return nil, ErrNotLoaded
	}
	return a.funcs.All(), nil
}

// PseudocodeAt renders the pseudocode listing for the function at
// address.
func (a *Analyzer) PseudocodeAt(address uint64) (string, error) {
	fn, err := a.FunctionAt(address)
	if err != nil {
		return "", err
	}
	return pseudocode.Generate(fn, a.funcs), nil
}

// RefsTo returns every xref targeting address.
func (a *Analyzer) RefsTo(address uint64) ([]xref.XRef, error) {
	if a.xrefs == nil {
		return nil, ErrNotLoaded
	}
	return a.xrefs.RefsTo(address), nil
}

// RefsFrom returns every xref originating at address.
func (a *Analyzer) RefsFrom(address uint64) ([]xref.XRef, error) {
	if a.xrefs == nil {
		return nil, ErrNotLoaded
	}
	return a.xrefs.RefsFrom(address), nil
}

// SearchStrings returns every recovered string containing pattern.
func (a *Analyzer) SearchStrings(pattern string) ([]strtab.Entry, error) {
	if a.strings == nil {
		return nil, ErrNotLoaded
	}
	return a.strings.Search(pattern), nil
}

// FindStringExact returns the address of the first recovered string with
// exactly the given value, if any.
func (a *Analyzer) FindStringExact(value string) (uint64, error) {
	if a.strings == nil {
		return 0, ErrNotLoaded
	}
	for _, e := range a.strings.All() {
		if e.Value == value {
			return e.Address, nil
		}
	}
	return 0, fmt.Errorf("%w: string %q", ErrNotFound, value)
}

// Save persists the current analysis to the snapshot store.
func (a *Analyzer) Save() error {
	if !a.analyzed {
		return ErrNotLoaded
	}
	return a.store.Save(a.img.BuildID, uint64(len(a.img.Text.Data)), uint64(len(a.img.Rodata.Data)), uint64(len(a.img.Data.Data)), a.funcs, a.strings, a.xrefs)
}

// Load restores a prior analysis for the currently loaded image's build
// ID from the snapshot store. It only swaps in the new tables after a
// fully successful read, so a failed load leaves prior state untouched.
func (a *Analyzer) Load() error {
	if a.img == nil {
		return ErrNotLoaded
	}
	snap, err := a.store.Load(a.img.BuildID)
	if err != nil {
		return fmt.Errorf("facade: load snapshot: %w", err)
	}
	a.funcs = snap.Funcs
	a.strings = snap.Strings
	a.xrefs = snap.XRefs
	a.analyzed = true
	return nil
}

// ExportTextDump writes a full address-ordered disassembly+pseudocode
// dump of every function to path.
func (a *Analyzer) ExportTextDump(path string) error {
	if a.funcs == nil {
		return ErrNotLoaded
	}
	var sb strings.Builder
	for _, fn := range a.funcs.All() {
		sb.WriteString(pseudocode.Generate(fn, a.funcs))
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// ExportFunctions writes a one-line-per-function summary to path.
func (a *Analyzer) ExportFunctions(path string) error {
	if a.funcs == nil {
		return ErrNotLoaded
	}
	var sb strings.Builder
	for _, fn := range a.funcs.All() {
		fmt.Fprintf(&sb, "0x%X\t%s\tsize=%d\tleaf=%v\tthunk=%v\tnoreturn=%v\n",
			fn.Address, fn.Name, fn.Size, fn.IsLeaf, fn.IsThunk, fn.IsNoreturn)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// ExportStrings writes a one-line-per-string listing to path.
func (a *Analyzer) ExportStrings(path string) error {
	if a.strings == nil {
		return ErrNotLoaded
	}
	entries := a.strings.All()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "0x%X\t%s\n", e.Address, escapeUnprintable(e.Value))
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// ParseAddressOrName parses a decimal number, a 0x-prefixed hex literal,
// or a FUN_<hex>/SUB_<hex> token into a virtual address.
func ParseAddressOrName(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	named := false
	if after, ok := strings.CutPrefix(s, "FUN_"); ok {
		s, named = after, true
	} else if after, ok := strings.CutPrefix(s, "SUB_"); ok {
		s, named = after, true
	}
	if named {
		v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrParse, s)
		}
		return v, nil
	}
	if after, ok := strings.CutPrefix(s, "0x"); ok {
		v, err := strconv.ParseUint(after, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrParse, s)
		}
		return v, nil
	}
	if v, err := strconv.ParseUint(s, 16, 64); err == nil && strings.ContainsAny(s, "abcdefABCDEF") {
		return v, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrParse, s)
	}
	return v, nil
}

func escapeUnprintable(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			fmt.Fprintf(&sb, "\\x%02X", r)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
