// Package function discovers functions in an NSO text segment by
// prologue-pattern scanning and BL call-target recovery, then
// disassembles each one with a linear sweep to a terminator.
package function

import (
	"fmt"
	"sort"

	"nsoscope/internal/decoder"
	"nsoscope/internal/nso"
	"nsoscope/internal/symtab"
)

const sweepCeiling = 10000

// BasicBlock is a contiguous, single-entry instruction range within a
// function.
type BasicBlock struct {
	Start uint64
	End   uint64
}

// Function is one discovered routine.
type Function struct {
	Address      uint64
	EndAddress   uint64
	Size         uint64
	Name         string
	Instructions []decoder.Instruction
	CallsTo      map[uint64]bool
	IsLeaf       bool
	IsThunk      bool
	IsNoreturn   bool
	BasicBlocks  []BasicBlock
}

// Table holds every function discovered in one image, keyed by entry
// address. Two functions may legitimately overlap in instruction range
// (e.g. a thunk jumping into the middle of a larger routine); the table
// keys on entry address and makes no attempt to merge or resolve that.
type Table struct {
	byAddr map[uint64]*Function
}

func newTable() *Table { return &Table{byAddr: make(map[uint64]*Function)} }

// NewRestoredTable creates an empty table meant to be filled via Restore
// by the snapshot loader, rather than by Discover.
func NewRestoredTable() *Table { return newTable() }

// Restore inserts a function summary read back from a snapshot file. A
// restored function carries no instruction listing or basic-block
// breakdown — the binary snapshot format doesn't persist either — so
// Containing/basic-block queries against a restored table only see the
// address range, not the internal structure.
func (t *Table) Restore(address, endAddress, size uint64, name string, isLeaf, isThunk, isNoreturn bool) {
	t.byAddr[address] = &Function{
		Address:    address,
		EndAddress: endAddress,
		Size:       size,
		Name:       name,
		CallsTo:    make(map[uint64]bool),
		IsLeaf:     isLeaf,
		IsThunk:    isThunk,
		IsNoreturn: isNoreturn,
	}
}

// Get returns the function whose entry address is exactly addr.
func (t *Table) Get(addr uint64) (*Function, bool) {
	f, ok := t.byAddr[addr]
	return f, ok
}

// Containing returns the function whose instruction range contains addr,
// via a linear scan over the table (acceptable at NSO function-table
// scale; no interval tree is required). When several overlapping
// functions contain addr, the one with the smallest range wins, and on
// equal ranges the lower entry address.
func (t *Table) Containing(addr uint64) (*Function, bool) {
	var best *Function
	for _, f := range t.byAddr {
		if addr < f.Address || addr >= f.EndAddress {
			continue
		}
		if best == nil {
			best = f
			continue
		}
		size, bestSize := f.EndAddress-f.Address, best.EndAddress-best.Address
		if size < bestSize || (size == bestSize && f.Address < best.Address) {
			best = f
		}
	}
	return best, best != nil
}

// All returns every function sorted by entry address.
func (t *Table) All() []*Function {
	out := make([]*Function, 0, len(t.byAddr))
	for _, f := range t.byAddr {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len reports how many functions are in the table.
func (t *Table) Len() int { return len(t.byAddr) }

type finder struct {
	img      *nso.Image
	table    *Table
	analyzed map[uint64]bool
}

// Discover runs prologue scanning followed by BL-target scanning over
// img's text segment, disassembling every seed address found, and
// returns the resulting function table.
func Discover(img *nso.Image) *Table {
	f := &finder{img: img, table: newTable(), analyzed: make(map[uint64]bool)}
	f.scanPrologues()
	f.scanCallTargets()
	return f.table
}

func (f *finder) scanPrologues() {
	code := f.img.Text.Data
	base := f.img.TextBase()
	for off := 0; off+4 <= len(code); off += 4 {
		if isPrologue(code[off:]) {
			addr := base + uint64(off)
			if _, ok := f.table.byAddr[addr]; !ok {
				f.analyzeFunction(addr)
			}
		}
	}
}

func (f *finder) scanCallTargets() {
	code := f.img.Text.Data
	base := f.img.TextBase()
	size := uint64(len(code))

	var targets []uint64
	for off := 0; off+4 <= len(code); off += 4 {
		insn := uint32(code[off]) | uint32(code[off+1])<<8 | uint32(code[off+2])<<16 | uint32(code[off+3])<<24
		if insn&0xFC000000 != 0x94000000 {
			continue
		}
		imm26 := int64(insn & 0x03FFFFFF)
		// Sign-extend from bit 25 (the 26-bit immediate field), not a
		// 32-bit mask: bit 25 set means the value is negative.
		if imm26&0x02000000 != 0 {
			imm26 |= ^int64(0x03FFFFFF)
		}
		target := int64(base+uint64(off)) + (imm26 << 2)
		if target >= 0 && uint64(target) >= base && uint64(target) < base+size {
			targets = append(targets, uint64(target))
		}
	}

	for _, target := range targets {
		if _, ok := f.table.byAddr[target]; !ok {
			f.analyzeFunction(target)
		}
	}
}

// isPrologue matches the three bit-level patterns a function entry point
// commonly begins with: STP X29,X30,[SP,#imm]!, SUB SP,SP,#imm, and
// PACIASP.
func isPrologue(code []byte) bool {
	if len(code) < 4 {
		return false
	}
	insn := uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24

	if insn&0xFFC003E0 == 0xA9800000 {
		rt := insn & 0x1F
		rt2 := (insn >> 10) & 0x1F
		if rt == 29 && rt2 == 30 {
			return true
		}
	}
	if insn&0xFF0003FF == 0xD10003FF {
		return true
	}
	if insn == 0xD503233F {
		return true
	}
	return false
}

func (f *finder) analyzeFunction(addr uint64) *Function {
	if f.analyzed[addr] {
		return f.table.byAddr[addr]
	}
	f.analyzed[addr] = true

	textBase := f.img.TextBase()
	textEnd := textBase + uint64(len(f.img.Text.Data))
	if addr < textBase || addr >= textEnd {
		return nil
	}

	insns := sweep(f.img, addr, textEnd)
	if len(insns) == 0 {
		return nil
	}

	last := insns[len(insns)-1]
	fn := &Function{
		Address:      addr,
		EndAddress:   last.Addr + 4,
		Name:         fmt.Sprintf("FUN_%x", addr),
		Instructions: insns,
		CallsTo:      make(map[uint64]bool),
		IsLeaf:       true,
	}
	fn.Size = fn.EndAddress - fn.Address

	for _, insn := range insns {
		if insn.IsCall && insn.BranchTarget != 0 {
			fn.CallsTo[insn.BranchTarget] = true
			fn.IsLeaf = false
		}
	}
	if len(insns) == 1 && insns[0].IsBranch {
		fn.IsThunk = true
	}

	computeBasicBlocks(fn)
	f.table.byAddr[addr] = fn
	return fn
}

func sweep(img *nso.Image, start, textEnd uint64) []decoder.Instruction {
	var out []decoder.Instruction
	addr := start
	for addr+4 <= textEnd {
		raw, err := img.ReadMemory(addr, 4)
		if err != nil {
			break
		}
		inst, err := decoder.DecodeAt(addr, raw)
		if err != nil {
			break
		}
		out = append(out, inst)
		addr += 4
		if inst.IsReturn {
			break
		}
		if len(out) >= sweepCeiling {
			break
		}
	}
	return out
}

func computeBasicBlocks(fn *Function) {
	leaders := map[uint64]bool{fn.Address: true}
	for _, insn := range fn.Instructions {
		if insn.IsBranch || insn.IsCall {
			next := insn.Addr + 4
			if next < fn.EndAddress {
				leaders[next] = true
			}
			if insn.BranchTarget >= fn.Address && insn.BranchTarget < fn.EndAddress {
				leaders[insn.BranchTarget] = true
			}
		}
	}
	sorted := make([]uint64, 0, len(leaders))
	for l := range leaders {
		sorted = append(sorted, l)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fn.BasicBlocks = fn.BasicBlocks[:0]
	for i, start := range sorted {
		end := fn.EndAddress
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		fn.BasicBlocks = append(fn.BasicBlocks, BasicBlock{Start: start, End: end})
	}
}

// Classify runs post-discovery passes over the table: marking
// non-returning functions and adopting resolved symbol names. It mirrors
// the corpus's chain-of-responsibility Detector pattern, applied here to
// function classification instead of call-finding enrichment.
func Classify(t *Table, syms *symtab.Table) {
	classifiers := []func(*Function, *symtab.Table){classifyNoreturn, classifySymbolName}
	for _, fn := range t.byAddr {
		for _, c := range classifiers {
			c(fn, syms)
		}
	}
}

func classifyNoreturn(fn *Function, syms *symtab.Table) {
	if len(fn.Instructions) == 0 {
		return
	}
	last := fn.Instructions[len(fn.Instructions)-1]
	if last.IsCall && syms != nil && syms.IsAbort(last.BranchTarget) {
		fn.IsNoreturn = true
		return
	}
	if last.IsBranch && !last.IsCall && last.HasTarget {
		for _, bb := range fn.BasicBlocks {
			if bb.Start == last.BranchTarget && bb.End == fn.EndAddress {
				fn.IsNoreturn = true
				return
			}
		}
	}
}

func classifySymbolName(fn *Function, syms *symtab.Table) {
	if syms == nil {
		return
	}
	if name, ok := syms.Resolve(fn.Address); ok {
		fn.Name = name
	}
}
