// Package xref builds the cross-reference graph between code and data: a
// per-instruction pass over every function's calls and branches, fused
// with a single-threaded ADRP+ADD/LDR page-address recovery pass for data
// pointers.
package xref

import (
	"sort"
	"sync"

	"nsoscope/internal/function"
	"nsoscope/internal/nso"
)

const numWorkers = 32

// Type identifies the kind of relationship an XRef records.
type Type int

const (
	Call Type = iota
	Jump
	AddressLoad
	DataRead
)

func (t Type) String() string {
	switch t {
	case Call:
		return "call"
	case Jump:
		return "jump"
	case AddressLoad:
		return "address_load"
	case DataRead:
		return "data_read"
	default:
		return "unknown"
	}
}

// XRef is one recorded reference from a code address to a target.
type XRef struct {
	FromAddress  uint64
	FromFunction uint64
	FromFuncName string
	ToAddress    uint64
	Type         Type
	Description  string
}

// Graph holds every xref discovered in one image, plus reverse indices by
// target and by source.
type Graph struct {
	entries []XRef
	toIndex map[uint64][]int
	frIndex map[uint64][]int
}

// Build runs the per-instruction pass (parallel across functions) and the
// ADRP-pair fusion pass (single-threaded) over every function in table,
// returning the resulting graph.
func Build(img *nso.Image, table *function.Table) *Graph {
	fns := table.All()

	chunkSize := len(fns)/numWorkers + 1
	if chunkSize < 1 {
		chunkSize = 1
	}
	results := make([][]XRef, numWorkers)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * chunkSize
		if start >= len(fns) {
			break
		}
		end := start + chunkSize
		if end > len(fns) {
			end = len(fns)
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			var local []XRef
			for _, fn := range fns[start:end] {
				for _, insn := range fn.Instructions {
					if insn.IsCall && insn.BranchTarget != 0 {
						local = append(local, XRef{
							FromAddress:  insn.Addr,
							FromFunction: fn.Address,
							FromFuncName: fn.Name,
							ToAddress:    insn.BranchTarget,
							Type:         Call,
							Description:  "function call",
						})
					} else if insn.IsBranch && insn.BranchTarget != 0 {
						local = append(local, XRef{
							FromAddress:  insn.Addr,
							FromFunction: fn.Address,
							FromFuncName: fn.Name,
							ToAddress:    insn.BranchTarget,
							Type:         Jump,
							Description:  "branch",
						})
					}
				}
			}
			results[w] = local
		}(w, start, end)
	}
	wg.Wait()

	g := &Graph{toIndex: make(map[uint64][]int), frIndex: make(map[uint64][]int)}
	for w := 0; w < numWorkers; w++ {
		g.entries = append(g.entries, results[w]...)
	}

	// Phase 3: ADRP-pair fusion, single-threaded (needs image reads).
	for _, fn := range fns {
		for _, insn := range fn.Instructions {
			if insn.Mnemonic == "adrp" {
				if xr, ok := resolveAdrpSequence(img, table, insn.Addr); ok {
					g.entries = append(g.entries, xr)
				}
			}
		}
	}

	for i, e := range g.entries {
		g.toIndex[e.ToAddress] = append(g.toIndex[e.ToAddress], i)
		g.frIndex[e.FromAddress] = append(g.frIndex[e.FromAddress], i)
	}
	return g
}

func resolveAdrpSequence(img *nso.Image, table *function.Table, address uint64) (XRef, bool) {
	code, err := img.ReadMemory(address, 8)
	if err != nil {
		return XRef{}, false
	}
	adrp := u32(code[0:4])
	next := u32(code[4:8])

	if adrp&0x9F000000 != 0x90000000 {
		return XRef{}, false
	}
	rd := adrp & 0x1F
	immhi := int64((adrp >> 5) & 0x7FFFF)
	immlo := int64((adrp >> 29) & 0x3)
	imm := (immhi << 2) | immlo
	if imm&0x100000 != 0 {
		imm |= ^int64(0x1FFFFF) // sign-extend from bit 20 of a 21-bit field
	}
	pageAddr := uint64(int64(address&^uint64(0xFFF)) + (imm << 12))

	var finalAddr uint64
	t := AddressLoad

	switch {
	case next&0xFF800000 == 0x91000000: // ADD Xd, Xn, #imm12
		rn := (next >> 5) & 0x1F
		if rn == rd {
			imm12 := (next >> 10) & 0xFFF
			finalAddr = pageAddr + uint64(imm12)
		}
	case next&0xFFC00000 == 0xF9400000: // LDR Xd, [Xn, #imm12] (scale 8)
		rn := (next >> 5) & 0x1F
		if rn == rd {
			imm12 := ((next >> 10) & 0xFFF) * 8
			finalAddr = pageAddr + uint64(imm12)
			t = DataRead
		}
	case next&0xFFC00000 == 0xB9400000: // LDR Wd, [Xn, #imm12] (scale 4)
		rn := (next >> 5) & 0x1F
		if rn == rd {
			imm12 := ((next >> 10) & 0xFFF) * 4
			finalAddr = pageAddr + uint64(imm12)
			t = DataRead
		}
	}

	if finalAddr == 0 {
		return XRef{}, false
	}

	xr := XRef{FromAddress: address, ToAddress: finalAddr, Type: t}
	if t == DataRead {
		xr.Description = "data read"
	} else {
		xr.Description = "address load"
	}
	if fn, ok := table.Containing(address); ok {
		xr.FromFunction = fn.Address
		xr.FromFuncName = fn.Name
	}
	return xr, true
}

func u32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// RefsTo returns every xref targeting address, in discovery order.
func (g *Graph) RefsTo(address uint64) []XRef {
	return g.collect(g.toIndex[address])
}

// RefsFrom returns every xref originating at address.
func (g *Graph) RefsFrom(address uint64) []XRef {
	return g.collect(g.frIndex[address])
}

func (g *Graph) collect(idxs []int) []XRef {
	out := make([]XRef, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, g.entries[i])
	}
	return out
}

// CallsTo returns every Call-type xref targeting funcAddress.
func (g *Graph) CallsTo(funcAddress uint64) []XRef {
	var out []XRef
	for _, e := range g.entries {
		if e.ToAddress == funcAddress && e.Type == Call {
			out = append(out, e)
		}
	}
	return out
}

// CallsFrom returns every Call-type xref originating in funcAddress.
func (g *Graph) CallsFrom(funcAddress uint64) []XRef {
	var out []XRef
	for _, e := range g.entries {
		if e.FromFunction == funcAddress && e.Type == Call {
			out = append(out, e)
		}
	}
	return out
}

// RodataRefs returns every xref whose target lies within the rodata
// segment.
func (g *Graph) RodataRefs(img *nso.Image) []XRef {
	start := img.RodataBase()
	end := start + uint64(img.Rodata.Size)
	var out []XRef
	for _, e := range g.entries {
		if e.ToAddress >= start && e.ToAddress < end {
			out = append(out, e)
		}
	}
	return out
}

// All returns every xref sorted by from-address, primarily for snapshot
// persistence.
func (g *Graph) All() []XRef {
	out := append([]XRef(nil), g.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].FromAddress < out[j].FromAddress })
	return out
}

// Len reports the total number of xrefs in the graph.
func (g *Graph) Len() int { return len(g.entries) }

// FromEntries rebuilds a Graph's reverse indices from a flat slice of
// entries — used by the snapshot loader, which reads XRefRecords back
// into memory without re-running analysis.
func FromEntries(entries []XRef) *Graph {
	g := &Graph{entries: entries, toIndex: make(map[uint64][]int), frIndex: make(map[uint64][]int)}
	for i, e := range g.entries {
		g.toIndex[e.ToAddress] = append(g.toIndex[e.ToAddress], i)
		g.frIndex[e.FromAddress] = append(g.frIndex[e.FromAddress], i)
	}
	return g
}
