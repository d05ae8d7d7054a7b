// Package symtab resolves function addresses to names using the optional
// MOD0 dynamic symbol table embedded in an NSO image, demangling C++/Rust
// symbols along the way.
package symtab

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"nsoscope/internal/nso"
)

// Symbol is one resolved dynamic symbol.
type Symbol struct {
	Addr      uint64
	Name      string
	Demangled string
}

// Table maps addresses to resolved symbols for one image.
type Table struct {
	byAddr map[uint64]Symbol
}

// demangleCache mirrors the corpus's mutex-guarded memoizing wrapper
// around demangle.Filter: symbol names repeat heavily across a function
// table, and demangling is comparatively expensive.
type demangleCache struct {
	mu    sync.RWMutex
	cache map[string]string
}

var cache = &demangleCache{cache: make(map[string]string)}

// CachedDemangle demangles a possibly-mangled symbol name, memoizing the
// result. Unmangled names (most C symbols) pass through unchanged.
func CachedDemangle(mangled string) string {
	cache.mu.RLock()
	if v, ok := cache.cache[mangled]; ok {
		cache.mu.RUnlock()
		return v
	}
	cache.mu.RUnlock()

	demangled := demangle.Filter(mangled, demangle.NoClones)

	cache.mu.Lock()
	cache.cache[mangled] = demangled
	cache.mu.Unlock()
	return demangled
}

// elf64Sym is the on-disk layout of an Elf64_Sym entry, which the MOD0
// "extended" layout used by common homebrew toolchains reuses verbatim
// for .dynsym.
type elf64Sym struct {
	NameOff uint32
	Info    byte
	Other   byte
	Shndx   uint16
	Value   uint64
	Size    uint64
}

const elf64SymSize = 24

// Load parses the MOD0 header pointed to by the int32 offset stored at
// text+4, then walks .dynsym/.dynstr if the extended MOD0 layout is
// present. Returns an empty, non-nil Table (never an error) when no MOD0
// region or dynamic symbol table is found — symbol enrichment is always
// optional.
func Load(img *nso.Image) *Table {
	t := &Table{byAddr: make(map[uint64]Symbol)}

	if len(img.Text.Data) < 8 {
		return t
	}
	mod0Rel := int32(binary.LittleEndian.Uint32(img.Text.Data[4:8]))
	mod0Off := int64(4) + int64(mod0Rel)
	if mod0Off < 0 || mod0Off+0x1C > int64(len(img.Text.Data)) {
		return t
	}
	mod0 := img.Text.Data[mod0Off:]
	if string(mod0[0:4]) != "MOD0" {
		return t
	}
	// Extended MOD0 header layout (toolchain convention):
	// +0x00 magic "MOD0"
	// +0x04 dynamic_offset (relative to MOD0 base)
	// +0x08 bss_start_offset
	// +0x0C bss_end_offset
	// +0x10 unwind_start_offset
	// +0x14 unwind_end_offset
	// +0x18 module_offset
	if len(mod0) < 0x1C {
		return t
	}
	dynOff := int32(binary.LittleEndian.Uint32(mod0[0x04:0x08]))
	dynBase := mod0Off + int64(dynOff)
	if dynBase < 0 || dynBase >= int64(len(img.Text.Data)) {
		return t
	}

	dynstrOff, dynsymOff, dynsymSz, ok := scanDynamic(img.Text.Data[dynBase:])
	if !ok {
		return t
	}
	strTabStart := int64(dynstrOff)
	if strTabStart < 0 || strTabStart >= int64(len(img.Text.Data)) {
		return t
	}
	strTab := img.Text.Data[strTabStart:]

	symStart := int64(dynsymOff)
	if symStart < 0 || symStart+int64(dynsymSz) > int64(len(img.Text.Data)) {
		return t
	}
	symBytes := img.Text.Data[symStart : symStart+int64(dynsymSz)]

	for i := 0; i+elf64SymSize <= len(symBytes); i += elf64SymSize {
		var s elf64Sym
		s.NameOff = binary.LittleEndian.Uint32(symBytes[i : i+4])
		s.Value = binary.LittleEndian.Uint64(symBytes[i+8 : i+16])
		if s.Value == 0 {
			continue
		}
		name := cString(strTab, int(s.NameOff))
		if name == "" {
			continue
		}
		addr := img.Base + s.Value
		t.byAddr[addr] = Symbol{Addr: addr, Name: name, Demangled: CachedDemangle(name)}
	}
	return t
}

// scanDynamic walks an Elf64_Dyn array up to DT_NULL looking for
// DT_STRTAB (5) and DT_SYMTAB (6); the symbol table's size is taken from
// the gap between the two. It returns offsets relative to the text
// segment, not virtual addresses, since MOD0 headers encode them as
// module-relative.
func scanDynamic(data []byte) (strtab, symtab uint64, symtabSz uint64, ok bool) {
	const (
		dtNull   = 0
		dtStrtab = 5
		dtSymtab = 6
		dtStrsz  = 10
	)
	var strsz uint64
	haveStrtab, haveSymtab := false, false
	for i := 0; i+16 <= len(data); i += 16 {
		tag := binary.LittleEndian.Uint64(data[i : i+8])
		val := binary.LittleEndian.Uint64(data[i+8 : i+16])
		switch tag {
		case dtNull:
			if haveStrtab && haveSymtab {
				// Symbol table runs from its offset up to the string
				// table (the conventional ordering). If the string
				// table precedes it, the size stays 0 and no symbols
				// are read.
				if strtab > symtab {
					symtabSz = strtab - symtab
				}
				return strtab, symtab, symtabSz, true
			}
			return 0, 0, 0, false
		case dtStrtab:
			strtab = val
			haveStrtab = true
		case dtSymtab:
			symtab = val
			haveSymtab = true
		case dtStrsz:
			strsz = val
		}
	}
	_ = strsz
	return 0, 0, 0, false
}

func cString(buf []byte, off int) string {
	if off < 0 || off >= len(buf) {
		return ""
	}
	end := off
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

// Resolve returns the (possibly demangled) name of the symbol at addr, if
// one was found during Load.
func (t *Table) Resolve(addr uint64) (string, bool) {
	sym, ok := t.byAddr[addr]
	if !ok {
		return "", false
	}
	if sym.Demangled != "" {
		return sym.Demangled, true
	}
	return sym.Name, true
}

// IsAbort reports whether the symbol at addr looks like a process-ending
// call (abort/panic/exit family) — used by function classification to
// flag non-returning functions that call into the runtime to terminate.
func (t *Table) IsAbort(addr uint64) bool {
	name, ok := t.Resolve(addr)
	if !ok {
		return false
	}
	lower := strings.ToLower(name)
	return strings.Contains(lower, "abort") || strings.Contains(lower, "panic") ||
		strings.Contains(lower, "::exit") || strings.HasPrefix(lower, "exit")
}

// Len reports how many symbols were resolved.
func (t *Table) Len() int { return len(t.byAddr) }
