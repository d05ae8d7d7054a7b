package symtab

import (
	"encoding/binary"
	"testing"

	"nsoscope/internal/nso"
)

const testBase = 0x7100000000

// buildMod0Text assembles a synthetic text segment carrying a MOD0 header,
// an extended dynamic section, a two-entry dynsym table and its dynstr
// backing store, laid out the way a real NSO's text segment does:
//
//	0x04       mod0Rel (int32, relative to offset 4)
//	0x20       "MOD0" header (extended layout, 0x1C bytes)
//	0x3C       Elf64_Dyn array: DT_STRTAB, DT_SYMTAB, DT_NULL
//	0x70       Elf64_Sym[2] (24 bytes each)
//	0xA0       dynstr: "abort_handler\0do_work\0"
func buildMod0Text() []byte {
	const (
		mod0Off = 0x20
		dynBase = 0x3C
		symOff  = 0x70
		strOff  = 0xA0
	)
	buf := make([]byte, 0xC0)

	binary.LittleEndian.PutUint32(buf[4:8], uint32(mod0Off-4))

	copy(buf[mod0Off:mod0Off+4], "MOD0")
	binary.LittleEndian.PutUint32(buf[mod0Off+4:mod0Off+8], uint32(dynBase-mod0Off))

	putDyn := func(off int, tag, val uint64) {
		binary.LittleEndian.PutUint64(buf[off:off+8], tag)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], val)
	}
	putDyn(dynBase, 5, strOff)  // DT_STRTAB
	putDyn(dynBase+16, 6, symOff) // DT_SYMTAB
	putDyn(dynBase+32, 0, 0)      // DT_NULL

	putSym := func(off int, nameOff uint32, value uint64) {
		binary.LittleEndian.PutUint32(buf[off:off+4], nameOff)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], value)
	}
	putSym(symOff, 0, 0x10)     // "abort_handler" @ base+0x10
	putSym(symOff+24, 14, 0x20) // "do_work" @ base+0x20

	copy(buf[strOff:], "abort_handler\x00do_work\x00")

	return buf
}

func TestLoadResolvesSymbols(t *testing.T) {
	img := &nso.Image{Base: testBase, Text: nso.Segment{Kind: nso.Text, Data: buildMod0Text()}}
	table := Load(img)

	if table.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", table.Len())
	}

	name, ok := table.Resolve(testBase + 0x10)
	if !ok || name != "abort_handler" {
		t.Fatalf("Resolve(base+0x10) = %q, %v; want abort_handler, true", name, ok)
	}
	name, ok = table.Resolve(testBase + 0x20)
	if !ok || name != "do_work" {
		t.Fatalf("Resolve(base+0x20) = %q, %v; want do_work, true", name, ok)
	}

	if _, ok := table.Resolve(testBase + 0x999); ok {
		t.Fatal("Resolve: want false for an address with no symbol")
	}
}

func TestIsAbort(t *testing.T) {
	img := &nso.Image{Base: testBase, Text: nso.Segment{Kind: nso.Text, Data: buildMod0Text()}}
	table := Load(img)

	if !table.IsAbort(testBase + 0x10) {
		t.Fatal("IsAbort(abort_handler) = false, want true")
	}
	if table.IsAbort(testBase + 0x20) {
		t.Fatal("IsAbort(do_work) = true, want false")
	}
	if table.IsAbort(testBase + 0x999) {
		t.Fatal("IsAbort(unknown address) = true, want false")
	}
}

func TestLoadNoMod0(t *testing.T) {
	img := &nso.Image{Base: testBase, Text: nso.Segment{Kind: nso.Text, Data: make([]byte, 32)}}
	table := Load(img)
	if table.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 when no MOD0 header is present", table.Len())
	}
}

func TestLoadTextTooShort(t *testing.T) {
	img := &nso.Image{Base: testBase, Text: nso.Segment{Kind: nso.Text, Data: []byte{1, 2, 3}}}
	table := Load(img)
	if table.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 for a too-short text segment", table.Len())
	}
}

func TestCachedDemanglePassesThroughPlainName(t *testing.T) {
	got := CachedDemangle("do_work")
	if got != "do_work" {
		t.Fatalf("CachedDemangle(do_work) = %q, want unchanged", got)
	}
	// second call should hit the memoized path and return the same value.
	if got2 := CachedDemangle("do_work"); got2 != got {
		t.Fatalf("CachedDemangle memoized result = %q, want %q", got2, got)
	}
}
