package strtab

import (
	"testing"

	"nsoscope/internal/nso"
)

const testBase = 0x7100000000

func TestFindRecoversString(t *testing.T) {
	rodata := make([]byte, 64)
	copy(rodata[3:], "HELLOWORLD")
	// rodata[13] stays 0 (NUL terminator).

	img := &nso.Image{
		Base:   testBase,
		Rodata: nso.Segment{Kind: nso.Rodata, MemOffset: 0, Size: uint32(len(rodata)), Data: rodata},
	}

	table := Find(img)

	entry, ok := table.At(testBase + 3)
	if !ok {
		t.Fatal("expected a string at rodata offset 3")
	}
	if entry.Value != "HELLOWORLD" {
		t.Fatalf("Value = %q, want HELLOWORLD", entry.Value)
	}

	// The chunk-boundary worker that starts mid-string must not report a
	// duplicate, truncated copy of the same string.
	if table.Len() != 1 {
		t.Fatalf("table.Len() = %d, want 1 (no chunk-boundary duplicate), entries: %v", table.Len(), table.All())
	}
}

func TestFindSkipsShortRuns(t *testing.T) {
	rodata := make([]byte, 32)
	copy(rodata[0:], "hi") // shorter than minLength

	img := &nso.Image{
		Base:   testBase,
		Rodata: nso.Segment{Kind: nso.Rodata, MemOffset: 0, Size: uint32(len(rodata)), Data: rodata},
	}
	table := Find(img)
	if table.Len() != 0 {
		t.Fatalf("table.Len() = %d, want 0 for a too-short run", table.Len())
	}
}

func TestSearchCaseInsensitive(t *testing.T) {
	entries := []Entry{
		{Address: 0x10, Value: "Hello World", Length: 11},
		{Address: 0x20, Value: "goodbye", Length: 7},
	}
	table := FromEntries(entries)

	got := table.Search("WORLD")
	if len(got) != 1 || got[0].Address != 0x10 {
		t.Fatalf("Search(WORLD) = %v, want one match at 0x10", got)
	}
}

func TestFindEmptyRodata(t *testing.T) {
	img := &nso.Image{Base: testBase}
	table := Find(img)
	if table.Len() != 0 {
		t.Fatalf("table.Len() = %d, want 0 for empty rodata", table.Len())
	}
}
