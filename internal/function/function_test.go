package function

import (
	"testing"

	"nsoscope/internal/nso"
)

const testBase = 0x7100000000

func newTestImage(text []byte) *nso.Image {
	return &nso.Image{
		Base: testBase,
		Text: nso.Segment{Kind: nso.Text, MemOffset: 0, Size: uint32(len(text)), Data: text},
	}
}

func TestDiscoverCallerAndCallee(t *testing.T) {
	text := []byte{
		0xFF, 0x43, 0x00, 0xD1, // sub sp, sp, #0x10  (prologue)
		0x03, 0x00, 0x00, 0x94, // bl imm26=3 -> target = testBase+4 + 3*4 = testBase+16
		0xC0, 0x03, 0x5F, 0xD6, // ret
		0x1F, 0x20, 0x03, 0xD5, // nop (filler, not a prologue match)
		0xC0, 0x03, 0x5F, 0xD6, // ret (call target, reached only via BL scan)
	}
	img := newTestImage(text)
	table := Discover(img)

	if table.Len() != 2 {
		t.Fatalf("table.Len() = %d, want 2", table.Len())
	}

	caller, ok := table.Get(testBase)
	if !ok {
		t.Fatal("expected a function at the entry address")
	}
	if len(caller.Instructions) != 3 {
		t.Fatalf("caller instructions = %d, want 3", len(caller.Instructions))
	}
	if caller.IsLeaf {
		t.Fatal("caller calls another function, IsLeaf should be false")
	}
	if !caller.CallsTo[testBase+16] {
		t.Fatalf("caller.CallsTo missing target 0x%X: %v", testBase+16, caller.CallsTo)
	}

	callee, ok := table.Get(testBase + 16)
	if !ok {
		t.Fatal("expected the BL target to be discovered as a function")
	}
	if !callee.IsLeaf {
		t.Fatal("callee makes no calls, IsLeaf should be true")
	}
	if len(callee.Instructions) != 1 {
		t.Fatalf("callee instructions = %d, want 1", len(callee.Instructions))
	}
}

func TestDiscoverEmptyText(t *testing.T) {
	table := Discover(newTestImage(nil))
	if table.Len() != 0 {
		t.Fatalf("table.Len() = %d, want 0 for empty text", table.Len())
	}
}

func TestRestoreAndContaining(t *testing.T) {
	table := NewRestoredTable()
	table.Restore(0x100, 0x110, 0x10, "restored_fn", true, false, false)

	fn, ok := table.Get(0x100)
	if !ok {
		t.Fatal("expected restored function to be retrievable by address")
	}
	if fn.Name != "restored_fn" {
		t.Fatalf("Name = %q, want restored_fn", fn.Name)
	}
	if len(fn.Instructions) != 0 {
		t.Fatalf("restored function should carry no instructions, got %d", len(fn.Instructions))
	}

	containing, ok := table.Containing(0x108)
	if !ok || containing.Address != 0x100 {
		t.Fatalf("Containing(0x108) = %v, %v; want function at 0x100", containing, ok)
	}
}

func TestClassifyWithNilSymbols(t *testing.T) {
	text := []byte{
		0xFF, 0x43, 0x00, 0xD1, // sub sp, sp, #0x10  (prologue, so the function is discovered)
		0xC0, 0x03, 0x5F, 0xD6, // ret
	}
	table := Discover(newTestImage(text))
	// Must not panic when no symbol table is available.
	Classify(table, nil)
	fn, ok := table.Get(testBase)
	if !ok {
		t.Fatal("expected a function at the entry address")
	}
	if fn.IsNoreturn {
		t.Fatal("a function ending in ret should not be classified as noreturn")
	}
}
