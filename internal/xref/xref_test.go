package xref

import (
	"testing"

	"nsoscope/internal/function"
	"nsoscope/internal/nso"
)

const testBase = 0x7100000000

func TestBuildCallAndAdrpFusion(t *testing.T) {
	text := []byte{
		0xFF, 0x43, 0x00, 0xD1, // sub sp, sp, #0x10  (prologue, function A)
		0x03, 0x00, 0x00, 0x94, // bl -> testBase+16
		0xC0, 0x03, 0x5F, 0xD6, // ret
		0x1F, 0x20, 0x03, 0xD5, // nop filler
		0x00, 0x00, 0x00, 0x90, // adrp x0, <page of testBase>  (function B, reached via bl target)
		0x00, 0x80, 0x00, 0x91, // add x0, x0, #0x20
		0xC0, 0x03, 0x5F, 0xD6, // ret
	}
	img := &nso.Image{
		Base: testBase,
		Text: nso.Segment{Kind: nso.Text, MemOffset: 0, Size: uint32(len(text)), Data: text},
	}

	table := function.Discover(img)
	if table.Len() != 2 {
		t.Fatalf("table.Len() = %d, want 2", table.Len())
	}

	graph := Build(img, table)

	calls := graph.CallsFrom(testBase)
	if len(calls) != 1 {
		t.Fatalf("CallsFrom(entry) = %d entries, want 1", len(calls))
	}
	if calls[0].ToAddress != testBase+16 {
		t.Fatalf("call target = 0x%X, want 0x%X", calls[0].ToAddress, testBase+16)
	}

	loads := graph.RefsFrom(testBase + 16)
	var found bool
	for _, x := range loads {
		if x.Type == AddressLoad && x.ToAddress == testBase+32 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an AddressLoad xref from 0x%X to 0x%X, got %v", testBase+16, testBase+32, loads)
	}
}

func TestGraphEmpty(t *testing.T) {
	img := &nso.Image{Base: testBase}
	table := function.Discover(img)
	graph := Build(img, table)
	if graph.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", graph.Len())
	}
}

func TestFromEntriesRebuildsIndices(t *testing.T) {
	entries := []XRef{
		{FromAddress: 0x10, ToAddress: 0x20, Type: Call},
		{FromAddress: 0x14, ToAddress: 0x20, Type: Jump},
	}
	g := FromEntries(entries)
	if len(g.RefsTo(0x20)) != 2 {
		t.Fatalf("RefsTo(0x20) = %d, want 2", len(g.RefsTo(0x20)))
	}
	if len(g.RefsFrom(0x10)) != 1 {
		t.Fatalf("RefsFrom(0x10) = %d, want 1", len(g.RefsFrom(0x10)))
	}
}
