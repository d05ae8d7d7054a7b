package snapshot

import (
	"os"
	"testing"

	"nsoscope/internal/function"
	"nsoscope/internal/strtab"
	"nsoscope/internal/xref"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "snapshot-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewStore()
	if err != nil {
		t.Fatal(err)
	}
	store.SetBaseDir(tmpDir)

	funcs := function.NewRestoredTable()
	funcs.Restore(0x7100000000, 0x7100000010, 0x10, "FUN_7100000000", true, false, false)
	funcs.Restore(0x7100000020, 0x7100000030, 0x10, "noreturn_fn", false, true, true)

	strs := strtab.FromEntries([]strtab.Entry{
		{Address: 0x7200000000, Value: "hello world", Length: 11},
	})

	xrefs := xref.FromEntries([]xref.XRef{
		{FromAddress: 0x7100000000, FromFunction: 0x7100000000, FromFuncName: "FUN_7100000000", ToAddress: 0x7100000020, Type: xref.Call, Description: "function call"},
	})

	const buildID = "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"

	if err := store.Save(buildID, 0x1000, 0x2000, 0x3000, funcs, strs, xrefs); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.Has(buildID) {
		t.Fatal("Has: want true after Save")
	}

	snap, err := store.Load(buildID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if snap.Header.FunctionCnt != 2 {
		t.Fatalf("FunctionCnt = %d, want 2", snap.Header.FunctionCnt)
	}
	if snap.Header.StringCnt != 1 {
		t.Fatalf("StringCnt = %d, want 1", snap.Header.StringCnt)
	}
	if snap.Header.XRefCnt != 1 {
		t.Fatalf("XRefCnt = %d, want 1", snap.Header.XRefCnt)
	}
	if snap.Header.TextSize != 0x1000 || snap.Header.RodataSize != 0x2000 || snap.Header.DataSize != 0x3000 {
		t.Fatalf("segment sizes = %d/%d/%d, want 0x1000/0x2000/0x3000",
			snap.Header.TextSize, snap.Header.RodataSize, snap.Header.DataSize)
	}

	restored, ok := snap.Funcs.Get(0x7100000020)
	if !ok {
		t.Fatal("expected restored function at 0x7100000020")
	}
	if !restored.IsNoreturn || !restored.IsThunk {
		t.Fatalf("restored flags wrong: %+v", restored)
	}

	entry, ok := snap.Strings.At(0x7200000000)
	if !ok || entry.Value != "hello world" {
		t.Fatalf("restored string = %+v, ok=%v", entry, ok)
	}

	calls := snap.XRefs.CallsFrom(0x7100000000)
	if len(calls) != 1 || calls[0].ToAddress != 0x7100000020 {
		t.Fatalf("restored xrefs = %v, want one call to 0x7100000020", calls)
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "snapshot-test-missing")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewStore()
	if err != nil {
		t.Fatal(err)
	}
	store.SetBaseDir(tmpDir)

	if store.Has("nonexistent") {
		t.Fatal("Has: want false for a never-saved build id")
	}
	if _, err := store.Load("nonexistent"); err == nil {
		t.Fatal("Load: want error for a never-saved build id")
	}
}

func TestListAndDelete(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "snapshot-test-list")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewStore()
	if err != nil {
		t.Fatal(err)
	}
	store.SetBaseDir(tmpDir)

	buildID := "1111111111111111111111111111111111111111111111111111111111111111"
	funcs := function.NewRestoredTable()
	strs := strtab.FromEntries(nil)
	xrefs := xref.FromEntries(nil)
	if err := store.Save(buildID, 0, 0, 0, funcs, strs, xrefs); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("List() = %v, want exactly one entry", ids)
	}

	if err := store.Delete(buildID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.Has(buildID) {
		t.Fatal("Has: want false after Delete")
	}
}
