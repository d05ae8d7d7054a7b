package decoder

import "testing"

func TestDecodeAt(t *testing.T) {
	tests := []struct {
		name         string
		raw          []byte
		wantMnemonic string
		wantReturn   bool
		wantCall     bool
		wantBranch   bool
	}{
		{
			name:         "ret",
			raw:          []byte{0xC0, 0x03, 0x5F, 0xD6},
			wantMnemonic: "ret",
			wantReturn:   true,
		},
		{
			name:         "nop",
			raw:          []byte{0x1F, 0x20, 0x03, 0xD5},
			wantMnemonic: "nop",
		},
		{
			name:         "bl forward",
			raw:          []byte{0x01, 0x00, 0x00, 0x94}, // BL #4
			wantMnemonic: "bl",
			wantCall:     true,
			wantBranch:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := DecodeAt(0x1000, tt.raw)
			if err != nil {
				t.Fatalf("DecodeAt: %v", err)
			}
			if inst.Mnemonic != tt.wantMnemonic {
				t.Fatalf("Mnemonic = %q, want %q", inst.Mnemonic, tt.wantMnemonic)
			}
			if inst.IsReturn != tt.wantReturn {
				t.Fatalf("IsReturn = %v, want %v", inst.IsReturn, tt.wantReturn)
			}
			if inst.IsCall != tt.wantCall {
				t.Fatalf("IsCall = %v, want %v", inst.IsCall, tt.wantCall)
			}
			if inst.IsBranch != tt.wantBranch {
				t.Fatalf("IsBranch = %v, want %v", inst.IsBranch, tt.wantBranch)
			}
		})
	}
}

func TestDecodeAtBranchTarget(t *testing.T) {
	// BL with imm26=1 -> target = addr + 4.
	inst, err := DecodeAt(0x2000, []byte{0x01, 0x00, 0x00, 0x94})
	if err != nil {
		t.Fatalf("DecodeAt: %v", err)
	}
	if !inst.HasTarget {
		t.Fatal("HasTarget = false, want true")
	}
	if inst.BranchTarget != 0x2004 {
		t.Fatalf("BranchTarget = 0x%X, want 0x2004", inst.BranchTarget)
	}
}

func TestDecodeAtInvalid(t *testing.T) {
	if _, err := DecodeAt(0x1000, []byte{0, 0, 0, 0}); err == nil {
		t.Fatal("DecodeAt: want error decoding an all-zero word, got nil")
	}
}

func TestDecodeAtTruncated(t *testing.T) {
	if _, err := DecodeAt(0x1000, []byte{0x01, 0x02}); err == nil {
		t.Fatal("DecodeAt: want error for a truncated word, got nil")
	}
}
