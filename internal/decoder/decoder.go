// Package decoder turns ARM64 code words from an NSO text segment into
// Instruction values, wrapping golang.org/x/arch/arm64/arm64asm for
// mnemonic/operand formatting and branch-target classification.
package decoder

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Instruction is one decoded ARM64 word at a fixed virtual address.
type Instruction struct {
	Addr         uint64
	Raw          [4]byte
	Mnemonic     string
	Operands     string
	IsCall       bool
	IsReturn     bool
	IsBranch     bool
	IsLoad       bool
	IsStore      bool
	HasTarget    bool
	BranchTarget uint64
}

// ErrDecode signals a word DecodeAt could not interpret. It never
// escapes a function-discovery sweep; the sweep simply stops there.
type ErrDecode struct {
	Addr uint64
	Raw  uint32
}

func (e *ErrDecode) Error() string {
	return fmt.Sprintf("decoder: cannot decode 0x%08X at 0x%X", e.Raw, e.Addr)
}

// DecodeAt decodes the 4 bytes in raw (little-endian) as the instruction
// at virtual address addr.
func DecodeAt(addr uint64, raw []byte) (Instruction, error) {
	if len(raw) < 4 {
		return Instruction{}, &ErrDecode{Addr: addr}
	}
	word := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24

	inst, err := arm64asm.Decode(raw[:4])
	if err != nil {
		return Instruction{}, &ErrDecode{Addr: addr, Raw: word}
	}

	out := Instruction{Addr: addr, Mnemonic: strings.ToLower(inst.Op.String())}
	copy(out.Raw[:], raw[:4])

	full := inst.String()
	if sp := strings.IndexByte(full, ' '); sp >= 0 {
		out.Operands = strings.TrimSpace(full[sp+1:])
	}

	switch inst.Op {
	case arm64asm.BL:
		out.IsCall = true
		out.IsBranch = true
	case arm64asm.BLR:
		out.IsCall = true
		out.IsBranch = true
	case arm64asm.B:
		out.IsBranch = true
	case arm64asm.BR:
		out.IsBranch = true
	case arm64asm.RET:
		out.IsReturn = true
	default:
		if strings.HasPrefix(out.Mnemonic, "b.") {
			out.IsBranch = true
		} else if strings.HasPrefix(out.Mnemonic, "cbz") || strings.HasPrefix(out.Mnemonic, "cbnz") ||
			strings.HasPrefix(out.Mnemonic, "tbz") || strings.HasPrefix(out.Mnemonic, "tbnz") {
			out.IsBranch = true
		}
	}

	if len(out.Mnemonic) >= 2 && out.Mnemonic[0] == 'l' && out.Mnemonic[1] == 'd' {
		out.IsLoad = true
	}
	if len(out.Mnemonic) >= 2 && out.Mnemonic[0] == 's' && out.Mnemonic[1] == 't' {
		out.IsStore = true
	}

	if out.IsBranch {
		for _, arg := range inst.Args {
			if arg == nil {
				continue
			}
			if pc, ok := arg.(arm64asm.PCRel); ok {
				out.BranchTarget = uint64(int64(addr) + int64(pc))
				out.HasTarget = true
				break
			}
		}
	}

	return out, nil
}

// Stream is a sequence of decoded instructions in address order.
type Stream []Instruction
