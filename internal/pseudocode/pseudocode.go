// Package pseudocode renders a function's disassembly as a C-like
// pseudocode listing: one comment line per instruction plus, for
// recognized instruction families, a templated pseudo-expression.
package pseudocode

import (
	"fmt"
	"regexp"
	"strings"

	"nsoscope/internal/decoder"
	"nsoscope/internal/function"
)

var operandRe = regexp.MustCompile(`[xwXW]\d+|sp|SP|lr|LR|#-?\d+|#0x[0-9a-fA-F]+|\[[^\]]+\]`)

// Generate renders the full pseudocode listing for fn. table is used to
// resolve call targets to names.
func Generate(fn *function.Function, table *function.Table) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "// Function: %s\n", fn.Name)
	fmt.Fprintf(&sb, "// Address: 0x%X\n", fn.Address)
	fmt.Fprintf(&sb, "// Size: %d bytes\n", fn.Size)
	fmt.Fprintf(&sb, "// Leaf: %s\n\n", yesNo(fn.IsLeaf))

	fmt.Fprintf(&sb, "void %s(void) {\n", fn.Name)
	for _, insn := range fn.Instructions {
		fmt.Fprintf(&sb, "    // 0x%X: %s %s\n", insn.Addr, insn.Mnemonic, insn.Operands)
		if pseudo := translate(insn, table); pseudo != "" {
			fmt.Fprintf(&sb, "    %s\n", pseudo)
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("}\n")
	return sb.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func translate(insn decoder.Instruction, table *function.Table) string {
	m := insn.Mnemonic
	operands := operandRe.FindAllString(insn.Operands, -1)

	switch {
	case m == "mov" && len(operands) >= 2:
		return formatRegister(operands[0]) + " = " + formatRegister(operands[1]) + ";"
	case m == "add" && len(operands) >= 3:
		return formatRegister(operands[0]) + " = " + formatRegister(operands[1]) + " + " + formatRegister(operands[2]) + ";"
	case m == "sub" && len(operands) >= 3:
		return formatRegister(operands[0]) + " = " + formatRegister(operands[1]) + " - " + formatRegister(operands[2]) + ";"
	case m == "mul" && len(operands) >= 3:
		return formatRegister(operands[0]) + " = " + formatRegister(operands[1]) + " * " + formatRegister(operands[2]) + ";"
	case (m == "ldr" || m == "ldrsw" || m == "ldrb" || m == "ldrh") && len(operands) >= 2:
		return formatRegister(operands[0]) + " = *(" + operands[1] + ");"
	case (m == "str" || m == "strb" || m == "strh") && len(operands) >= 2:
		return "*(" + operands[1] + ") = " + formatRegister(operands[0]) + ";"
	case m == "bl" && insn.BranchTarget != 0:
		name := fmt.Sprintf("FUN_%x", insn.BranchTarget)
		if target, ok := table.Get(insn.BranchTarget); ok {
			name = target.Name
		}
		return name + "();"
	case m == "ret":
		return "return;"
	case m == "cmp" && len(operands) >= 2:
		return "// compare " + formatRegister(operands[0]) + ", " + formatRegister(operands[1])
	case len(m) > 1 && m[0] == 'b' && m != "bl" && insn.IsBranch:
		cond := m[1:]
		return fmt.Sprintf("if (%s) goto 0x%x;", cond, insn.BranchTarget)
	case m == "b" && insn.BranchTarget != 0:
		return fmt.Sprintf("goto 0x%x;", insn.BranchTarget)
	case m == "stp":
		return "// save registers to stack"
	case m == "ldp":
		return "// load registers from stack"
	case m == "adrp":
		return "// load page address"
	case m == "nop":
		return "// nop"
	default:
		return ""
	}
}

// formatRegister canonicalizes one operand token: lowercased, with
// x30/lr collapsed to lr, x29/fp collapsed to fp, xzr/wzr collapsed to
// the literal 0, and a leading '#' stripped from immediates.
func formatRegister(reg string) string {
	if reg == "" {
		return reg
	}
	r := strings.ToLower(reg)
	if r[0] == '#' {
		return r[1:]
	}
	switch r {
	case "sp":
		return "sp"
	case "lr", "x30":
		return "lr"
	case "fp", "x29":
		return "fp"
	case "xzr", "wzr":
		return "0"
	default:
		return r
	}
}

// GenerateAll renders pseudocode for every function in the table, keyed
// by entry address.
func GenerateAll(table *function.Table) map[uint64]string {
	out := make(map[uint64]string, table.Len())
	for _, fn := range table.All() {
		out[fn.Address] = Generate(fn, table)
	}
	return out
}
